// Package transfer redirects an active Twilio call to a human agent by
// replacing the call's instructions with a hold notice and a dial-out.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

var (
	// ErrCallNotFound means the call identifier no longer matches an
	// active call (hung up, or never existed).
	ErrCallNotFound = errors.New("transfer: call not found")

	// ErrCallEnded means the call exists but is no longer in progress,
	// so its instructions cannot be replaced.
	ErrCallEnded = errors.New("transfer: call already ended")
)

// DefaultTimeout bounds the synchronous call-control update.
const DefaultTimeout = 5 * time.Second

// holdNotice is spoken to the caller before dialing the agent.
const holdNotice = "I understand. Please hold while I connect you to a human agent."

// Twilio error code for updating a call that is not in progress.
const codeCallNotInProgress = 21220

// Config holds transfer controller configuration.
type Config struct {
	AccountSID     string
	AuthToken      string
	TransferNumber string        // destination a human agent answers at
	Timeout        time.Duration // defaults to DefaultTimeout
	Logger         *slog.Logger
}

// Controller issues call-control redirects. It implements
// relay.Transferrer.
type Controller struct {
	api    *twilio.RestClient
	number string
	logger *slog.Logger
}

// NewController creates a transfer controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("transfer: account SID and auth token are required")
	}
	if cfg.TransferNumber == "" {
		return nil, errors.New("transfer: transfer number is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	rc.Client.SetTimeout(cfg.Timeout)

	return &Controller{
		api:    rc,
		number: cfg.TransferNumber,
		logger: cfg.Logger,
	}, nil
}

// Transfer replaces the call's instructions so the caller hears a brief
// notice and is dialed through to the configured agent number. The call
// is bounded by the controller's timeout and the passed context; calling
// it for an already-ended call fails cleanly with ErrCallNotFound or
// ErrCallEnded.
func (c *Controller) Transfer(ctx context.Context, callSID, reason string) error {
	if callSID == "" {
		return fmt.Errorf("%w: empty call SID", ErrCallNotFound)
	}

	doc, err := TransferTwiML(c.number)
	if err != nil {
		return fmt.Errorf("transfer: build twiml: %w", err)
	}

	c.logger.Info("redirecting call to human agent", "callSid", callSID, "reason", reason)

	params := &openapi.UpdateCallParams{}
	params.SetTwiml(doc)

	// The SDK call has no context hook; the HTTP timeout set at
	// construction bounds it, and we stop waiting when ctx expires.
	result := make(chan error, 1)
	go func() {
		_, err := c.api.Api.UpdateCall(callSID, params)
		result <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("transfer: update call %s: %w", callSID, ctx.Err())
	case err := <-result:
		if err != nil {
			return c.mapUpdateError(callSID, err)
		}
	}

	c.logger.Info("call redirected", "callSid", callSID, "destination", c.number)
	return nil
}

// mapUpdateError turns Twilio REST failures into the package's typed
// errors so the relay can log them without crashing the session.
func (c *Controller) mapUpdateError(callSID string, err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Status == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrCallNotFound, callSID)
		case restErr.Code == codeCallNotInProgress:
			return fmt.Errorf("%w: %s", ErrCallEnded, callSID)
		}
	}
	return fmt.Errorf("transfer: update call %s: %w", callSID, err)
}

// TransferTwiML builds the replacement call instructions: a spoken hold
// notice followed by a dial to the agent number.
func TransferTwiML(number string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: holdNotice},
		&twiml.VoiceDial{
			InnerElements: []twiml.Element{
				&twiml.VoiceNumber{PhoneNumber: number},
			},
		},
	})
}
