package transfer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	twilioclient "github.com/twilio/twilio-go/client"
)

func TestNewControllerValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing credentials", Config{TransferNumber: "+15551234567"}},
		{"missing auth token", Config{AccountSID: "AC1", TransferNumber: "+15551234567"}},
		{"missing number", Config{AccountSID: "AC1", AuthToken: "token"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewController(tc.cfg); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}

func TestNewControllerDefaults(t *testing.T) {
	c, err := NewController(Config{
		AccountSID:     "AC1",
		AuthToken:      "token",
		TransferNumber: "+15551234567",
		Logger:         slog.Default(),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if c.number != "+15551234567" {
		t.Errorf("number = %q", c.number)
	}
}

func TestTransferTwiML(t *testing.T) {
	doc, err := TransferTwiML("+15551234567")
	if err != nil {
		t.Fatalf("TransferTwiML: %v", err)
	}

	for _, want := range []string{"<Response>", "<Say>", "<Dial>", "+15551234567"} {
		if !strings.Contains(doc, want) {
			t.Errorf("twiml missing %q:\n%s", want, doc)
		}
	}
	// The caller must hear the notice before the dial happens.
	if strings.Index(doc, "<Say>") > strings.Index(doc, "<Dial>") {
		t.Errorf("say verb should precede dial:\n%s", doc)
	}
}

func TestMapUpdateError(t *testing.T) {
	c := &Controller{number: "+15551234567", logger: slog.Default()}

	notFound := c.mapUpdateError("CA1", &twilioclient.TwilioRestError{Status: http.StatusNotFound, Code: 20404})
	if !errors.Is(notFound, ErrCallNotFound) {
		t.Errorf("404 mapped to %v, want ErrCallNotFound", notFound)
	}

	ended := c.mapUpdateError("CA1", &twilioclient.TwilioRestError{Status: http.StatusBadRequest, Code: codeCallNotInProgress})
	if !errors.Is(ended, ErrCallEnded) {
		t.Errorf("21220 mapped to %v, want ErrCallEnded", ended)
	}

	other := c.mapUpdateError("CA1", errors.New("connection refused"))
	if errors.Is(other, ErrCallNotFound) || errors.Is(other, ErrCallEnded) {
		t.Errorf("unexpected typed error for transport failure: %v", other)
	}
	if other == nil || !strings.Contains(other.Error(), "CA1") {
		t.Errorf("wrapped error should name the call: %v", other)
	}
}

func TestTransferEmptyCallSID(t *testing.T) {
	c := &Controller{number: "+15551234567", logger: slog.Default()}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.Transfer(ctx, "", "user_request"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("empty call SID err = %v, want ErrCallNotFound", err)
	}
}
