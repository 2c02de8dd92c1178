// Package relay bridges one telephony media stream to one AI backend
// session: an inbound pump forwards caller audio to the backend, an
// outbound pump forwards synthesized audio back, and a transfer_to_human
// tool call from the backend redirects the call and tears the session down.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/mediastream"
)

// Conn is the telephony leg of a session. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Backend is one bidirectional streaming session with the AI. Events()
// is closed when the backend ends the session or the transport dies;
// Err() reports the terminal error, if any, after Events() is closed.
type Backend interface {
	SendAudio(data []byte) error
	Events() <-chan BackendEvent
	Err() error
	Close() error
}

// Transferrer redirects an active call to a human agent.
type Transferrer interface {
	Transfer(ctx context.Context, callSID, reason string) error
}

// defaultTransferReason is used when the tool call carries no usable reason.
const defaultTransferReason = "user_request"

// transferTimeout bounds the synchronous call-control update.
const transferTimeout = 5 * time.Second

// callInfo holds the identifiers captured from the start event. Written
// once by the inbound pump, handed to the outbound pump over a channel.
type callInfo struct {
	callSID   string
	streamSid string
}

// SessionConfig configures one relay session.
type SessionConfig struct {
	ID          string // correlation ID for logs
	Conn        Conn
	Backend     Backend
	Transferrer Transferrer
	Logger      *slog.Logger
}

// Session relays audio between one telephony connection and one AI backend
// session. Create with NewSession, drive with Run.
type Session struct {
	id       string
	conn     Conn
	backend  Backend
	transfer Transferrer
	logger   *slog.Logger

	startCh     chan callInfo
	connOnce    sync.Once
	backendOnce sync.Once
	wg          sync.WaitGroup
}

// NewSession creates a relay session over an established telephony
// connection and an open backend session. The session takes ownership of
// both and closes them when Run returns.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ID != "" {
		logger = logger.With("sessionID", cfg.ID)
	}

	return &Session{
		id:       cfg.ID,
		conn:     cfg.Conn,
		backend:  cfg.Backend,
		transfer: cfg.Transferrer,
		logger:   logger,
		startCh:  make(chan callInfo, 1),
	}
}

// Run executes both pumps and blocks until the session is over by any path:
// telephony stop, transfer, backend stream end, or transport error. Both
// legs are closed exactly once before Run returns.
//
// Teardown policy: a stop (or read error) on the telephony leg ends the
// whole session promptly rather than draining trailing AI audio — once the
// caller is gone there is nowhere useful to deliver it.
func (s *Session) Run(ctx context.Context) {
	s.wg.Add(2)
	go s.inboundPump(ctx)
	go s.outboundPump(ctx)
	s.wg.Wait()

	s.closeConn()
	s.closeBackend()
	s.logger.Info("relay session ended")
}

// Shutdown closes both legs, unblocking the pumps. Safe from any goroutine.
func (s *Session) Shutdown() {
	s.closeConn()
	s.closeBackend()
}

func (s *Session) closeConn() {
	s.connOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("closing telephony connection", "error", err)
		}
	})
}

func (s *Session) closeBackend() {
	s.backendOnce.Do(func() {
		if err := s.backend.Close(); err != nil {
			s.logger.Debug("closing backend session", "error", err)
		}
	})
}

// inboundPump consumes telephony frames and forwards decoded audio to the
// backend. Per-frame problems (malformed envelope, media before start) are
// logged and skipped so one bad frame doesn't kill the call. On exit it
// closes the backend session, which ends the outbound pump.
func (s *Session) inboundPump(ctx context.Context) {
	defer s.wg.Done()
	defer s.closeBackend()

	started := false
	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("telephony connection read error", "error", err)
			} else {
				s.logger.Debug("telephony connection closed", "error", err)
			}
			return
		}

		msg, err := mediastream.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed telephony frame", "error", err)
			continue
		}

		switch msg.Event {
		case mediastream.EventStart:
			if started {
				s.logger.Warn("duplicate start event ignored", "streamSid", msg.StreamSid)
				continue
			}
			started = true
			s.startCh <- callInfo{callSID: msg.CallSid, streamSid: msg.StreamSid}
			s.logger.Info("media stream started", "callSid", msg.CallSid, "streamSid", msg.StreamSid)

		case mediastream.EventMedia:
			if !started {
				// Real-world race: Twilio can emit media before we saw start.
				s.logger.Warn("dropping media received before start")
				continue
			}
			if err := s.backend.SendAudio(msg.Audio); err != nil {
				s.logger.Error("failed to send audio to backend, ending session", "error", err)
				return
			}

		case mediastream.EventStop:
			s.logger.Info("media stream stopped by telephony leg")
			return

		default:
			// connected, mark, dtmf and future kinds carry nothing we act on.
		}
	}
}

// outboundPump consumes backend events: audio goes back to the telephony
// leg in receipt order, a transfer_to_human tool call redirects the call
// and ends the session without waiting for the inbound pump.
func (s *Session) outboundPump(ctx context.Context) {
	defer s.wg.Done()
	// Unblock the inbound read when the backend goes away first.
	defer s.closeConn()

	var ids callInfo
	haveIDs := false
	pollIDs := func() {
		if !haveIDs {
			select {
			case ids = <-s.startCh:
				haveIDs = true
			default:
			}
		}
	}

	for event := range s.backend.Events() {
		switch event := event.(type) {
		case AudioEvent:
			pollIDs()
			if !haveIDs {
				// Never emit a frame with an unknown stream identifier.
				s.logger.Warn("dropping backend audio received before stream start")
				continue
			}
			frame, err := mediastream.EncodeMedia(ids.streamSid, event.Data)
			if err != nil {
				s.logger.Error("failed to encode media frame", "error", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Warn("failed to write audio to telephony leg, ending session", "error", err)
				return
			}

		case ToolCallEvent:
			if event.Name != ToolTransferToHuman {
				s.logger.Info("ignoring unrecognized tool call", "tool", event.Name)
				continue
			}
			pollIDs()
			if s.handleTransfer(ctx, ids, haveIDs, event) {
				return
			}

		default:
			// Unknown event kinds are skipped, not fatal.
		}
	}

	if err := s.backend.Err(); err != nil {
		s.logger.Error("backend stream ended with error", "error", err)
	} else {
		s.logger.Info("backend stream ended")
	}
}

// handleTransfer runs the one deliberate early-exit path. It reports true
// when the session should end (the call was redirected). A failed transfer
// leaves the caller connected to the AI: losing the handoff is safer than
// dropping the call outright.
func (s *Session) handleTransfer(ctx context.Context, ids callInfo, haveIDs bool, event ToolCallEvent) bool {
	reason := defaultTransferReason
	if r, ok := event.Args["reason"].(string); ok && r != "" {
		reason = r
	}

	if !haveIDs || ids.callSID == "" {
		s.logger.Error("transfer requested before call identifiers were known, ignoring", "reason", reason)
		return false
	}

	s.logger.Info("initiating transfer to human agent", "callSid", ids.callSID, "reason", reason)

	// Stop buffered AI playback so the caller hears the hold notice.
	if frame, err := mediastream.EncodeClear(ids.streamSid); err == nil {
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Debug("failed to send clear frame", "error", err)
		}
	}

	tctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()
	if err := s.transfer.Transfer(tctx, ids.callSID, reason); err != nil {
		s.logger.Error("transfer failed, leaving call connected to AI", "callSid", ids.callSID, "error", err)
		return false
	}

	s.logger.Info("call transferred", "callSid", ids.callSID)
	s.closeConn()
	return true
}
