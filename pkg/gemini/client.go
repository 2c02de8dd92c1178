// Package gemini wraps the Gemini Live API as the AI backend of the voice
// bridge: one bidirectional audio session per call, configured with a
// system prompt and the transfer_to_human tool.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/genai"

	"github.com/voicebridge/voicebridge/pkg/relay"
)

// DefaultModel is the native-audio Live model used when none is configured.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

// DefaultSystemPrompt steers the assistant and tells it when to hand off.
const DefaultSystemPrompt = "You are a helpful customer support AI. Keep your answers brief and conversational. " +
	"If the user asks to speak to a human, a manager, or seems highly frustrated, " +
	"you MUST immediately use the 'transfer_to_human' tool."

// audioMIMEType matches the telephony leg's fixed narrow-band PCM format.
const audioMIMEType = "audio/pcm;rate=8000"

// ErrSessionClosed is returned by SendAudio after the session was closed.
var ErrSessionClosed = errors.New("gemini: session closed")

// Config holds Gemini client configuration.
type Config struct {
	APIKey       string
	Model        string // defaults to DefaultModel
	SystemPrompt string // defaults to DefaultSystemPrompt
	Logger       *slog.Logger
}

// Client creates Live sessions. One client serves many calls.
type Client struct {
	genai  *genai.Client
	model  string
	prompt string
	logger *slog.Logger
}

// NewClient creates a Gemini client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &Client{
		genai:  gc,
		model:  cfg.Model,
		prompt: cfg.SystemPrompt,
		logger: cfg.Logger,
	}, nil
}

// liveConfig builds the per-session Live configuration: audio responses,
// the system prompt, and the single transfer_to_human tool declaration.
func liveConfig(prompt string) *genai.LiveConnectConfig {
	return &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: prompt}},
		},
		Tools: []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        relay.ToolTransferToHuman,
				Description: "Connect the user to a live human agent.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"reason": {
							Type:        genai.TypeString,
							Description: "Why the user wants a human",
						},
					},
					Required: []string{"reason"},
				},
			}},
		}},
	}
}

// Connect opens one Live session. Single attempt: a failure here is fatal
// for the call being set up, not retried.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	live, err := c.genai.Live.Connect(ctx, c.model, liveConfig(c.prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini: connect live session: %w", err)
	}

	s := &Session{
		live:   live,
		events: make(chan relay.BackendEvent, 64),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go s.receiveLoop()

	c.logger.Info("gemini live session opened", "model", c.model)
	return s, nil
}

// DialBackend adapts Connect to the relay.BackendDialer interface.
func (c *Client) DialBackend(ctx context.Context) (relay.Backend, error) {
	return c.Connect(ctx)
}

// Session is one open Live session. It implements relay.Backend.
type Session struct {
	live   *genai.Session
	events chan relay.BackendEvent
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	closed bool
	err    error
}

// SendAudio enqueues one audio chunk for the model.
func (s *Session) SendAudio(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	input := genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: data, MIMEType: audioMIMEType},
	}
	if err := s.live.SendRealtimeInput(input); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Events returns the server event stream. The channel is closed when the
// backend ends the session or the transport fails; Err reports why.
func (s *Session) Events() <-chan relay.BackendEvent {
	return s.events
}

// Err returns the terminal stream error, or nil for a normal end. Valid
// once Events() is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the session. Safe to call multiple times; does not block
// on pending sends.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.closeErr = s.live.Close()
	})
	return s.closeErr
}

// receiveLoop pumps server messages into the typed event channel until the
// session ends.
func (s *Session) receiveLoop() {
	defer close(s.events)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			s.recordStreamErr(err)
			return
		}

		for _, event := range serverEvents(msg) {
			select {
			case s.events <- event:
			case <-s.done:
				return
			}
		}
	}
}

// recordStreamErr stores the terminal error unless the stream ended
// normally or because we closed it.
func (s *Session) recordStreamErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	s.err = fmt.Errorf("gemini: receive: %w", err)
}

// serverEvents maps one Live server message onto the relay's event union.
// Audio parts keep their order within the message; setup acks, turn
// markers and other kinds the bridge doesn't act on produce nothing.
func serverEvents(msg *genai.LiveServerMessage) []relay.BackendEvent {
	if msg == nil {
		return nil
	}

	var events []relay.BackendEvent

	if sc := msg.ServerContent; sc != nil && sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				events = append(events, relay.AudioEvent{Data: part.InlineData.Data})
			}
		}
	}

	if tc := msg.ToolCall; tc != nil {
		for _, call := range tc.FunctionCalls {
			if call == nil || call.Name == "" {
				continue
			}
			events = append(events, relay.ToolCallEvent{Name: call.Name, Args: call.Args})
		}
	}

	return events
}
