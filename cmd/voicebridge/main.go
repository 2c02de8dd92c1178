package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twilio/twilio-go/twiml"

	"github.com/voicebridge/voicebridge/pkg/gemini"
	"github.com/voicebridge/voicebridge/pkg/relay"
	"github.com/voicebridge/voicebridge/pkg/transfer"
)

const greeting = "Hello, I am your AI support assistant. How can I help you today?"

func main() {
	// Parse flags
	var (
		port           = flag.String("port", "8080", "HTTP server port")
		accountSID     = flag.String("twilio-account-sid", "", "Twilio account SID")
		authToken      = flag.String("twilio-auth-token", "", "Twilio auth token")
		geminiKey      = flag.String("gemini-api-key", "", "Gemini API key")
		geminiModel    = flag.String("gemini-model", "", "Gemini Live model name")
		transferNumber = flag.String("transfer-number", "", "Phone number human escalations are dialed to")
		maxSessions    = flag.Int("max-sessions", 0, "Maximum concurrent calls (0 = unlimited)")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	// Load from environment if flags not set
	if *port == "8080" {
		if p := os.Getenv("APP_PORT"); p != "" {
			*port = p
		} else if p := os.Getenv("PORT"); p != "" {
			*port = p
		}
	}
	if *accountSID == "" {
		*accountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if *authToken == "" {
		*authToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if *geminiKey == "" {
		*geminiKey = os.Getenv("GEMINI_API_KEY")
	}
	if *geminiModel == "" {
		*geminiModel = os.Getenv("GEMINI_MODEL")
	}
	if *transferNumber == "" {
		*transferNumber = os.Getenv("TRANSFER_NUMBER")
	}
	if *transferNumber == "" {
		*transferNumber = "+1234567890"
	}

	// Validate required configuration
	var missing []string
	if *accountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if *authToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if *geminiKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "Error: Missing required environment variables:\n")
		for _, name := range missing {
			fmt.Fprintf(os.Stderr, "  %s\n", name)
		}
		os.Exit(1)
	}

	// Load log level from env if not set via flag
	if *logLevel == "info" {
		if ll := os.Getenv("LOG_LEVEL"); ll != "" {
			*logLevel = ll
		}
	}

	// Setup logging
	logger := setupLogger(*logLevel)

	logger.Info("starting voice bridge",
		"port", *port,
		"transfer_number", *transferNumber,
		"max_sessions", *maxSessions)

	ctx := context.Background()

	geminiClient, err := gemini.NewClient(ctx, gemini.Config{
		APIKey: *geminiKey,
		Model:  *geminiModel,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to create Gemini client", "error", err)
		os.Exit(1)
	}

	controller, err := transfer.NewController(transfer.Config{
		AccountSID:     *accountSID,
		AuthToken:      *authToken,
		TransferNumber: *transferNumber,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create transfer controller", "error", err)
		os.Exit(1)
	}

	manager := relay.NewManager(relay.ManagerConfig{
		Dialer:      geminiClient,
		Transferrer: controller,
		MaxSessions: *maxSessions,
		Logger:      logger,
	})
	defer manager.Close()

	// Setup HTTP server
	mux := http.NewServeMux()

	// TwiML webhook Twilio hits when a call comes in
	mux.HandleFunc("POST /voice", handleVoice(logger))

	// Bidirectional media stream opened by the <Stream> TwiML verb
	mux.HandleFunc("/media-stream", manager.HandleMediaStream)

	// Health check endpoint
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","sessions":%d,"timestamp":%d}`+"\n",
			manager.ActiveSessions(), time.Now().Unix())
	})

	// Metrics endpoint
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "# HELP voicebridge_sessions_active Number of active calls\n")
		fmt.Fprintf(w, "# TYPE voicebridge_sessions_active gauge\n")
		fmt.Fprintf(w, "voicebridge_sessions_active %d\n", manager.ActiveSessions())
	})

	server := &http.Server{
		Addr:    ":" + *port,
		Handler: mux,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, gracefully shutting down")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("voice bridge stopped")
}

// handleVoice answers Twilio's incoming-call webhook with TwiML that greets
// the caller and connects the call audio to our media stream endpoint.
func handleVoice(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamURL := fmt.Sprintf("%s://%s/media-stream", wsScheme(r), r.Host)
		logger.Info("incoming call received", "stream_url", streamURL)

		doc, err := connectTwiML(streamURL)
		if err != nil {
			logger.Error("failed to render TwiML", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, doc)
	}
}

// wsScheme mirrors the webhook's own scheme: calls reaching us over HTTPS
// get a wss stream URL, plain HTTP (local testing) gets ws.
func wsScheme(r *http.Request) string {
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		return "wss"
	}
	return "ws"
}

func connectTwiML(streamURL string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: greeting},
		&twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{Url: streamURL},
			},
		},
	})
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
