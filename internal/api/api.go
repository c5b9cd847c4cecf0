// Package api provides HTTP handlers and the main API server logic for Botflow.
//
// It exposes RESTful endpoints for inbound message webhooks, bot and flow
// management, and session inspection. The API integrates with the flow engine,
// messaging, and store modules.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatfuse/botflow/internal/flow"
	"github.com/chatfuse/botflow/internal/messaging"
	"github.com/chatfuse/botflow/internal/store"
)

// DefaultAddr is the default API listen address.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP surface to the engine and store.
type Server struct {
	st         store.Store
	engine     *flow.Engine
	msgService messaging.Service
	addr       string
	httpServer *http.Server
}

// NewServer creates an API server. msgService may be nil when no transport
// webhook needs registering.
func NewServer(st store.Store, engine *flow.Engine, msgService messaging.Service, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		st:         st,
		engine:     engine,
		msgService: msgService,
		addr:       cfg.Addr,
	}
}

// routes builds the HTTP mux for the server.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/webhook/message", s.inboundMessageHandler)
	mux.HandleFunc("/sessions", s.getSessionHandler)
	mux.HandleFunc("/bots", s.saveBotHandler)
	mux.HandleFunc("/flows", s.saveFlowHandler)
	mux.HandleFunc("/contacts", s.saveContactHandler)
	mux.HandleFunc("/working-hours", s.saveWorkingHoursHandler)

	// Twilio delivers inbound WhatsApp messages via form-encoded webhooks.
	if twilioSvc, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", twilioSvc.WebhookHandler)
		slog.Debug("Server.routes: Twilio webhook registered", "path", "/webhook/twilio")
	}

	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown failed", "error", err)
			return err
		}
		slog.Info("API server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
