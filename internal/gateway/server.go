// Package gateway exposes the synthesizer over HTTP and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/dispatch"
	"github.com/book-expert/aitalk-service/internal/history"
	"github.com/book-expert/logger"
	"github.com/gorilla/websocket"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	maxRequestBytes   = 1 << 20

	contentTypeJSON = "application/json"
	contentTypeWAV  = "audio/wav"
	contentTypePNG  = "image/png"
	contentTypeText = "text/plain; charset=utf-8"
	contentTypeHTML = "text/html; charset=utf-8"
)

// HistoryReader returns recent journal entries.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// StatusReporter reports pipeline readiness.
type StatusReporter interface {
	Ready() bool
	Status() []dispatch.PipelineStatus
}

// Options configures the gateway. History, Status and Metrics are optional.
type Options struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Synthesizer core.Synthesizer
	Voices      core.VoiceProvider
	History     HistoryReader
	Status      StatusReporter
	Metrics     http.Handler
}

// Server is the HTTP gateway.
type Server struct {
	opts       Options
	log        *logger.Logger
	mux        *http.ServeMux
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New builds the gateway and its routes.
func New(opts Options, log *logger.Logger) *Server {
	s := &Server{
		opts: opts,
		log:  log,
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /api/voices", s.handleVoices)
	s.mux.HandleFunc("GET /api/voices/{id}/icon", s.handleIcon)
	s.mux.HandleFunc("POST /api/tts", s.handleTTS)
	s.mux.HandleFunc("GET /api/tts/ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)

	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}

	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is done, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	s.log.Info("HTTP gateway listening on %s", s.opts.Listen)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}

	s.log.Info("HTTP gateway stopped")

	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		s.log.Warn("Failed to write JSON response: %v", err)
	}
}

func (s *Server) writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", contentTypeText)
	w.WriteHeader(status)

	_, err := w.Write([]byte(text))
	if err != nil {
		s.log.Warn("Failed to write response: %v", err)
	}
}
