// Package api exposes runs and their event streams over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tcmartin/runstream/pkg/config"
	"github.com/tcmartin/runstream/pkg/logging"
	"github.com/tcmartin/runstream/pkg/middleware"
	"github.com/tcmartin/runstream/pkg/redaction"
	"github.com/tcmartin/runstream/pkg/runtime"
	"github.com/tcmartin/runstream/pkg/stream"
)

// Options holds the server's collaborators
type Options struct {
	Config   config.ServerConfig
	Runs     *runtime.RunService
	Gateway  *stream.Gateway
	Redactor *redaction.Engine
	Tokens   middleware.TokenValidator

	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer

	Logger logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	config   config.ServerConfig
	router   *mux.Router
	server   *http.Server
	runs     *runtime.RunService
	gateway  *stream.Gateway
	redactor *redaction.Engine
	tokens   middleware.TokenValidator
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	redactor := opts.Redactor
	if redactor == nil {
		redactor = redaction.New(redaction.Config{}, nil)
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:   opts.Config,
		router:   mux.NewRouter(),
		runs:     opts.Runs,
		gateway:  opts.Gateway,
		redactor: redactor,
		tokens:   opts.Tokens,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}

	s.setupRoutes()
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: event streams stay open until the run ends
	}

	s.logger.Info("starting HTTP server", logging.F("addr", s.server.Addr))

	var err error
	if s.config.TLS.Enabled {
		err = s.server.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
	} else {
		err = s.server.ListenAndServe()
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	authMiddleware := middleware.NewAuthMiddleware(s.tokens)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(authMiddleware.Authenticate)

	api.HandleFunc("/workflows/{id}/runs", s.handleTrigger).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/webhooks/{id}", s.handleWebhook).Methods(http.MethodPost, http.MethodOptions)

	runs := api.PathPrefix("/runs/{id}").Subrouter()
	runs.HandleFunc("", s.handleGetRun).Methods(http.MethodGet, http.MethodOptions)
	runs.HandleFunc("/retry", s.handleRetry).Methods(http.MethodPost, http.MethodOptions)
	runs.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet, http.MethodOptions)
	runs.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	api.HandleFunc("/admin/redaction/reset", s.handleRedactionReset).Methods(http.MethodPost, http.MethodOptions)

	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(middleware.CORS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSON redacts v before encoding it
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(s.redactor.RedactJSON(v)); err != nil {
		s.logger.Warn("failed to encode response", logging.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
