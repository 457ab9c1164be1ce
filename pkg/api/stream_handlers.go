package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/tcmartin/runstream/pkg/logging"
	"github.com/tcmartin/runstream/pkg/stream"
)

// handleEvents serves the run's events as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	run := s.authorizeRun(w, r)
	if run == nil {
		return
	}

	writer, err := stream.NewSSEWriter(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log := s.logger.WithFields(logging.F("run_id", run.ID), logging.F("transport", "sse"))
	log.Debug("stream opened")
	if err := s.gateway.Stream(r.Context(), run, writer); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("stream ended with error", logging.Err(err))
		return
	}
	log.Debug("stream closed")
}

// handleWebSocket serves the same stream as JSON messages over a WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	run := s.authorizeRun(w, r)
	if run == nil {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.Err(err))
		return
	}

	writer := stream.NewWebSocketWriter(conn, 0)
	defer writer.Close()

	// the request context is not cancelled when a hijacked client goes away
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go writer.ReadLoop(cancel)

	log := s.logger.WithFields(logging.F("run_id", run.ID), logging.F("transport", "websocket"))
	log.Debug("stream opened")
	if err := s.gateway.Stream(ctx, run, writer); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("stream ended with error", logging.Err(err))
		return
	}
	log.Debug("stream closed")
}
