package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/cenkalti/backoff.v1"

	"github.com/tcmartin/runstream/pkg/events"
	"github.com/tcmartin/runstream/pkg/logging"
	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/pubsub"
	"github.com/tcmartin/runstream/pkg/storage"
)

var (
	// ErrNotFound is returned when the run does not exist
	ErrNotFound = errors.New("run not found")

	// ErrForbidden is returned when the run belongs to another workspace
	ErrForbidden = errors.New("run belongs to another workspace")
)

// State of a gateway connection
type State string

const (
	StateReplaying  State = "replaying"
	StateStreaming  State = "streaming"
	StatePolling    State = "polling"
	StateTerminated State = "terminated"
)

// Config tunes a Gateway
type Config struct {
	// HeartbeatInterval is the longest silence before a keep-alive comment
	HeartbeatInterval time.Duration

	// PollInterval is the store polling period when no broker subscription is available
	PollInterval time.Duration

	// ReconnectInitialBackoff is the first wait after a lost broker connection
	ReconnectInitialBackoff time.Duration

	// ReconnectMaxBackoff caps the wait between resubscribe attempts
	ReconnectMaxBackoff time.Duration

	// ReconnectMaxElapsed is how long resubscribing is tried before falling back to polling
	ReconnectMaxElapsed time.Duration
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:       15 * time.Second,
		PollInterval:            time.Second,
		ReconnectInitialBackoff: 100 * time.Millisecond,
		ReconnectMaxBackoff:     5 * time.Second,
		ReconnectMaxElapsed:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReconnectInitialBackoff <= 0 {
		c.ReconnectInitialBackoff = d.ReconnectInitialBackoff
	}
	if c.ReconnectMaxBackoff <= 0 {
		c.ReconnectMaxBackoff = d.ReconnectMaxBackoff
	}
	if c.ReconnectMaxElapsed <= 0 {
		c.ReconnectMaxElapsed = d.ReconnectMaxElapsed
	}
	return c
}

// Gateway serves run events to connected clients
type Gateway struct {
	runs      storage.RunStore
	logs      storage.LogStore
	broker    pubsub.Broker
	readiness *Readiness
	cfg       Config
	logger    logging.Logger
}

// NewGateway creates a gateway. broker and readiness may be nil: without a broker every
// connection polls the log store.
func NewGateway(runs storage.RunStore, logs storage.LogStore, broker pubsub.Broker, readiness *Readiness, cfg Config, logger logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Gateway{
		runs:      runs,
		logs:      logs,
		broker:    broker,
		readiness: readiness,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Authorize loads the run and checks it belongs to workspaceID
func (g *Gateway) Authorize(ctx context.Context, runID, workspaceID string) (*models.Run, error) {
	run, err := g.runs.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrRunNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run.WorkspaceID != workspaceID {
		return nil, ErrForbidden
	}
	return run, nil
}

// Stream replays the run's persisted events to w, then delivers live events until a
// terminal status event is sent or ctx ends. The broker subscription is always released
// before Stream returns.
func (g *Gateway) Stream(ctx context.Context, run *models.Run, w FrameWriter) error {
	s := &session{
		g:      g,
		run:    run,
		w:      w,
		seen:   make(map[string]struct{}),
		state:  StateReplaying,
		logger: g.logger.WithFields(logging.F("run_id", run.ID)),
	}
	defer s.closeSubscription()
	return s.serve(ctx)
}

type session struct {
	g      *Gateway
	run    *models.Run
	w      FrameWriter
	sub    pubsub.Subscription
	seen   map[string]struct{}
	lastID int64
	state  State
	logger logging.Logger

	heartbeat *time.Timer
}

func (s *session) serve(ctx context.Context) error {
	// subscribing before the replay read leaves no gap; duplicates are dropped by event id
	if s.g.broker != nil {
		sub, err := s.g.broker.Subscribe(ctx, events.TopicForRun(s.run.ID))
		if err != nil {
			s.logger.Warn("subscribe failed, polling log store", logging.Err(err))
		} else {
			s.sub = sub
		}
	}

	entries, err := s.g.logs.ListLogs(ctx, s.run.ID)
	if err != nil {
		return fmt.Errorf("failed to replay events: %w", err)
	}
	done, err := s.emitAll(entries)
	if done || err != nil {
		return err
	}
	if done, err := s.checkRunStatus(ctx); done || err != nil {
		return err
	}

	if s.g.readiness != nil {
		s.g.readiness.Signal(s.run.ID)
	}
	if err := s.w.WriteComment(CommentSubscribed); err != nil {
		return err
	}

	s.heartbeat = time.NewTimer(s.g.cfg.HeartbeatInterval)
	defer s.heartbeat.Stop()

	if s.sub == nil {
		return s.poll(ctx)
	}
	return s.stream(ctx)
}

func (s *session) setState(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("stream state changed", logging.F("from", string(s.state)), logging.F("to", string(state)))
	s.state = state
}

func (s *session) stream(ctx context.Context) error {
	s.setState(StateStreaming)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.heartbeat.C:
			if err := s.keepAlive(); err != nil {
				return err
			}

		case payload, ok := <-s.sub.Channel():
			if !ok {
				s.logger.Warn("broker subscription lost", logging.Err(s.sub.Err()))
				s.closeSubscription()
				if !s.resubscribe(ctx) {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return s.poll(ctx)
				}
				// catch up on whatever was published while disconnected
				entries, err := s.g.logs.ListLogs(ctx, s.run.ID)
				if err != nil {
					s.logger.Warn("catch-up read failed", logging.Err(err))
					continue
				}
				if done, err := s.emitAll(entries); done || err != nil {
					return err
				}
				continue
			}

			e, err := events.Decode(payload)
			if err != nil {
				s.logger.Warn("dropping undecodable event", logging.Err(err))
				continue
			}
			if e.RunID != s.run.ID {
				continue
			}
			if done, err := s.emit(e); done || err != nil {
				return err
			}
		}
	}
}

// resubscribe retries the broker with exponential backoff, keeping the client alive with
// heartbeats, until it succeeds, gives up or ctx ends
func (s *session) resubscribe(ctx context.Context) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.g.cfg.ReconnectInitialBackoff
	b.MaxInterval = s.g.cfg.ReconnectMaxBackoff
	b.MaxElapsedTime = s.g.cfg.ReconnectMaxElapsed
	b.Reset()

	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			s.logger.Warn("giving up on broker, polling log store", logging.F("attempts", attempt-1))
			return false
		}

		timer := time.NewTimer(wait)
	waiting:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-s.heartbeat.C:
				if err := s.keepAlive(); err != nil {
					timer.Stop()
					return false
				}
			case <-timer.C:
				break waiting
			}
		}

		sub, err := s.g.broker.Subscribe(ctx, events.TopicForRun(s.run.ID))
		if err != nil {
			s.logger.Debug("resubscribe failed", logging.F("attempt", attempt), logging.Err(err))
			continue
		}
		s.logger.Info("broker subscription restored", logging.F("attempt", attempt))
		s.sub = sub
		return true
	}
}

func (s *session) poll(ctx context.Context) error {
	s.setState(StatePolling)
	ticker := time.NewTicker(s.g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.heartbeat.C:
			if err := s.keepAlive(); err != nil {
				return err
			}

		case <-ticker.C:
			entries, err := s.g.logs.ListLogsSince(ctx, s.run.ID, s.lastID)
			if err != nil {
				s.logger.Warn("poll read failed", logging.Err(err))
			} else if done, err := s.emitAll(entries); done || err != nil {
				return err
			}
			if done, err := s.checkRunStatus(ctx); done || err != nil {
				return err
			}
		}
	}
}

// checkRunStatus ends the stream with a synthesized status frame when the run is already
// terminal but its status event was never delivered
func (s *session) checkRunStatus(ctx context.Context) (bool, error) {
	run, err := s.g.runs.GetRun(ctx, s.run.ID)
	if err != nil {
		s.logger.Warn("run status check failed", logging.Err(err))
		return false, nil
	}
	if !run.Status.IsTerminal() {
		return false, nil
	}

	message := map[string]interface{}{
		"status":  string(run.Status),
		"attempt": run.Attempt,
	}
	if run.Error != "" {
		message["error"] = run.Error
	}
	level := models.LevelInfo
	if run.Status == models.RunStatusFailed {
		level = models.LevelError
	}
	e := models.RunLog{
		RunID:     run.ID,
		NodeID:    models.RunNodeID,
		Kind:      models.EventKindStatus,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if _, err := s.emit(e); err != nil {
		return true, err
	}
	s.setState(StateTerminated)
	return true, nil
}

func (s *session) emitAll(entries []models.RunLog) (bool, error) {
	for _, e := range entries {
		if done, err := s.emit(e); done || err != nil {
			return done, err
		}
	}
	return false, nil
}

// emit writes e unless its event id was already sent, and reports whether it was a
// terminal status
func (s *session) emit(e models.RunLog) (bool, error) {
	if e.EventID == "" {
		id, err := events.EventID(e)
		if err != nil {
			return false, nil
		}
		e.EventID = id
	}
	if e.ID > s.lastID {
		s.lastID = e.ID
	}
	if _, dup := s.seen[e.EventID]; dup {
		return false, nil
	}
	s.seen[e.EventID] = struct{}{}

	data, err := events.Encode(e)
	if err != nil {
		s.logger.Warn("dropping unencodable event", logging.Err(err))
		return false, nil
	}
	if err := s.w.WriteEvent(e.EventID, e.Kind, data); err != nil {
		return false, err
	}
	s.resetHeartbeat()

	if _, terminal := e.TerminalStatus(); terminal {
		s.setState(StateTerminated)
		return true, nil
	}
	return false, nil
}

func (s *session) keepAlive() error {
	if err := s.w.WriteComment(CommentKeepAlive); err != nil {
		return err
	}
	s.heartbeat.Reset(s.g.cfg.HeartbeatInterval)
	return nil
}

func (s *session) resetHeartbeat() {
	if s.heartbeat == nil {
		return
	}
	if !s.heartbeat.Stop() {
		select {
		case <-s.heartbeat.C:
		default:
		}
	}
	s.heartbeat.Reset(s.g.cfg.HeartbeatInterval)
}

func (s *session) closeSubscription() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Close(); err != nil {
		s.logger.Debug("failed to close subscription", logging.Err(err))
	}
	s.sub = nil
}
