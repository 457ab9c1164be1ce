// Package events persists run events and fans them out to live subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tcmartin/runstream/pkg/logging"
	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/pubsub"
	"github.com/tcmartin/runstream/pkg/redaction"
	"github.com/tcmartin/runstream/pkg/storage"
)

// ErrMissingNodeID is returned for events that have no originating node
var ErrMissingNodeID = errors.New("event has no node id")

// Namespace qualifies every event id
var Namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://runstream.dev/events"))

// TopicForRun names the pub/sub topic carrying a run's events
func TopicForRun(runID string) string {
	return "run:" + runID
}

// EventID derives the content id of an event: a v5 UUID over the canonical JSON of
// every field except the store id and the timestamp
func EventID(e models.RunLog) (string, error) {
	canonical, err := json.Marshal(map[string]interface{}{
		"run_id":  e.RunID,
		"node_id": e.NodeID,
		"kind":    e.Kind,
		"level":   e.Level,
		"message": e.Message,
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize event: %w", err)
	}
	return uuid.NewSHA1(Namespace, canonical).String(), nil
}

// Encode serializes an event for broadcast
func Encode(e models.RunLog) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a broadcast payload
func Decode(data []byte) (models.RunLog, error) {
	var e models.RunLog
	if err := json.Unmarshal(data, &e); err != nil {
		return models.RunLog{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, nil
}

// Sink accepts run events
type Sink interface {
	Publish(ctx context.Context, event models.RunLog) (persisted bool, eventID string, err error)
}

// Publisher redacts, identifies, persists and broadcasts run events.
// Persistence and broadcast are independent: either may fail without affecting the other.
type Publisher struct {
	logs     storage.LogStore
	broker   pubsub.Broker
	redactor *redaction.Engine
	logger   logging.Logger
	now      func() time.Time
}

// NewPublisher creates a publisher; broker may be nil to disable broadcast
func NewPublisher(logs storage.LogStore, broker pubsub.Broker, redactor *redaction.Engine, logger logging.Logger) *Publisher {
	if redactor == nil {
		redactor = redaction.New(redaction.Config{}, nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Publisher{
		logs:     logs,
		broker:   broker,
		redactor: redactor,
		logger:   logger,
		now:      time.Now,
	}
}

// Publish handles one event. It returns whether the event reached durable storage and
// its event id. Events without a node id are dropped with ErrMissingNodeID.
func (p *Publisher) Publish(ctx context.Context, event models.RunLog) (bool, string, error) {
	event.Message = p.redactMessage(event.Message)

	if event.NodeID == "" {
		p.logger.Warn("dropping event without node id",
			logging.F("run_id", event.RunID),
			logging.F("kind", event.Kind))
		return false, "", ErrMissingNodeID
	}

	if event.Level == "" {
		event.Level = models.LevelInfo
	}
	if event.Kind == "" {
		event.Kind = models.EventKindLog
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now().UTC()
	}
	event.ID = 0

	eventID, err := EventID(event)
	if err != nil {
		return false, "", err
	}
	event.EventID = eventID

	var persistErr error
	if err := p.logs.AppendLog(ctx, &event); err != nil {
		persistErr = fmt.Errorf("failed to persist event: %w", err)
		p.logger.Error("event persistence failed",
			logging.F("run_id", event.RunID),
			logging.F("event_id", eventID),
			logging.Err(err))
	}

	p.broadcast(ctx, event)

	return persistErr == nil, eventID, persistErr
}

func (p *Publisher) broadcast(ctx context.Context, event models.RunLog) {
	if p.broker == nil {
		return
	}

	payload, err := Encode(event)
	if err != nil {
		p.logger.Warn("failed to encode event for broadcast", logging.F("event_id", event.EventID), logging.Err(err))
		return
	}

	if err := p.broker.Publish(ctx, TopicForRun(event.RunID), payload); err != nil {
		p.logger.Warn("event broadcast failed",
			logging.F("run_id", event.RunID),
			logging.F("event_id", event.EventID),
			logging.Err(err))
	}
}

// redactMessage normalizes the payload to its JSON form so the persisted and
// broadcast copies are identical, then redacts it
func (p *Publisher) redactMessage(msg map[string]interface{}) map[string]interface{} {
	if msg == nil {
		return nil
	}
	redacted, ok := p.redactor.RedactJSON(msg).(map[string]interface{})
	if !ok {
		return map[string]interface{}{"message": redaction.Placeholder}
	}
	return redacted
}
