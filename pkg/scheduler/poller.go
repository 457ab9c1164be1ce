// Package scheduler turns active schedule entries into runs.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tcmartin/runstream/pkg/logging"
	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/storage"
)

// DefaultTickInterval is how often active schedules are checked
const DefaultTickInterval = time.Second

var secondsParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RunCreator builds and dispatches the runs a schedule fires
type RunCreator interface {
	NewRun(workflowID, workspaceID string, trigger models.Trigger, input map[string]interface{}) *models.Run
	DispatchCreated(ctx context.Context, run *models.Run) error
}

// Schedule is a parsed schedule expression: a fixed interval or a cron schedule
type Schedule struct {
	Interval time.Duration
	Cron     cron.Schedule
}

// ParseSchedule accepts a positive number of seconds, a six-field cron expression with
// seconds, or a standard five-field expression (descriptors such as @hourly included)
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("empty schedule")
	}
	if secs, err := strconv.Atoi(expr); err == nil {
		if secs <= 0 {
			return Schedule{}, fmt.Errorf("interval must be positive, got %d", secs)
		}
		return Schedule{Interval: time.Duration(secs) * time.Second}, nil
	}

	sched, err := secondsParser.Parse(expr)
	if err != nil {
		var stdErr error
		sched, stdErr = cron.ParseStandard(expr)
		if stdErr != nil {
			return Schedule{}, fmt.Errorf("invalid schedule %q: %w", expr, stdErr)
		}
	}
	return Schedule{Cron: sched}, nil
}

// Due reports whether the schedule should fire at now. Intervals are due once now-lastRun
// reaches the interval, or immediately when never run. Cron schedules are due once now
// reaches the first instant after lastRun; never-run entries measure from since.
func (s Schedule) Due(lastRun *time.Time, now, since time.Time) bool {
	if s.Cron == nil {
		return lastRun == nil || now.Sub(*lastRun) >= s.Interval
	}
	ref := since
	if lastRun != nil {
		ref = *lastRun
	}
	return !now.Before(s.Cron.Next(ref))
}

// Poller checks active schedule entries on every tick
type Poller struct {
	schedules storage.ScheduleStore
	runs      RunCreator
	logger    logging.Logger
	tick      time.Duration
	now       func() time.Time

	lastTick time.Time
}

// NewPoller creates a poller; tick <= 0 uses DefaultTickInterval
func NewPoller(schedules storage.ScheduleStore, runs RunCreator, tick time.Duration, logger logging.Logger) *Poller {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Poller{
		schedules: schedules,
		runs:      runs,
		logger:    logger,
		tick:      tick,
		now:       time.Now,
	}
}

// Run ticks until ctx ends
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	p.logger.Info("schedule poller started", logging.F("tick", p.tick.String()))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("schedule poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick fires every due entry once and returns how many runs were created.
// Failures are logged and retried on the next tick.
func (p *Poller) Tick(ctx context.Context) int {
	now := p.now().UTC()
	since := p.lastTick
	if since.IsZero() {
		since = now.Add(-p.tick)
	}
	p.lastTick = now

	entries, err := p.schedules.ListActiveSchedules(ctx)
	if err != nil {
		p.logger.Error("failed to list schedules", logging.Err(err))
		return 0
	}

	fired := 0
	for _, entry := range entries {
		sched, err := ParseSchedule(entry.Schedule)
		if err != nil {
			p.logger.Warn("skipping schedule with invalid expression",
				logging.F("schedule_id", entry.ID),
				logging.Err(err))
			continue
		}
		if !sched.Due(entry.LastRun, now, since) {
			continue
		}
		if p.fire(ctx, entry, now) {
			fired++
		}
	}
	return fired
}

func (p *Poller) fire(ctx context.Context, entry models.ScheduleEntry, now time.Time) bool {
	log := p.logger.WithFields(logging.F("schedule_id", entry.ID), logging.F("workflow_id", entry.WorkflowID))

	run := p.runs.NewRun(entry.WorkflowID, entry.WorkspaceID, models.TriggerSchedule, entry.Input)
	if err := p.schedules.FireSchedule(ctx, entry.ID, now, run); err != nil {
		log.Error("failed to fire schedule", logging.Err(err))
		return false
	}
	log.Info("schedule fired", logging.F("run_id", run.ID))

	if err := p.runs.DispatchCreated(ctx, run); err != nil {
		log.Error("failed to dispatch scheduled run", logging.F("run_id", run.ID), logging.Err(err))
	}
	return true
}
