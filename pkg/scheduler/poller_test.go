package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/storage"
)

type fakeRuns struct {
	mu         sync.Mutex
	seq        int
	dispatched []string
}

func (f *fakeRuns) NewRun(workflowID, workspaceID string, trigger models.Trigger, input map[string]interface{}) *models.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return &models.Run{
		ID: fmt.Sprintf("run-%d", f.seq), WorkflowID: workflowID, WorkspaceID: workspaceID,
		Status: models.RunStatusQueued, Trigger: trigger, Input: input, Attempt: 1,
	}
}

func (f *fakeRuns) DispatchCreated(ctx context.Context, run *models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, run.ID)
	return nil
}

func at(hh, mm, ss int) time.Time {
	return time.Date(2026, 5, 4, hh, mm, ss, 0, time.UTC)
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule(" 60 ")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.Interval)
	assert.Nil(t, s.Cron)

	for _, expr := range []string{"*/5 * * * *", "*/30 * * * * *", "@hourly"} {
		s, err := ParseSchedule(expr)
		require.NoError(t, err, expr)
		assert.NotNil(t, s.Cron, expr)
	}

	for _, expr := range []string{"", "0", "-5", "every tuesday", "* * *"} {
		_, err := ParseSchedule(expr)
		assert.Error(t, err, expr)
	}
}

func TestIntervalDue(t *testing.T) {
	s, err := ParseSchedule("60")
	require.NoError(t, err)
	now := at(12, 0, 0)

	ninetyAgo := now.Add(-90 * time.Second)
	thirtyAgo := now.Add(-30 * time.Second)
	exactly := now.Add(-60 * time.Second)

	assert.True(t, s.Due(&ninetyAgo, now, now))
	assert.False(t, s.Due(&thirtyAgo, now, now))
	assert.True(t, s.Due(&exactly, now, now))
	assert.True(t, s.Due(nil, now, now))
}

func TestCronDue(t *testing.T) {
	s, err := ParseSchedule("*/5 * * * *")
	require.NoError(t, err)

	last := at(10, 0, 0)
	assert.False(t, s.Due(&last, at(10, 4, 59), at(10, 4, 58)))
	assert.True(t, s.Due(&last, at(10, 5, 0), at(10, 4, 59)))
	assert.True(t, s.Due(&last, at(10, 17, 0), at(10, 16, 59)))

	// never run: due only once an instant passes after the previous tick
	assert.False(t, s.Due(nil, at(10, 6, 0), at(10, 5, 59)))
	assert.True(t, s.Due(nil, at(10, 10, 0), at(10, 9, 59)))
}

func newTestPoller(t *testing.T, clock *time.Time) (*Poller, *storage.MemoryProvider, *fakeRuns) {
	t.Helper()
	store := storage.NewMemoryProvider()
	require.NoError(t, store.Initialize())
	runs := &fakeRuns{}
	p := NewPoller(store.GetScheduleStore(), runs, time.Second, nil)
	p.now = func() time.Time { return *clock }
	return p, store, runs
}

func TestPollerTickFiresDueEntries(t *testing.T) {
	clock := at(12, 0, 0)
	p, store, runs := newTestPoller(t, &clock)
	ctx := context.Background()

	ninetyAgo := clock.Add(-90 * time.Second)
	recent := clock.Add(-10 * time.Second)
	require.NoError(t, store.SaveSchedule(ctx, &models.ScheduleEntry{ID: "due", WorkspaceID: "ws", WorkflowID: "wf-a", Schedule: "60", Active: true, LastRun: &ninetyAgo, Input: map[string]interface{}{"k": "v"}}))
	require.NoError(t, store.SaveSchedule(ctx, &models.ScheduleEntry{ID: "fresh", WorkspaceID: "ws", WorkflowID: "wf-b", Schedule: "60", Active: true, LastRun: &recent}))
	require.NoError(t, store.SaveSchedule(ctx, &models.ScheduleEntry{ID: "off", WorkspaceID: "ws", WorkflowID: "wf-c", Schedule: "60", Active: false}))
	require.NoError(t, store.SaveSchedule(ctx, &models.ScheduleEntry{ID: "broken", WorkspaceID: "ws", WorkflowID: "wf-d", Schedule: "whenever", Active: true}))

	assert.Equal(t, 1, p.Tick(ctx))
	require.Equal(t, []string{"run-1"}, runs.dispatched)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-a", run.WorkflowID)
	assert.Equal(t, models.TriggerSchedule, run.Trigger)
	assert.Equal(t, "v", run.Input["k"])

	entry, err := store.GetSchedule(ctx, "due")
	require.NoError(t, err)
	require.NotNil(t, entry.LastRun)
	assert.True(t, clock.Equal(*entry.LastRun))

	// nothing is due again one second later
	clock = clock.Add(time.Second)
	assert.Equal(t, 0, p.Tick(ctx))

	clock = clock.Add(time.Minute)
	assert.Equal(t, 2, p.Tick(ctx))
}

func TestPollerCronEntry(t *testing.T) {
	clock := at(9, 59, 59)
	p, store, runs := newTestPoller(t, &clock)
	ctx := context.Background()
	require.NoError(t, store.SaveSchedule(ctx, &models.ScheduleEntry{ID: "c", WorkflowID: "wf", Schedule: "*/5 * * * *", Active: true}))

	assert.Equal(t, 0, p.Tick(ctx))
	clock = at(10, 0, 0)
	assert.Equal(t, 1, p.Tick(ctx))
	clock = at(10, 0, 1)
	assert.Equal(t, 0, p.Tick(ctx))
	clock = at(10, 5, 0)
	assert.Equal(t, 1, p.Tick(ctx))
	assert.Len(t, runs.dispatched, 2)
}

func TestPollerRunStopsWithContext(t *testing.T) {
	store := storage.NewMemoryProvider()
	p := NewPoller(store.GetScheduleStore(), &fakeRuns{}, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
