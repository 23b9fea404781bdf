package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mentiharvest/internal/store"
)

// noDelay removes throttle jitter so tests never sleep.
func noDelay(min, max int) int { return 0 }

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func makeItems(n int) []WorkItem {
	items := make([]WorkItem, n)
	for i := range items {
		items[i] = WorkItem{RowIndex: i, URL: fmt.Sprintf("https://www.menti.com/al%02d", i)}
	}
	return items
}

// blockingExecutor holds every execution until released, so tests can observe
// the scheduler with items in flight.
type blockingExecutor struct {
	mu      sync.Mutex
	started chan WorkItem
	release chan struct{}
	result  func(item WorkItem) Result
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		started: make(chan WorkItem, 64),
		release: make(chan struct{}),
		result: func(item WorkItem) Result {
			return Result{RowIndex: item.RowIndex, URL: item.URL, Payload: json.RawMessage(`{}`)}
		},
	}
}

func (e *blockingExecutor) Execute(ctx context.Context, item WorkItem) Result {
	e.started <- item
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	e.mu.Lock()
	fn := e.result
	e.mu.Unlock()
	return fn(item)
}

func waitForStatus(t *testing.T, s *Scheduler, pred func(Status) bool) Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		st := s.Status()
		if pred(st) {
			return st
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status, last: %+v", st)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStartRunsBatchToCompletion(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, item WorkItem) Result {
		if item.RowIndex%3 == 0 {
			return Result{RowIndex: item.RowIndex, URL: item.URL, Error: "series not found"}
		}
		return Result{RowIndex: item.RowIndex, URL: item.URL, Payload: json.RawMessage(`{"ok":true}`)}
	})

	s := New(exec, store.NewMemory(), WithRand(noDelay))
	s.Start(context.Background(), makeItems(10), Settings{})

	st := waitForStatus(t, s, func(st Status) bool { return st.Completed })
	assert.Equal(t, 10, st.Total)
	assert.Equal(t, 10, st.Done)
	assert.Equal(t, 6, st.Success)
	assert.Equal(t, 4, st.Failed)
	assert.Equal(t, 0, st.Running)
	assert.Equal(t, 0, st.Queued)

	results := s.Results()
	require.Len(t, results, 10)
	for i, res := range results {
		require.NotNil(t, res, "row %d missing", i)
		assert.Equal(t, i, res.RowIndex)
		if i%3 == 0 {
			assert.Equal(t, "series not found", res.Error)
			assert.Nil(t, res.Payload)
		} else {
			assert.Empty(t, res.Error)
			assert.NotNil(t, res.Payload)
		}
	}
}

func TestConcurrencyNeverExceedsCap(t *testing.T) {
	exec := newBlockingExecutor()
	two := 2
	s := New(exec, store.NewMemory(), WithRand(noDelay))
	s.Start(context.Background(), makeItems(6), Settings{Concurrency: &two})

	// Exactly two admissions, then the pump stalls on the cap.
	<-exec.started
	<-exec.started
	st := waitForStatus(t, s, func(st Status) bool { return st.Running == 2 && st.Queued == 4 })
	assert.Equal(t, 2, st.InFlight)

	select {
	case item := <-exec.started:
		t.Fatalf("admission above cap: row %d", item.RowIndex)
	case <-time.After(50 * time.Millisecond):
	}

	close(exec.release)
	waitForStatus(t, s, func(st Status) bool { return st.Completed })
}

func TestPauseStopsAdmissionsAndResumeRestarts(t *testing.T) {
	exec := newBlockingExecutor()
	one := 1
	s := New(exec, store.NewMemory(), WithRand(noDelay))
	ctx := context.Background()
	s.Start(ctx, makeItems(3), Settings{Concurrency: &one})

	first := <-exec.started
	assert.Equal(t, 0, first.RowIndex)

	s.Pause(ctx)
	close(exec.release)

	// The in-flight item drains, nothing new starts.
	st := waitForStatus(t, s, func(st Status) bool { return st.Done == 1 })
	assert.True(t, st.Paused)
	assert.Equal(t, 0, st.Running)
	assert.Equal(t, 2, st.Queued)

	select {
	case item := <-exec.started:
		t.Fatalf("admission while paused: row %d", item.RowIndex)
	case <-time.After(50 * time.Millisecond):
	}

	s.Resume(ctx)
	st = waitForStatus(t, s, func(st Status) bool { return st.Completed })
	assert.False(t, st.Paused)
	assert.Equal(t, 3, st.Done)
}

func TestResetDiscardsLateCompletions(t *testing.T) {
	exec := newBlockingExecutor()
	one := 1
	s := New(exec, store.NewMemory(), WithRand(noDelay))
	ctx := context.Background()
	s.Start(ctx, makeItems(2), Settings{Concurrency: &one})

	<-exec.started
	s.Reset(ctx)

	st := s.Status()
	assert.Equal(t, 0, st.Total)
	assert.Equal(t, 0, st.Done)
	assert.Empty(t, s.Results())

	// The orphaned execution finishes against a superseded generation and
	// must not disturb the cleared state.
	close(exec.release)
	time.Sleep(50 * time.Millisecond)

	st = s.Status()
	assert.Equal(t, 0, st.Done)
	assert.Equal(t, 0, st.Success)
	assert.Empty(t, s.Results())
}

func TestCancelledRunKeepsInFlightRecoverable(t *testing.T) {
	mem := store.NewMemory()
	exec := newBlockingExecutor()
	exec.result = func(item WorkItem) Result {
		return Result{RowIndex: item.RowIndex, URL: item.URL, Error: "request failed: context canceled"}
	}

	one := 1
	s := New(exec, mem, WithRand(noDelay))
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, makeItems(2), Settings{Concurrency: &one})

	<-exec.started
	cancel()
	time.Sleep(50 * time.Millisecond)

	// Shutdown must not turn the interrupted item into a terminal failure.
	st := s.Status()
	assert.Equal(t, 0, st.Done)
	assert.Equal(t, 0, st.Failed)

	// The persisted snapshot still carries the item as in flight, so a
	// restart re-queues it.
	data, err := mem.Load(context.Background())
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 0, snap.Done)
	assert.Equal(t, 0, snap.Failed)
	require.Len(t, snap.InFlight, 1)
	assert.Equal(t, 0, snap.InFlight[0].RowIndex)
	require.Len(t, snap.Queue, 1)
	require.Len(t, snap.Results, 2)
	assert.Nil(t, snap.Results[0])

	// A fresh process picks the run up with both items pending.
	restored := New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result {
		return Result{RowIndex: item.RowIndex, URL: item.URL, Payload: json.RawMessage(`{}`)}
	}), mem, WithRand(noDelay))
	restored.Restore(context.Background())
	rst := waitForStatus(t, restored, func(rst Status) bool { return rst.Completed })
	assert.Equal(t, 2, rst.Success)
	assert.Equal(t, 0, rst.Failed)
}

// extractingExecutor mimics an executor that can tell up front whether an
// item will ever produce a request.
type extractingExecutor struct{}

func (extractingExecutor) Execute(ctx context.Context, item WorkItem) Result {
	return Result{RowIndex: item.RowIndex, URL: item.URL, Payload: json.RawMessage(`{}`)}
}

func (extractingExecutor) Validate(item WorkItem) error {
	if !strings.Contains(item.URL, "/presentation/") {
		return fmt.Errorf("could not extract presentation ID from URL: %s", item.URL)
	}
	return nil
}

func TestInvalidItemSkipsThrottleReservation(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	s := New(
		extractingExecutor{},
		store.NewMemory(),
		WithClock(fixedClock(base)),
		WithRand(func(min, max int) int { return 500 }),
	)

	items := []WorkItem{
		{RowIndex: 0, URL: "https://www.menti.com/vote"},
		{RowIndex: 1, URL: "https://www.mentimeter.com/app/presentation/ok"},
	}
	s.Start(context.Background(), items, Settings{})
	st := waitForStatus(t, s, func(st Status) bool { return st.Completed })

	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Success)

	results := s.Results()
	require.NotNil(t, results[0])
	assert.Contains(t, results[0].Error, "could not extract presentation ID")
	require.NotNil(t, results[1])
	assert.Empty(t, results[1].Error)

	// Only the valid item reserved a slot: the gate advanced by exactly one
	// delay, not two.
	s.mu.Lock()
	next := s.st.NextAllowedAt
	s.mu.Unlock()
	assert.Equal(t, base.UnixMilli()+500, next)
}

func TestRepeatedPumpTriggersDoNotOverAdmit(t *testing.T) {
	exec := newBlockingExecutor()
	two := 2
	s := New(exec, store.NewMemory(), WithRand(noDelay))
	ctx := context.Background()
	s.Start(ctx, makeItems(6), Settings{Concurrency: &two})

	<-exec.started
	<-exec.started

	// Hammer every pump trigger with nothing completed in between; the
	// admission loop must stay at the cap without double-dequeuing.
	for i := 0; i < 10; i++ {
		s.Resume(ctx)
		s.UpdateSettings(ctx, Settings{Concurrency: &two})
	}

	select {
	case item := <-exec.started:
		t.Fatalf("over-admission from repeated pump triggers: row %d", item.RowIndex)
	case <-time.After(50 * time.Millisecond):
	}

	st := s.Status()
	assert.Equal(t, 2, st.Running)
	assert.Equal(t, 2, st.InFlight)
	assert.Equal(t, 4, st.Queued)
	assert.Equal(t, 0, st.Done)

	close(exec.release)
	st = waitForStatus(t, s, func(st Status) bool { return st.Completed })
	assert.Equal(t, 6, st.Done)
	assert.Equal(t, 6, st.Success)

	// Each item was executed exactly once: two admissions were consumed
	// above, the remaining four drain here.
	executed := 2
	for {
		select {
		case <-exec.started:
			executed++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 6, executed)
}

func TestStartSupersedesRunningBatch(t *testing.T) {
	exec := newBlockingExecutor()
	one := 1
	s := New(exec, store.NewMemory(), WithRand(noDelay))
	ctx := context.Background()
	s.Start(ctx, makeItems(2), Settings{Concurrency: &one})

	<-exec.started

	// Second Start replaces the run; the stalled first-run item must not
	// leak its result into the new results slice.
	s.Start(ctx, makeItems(1), Settings{})
	close(exec.release)

	st := waitForStatus(t, s, func(st Status) bool { return st.Completed })
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Success)

	results := s.Results()
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].RowIndex)
}

func TestUpdateSettingsClampsAndSwaps(t *testing.T) {
	s := New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result { return Result{} }), store.NewMemory())

	conc, minD, maxD := 99, 5000, 10
	effective := s.UpdateSettings(context.Background(), Settings{
		Concurrency: &conc,
		MinDelayMs:  &minD,
		MaxDelayMs:  &maxD,
	})

	assert.Equal(t, 8, effective.Concurrency)
	assert.Equal(t, 100, effective.MinDelayMs)
	assert.Equal(t, 5000, effective.MaxDelayMs)
}

func TestUpdateSettingsPartial(t *testing.T) {
	s := New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result { return Result{} }), store.NewMemory())

	three := 3
	effective := s.UpdateSettings(context.Background(), Settings{Concurrency: &three})
	assert.Equal(t, 3, effective.Concurrency)
	assert.Equal(t, 150, effective.MinDelayMs)
	assert.Equal(t, 700, effective.MaxDelayMs)
}

func TestRaisingConcurrencyAdmitsImmediately(t *testing.T) {
	exec := newBlockingExecutor()
	one := 1
	s := New(exec, store.NewMemory(), WithRand(noDelay))
	ctx := context.Background()
	s.Start(ctx, makeItems(4), Settings{Concurrency: &one})

	<-exec.started
	waitForStatus(t, s, func(st Status) bool { return st.Running == 1 })

	three := 3
	s.UpdateSettings(ctx, Settings{Concurrency: &three})

	<-exec.started
	<-exec.started
	waitForStatus(t, s, func(st Status) bool { return st.Running == 3 })

	close(exec.release)
	waitForStatus(t, s, func(st Status) bool { return st.Completed })
}

func TestReserveSlotSpacesStarts(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	s := New(
		ExecutorFunc(func(ctx context.Context, item WorkItem) Result { return Result{} }),
		store.NewMemory(),
		WithClock(fixedClock(base)),
		WithRand(func(min, max int) int { return 500 }),
	)

	first := s.reserveSlot()
	second := s.reserveSlot()
	third := s.reserveSlot()

	assert.Equal(t, base.UnixMilli(), first.UnixMilli())
	assert.Equal(t, base.UnixMilli()+500, second.UnixMilli())
	assert.Equal(t, base.UnixMilli()+1000, third.UnixMilli())
}

func TestReserveSlotCatchesUpAfterIdle(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	now := base
	s := New(
		ExecutorFunc(func(ctx context.Context, item WorkItem) Result { return Result{} }),
		store.NewMemory(),
		WithClock(func() time.Time { return now }),
		WithRand(func(min, max int) int { return 200 }),
	)

	s.reserveSlot()

	// Long idle period: the next reservation starts now, not at the stale
	// nextAllowedAt.
	now = base.Add(10 * time.Second)
	slot := s.reserveSlot()
	assert.Equal(t, now.UnixMilli(), slot.UnixMilli())
}

func TestSnapshotPersistedOnTransitions(t *testing.T) {
	mem := store.NewMemory()
	s := New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result {
		return Result{RowIndex: item.RowIndex, URL: item.URL, Payload: json.RawMessage(`{}`)}
	}), mem, WithRand(noDelay))

	ctx := context.Background()
	s.Start(ctx, makeItems(2), Settings{})
	waitForStatus(t, s, func(st Status) bool { return st.Completed })

	data, err := mem.Load(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 2, snap.Done)
	assert.Equal(t, 2, snap.Success)
	assert.Empty(t, snap.Queue)
	assert.Empty(t, snap.InFlight)
	assert.Equal(t, 0, snap.Running)
}

func TestRestoreRequeuesInFlightAtFront(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	snap := Snapshot{
		RunID: 7,
		Queue: []WorkItem{
			{RowIndex: 3, URL: "https://www.menti.com/queued"},
		},
		InFlight: []WorkItem{
			{RowIndex: 1, URL: "https://www.menti.com/interrupted"},
			{RowIndex: 2, URL: "https://www.menti.com/interrupted2"},
		},
		Results:       []*Result{{RowIndex: 0, URL: "https://www.menti.com/done", Payload: json.RawMessage(`{}`)}, nil, nil, nil},
		Running:       2,
		Total:         4,
		Done:          1,
		Success:       1,
		Paused:        true,
		StartedAt:     1000,
		NextAllowedAt: 2000,
		Throttle:      ThrottleConfig{Concurrency: 3, MinDelayMs: 200, MaxDelayMs: 400},
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, mem.Save(ctx, data))

	var order []int
	var mu sync.Mutex
	s := New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result {
		mu.Lock()
		order = append(order, item.RowIndex)
		mu.Unlock()
		return Result{RowIndex: item.RowIndex, URL: item.URL, Payload: json.RawMessage(`{}`)}
	}), mem, WithRand(noDelay))

	s.Restore(ctx)

	// Paused snapshot: state is back but nothing runs.
	st := s.Status()
	assert.True(t, st.Paused)
	assert.Equal(t, 3, st.Queued)
	assert.Equal(t, 0, st.Running)
	assert.Equal(t, 1, st.Done)
	assert.Equal(t, ThrottleConfig{Concurrency: 3, MinDelayMs: 200, MaxDelayMs: 400}, st.Settings)

	one := 1
	s.UpdateSettings(ctx, Settings{Concurrency: &one})
	s.Resume(ctx)
	waitForStatus(t, s, func(st Status) bool { return st.Completed })

	// Interrupted items run before untouched queue items.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRestoreClampsThrottle(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	snap := Snapshot{
		RunID:    1,
		Total:    1,
		Done:     1,
		Success:  1,
		Results:  []*Result{{RowIndex: 0}},
		Throttle: ThrottleConfig{Concurrency: 50, MinDelayMs: 10, MaxDelayMs: 1},
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, mem.Save(ctx, data))

	s := New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result { return Result{} }), mem)
	s.Restore(ctx)

	st := s.Status()
	assert.Equal(t, 8, st.Settings.Concurrency)
	assert.Equal(t, 100, st.Settings.MinDelayMs)
	assert.Equal(t, 100, st.Settings.MaxDelayMs)
	assert.True(t, st.Completed)
}

func TestRestoreResumesUnfinishedRun(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	snap := Snapshot{
		RunID: 2,
		Queue: []WorkItem{
			{RowIndex: 1, URL: "https://www.menti.com/a"},
			{RowIndex: 2, URL: "https://www.menti.com/b"},
		},
		Results:  []*Result{{RowIndex: 0, Payload: json.RawMessage(`{}`)}, nil, nil},
		Total:    3,
		Done:     1,
		Success:  1,
		Throttle: defaultThrottle(),
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, mem.Save(ctx, data))

	var executed atomic.Int32
	s := New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result {
		executed.Add(1)
		return Result{RowIndex: item.RowIndex, Payload: json.RawMessage(`{}`)}
	}), mem, WithRand(noDelay))

	s.Restore(ctx)
	st := waitForStatus(t, s, func(st Status) bool { return st.Completed })
	assert.Equal(t, 3, st.Done)
	assert.Equal(t, 3, st.Success)
	assert.Equal(t, int32(2), executed.Load())
}

func TestRestoreWithEmptyStore(t *testing.T) {
	s := New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result { return Result{} }), store.NewMemory())
	s.Restore(context.Background())

	st := s.Status()
	assert.Equal(t, 0, st.Total)
	assert.False(t, st.Completed)
}

func TestRestoreWithCorruptSnapshot(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.Save(ctx, []byte("not json")))

	s := New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result { return Result{} }), mem)
	s.Restore(ctx)

	st := s.Status()
	assert.Equal(t, 0, st.Total)
}

type notifierSpy struct {
	mu        sync.Mutex
	summaries []RunSummary
}

func (n *notifierSpy) RunCompleted(ctx context.Context, summary RunSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, summary)
}

func (n *notifierSpy) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.summaries)
}

func TestNotifierCalledOnceOnCompletion(t *testing.T) {
	spy := &notifierSpy{}
	s := New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result {
		if item.RowIndex == 1 {
			return Result{RowIndex: item.RowIndex, Error: "HTTP 410"}
		}
		return Result{RowIndex: item.RowIndex, Payload: json.RawMessage(`{}`)}
	}), store.NewMemory(), WithRand(noDelay), WithNotifier(spy))

	s.Start(context.Background(), makeItems(3), Settings{})
	waitForStatus(t, s, func(st Status) bool { return st.Completed })

	deadline := time.After(2 * time.Second)
	for spy.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("notifier never called")
		case <-time.After(5 * time.Millisecond):
		}
	}

	spy.mu.Lock()
	defer spy.mu.Unlock()
	require.Len(t, spy.summaries, 1)
	assert.Equal(t, 3, spy.summaries[0].Total)
	assert.Equal(t, 2, spy.summaries[0].Success)
	assert.Equal(t, 1, spy.summaries[0].Failed)
}

func TestStatusDerivedFields(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	now := base
	s := New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result { return Result{} }),
		store.NewMemory(), WithClock(func() time.Time { return now }))

	// Idle scheduler: no rate, no ETA.
	st := s.Status()
	assert.Zero(t, st.Progress)
	assert.Zero(t, st.RatePerMinute)
	assert.Nil(t, st.EtaMs)

	s.mu.Lock()
	s.st.Total = 10
	s.st.Done = 5
	s.st.StartedAt = base.UnixMilli()
	s.mu.Unlock()

	now = base.Add(time.Minute)
	st = s.Status()
	assert.InDelta(t, 0.5, st.Progress, 1e-9)
	assert.InDelta(t, 5.0, st.RatePerMinute, 1e-9)
	require.NotNil(t, st.EtaMs)
	assert.InDelta(t, 60000, *st.EtaMs, 1e-6)
}

func TestNewPanicsOnNilDeps(t *testing.T) {
	assert.PanicsWithValue(t, "executor is required", func() {
		New(nil, store.NewMemory())
	})
	assert.PanicsWithValue(t, "snapshot store is required", func() {
		New(ExecutorFunc(func(ctx context.Context, item WorkItem) Result { return Result{} }), nil)
	})
}
