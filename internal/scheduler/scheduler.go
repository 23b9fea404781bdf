package scheduler

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"mentiharvest/internal/metrics"
	"mentiharvest/internal/store"
)

// Scheduler owns the run state and drives queued items through bounded
// concurrent execution. All state mutation happens under one mutex; each
// public operation, each admission and each completion is a single locked
// transaction. Waits — the throttle sleep and the fetch itself — happen in
// per-item goroutines outside the lock.
type Scheduler struct {
	mu        sync.Mutex
	st        Snapshot
	exec      Executor
	store     store.Store
	collector *metrics.Collector
	notifier  Notifier
	restoring bool

	nowFn  func() time.Time
	randFn func(min, max int) int
}

// Option configures optional Scheduler collaborators.
type Option func(*Scheduler)

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.collector = c }
}

// WithNotifier attaches a run-completion notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.nowFn = now }
}

// WithRand overrides the jitter source (tests).
func WithRand(randFn func(min, max int) int) Option {
	return func(s *Scheduler) { s.randFn = randFn }
}

// New creates a Scheduler with empty run state.
func New(exec Executor, snapshots store.Store, opts ...Option) *Scheduler {
	if exec == nil {
		panic("executor is required")
	}
	if snapshots == nil {
		panic("snapshot store is required")
	}

	s := &Scheduler{
		exec:   exec,
		store:  snapshots,
		nowFn:  time.Now,
		randFn: randomInt,
		st: Snapshot{
			Throttle: defaultThrottle(),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.Intn(max-min+1)
}

// Start replaces any current run with a new batch. An empty batch yields a
// zero-total run; callers are expected to reject empty batches up front.
func (s *Scheduler) Start(ctx context.Context, items []WorkItem, settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applySettingsLocked(settings)

	queue := make([]WorkItem, len(items))
	copy(queue, items)

	now := s.nowFn().UnixMilli()
	s.st.Queue = queue
	s.st.InFlight = nil
	s.st.Results = make([]*Result, len(items))
	s.st.RunID++
	s.st.Running = 0
	s.st.Done = 0
	s.st.Total = len(items)
	s.st.Success = 0
	s.st.Failed = 0
	s.st.Paused = false
	s.st.StartedAt = now
	s.st.NextAllowedAt = now

	log.Info().
		Int64("run_id", s.st.RunID).
		Int("total", s.st.Total).
		Int("concurrency", s.st.Throttle.Concurrency).
		Msg("Starting run")

	s.pumpLocked(ctx)
	s.persistLocked(ctx)
}

// Pause stops further admissions; in-flight items finish naturally.
func (s *Scheduler) Pause(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.Paused = true
	log.Info().Int64("run_id", s.st.RunID).Msg("Run paused")
	s.persistLocked(ctx)
}

// Resume clears the pause flag and re-triggers admission.
func (s *Scheduler) Resume(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.Paused = false
	log.Info().Int64("run_id", s.st.RunID).Msg("Run resumed")
	s.pumpLocked(ctx)
	s.persistLocked(ctx)
}

// UpdateSettings re-clamps and stores a partial throttle update, lets it take
// effect on the next reservation, and exploits a raised concurrency cap
// immediately. Returns the effective settings.
func (s *Scheduler) UpdateSettings(ctx context.Context, settings Settings) ThrottleConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applySettingsLocked(settings)
	// A committed reservation is never shortened retroactively, but new
	// settings should not wait behind it either.
	s.st.NextAllowedAt = s.nowFn().UnixMilli()
	s.persistLocked(ctx)

	if !s.st.Paused && s.st.Done < s.st.Total {
		s.pumpLocked(ctx)
	}

	log.Info().
		Int("concurrency", s.st.Throttle.Concurrency).
		Int("min_delay_ms", s.st.Throttle.MinDelayMs).
		Int("max_delay_ms", s.st.Throttle.MaxDelayMs).
		Msg("Settings updated")

	return s.st.Throttle
}

// Reset clears the run and invalidates every in-flight continuation by
// bumping the run generation. Throttle settings survive for operator
// convenience.
func (s *Scheduler) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.RunID++
	s.st.Queue = nil
	s.st.InFlight = nil
	s.st.Results = nil
	s.st.Running = 0
	s.st.Done = 0
	s.st.Total = 0
	s.st.Success = 0
	s.st.Failed = 0
	s.st.Paused = false
	s.st.StartedAt = 0
	s.st.NextAllowedAt = s.nowFn().UnixMilli()

	log.Info().Int64("run_id", s.st.RunID).Msg("Run state reset")
	s.updateGaugesLocked()
	s.persistLocked(ctx)
}

// Status derives the external view of the run.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var elapsedMs int64
	if s.st.StartedAt > 0 {
		elapsedMs = s.nowFn().UnixMilli() - s.st.StartedAt
	}

	var progress, rate float64
	if s.st.Total > 0 {
		progress = float64(s.st.Done) / float64(s.st.Total)
	}
	if elapsedMs > 0 {
		rate = float64(s.st.Done) * 60000 / float64(elapsedMs)
	}

	var etaMs *float64
	if rate > 0 {
		remaining := s.st.Total - s.st.Done
		if remaining < 0 {
			remaining = 0
		}
		eta := float64(remaining) / rate * 60000
		etaMs = &eta
	}

	return Status{
		Running:       s.st.Running,
		Done:          s.st.Done,
		Total:         s.st.Total,
		Queued:        len(s.st.Queue),
		InFlight:      len(s.st.InFlight),
		Success:       s.st.Success,
		Failed:        s.st.Failed,
		Paused:        s.st.Paused,
		Completed:     s.completedLocked(),
		Progress:      progress,
		ElapsedMs:     elapsedMs,
		RatePerMinute: rate,
		EtaMs:         etaMs,
		Settings:      s.st.Throttle,
	}
}

// Results returns the full sparse results slice; slots for rows that have
// not completed yet are nil.
func (s *Scheduler) Results() []*Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Result, len(s.st.Results))
	copy(out, s.st.Results)
	return out
}

// Restore loads the persisted snapshot once at process start. Items that
// were in flight when the process died are re-queued at the front — retried,
// not lost — and the admission loop resumes if work remains. Snapshot writes
// are suppressed for the duration so a half-applied restore can never
// clobber the stored state.
func (s *Scheduler) Restore(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.restoring = true
	defer func() { s.restoring = false }()

	data, err := s.store.Load(ctx)
	if err != nil {
		sentry.CaptureException(err)
		log.Warn().Err(err).Msg("Failed to load snapshot, starting empty")
		return
	}
	if len(data) == 0 {
		log.Debug().Msg("No snapshot found")
		return
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable snapshot")
		return
	}

	snap.Throttle = snap.Throttle.sanitized()
	if len(snap.Results) < snap.Total {
		grown := make([]*Result, snap.Total)
		copy(grown, snap.Results)
		snap.Results = grown
	}

	// No request is actually outstanding after a restart; interrupted work
	// goes back to the head of the queue ahead of untouched items.
	if len(snap.InFlight) > 0 {
		requeued := make([]WorkItem, 0, len(snap.InFlight)+len(snap.Queue))
		requeued = append(requeued, snap.InFlight...)
		requeued = append(requeued, snap.Queue...)
		snap.Queue = requeued
		snap.InFlight = nil
	}
	snap.Running = 0

	s.st = snap
	log.Info().
		Int64("run_id", s.st.RunID).
		Int("queued", len(s.st.Queue)).
		Int("done", s.st.Done).
		Int("total", s.st.Total).
		Msg("Run state restored from snapshot")

	if !s.st.Paused && s.st.Done < s.st.Total {
		s.pumpLocked(ctx)
	}
}

// pumpLocked admits queued items while the concurrency budget allows. It is
// idempotent and safe to call from any trigger; callers hold s.mu.
func (s *Scheduler) pumpLocked(ctx context.Context) {
	if s.st.Paused {
		return
	}

	for s.st.Running < s.st.Throttle.Concurrency && len(s.st.Queue) > 0 {
		item := s.st.Queue[0]
		s.st.Queue = s.st.Queue[1:]
		s.st.InFlight = append(s.st.InFlight, item)
		s.st.Running++
		runID := s.st.RunID
		s.persistLocked(ctx)

		log.Debug().
			Int64("run_id", runID).
			Int("row", item.RowIndex).
			Str("url", item.URL).
			Int("running", s.st.Running).
			Msg("Admitted work item")

		go s.runOne(ctx, runID, item)
	}
	s.updateGaugesLocked()
}

// runOne waits for a throttle reservation, executes the item and reconciles
// the outcome. Runs outside the lock.
func (s *Scheduler) runOne(ctx context.Context, runID int64, item WorkItem) {
	// An item that can never produce a request fails without consuming a
	// throttle reservation.
	if v, ok := s.exec.(Validator); ok {
		if err := v.Validate(item); err != nil {
			s.complete(ctx, runID, item, Result{
				RowIndex:      item.RowIndex,
				URL:           item.URL,
				SourceColumns: item.Columns,
				SourceRow:     item.RowData,
				Error:         err.Error(),
			})
			return
		}
	}

	startAt := s.reserveSlot()
	if wait := startAt.Sub(s.nowFn()); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}

	start := time.Now()
	res := s.exec.Execute(ctx, item)
	if s.collector != nil {
		s.collector.FetchDuration.Observe(time.Since(start).Seconds())
	}

	s.complete(ctx, runID, item, res)
}

// reserveSlot commits the next allowed start time under the lock, so
// concurrent callers never compute overlapping reservations even though the
// wait itself happens unlocked.
func (s *Scheduler) reserveSlot() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := s.randFn(s.st.Throttle.MinDelayMs, s.st.Throttle.MaxDelayMs)
	now := s.nowFn().UnixMilli()
	startAt := now
	if s.st.NextAllowedAt > startAt {
		startAt = s.st.NextAllowedAt
	}
	s.st.NextAllowedAt = startAt + int64(delay)
	return time.UnixMilli(startAt)
}

// complete reconciles one execution outcome. A completion whose captured
// run generation is stale is discarded without touching state.
func (s *Scheduler) complete(ctx context.Context, runID int64, item WorkItem, res Result) {
	// A cancelled run context means shutdown, not a verdict on the item.
	// The persisted snapshot still carries it in inFlight, so dropping the
	// outcome here lets Restore re-queue it instead of freezing a
	// cancellation error into the results.
	if ctx.Err() != nil {
		log.Debug().
			Int64("run_id", runID).
			Int("row", item.RowIndex).
			Msg("Discarding completion after run context cancellation")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if runID != s.st.RunID {
		log.Debug().
			Int64("run_id", runID).
			Int64("current_run_id", s.st.RunID).
			Int("row", item.RowIndex).
			Msg("Discarding completion from superseded run")
		return
	}

	if item.RowIndex >= 0 && item.RowIndex < len(s.st.Results) {
		stored := res
		s.st.Results[item.RowIndex] = &stored
	}

	if res.Error == "" {
		s.st.Success++
		if s.collector != nil {
			s.collector.ItemsSucceeded.Inc()
		}
	} else {
		s.st.Failed++
		if s.collector != nil {
			s.collector.ItemsFailed.Inc()
		}
		log.Warn().
			Int("row", item.RowIndex).
			Str("url", item.URL).
			Str("error", res.Error).
			Msg("Work item failed")
	}
	if s.collector != nil {
		s.collector.ItemsCompleted.Inc()
	}

	s.removeInFlightLocked(item.RowIndex)
	s.st.Running--
	s.st.Done++
	s.persistLocked(ctx)

	if s.completedLocked() {
		summary := RunSummary{
			Total:   s.st.Total,
			Success: s.st.Success,
			Failed:  s.st.Failed,
			Elapsed: time.Duration(s.nowFn().UnixMilli()-s.st.StartedAt) * time.Millisecond,
		}
		log.Info().
			Int64("run_id", s.st.RunID).
			Int("success", summary.Success).
			Int("failed", summary.Failed).
			Dur("elapsed", summary.Elapsed).
			Msg("Run completed")
		if s.notifier != nil {
			go s.notifier.RunCompleted(ctx, summary)
		}
	}

	s.pumpLocked(ctx)
}

func (s *Scheduler) removeInFlightLocked(rowIndex int) {
	for i, it := range s.st.InFlight {
		if it.RowIndex == rowIndex {
			s.st.InFlight = append(s.st.InFlight[:i], s.st.InFlight[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) completedLocked() bool {
	return s.st.Total > 0 &&
		s.st.Done == s.st.Total &&
		len(s.st.Queue) == 0 &&
		len(s.st.InFlight) == 0
}

func (s *Scheduler) applySettingsLocked(settings Settings) {
	next := s.st.Throttle
	if settings.Concurrency != nil {
		next.Concurrency = *settings.Concurrency
	}
	if settings.MinDelayMs != nil {
		next.MinDelayMs = *settings.MinDelayMs
	}
	if settings.MaxDelayMs != nil {
		next.MaxDelayMs = *settings.MaxDelayMs
	}
	s.st.Throttle = next.sanitized()
}

// persistLocked writes the snapshot after a state transition. Persistence
// failures are non-fatal: the in-memory state stays authoritative for the
// live process.
func (s *Scheduler) persistLocked(ctx context.Context) {
	if s.restoring {
		return
	}

	data, err := json.Marshal(s.st)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode snapshot")
		return
	}
	if err := s.store.Save(ctx, data); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Failed to persist snapshot")
	}
}

func (s *Scheduler) updateGaugesLocked() {
	if s.collector == nil {
		return
	}
	s.collector.Running.Set(float64(s.st.Running))
	s.collector.Queued.Set(float64(len(s.st.Queue)))
}
