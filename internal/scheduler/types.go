package scheduler

import (
	"context"
	"encoding/json"
	"time"
)

// WorkItem is one row of the input batch: the URL to fetch plus the source
// row it came from. Items are immutable once enqueued; RowIndex values are
// dense 0..N-1 and unique within a run.
type WorkItem struct {
	RowIndex int               `json:"rowIndex"`
	URL      string            `json:"url"`
	Columns  []string          `json:"columns,omitempty"`
	RowData  map[string]string `json:"rowData,omitempty"`
}

// Result is the terminal outcome of one work item. Exactly one of Payload
// and Error is set. Results live at position RowIndex in the run's results
// slice, so concurrent out-of-order completions never shift each other.
type Result struct {
	RowIndex      int               `json:"rowIndex"`
	URL           string            `json:"url"`
	SourceColumns []string          `json:"source_columns"`
	SourceRow     map[string]string `json:"source_row"`
	APIURL        string            `json:"apiUrl,omitempty"`
	Payload       json.RawMessage   `json:"presentation,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Executor performs one work item to completion or terminal failure. It must
// honour ctx cancellation and never panic; all failures are reported through
// Result.Error.
type Executor interface {
	Execute(ctx context.Context, item WorkItem) Result
}

// Validator is implemented by executors that can reject an item without
// issuing a request. Items failing validation are recorded as terminal
// failures before any throttle slot is consumed.
type Validator interface {
	Validate(item WorkItem) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, item WorkItem) Result

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, item WorkItem) Result {
	return f(ctx, item)
}

// ThrottleConfig bounds admission concurrency and the randomized spacing
// between request starts.
type ThrottleConfig struct {
	Concurrency int `json:"concurrency"`
	MinDelayMs  int `json:"minDelayMs"`
	MaxDelayMs  int `json:"maxDelayMs"`
}

// Valid ranges for ThrottleConfig fields. Values outside are clamped, and an
// inverted min/max pair is swapped.
const (
	MinConcurrency = 1
	MaxConcurrency = 8
	DelayFloorMs   = 100
	DelayCeilMs    = 120000
)

func defaultThrottle() ThrottleConfig {
	return ThrottleConfig{Concurrency: 5, MinDelayMs: 150, MaxDelayMs: 700}
}

func (c ThrottleConfig) sanitized() ThrottleConfig {
	c.Concurrency = clampInt(c.Concurrency, MinConcurrency, MaxConcurrency)
	c.MinDelayMs = clampInt(c.MinDelayMs, DelayFloorMs, DelayCeilMs)
	c.MaxDelayMs = clampInt(c.MaxDelayMs, DelayFloorMs, DelayCeilMs)
	if c.MinDelayMs > c.MaxDelayMs {
		c.MinDelayMs, c.MaxDelayMs = c.MaxDelayMs, c.MinDelayMs
	}
	return c
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Settings is a partial throttle update; nil fields keep their current
// values.
type Settings struct {
	Concurrency *int `json:"concurrency,omitempty"`
	MinDelayMs  *int `json:"minDelayMs,omitempty"`
	MaxDelayMs  *int `json:"maxDelayMs,omitempty"`
}

// Snapshot is the durable serialization of the run state. It doubles as the
// in-memory model; every field round-trips through the snapshot store
// verbatim.
type Snapshot struct {
	RunID         int64          `json:"runId"`
	Queue         []WorkItem     `json:"queue"`
	InFlight      []WorkItem     `json:"inFlight"`
	Results       []*Result      `json:"results"`
	Running       int            `json:"running"`
	Total         int            `json:"total"`
	Done          int            `json:"done"`
	Success       int            `json:"success"`
	Failed        int            `json:"failed"`
	Paused        bool           `json:"paused"`
	StartedAt     int64          `json:"startedAt"`
	NextAllowedAt int64          `json:"nextAllowedAt"`
	Throttle      ThrottleConfig `json:"throttle"`
}

// Status is the derived view returned by the control surface.
type Status struct {
	Running       int            `json:"running"`
	Done          int            `json:"done"`
	Total         int            `json:"total"`
	Queued        int            `json:"queued"`
	InFlight      int            `json:"inFlight"`
	Success       int            `json:"success"`
	Failed        int            `json:"failed"`
	Paused        bool           `json:"paused"`
	Completed     bool           `json:"completed"`
	Progress      float64        `json:"progress"`
	ElapsedMs     int64          `json:"elapsedMs"`
	RatePerMinute float64        `json:"ratePerMinute"`
	EtaMs         *float64       `json:"etaMs"`
	Settings      ThrottleConfig `json:"settings"`
}

// RunSummary describes a finished run for notification delivery.
type RunSummary struct {
	Total   int
	Success int
	Failed  int
	Elapsed time.Duration
}

// Notifier is told when a run drains to completion.
type Notifier interface {
	RunCompleted(ctx context.Context, summary RunSummary)
}
