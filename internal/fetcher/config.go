package fetcher

import "time"

// Config controls the upstream endpoint and retry behaviour of the Fetcher.
type Config struct {
	// BaseURL is the API root; series documents live under
	// /presentation/series/{id}.
	BaseURL string

	// MaxAttempts bounds total tries per item, first attempt included.
	MaxAttempts int

	// AttemptTimeout is the hard cap on one HTTP round trip.
	AttemptTimeout time.Duration

	// BackoffBase doubles per attempt; BackoffCap bounds the result after
	// jitter is added.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Jitter added to each backoff wait, drawn uniformly from
	// [JitterMinMs, JitterMaxMs].
	JitterMinMs int
	JitterMaxMs int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://api.mentimeter.com",
		MaxAttempts:    5,
		AttemptTimeout: 30 * time.Second,
		BackoffBase:    1 * time.Second,
		BackoffCap:     20 * time.Second,
		JitterMinMs:    200,
		JitterMaxMs:    1200,
	}
}
