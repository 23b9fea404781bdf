package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"mentiharvest/internal/metrics"
	"mentiharvest/internal/report"
	"mentiharvest/internal/scheduler"
)

// maxResponseBytes caps how much of an upstream body is read. Series
// documents are well under this.
const maxResponseBytes = 16 << 20

// retryableStatuses are transient upstream conditions worth another attempt.
// Anything else fails the item immediately.
var retryableStatuses = map[int]bool{
	http.StatusForbidden:           true,
	http.StatusRequestTimeout:      true,
	http.StatusConflict:            true,
	http.StatusTooEarly:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Fetcher executes one work item: resolve the series identifier from the
// public URL, fetch the series document with bounded retries, and reduce it
// to the flat report.
type Fetcher struct {
	cfg       Config
	client    *http.Client
	collector *metrics.Collector
	nowFn     func() time.Time
	randFn    func(min, max int) int
}

// Option configures optional Fetcher collaborators.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client (tests, custom transports).
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithMetrics attaches a Prometheus collector for retry counting.
func WithMetrics(c *metrics.Collector) Option {
	return func(f *Fetcher) { f.collector = c }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.nowFn = now }
}

// WithRand overrides the jitter source (tests).
func WithRand(randFn func(min, max int) int) Option {
	return func(f *Fetcher) { f.randFn = randFn }
}

// New creates a Fetcher with the given config.
func New(cfg Config, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:    cfg,
		client: &http.Client{},
		nowFn:  time.Now,
		randFn: func(min, max int) int {
			if max <= min {
				return min
			}
			return min + rand.Intn(max-min+1)
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Validate implements scheduler.Validator: an item whose URL carries no
// extractable series identifier can never produce a request, so it fails
// before a throttle slot is spent on it.
func (f *Fetcher) Validate(item scheduler.WorkItem) error {
	_, err := ExtractSeriesID(item.URL)
	return err
}

// Execute implements scheduler.Executor. All failures come back through
// Result.Error with the source row echoed for traceability.
func (f *Fetcher) Execute(ctx context.Context, item scheduler.WorkItem) scheduler.Result {
	res := scheduler.Result{
		RowIndex:      item.RowIndex,
		URL:           item.URL,
		SourceColumns: item.Columns,
		SourceRow:     item.RowData,
	}

	seriesID, err := ExtractSeriesID(item.URL)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	apiURL := f.cfg.BaseURL + "/presentation/series/" + url.PathEscape(seriesID)
	res.APIURL = apiURL

	raw, err := f.fetchWithRetry(ctx, apiURL)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	rep, err := report.Reduce(raw)
	if err != nil {
		res.Error = fmt.Sprintf("failed to reduce series document: %v", err)
		return res
	}

	payload, err := json.Marshal(rep)
	if err != nil {
		res.Error = fmt.Sprintf("failed to encode report: %v", err)
		return res
	}
	res.Payload = payload
	return res
}

// fetchError classifies one failed attempt. Terminal errors abort the retry
// loop; retryable ones may carry a server-specified wait.
type fetchError struct {
	msg        string
	terminal   bool
	retryAfter *time.Duration
}

func (e *fetchError) Error() string { return e.msg }

func (f *Fetcher) fetchWithRetry(ctx context.Context, apiURL string) (json.RawMessage, error) {
	var lastErr *fetchError

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && f.collector != nil {
			f.collector.FetchRetries.Inc()
		}

		body, ferr := f.attempt(ctx, apiURL)
		if ferr == nil {
			return body, nil
		}
		if ferr.terminal {
			return nil, ferr
		}
		lastErr = ferr
		if attempt == f.cfg.MaxAttempts {
			break
		}

		wait := f.backoff(attempt)
		if ferr.retryAfter != nil {
			wait = *ferr.retryAfter
		}
		log.Debug().
			Str("url", apiURL).
			Int("attempt", attempt).
			Dur("wait", wait).
			Str("error", ferr.msg).
			Msg("Retrying fetch")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("failed to fetch API response for %s", apiURL)
}

// attempt runs a single HTTP round trip under the per-attempt timeout.
func (f *Fetcher) attempt(ctx context.Context, apiURL string) (json.RawMessage, *fetchError) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, &fetchError{msg: fmt.Sprintf("invalid request for %s: %v", apiURL, err), terminal: true}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &fetchError{msg: fmt.Sprintf("request failed for %s: %v", apiURL, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &fetchError{msg: fmt.Sprintf("failed to read response for %s: %v", apiURL, err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if !json.Valid(body) {
			return nil, &fetchError{msg: fmt.Sprintf("invalid JSON response for %s", apiURL)}
		}
		return body, nil
	}

	if isSeriesNotFound(resp.StatusCode, body) {
		return nil, &fetchError{msg: "Presentation can't be accessed", terminal: true}
	}

	ferr := &fetchError{msg: fmt.Sprintf("API request failed (%d) for %s", resp.StatusCode, apiURL)}
	if !retryableStatuses[resp.StatusCode] {
		ferr.terminal = true
		return nil, ferr
	}
	ferr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), f.nowFn())
	return nil, ferr
}

// apiErrorBody is the upstream's structured error envelope.
type apiErrorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// isSeriesNotFound matches the upstream's "this presentation does not exist
// or is private" signature, which is permanent and never worth retrying.
func isSeriesNotFound(status int, body []byte) bool {
	if status != http.StatusNotFound {
		return false
	}
	var apiErr apiErrorBody
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return false
	}
	return apiErr.Status == http.StatusNotFound &&
		strings.ToLower(apiErr.Code) == "not_found" &&
		strings.Contains(strings.ToLower(apiErr.Message), "series not found")
}

// parseRetryAfter interprets a Retry-After header as either delay seconds or
// an HTTP date. Returns nil when absent or unparseable.
func parseRetryAfter(value string, now time.Time) *time.Duration {
	if value == "" {
		return nil
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		d := time.Duration(secs * float64(time.Second))
		if d < 0 {
			d = 0
		}
		return &d
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	base := f.cfg.BackoffBase << (attempt - 1)
	jitter := time.Duration(f.randFn(f.cfg.JitterMinMs, f.cfg.JitterMaxMs)) * time.Millisecond
	if d := base + jitter; d < f.cfg.BackoffCap {
		return d
	}
	return f.cfg.BackoffCap
}

// ExtractSeriesID pulls the series identifier out of a public presentation
// URL: the path segment following "presentation", or failing that the one
// following "series".
func ExtractSeriesID(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("could not extract presentation ID from URL: %s", rawURL)
	}

	var parts []string
	for _, p := range strings.Split(parsed.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	for _, marker := range []string{"presentation", "series"} {
		for i, p := range parts {
			if p == marker && i+1 < len(parts) {
				return parts[i+1], nil
			}
		}
	}
	return "", fmt.Errorf("could not extract presentation ID from URL: %s", rawURL)
}
