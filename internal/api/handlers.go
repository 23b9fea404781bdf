package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"mentiharvest/internal/scheduler"
	"mentiharvest/internal/tabular"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

// maxBodyBytes caps request bodies; CSV uploads are the largest expected.
const maxBodyBytes = 32 << 20

// Handler holds dependencies for API handlers
type Handler struct {
	scheduler *scheduler.Scheduler
	auth      Middleware

	// runCtx outlives any single request; scheduler work started from a
	// handler must not die with the request's context.
	runCtx context.Context
}

// NewHandler creates a new API handler with dependencies
func NewHandler(runCtx context.Context, sched *scheduler.Scheduler, auth Middleware) *Handler {
	if sched == nil {
		panic("scheduler is required")
	}
	if runCtx == nil {
		runCtx = context.Background()
	}
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		scheduler: sched,
		auth:      auth,
		runCtx:    runCtx,
	}
}

// SetupRoutes configures all API routes with proper middleware
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health check endpoint (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)

	// Run control routes
	mux.Handle("/v1/run", h.auth(http.HandlerFunc(h.StartRun)))
	mux.Handle("/v1/run/status", h.auth(http.HandlerFunc(h.RunStatus)))
	mux.Handle("/v1/run/results", h.auth(http.HandlerFunc(h.RunResults)))
	mux.Handle("/v1/run/results/download", h.auth(http.HandlerFunc(h.DownloadResults)))
	mux.Handle("/v1/run/pause", h.auth(http.HandlerFunc(h.PauseRun)))
	mux.Handle("/v1/run/resume", h.auth(http.HandlerFunc(h.ResumeRun)))
	mux.Handle("/v1/run/reset", h.auth(http.HandlerFunc(h.ResetRun)))
	mux.Handle("/v1/run/settings", h.auth(http.HandlerFunc(h.UpdateSettings)))

	// CSV inspection (acquisition helper, no run state touched)
	mux.Handle("/v1/csv/inspect", h.auth(http.HandlerFunc(h.InspectCSV)))
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteHealthy(w, r, "mentiharvest", Version)
}

type startRequest struct {
	Items     []scheduler.WorkItem `json:"items"`
	CSV       string               `json:"csv"`
	URLColumn string               `json:"url_column"`
	Settings  scheduler.Settings   `json:"settings"`
}

// StartRun replaces any current run with a new batch, supplied either as
// explicit items or as raw CSV text plus an optional URL column override.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req startRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		BadRequest(w, r, err.Error())
		return
	}

	items := req.Items
	if len(items) == 0 && req.CSV != "" {
		table, err := tabular.Parse(strings.NewReader(req.CSV))
		if err != nil {
			BadRequest(w, r, err.Error())
			return
		}
		column := req.URLColumn
		if column == "" {
			column, err = table.DetectURLColumn()
			if err != nil {
				BadRequest(w, r, err.Error())
				return
			}
		}
		items, err = table.Items(column)
		if err != nil {
			BadRequest(w, r, err.Error())
			return
		}
	}

	if len(items) == 0 {
		BadRequest(w, r, "No work items provided")
		return
	}
	for i, item := range items {
		if item.RowIndex != i {
			BadRequest(w, r, fmt.Sprintf("Item %d has row index %d, expected %d", i, item.RowIndex, i))
			return
		}
		if item.URL == "" {
			BadRequest(w, r, fmt.Sprintf("Item %d has no URL", i))
			return
		}
	}

	h.scheduler.Start(h.runCtx, items, req.Settings)

	log.Info().
		Str("request_id", GetRequestID(r)).
		Int("items", len(items)).
		Msg("Run started via API")

	WriteSuccess(w, r, h.scheduler.Status(), "Run started")
}

// RunStatus returns the derived run status.
func (h *Handler) RunStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteSuccess(w, r, h.scheduler.Status(), "")
}

type resultsResponse struct {
	Results []*scheduler.Result `json:"results"`
}

// RunResults returns the full sparse results collection; rows that have not
// completed are null.
func (h *Handler) RunResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteSuccess(w, r, resultsResponse{Results: h.scheduler.Results()}, "")
}

type downloadPayload struct {
	GeneratedAt string              `json:"generated_at"`
	Total       int                 `json:"total"`
	Done        int                 `json:"done"`
	Success     int                 `json:"success"`
	Failed      int                 `json:"failed"`
	Results     []*scheduler.Result `json:"results"`
}

// DownloadResults exports completed results, failures included, as a JSON
// attachment. Partial runs export whatever has finished so far.
func (h *Handler) DownloadResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	status := h.scheduler.Status()
	completed := make([]*scheduler.Result, 0, status.Done)
	for _, res := range h.scheduler.Results() {
		if res != nil {
			completed = append(completed, res)
		}
	}

	payload := downloadPayload{
		GeneratedAt: time.Now().Format(time.RFC3339),
		Total:       status.Total,
		Done:        status.Done,
		Success:     status.Success,
		Failed:      status.Failed,
		Results:     completed,
	}

	w.Header().Set("Content-Disposition", `attachment; filename="mentiharvest-results.json"`)
	WriteJSON(w, r, payload, http.StatusOK)
}

// PauseRun stops further admissions.
func (h *Handler) PauseRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	h.scheduler.Pause(h.runCtx)
	WriteSuccess(w, r, h.scheduler.Status(), "Run paused")
}

// ResumeRun clears the pause flag and restarts admission.
func (h *Handler) ResumeRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	h.scheduler.Resume(h.runCtx)
	WriteSuccess(w, r, h.scheduler.Status(), "Run resumed")
}

// ResetRun clears all run state.
func (h *Handler) ResetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	h.scheduler.Reset(h.runCtx)
	WriteSuccess(w, r, h.scheduler.Status(), "Run state reset")
}

// UpdateSettings applies a partial throttle update and returns the effective
// settings after clamping.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		MethodNotAllowed(w, r)
		return
	}

	var settings scheduler.Settings
	if err := decodeJSONBody(w, r, &settings); err != nil {
		BadRequest(w, r, err.Error())
		return
	}

	effective := h.scheduler.UpdateSettings(h.runCtx, settings)
	WriteSuccess(w, r, effective, "Settings updated")
}

type inspectResponse struct {
	Headers   []string              `json:"headers"`
	RowCount  int                   `json:"row_count"`
	Columns   []tabular.ColumnScore `json:"columns"`
	BestGuess string                `json:"best_guess,omitempty"`
}

// InspectCSV parses an uploaded CSV body and returns its headers plus the
// scored URL-column candidates, best guess first.
func (h *Handler) InspectCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()

	table, err := tabular.Parse(body)
	if err != nil {
		BadRequest(w, r, err.Error())
		return
	}

	resp := inspectResponse{
		Headers:  table.Headers,
		RowCount: len(table.Rows),
		Columns:  table.ScoreColumns(),
	}
	if best, err := table.DetectURLColumn(); err == nil {
		resp.BestGuess = best
	}

	WriteSuccess(w, r, resp, "")
}

// decodeJSONBody decodes a JSON request body with a size cap.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("request body is required")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
