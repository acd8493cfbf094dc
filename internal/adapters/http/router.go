package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
)

const defaultMaxBodyBytes = 1 << 20

// TrafficRecorder receives ingress outcomes and shed decisions.
type TrafficRecorder interface {
	RecordSubmission(outcome string)
	RecordShed(reason string)
}

type noopRecorder struct{}

func (noopRecorder) RecordSubmission(string) {}
func (noopRecorder) RecordShed(string)       {}

// Options tunes the traffic controls in front of the invoice routes.
// Zero values disable the corresponding control.
type Options struct {
	RateLimit    float64
	RateBurst    int
	MaxInFlight  int
	QueueWait    time.Duration
	MaxBodyBytes int64
	Recorder     TrafficRecorder
	Metrics      http.Handler
	Ready        func(ctx context.Context) error
	Logger       *slog.Logger
}

type Router struct {
	submitter ports.InvoiceSubmitter
	reader    ports.InvoiceReader
	retrier   ports.InvoiceRetrier
	jobs      ports.JobReader
	opts      Options
	logger    *slog.Logger
}

func NewRouter(
	submitter ports.InvoiceSubmitter,
	reader ports.InvoiceReader,
	retrier ports.InvoiceRetrier,
	jobs ports.JobReader,
	opts Options,
) *Router {
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		submitter: submitter,
		reader:    reader,
		retrier:   retrier,
		jobs:      jobs,
		opts:      opts,
		logger:    logger,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/invoices", rt.submitInvoice)
	api.HandleFunc("GET /v1/invoices/{id}", rt.getInvoice)
	api.HandleFunc("GET /v1/invoices/{id}/artifact", rt.getArtifact)
	api.HandleFunc("GET /v1/invoices/{id}/rendering", rt.getRendering)
	api.HandleFunc("POST /v1/invoices/{id}/retry", rt.retryInvoice)
	api.HandleFunc("GET /v1/jobs/failed", rt.listFailedJobs)

	var guarded http.Handler = api
	if rt.opts.MaxInFlight > 0 {
		guarded = backpressureMiddleware(guarded, rt.opts.MaxInFlight, rt.opts.QueueWait, rt.opts.Recorder)
	}
	if rt.opts.RateLimit > 0 {
		guarded = rateLimitMiddleware(guarded, rt.opts.RateLimit, rt.opts.RateBurst, rt.opts.Recorder)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.opts.Metrics != nil {
		mux.Handle("GET /metrics", rt.opts.Metrics)
	}
	mux.Handle("/v1/", guarded)
	return requestIDMiddleware(accessLogMiddleware(rt.logger, mux))
}

func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	if rt.opts.Ready != nil {
		if err := rt.opts.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResponse struct {
	ID          string               `json:"id"`
	Status      domain.InvoiceStatus `json:"status"`
	Fingerprint string               `json:"fingerprint"`
}

func (rt *Router) submitInvoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.opts.MaxBodyBytes)

	var req domain.SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.opts.Recorder.RecordSubmission("invalid")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}

	inv, err := rt.submitter.Submit(r.Context(), req)
	if err != nil {
		if dup, ok := domain.AsDuplicate(err); ok {
			rt.opts.Recorder.RecordSubmission("duplicate")
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":       "duplicate invoice",
				"fingerprint": dup.Fingerprint,
				"existing_id": dup.ExistingID,
			})
			return
		}
		if domain.IsKind(err, domain.ErrInvalidInput) || domain.IsKind(err, domain.ErrIssuerNotFound) {
			rt.opts.Recorder.RecordSubmission("invalid")
		} else {
			rt.opts.Recorder.RecordSubmission("error")
		}
		rt.writeError(w, r, err)
		return
	}

	rt.opts.Recorder.RecordSubmission("accepted")
	w.Header().Set("Location", "/v1/invoices/"+inv.ID)
	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:          inv.ID,
		Status:      inv.Status,
		Fingerprint: inv.Fingerprint,
	})
}

func (rt *Router) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := rt.reader.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv.View())
}

func (rt *Router) getArtifact(w http.ResponseWriter, r *http.Request) {
	body, err := rt.reader.OpenArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		if domain.IsKind(err, domain.ErrArtifactNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not available"})
			return
		}
		rt.writeError(w, r, err)
		return
	}
	rt.stream(w, r, body, "application/xml; charset=utf-8")
}

func (rt *Router) getRendering(w http.ResponseWriter, r *http.Request) {
	body, err := rt.reader.OpenRendering(r.Context(), r.PathValue("id"))
	if err != nil {
		if domain.IsKind(err, domain.ErrArtifactNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "rendering not available"})
			return
		}
		rt.writeError(w, r, err)
		return
	}
	rt.stream(w, r, body, "application/pdf")
}

func (rt *Router) stream(w http.ResponseWriter, r *http.Request, body io.ReadCloser, contentType string) {
	defer body.Close()
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		rt.logger.Warn("http_stream_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
}

func (rt *Router) retryInvoice(w http.ResponseWriter, r *http.Request) {
	job, err := rt.retrier.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (rt *Router) listFailedJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	jobs, err := rt.jobs.ListFailed(r.Context(), limit)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("http_handler_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": publicMessage(status, err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
