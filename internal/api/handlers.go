package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/enrollment-mailer/internal/calendar"
	"github.com/ignite/enrollment-mailer/internal/contacts"
	"github.com/ignite/enrollment-mailer/internal/pipeline"
	"github.com/ignite/enrollment-mailer/internal/scheduler"
	"github.com/ignite/enrollment-mailer/internal/tracking"
)

// BatchStore is the read side of the tracking store the API serves from.
type BatchStore interface {
	ListBatches(ctx context.Context, orgID int, f tracking.BatchFilter) ([]*tracking.BatchSummary, error)
	ListRows(ctx context.Context, orgID int, batchID string) ([]*tracking.Row, error)
}

// BatchPipeline is the slice of the pipeline the API drives.
type BatchPipeline interface {
	ProcessChunk(ctx context.Context, batchID string, size int) (*pipeline.ChunkReport, error)
	RetryFailed(ctx context.Context, batchID string, size int) (*pipeline.ChunkReport, error)
	Resume(ctx context.Context, batchID string, size int) (*pipeline.ChunkReport, error)
	UpdateDeliveryStatus(ctx context.Context, batchID string) (*pipeline.StatusReport, error)
	Status(ctx context.Context, batchID string) (*tracking.BatchSummary, error)
}

// Handlers holds the API's dependencies
type Handlers struct {
	orgID     int
	chunkSize int
	store     BatchStore
	pipeline  BatchPipeline
	processor *scheduler.Processor
	loader    contacts.Loader
}

// NewHandlers creates the handler set
func NewHandlers(orgID, chunkSize int, store BatchStore, pl BatchPipeline, processor *scheduler.Processor, loader contacts.Loader) *Handlers {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &Handlers{
		orgID:     orgID,
		chunkSize: chunkSize,
		store:     store,
		pipeline:  pl,
		processor: processor,
		loader:    loader,
	}
}

// HealthCheck reports server liveness
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// ListBatches returns batch summaries, newest first
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tracking.BatchFilter{
		Status: tracking.Status(q.Get("status")),
		Mode:   tracking.Mode(q.Get("mode")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	batches, err := h.store.ListBatches(r.Context(), h.orgID, f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if batches == nil {
		batches = []*tracking.BatchSummary{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"batches": batches, "count": len(batches)})
}

// GetBatch returns one batch summary
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	b, err := h.pipeline.Status(r.Context(), batchID)
	if errors.Is(err, tracking.ErrNotFound) {
		respondError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// ListBatchRows returns the individual tracking rows of a batch
func (h *Handlers) ListBatchRows(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	rows, err := h.store.ListRows(r.Context(), h.orgID, batchID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(rows) == 0 {
		respondError(w, http.StatusNotFound, "batch not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"batch_id": batchID, "rows": rows, "count": len(rows)})
}

type chunkRequest struct {
	ChunkSize int `json:"chunk_size"`
}

func (h *Handlers) chunkSizeFrom(r *http.Request) int {
	var req chunkRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ChunkSize > 0 {
		return req.ChunkSize
	}
	return h.chunkSize
}

// ProcessBatch sends the next chunk of pending rows
func (h *Handlers) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	report, err := h.pipeline.ProcessChunk(r.Context(), batchID, h.chunkSizeFrom(r))
	if errors.Is(err, pipeline.ErrBatchLocked) {
		respondError(w, http.StatusConflict, "batch is locked by another worker")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// RetryBatch moves failed rows back to pending and sends them again
func (h *Handlers) RetryBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	report, err := h.pipeline.RetryFailed(r.Context(), batchID, h.chunkSizeFrom(r))
	if errors.Is(err, pipeline.ErrBatchLocked) {
		respondError(w, http.StatusConflict, "batch is locked by another worker")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// CheckBatchStatus reconciles delivery status with the gateway
func (h *Handlers) CheckBatchStatus(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	report, err := h.pipeline.UpdateDeliveryStatus(r.Context(), batchID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// PreviewSchedule runs the scheduler over all contacts for a date range
// without persisting anything
func (h *Handlers) PreviewSchedule(w http.ResponseWriter, r *http.Request) {
	if h.processor == nil || h.loader == nil {
		respondError(w, http.StatusServiceUnavailable, "scheduling is not configured")
		return
	}
	q := r.URL.Query()
	start, err := calendar.Parse(q.Get("start"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid start date, want YYYY-MM-DD")
		return
	}
	end, err := calendar.Parse(q.Get("end"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid end date, want YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		respondError(w, http.StatusBadRequest, "end date is before start date")
		return
	}

	list, err := h.loader.LoadAll(r.Context(), h.orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results, err := h.processor.Run(r.Context(), list, start, end)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"start":    calendar.Format(start),
		"end":      calendar.Format(end),
		"contacts": len(results),
		"results":  results,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
