package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/partstream/api/internal/domain"
	"github.com/partstream/api/internal/platform/httpx"
	"github.com/partstream/api/internal/repositories"
	"github.com/partstream/api/internal/services"
)

const (
	maxBatchBodySize     = 256 * 1024
	idempotencyKeyHeader = "Idempotency-Key"
)

// BatchHandlers exposes the batch pipeline endpoints: extraction submission,
// publish submission, listing, status lookup and cancellation.
type BatchHandlers struct {
	pipeline services.PipelineService
	batches  services.BatchCoordinator
}

// NewBatchHandlers constructs a new BatchHandlers instance.
func NewBatchHandlers(pipeline services.PipelineService, batches services.BatchCoordinator) *BatchHandlers {
	return &BatchHandlers{
		pipeline: pipeline,
		batches:  batches,
	}
}

// Routes registers the /batches endpoints.
func (h *BatchHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/extract", h.startExtraction)
	r.Post("/publish", h.startPublish)
	r.Get("/", h.listBatches)
	r.Get("/{batchID}", h.getBatch)
	r.Post("/{batchID}/cancel", h.cancelBatch)
}

func (h *BatchHandlers) startExtraction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pipeline == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pipeline_unavailable", "pipeline service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req extractBatchRequest
	if !decodeBatchRequest(ctx, w, r, &req) {
		return
	}

	batch, err := h.pipeline.StartExtraction(ctx, req.PartNumbers, idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		writeBatchError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, batchResponse{Batch: buildBatchPayload(batch)})
}

func (h *BatchHandlers) startPublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pipeline == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pipeline_unavailable", "pipeline service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req publishBatchRequest
	if !decodeBatchRequest(ctx, w, r, &req) {
		return
	}

	batch, err := h.pipeline.StartPublish(ctx, services.PublishCommand{
		BatchID:        strings.TrimSpace(req.BatchID),
		PartNumbers:    req.PartNumbers,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		writeBatchError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, batchResponse{Batch: buildBatchPayload(batch)})
}

func (h *BatchHandlers) listBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.batches == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pipeline_unavailable", "batch coordinator unavailable", http.StatusServiceUnavailable))
		return
	}

	filter := repositories.BatchListFilter{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a non-negative integer", http.StatusBadRequest))
			return
		}
		filter.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "offset must be a non-negative integer", http.StatusBadRequest))
			return
		}
		filter.Offset = offset
	}

	result, err := h.batches.ListBatches(ctx, filter)
	if err != nil {
		writeBatchError(ctx, w, err)
		return
	}

	payload := listBatchesResponse{
		Batches: make([]batchPayload, 0, len(result.Batches)),
		Total:   result.Total,
	}
	for _, batch := range result.Batches {
		payload.Batches = append(payload.Batches, buildBatchPayload(batch))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *BatchHandlers) getBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.batches == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pipeline_unavailable", "batch coordinator unavailable", http.StatusServiceUnavailable))
		return
	}

	batch, err := h.batches.GetBatch(ctx, chi.URLParam(r, "batchID"))
	if err != nil {
		writeBatchError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, batchResponse{Batch: buildBatchPayload(batch)})
}

func (h *BatchHandlers) cancelBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.batches == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pipeline_unavailable", "batch coordinator unavailable", http.StatusServiceUnavailable))
		return
	}

	batch, err := h.batches.CancelBatch(ctx, chi.URLParam(r, "batchID"))
	if err != nil {
		writeBatchError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, batchResponse{Batch: buildBatchPayload(batch)})
}

func decodeBatchRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxBatchBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return false
	}
	return true
}

// idempotencyKey prefers the header over the body field.
func idempotencyKey(r *http.Request, bodyKey string) string {
	if key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(bodyKey)
}

func writeBatchError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case services.IsValidationError(err):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrBatchNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("batch_not_found", "batch not found", http.StatusNotFound))
	case errors.Is(err, services.ErrBatchNotCancellable):
		httpx.WriteError(ctx, w, httpx.NewError("batch_not_cancellable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrBatchNotPublishable):
		httpx.WriteError(ctx, w, httpx.NewError("batch_not_publishable", err.Error(), http.StatusConflict))
	default:
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			httpx.WriteError(ctx, w, httpx.NewError("pipeline_unavailable", "batch repository unavailable", http.StatusServiceUnavailable))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("batch_error", "failed to process batch request", http.StatusInternalServerError))
	}
}

type extractBatchRequest struct {
	PartNumbers    []string `json:"part_numbers"`
	IdempotencyKey string   `json:"idempotency_key"`
}

type publishBatchRequest struct {
	BatchID        string   `json:"batch_id"`
	PartNumbers    []string `json:"part_numbers"`
	IdempotencyKey string   `json:"idempotency_key"`
}

type batchResponse struct {
	Batch batchPayload `json:"batch"`
}

type listBatchesResponse struct {
	Batches []batchPayload `json:"batches"`
	Total   int            `json:"total"`
}

type batchPayload struct {
	ID              string              `json:"id"`
	BatchType       string              `json:"batch_type"`
	Status          string              `json:"status"`
	TotalItems      int                 `json:"total_items"`
	ExtractedCount  int                 `json:"extracted_count"`
	NormalizedCount int                 `json:"normalized_count"`
	PublishedCount  int                 `json:"published_count"`
	FailedCount     int                 `json:"failed_count"`
	SkippedCount    int                 `json:"skipped_count"`
	ProgressPercent float64             `json:"progress_percent"`
	FailedItems     []failedItemPayload `json:"failed_items,omitempty"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	CreatedAt       string              `json:"created_at"`
	UpdatedAt       string              `json:"updated_at"`
	CompletedAt     string              `json:"completed_at,omitempty"`
}

type failedItemPayload struct {
	PartNumber string `json:"part_number"`
	Error      string `json:"error"`
	Stage      string `json:"stage"`
	Timestamp  string `json:"timestamp"`
}

func buildBatchPayload(batch domain.Batch) batchPayload {
	payload := batchPayload{
		ID:              batch.ID,
		BatchType:       string(batch.BatchType),
		Status:          string(batch.Status),
		TotalItems:      batch.TotalItems,
		ExtractedCount:  batch.ExtractedCount,
		NormalizedCount: batch.NormalizedCount,
		PublishedCount:  batch.PublishedCount,
		FailedCount:     batch.FailedCount,
		SkippedCount:    batch.SkippedCount,
		ProgressPercent: services.ComputeProgressPercent(batch),
		ErrorMessage:    batch.ErrorMessage,
		CreatedAt:       formatTime(batch.CreatedAt),
		UpdatedAt:       formatTime(batch.UpdatedAt),
		CompletedAt:     formatTimePointer(batch.CompletedAt),
	}
	for _, item := range batch.FailedItems {
		payload.FailedItems = append(payload.FailedItems, failedItemPayload{
			PartNumber: item.PartNumber,
			Error:      item.Error,
			Stage:      item.Stage,
			Timestamp:  formatTime(item.Timestamp),
		})
	}
	return payload
}
