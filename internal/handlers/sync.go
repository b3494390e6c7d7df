package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/partstream/api/internal/domain"
	"github.com/partstream/api/internal/platform/httpx"
	"github.com/partstream/api/internal/repositories"
	"github.com/partstream/api/internal/services"
)

// SyncHandlers exposes the auto-sync operations surface: the schedule
// dashboard and the per-product manual overrides.
type SyncHandlers struct {
	sync services.SyncService
}

// NewSyncHandlers constructs a new SyncHandlers instance.
func NewSyncHandlers(sync services.SyncService) *SyncHandlers {
	return &SyncHandlers{sync: sync}
}

// Routes registers the /sync endpoints.
func (h *SyncHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/dashboard", h.dashboard)
	r.Post("/products/{sku}/reactivate", h.reactivate)
	r.Post("/products/{sku}/trigger", h.trigger)
}

func (h *SyncHandlers) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sync == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sync_unavailable", "sync service unavailable", http.StatusServiceUnavailable))
		return
	}

	dashboard, err := h.sync.Dashboard(ctx)
	if err != nil {
		writeSyncError(ctx, w, err)
		return
	}

	payload := dashboardResponse{
		Total:    dashboard.Stats.Total,
		Active:   dashboard.Stats.Active,
		Inactive: dashboard.Stats.Inactive,
		ByStatus: make(map[string]int64, len(dashboard.Stats.ByStatus)),
		Buckets:  make(map[int]int64, len(dashboard.Stats.BucketOccupancy)),
		Failing:  make([]syncEntryPayload, 0, len(dashboard.Failing)),
	}
	for status, count := range dashboard.Stats.ByStatus {
		payload.ByStatus[string(status)] = count
	}
	for bucket, count := range dashboard.Stats.BucketOccupancy {
		payload.Buckets[bucket] = count
	}
	for _, entry := range dashboard.Failing {
		payload.Failing = append(payload.Failing, buildSyncEntryPayload(entry))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *SyncHandlers) reactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sync == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sync_unavailable", "sync service unavailable", http.StatusServiceUnavailable))
		return
	}

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	entry, err := h.sync.Reactivate(ctx, sku)
	if err != nil {
		writeSyncError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, syncEntryResponse{Entry: buildSyncEntryPayload(entry)})
}

func (h *SyncHandlers) trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sync == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sync_unavailable", "sync service unavailable", http.StatusServiceUnavailable))
		return
	}

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	entry, err := h.sync.TriggerImmediateSync(ctx, sku)
	if err != nil {
		writeSyncError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, syncEntryResponse{Entry: buildSyncEntryPayload(entry)})
}

func writeSyncError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case services.IsValidationError(err):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSyncEntryNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("sync_entry_not_found", "product is not enrolled in auto-sync", http.StatusNotFound))
	case errors.Is(err, services.ErrSyncSystemic):
		httpx.WriteError(ctx, w, httpx.NewError("sync_upstream_failure", err.Error(), http.StatusBadGateway))
	default:
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			httpx.WriteError(ctx, w, httpx.NewError("sync_unavailable", "sync schedule unavailable", http.StatusServiceUnavailable))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("sync_error", "failed to process sync request", http.StatusInternalServerError))
	}
}

type dashboardResponse struct {
	Total    int64              `json:"total"`
	Active   int64              `json:"active"`
	Inactive int64              `json:"inactive"`
	ByStatus map[string]int64   `json:"by_status"`
	Buckets  map[int]int64      `json:"bucket_occupancy"`
	Failing  []syncEntryPayload `json:"failing"`
}

type syncEntryResponse struct {
	Entry syncEntryPayload `json:"entry"`
}

type syncEntryPayload struct {
	SKU                 string   `json:"sku"`
	HourBucket          int      `json:"hour_bucket"`
	SyncStatus          string   `json:"sync_status"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	LastError           string   `json:"last_error,omitempty"`
	LastSyncAt          string   `json:"last_sync_at,omitempty"`
	LastPrice           *float64 `json:"last_price,omitempty"`
	LastQuantity        *int     `json:"last_quantity,omitempty"`
	LastInventoryStatus string   `json:"last_inventory_status,omitempty"`
	IsActive            bool     `json:"is_active"`
	UpdatedAt           string   `json:"updated_at"`
}

func buildSyncEntryPayload(entry domain.SyncEntry) syncEntryPayload {
	return syncEntryPayload{
		SKU:                 entry.SKU,
		HourBucket:          entry.HourBucket,
		SyncStatus:          string(entry.SyncStatus),
		ConsecutiveFailures: entry.ConsecutiveFailures,
		LastError:           entry.LastError,
		LastSyncAt:          formatTimePointer(entry.LastSyncAt),
		LastPrice:           entry.LastPrice,
		LastQuantity:        entry.LastQuantity,
		LastInventoryStatus: entry.LastInventoryStatus,
		IsActive:            entry.IsActive,
		UpdatedAt:           formatTime(entry.UpdatedAt),
	}
}
