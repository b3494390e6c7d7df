package repositories

import (
	"context"
	"time"

	"github.com/partstream/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Batches() BatchRepository
	StagedProducts() StagedProductRepository
	PublishedProducts() PublishedProductRepository
	SyncSchedule() SyncScheduleRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// BatchListFilter narrows and pages batch listings. Status accepts the
// synthetic "active" value meaning pending or processing.
type BatchListFilter struct {
	Status string
	Limit  int
	Offset int
}

// StatusTransition describes a guarded batch status change. The transition is
// applied only when the current status is one of From; otherwise the
// repository reports a conflict.
type StatusTransition struct {
	From         []domain.BatchStatus
	To           domain.BatchStatus
	ErrorMessage string
	CompletedAt  *time.Time
}

// BatchRepository persists batch lifecycle records. Counter mutations are
// store-level atomic increments, never read-modify-write.
type BatchRepository interface {
	Insert(ctx context.Context, batch domain.Batch) error
	Get(ctx context.Context, id string) (domain.Batch, error)
	FindByIdempotencyKey(ctx context.Context, key string) (domain.Batch, error)
	List(ctx context.Context, filter BatchListFilter) ([]domain.Batch, int, error)
	IncrementCounters(ctx context.Context, id string, delta domain.CounterDelta) error
	AppendFailedItem(ctx context.Context, id string, item domain.FailedItem, delta domain.CounterDelta) error
	TransitionStatus(ctx context.Context, id string, transition StatusTransition) (domain.Batch, error)
	SetBatchType(ctx context.Context, id string, batchType domain.BatchType) error
	SetPublishQueue(ctx context.Context, id string, partNumbers []string) error
}

// StagedProductRepository persists per-part pipeline state keyed by stripped SKU.
type StagedProductRepository interface {
	Upsert(ctx context.Context, product domain.StagedProduct) error
	Get(ctx context.Context, sku string) (domain.StagedProduct, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.StagedProduct, error)
}

// PublishedProductRepository persists the commerce platform's local mirror.
type PublishedProductRepository interface {
	Upsert(ctx context.Context, product domain.PublishedProduct) error
	Get(ctx context.Context, sku string) (domain.PublishedProduct, error)
}

// SyncStats aggregates the sync schedule for the dashboard surface.
type SyncStats struct {
	Total           int64
	Active          int64
	Inactive        int64
	ByStatus        map[domain.SyncStatus]int64
	BucketOccupancy map[int]int64
}

// SyncScheduleRepository persists per-product auto-sync bookkeeping.
type SyncScheduleRepository interface {
	Upsert(ctx context.Context, entry domain.SyncEntry) error
	Get(ctx context.Context, sku string) (domain.SyncEntry, error)
	ListActiveByBucket(ctx context.Context, bucket int) ([]domain.SyncEntry, error)
	ListFailing(ctx context.Context, limit int) ([]domain.SyncEntry, error)
	Stats(ctx context.Context) (SyncStats, error)
}

// HealthRepository answers readiness probes against the backing store.
type HealthRepository interface {
	Check(ctx context.Context) error
}
