package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/partstream/api/internal/catalog"
	"github.com/partstream/api/internal/commerce"
	"github.com/partstream/api/internal/domain"
	"github.com/partstream/api/internal/platform/events"
	"github.com/partstream/api/internal/platform/ratelimit"
	"github.com/partstream/api/internal/repositories"
)

const (
	syncScheduleTable = "sync_schedule"

	syncEventEnrolled    = "sync.enrolled"
	syncEventBucketDone  = "sync.bucket.done"
	syncEventDeactivated = "sync.deactivated"
	syncEventReactivated = "sync.reactivated"
	syncEventItemFailed  = "sync.item.failed"
)

// ErrSyncSystemic short-circuits a dispatch tick when the failure cause is
// clearly upstream of every product (catalog unreachable, credentials revoked).
var ErrSyncSystemic = errors.New("sync: systemic failure")

// SyncDashboard aggregates the schedule for the operations surface.
type SyncDashboard struct {
	Stats   repositories.SyncStats
	Failing []domain.SyncEntry
}

// SyncService maintains the auto-sync schedule: enrolment, per-bucket
// dispatch, change detection, failure bookkeeping and manual overrides.
type SyncService interface {
	EnrollProduct(ctx context.Context, product domain.CanonicalProduct, result PublishResult) error
	Reactivate(ctx context.Context, sku string) (domain.SyncEntry, error)
	TriggerImmediateSync(ctx context.Context, sku string) (domain.SyncEntry, error)
	Dashboard(ctx context.Context) (SyncDashboard, error)
	RunBucket(ctx context.Context, bucket int) error
}

// SyncServiceDeps enumerates collaborators required to construct the service.
type SyncServiceDeps struct {
	Schedule              repositories.SyncScheduleRepository
	Catalog               catalog.Adapter
	Saga                  PublishSaga
	Limiter               ratelimit.Limiter
	Notifier              events.Notifier
	BucketCount           int
	DeactivationThreshold int
	Workers               int
	ItemTimeout           time.Duration
	Clock                 func() time.Time
	Logger                func(ctx context.Context, event string, fields map[string]any)
}

type syncService struct {
	schedule    repositories.SyncScheduleRepository
	catalog     catalog.Adapter
	saga        PublishSaga
	limiter     ratelimit.Limiter
	notifier    events.Notifier
	bucketCount int
	threshold   int
	workers     int
	itemTimeout time.Duration
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewSyncService wires dependencies into a SyncService implementation.
func NewSyncService(deps SyncServiceDeps) (SyncService, error) {
	if deps.Schedule == nil {
		return nil, errors.New("sync service: schedule repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("sync service: catalog adapter is required")
	}
	if deps.Saga == nil {
		return nil, errors.New("sync service: publish saga is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("sync service: rate limiter is required")
	}
	if deps.BucketCount <= 0 {
		return nil, errors.New("sync service: bucket count must be positive")
	}

	threshold := deps.DeactivationThreshold
	if threshold <= 0 {
		threshold = 5
	}
	workers := deps.Workers
	if workers <= 0 {
		workers = 4
	}
	itemTimeout := deps.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = 30 * time.Second
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = events.NoopNotifier{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &syncService{
		schedule:    deps.Schedule,
		catalog:     deps.Catalog,
		saga:        deps.Saga,
		limiter:     deps.Limiter,
		notifier:    notifier,
		bucketCount: deps.BucketCount,
		threshold:   threshold,
		workers:     workers,
		itemTimeout: itemTimeout,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// EnrollProduct adds a freshly published product to the schedule. Enrolment is
// idempotent: an existing entry keeps its bucket and failure history.
func (s *syncService) EnrollProduct(ctx context.Context, product domain.CanonicalProduct, result PublishResult) error {
	sku := domain.StripVariant(product.SKU)
	if sku == "" {
		return NewValidationError("sku", "product has no sku")
	}

	now := s.clock()
	entry, err := s.schedule.Get(ctx, sku)
	switch {
	case err == nil:
		entry.LastContentHash = result.ContentHash
		entry.LastPrice = product.Price
		entry.LastQuantity = product.InventoryQty
		entry.LastInventoryStatus = product.InventoryStatus
		entry.UpdatedAt = now
	case repositories.IsNotFound(err):
		entry = domain.SyncEntry{
			SKU:                 sku,
			HourBucket:          domain.BucketFor(sku, s.bucketCount),
			SyncStatus:          domain.SyncStatusPending,
			LastContentHash:     result.ContentHash,
			LastPrice:           product.Price,
			LastQuantity:        product.InventoryQty,
			LastInventoryStatus: product.InventoryStatus,
			IsActive:            true,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
	default:
		return fmt.Errorf("sync service: lookup %s: %w", sku, err)
	}

	if err := s.schedule.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("sync service: enroll %s: %w", sku, err)
	}
	s.logger(ctx, syncEventEnrolled, map[string]any{"sku": sku, "bucket": entry.HourBucket})
	s.notify(ctx, entry)
	return nil
}

// Reactivate resets the failure counter and flips the entry back to active.
// It does not clear last_error; the history of why it was deactivated stays.
func (s *syncService) Reactivate(ctx context.Context, sku string) (domain.SyncEntry, error) {
	entry, err := s.getEntry(ctx, sku)
	if err != nil {
		return domain.SyncEntry{}, err
	}

	entry.IsActive = true
	entry.ConsecutiveFailures = 0
	entry.SyncStatus = domain.SyncStatusPending
	entry.UpdatedAt = s.clock()
	if err := s.schedule.Upsert(ctx, entry); err != nil {
		return domain.SyncEntry{}, fmt.Errorf("sync service: reactivate %s: %w", sku, err)
	}
	s.logger(ctx, syncEventReactivated, map[string]any{"sku": entry.SKU})
	s.notify(ctx, entry)
	return entry, nil
}

// TriggerImmediateSync dispatches one product out of band. It bypasses the
// bucket schedule but not the rate limiter.
func (s *syncService) TriggerImmediateSync(ctx context.Context, sku string) (domain.SyncEntry, error) {
	entry, err := s.getEntry(ctx, sku)
	if err != nil {
		return domain.SyncEntry{}, err
	}
	updated, err := s.syncOne(ctx, entry)
	if err != nil {
		return domain.SyncEntry{}, err
	}
	return updated, nil
}

// Dashboard aggregates the schedule and lists the currently failing products.
func (s *syncService) Dashboard(ctx context.Context) (SyncDashboard, error) {
	stats, err := s.schedule.Stats(ctx)
	if err != nil {
		return SyncDashboard{}, fmt.Errorf("sync service: stats: %w", err)
	}
	failing, err := s.schedule.ListFailing(ctx, 0)
	if err != nil {
		return SyncDashboard{}, fmt.Errorf("sync service: failing list: %w", err)
	}
	return SyncDashboard{Stats: stats, Failing: failing}, nil
}

// RunBucket dispatches every active entry in the bucket with bounded
// parallelism. A single product's failure never blocks the rest; a systemic
// failure short-circuits the remainder of the tick.
func (s *syncService) RunBucket(ctx context.Context, bucket int) error {
	entries, err := s.schedule.ListActiveByBucket(ctx, bucket)
	if err != nil {
		return fmt.Errorf("sync service: list bucket %d: %w", bucket, err)
	}
	if len(entries) == 0 {
		return nil
	}

	workers := s.workers
	if workers > len(entries) {
		workers = len(entries)
	}

	work := make(chan domain.SyncEntry)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		systemic error
		done     int
		failed   int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range work {
				mu.Lock()
				stop := systemic != nil
				mu.Unlock()
				if stop {
					continue
				}

				updated, err := s.syncOne(ctx, entry)
				mu.Lock()
				if err != nil {
					if systemic == nil {
						systemic = err
					}
				} else {
					done++
					if updated.SyncStatus == domain.SyncStatusFailed {
						failed++
					}
				}
				mu.Unlock()
			}
		}()
	}

	for _, entry := range entries {
		work <- entry
	}
	close(work)
	wg.Wait()

	s.logger(ctx, syncEventBucketDone, map[string]any{
		"bucket":     bucket,
		"dispatched": done,
		"failed":     failed,
		"total":      len(entries),
	})
	if systemic != nil {
		return fmt.Errorf("%w: bucket %d: %v", ErrSyncSystemic, bucket, systemic)
	}
	return nil
}

// syncOne runs one product through fetch, change detection and (when changed)
// the publish saga. The returned error is non-nil only for systemic causes;
// per-product failures land in the entry's bookkeeping.
func (s *syncService) syncOne(ctx context.Context, entry domain.SyncEntry) (domain.SyncEntry, error) {
	entry.SyncStatus = domain.SyncStatusSyncing
	entry.UpdatedAt = s.clock()
	if err := s.schedule.Upsert(ctx, entry); err != nil {
		return entry, fmt.Errorf("sync service: mark syncing %s: %w", entry.SKU, err)
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return entry, fmt.Errorf("sync service: rate limiter: %w", err)
	}

	itemCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	raw, err := s.catalog.Fetch(itemCtx, entry.SKU)
	cancel()
	if err != nil {
		if errors.Is(err, catalog.ErrUnauthorized) {
			return entry, err
		}
		return s.recordFailure(ctx, entry, err)
	}

	canonical, err := Normalize(*raw)
	if err != nil {
		return s.recordFailure(ctx, entry, err)
	}

	hash := domain.ContentHash(canonical)
	now := s.clock()
	if hash == entry.LastContentHash {
		// no relevant change; success without a platform write
		entry.SyncStatus = domain.SyncStatusSuccess
		entry.ConsecutiveFailures = 0
		entry.LastSyncAt = &now
		entry.UpdatedAt = now
		if err := s.schedule.Upsert(ctx, entry); err != nil {
			return entry, fmt.Errorf("sync service: record skip %s: %w", entry.SKU, err)
		}
		s.notify(ctx, entry)
		return entry, nil
	}

	result, err := s.saga.Publish(ctx, canonical)
	if err != nil {
		if errors.Is(err, commerce.ErrUnauthorized) {
			return entry, err
		}
		return s.recordFailure(ctx, entry, err)
	}

	entry.SyncStatus = domain.SyncStatusSuccess
	entry.ConsecutiveFailures = 0
	entry.LastError = ""
	entry.LastSyncAt = &now
	entry.LastContentHash = result.ContentHash
	entry.LastPrice = canonical.Price
	entry.LastQuantity = canonical.InventoryQty
	entry.LastInventoryStatus = canonical.InventoryStatus
	entry.UpdatedAt = now
	if err := s.schedule.Upsert(ctx, entry); err != nil {
		return entry, fmt.Errorf("sync service: record success %s: %w", entry.SKU, err)
	}
	s.notify(ctx, entry)
	return entry, nil
}

// recordFailure increments the consecutive-failure counter and deactivates
// the entry once the threshold is reached.
func (s *syncService) recordFailure(ctx context.Context, entry domain.SyncEntry, cause error) (domain.SyncEntry, error) {
	now := s.clock()
	entry.SyncStatus = domain.SyncStatusFailed
	entry.LastError = summarizeError(cause)
	entry.ConsecutiveFailures++
	entry.UpdatedAt = now

	deactivated := false
	if entry.IsActive && entry.ConsecutiveFailures >= s.threshold {
		entry.IsActive = false
		deactivated = true
	}

	if err := s.schedule.Upsert(ctx, entry); err != nil {
		return entry, fmt.Errorf("sync service: record failure %s: %w", entry.SKU, err)
	}

	s.logger(ctx, syncEventItemFailed, map[string]any{
		"sku":      entry.SKU,
		"failures": entry.ConsecutiveFailures,
		"error":    entry.LastError,
	})
	if deactivated {
		s.logger(ctx, syncEventDeactivated, map[string]any{"sku": entry.SKU, "failures": entry.ConsecutiveFailures})
	}
	s.notify(ctx, entry)
	return entry, nil
}

func (s *syncService) getEntry(ctx context.Context, sku string) (domain.SyncEntry, error) {
	entry, err := s.schedule.Get(ctx, sku)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.SyncEntry{}, fmt.Errorf("%w: %s", ErrSyncEntryNotFound, sku)
		}
		return domain.SyncEntry{}, fmt.Errorf("sync service: lookup %s: %w", sku, err)
	}
	return entry, nil
}

func (s *syncService) notify(ctx context.Context, entry domain.SyncEntry) {
	if _, err := s.notifier.PublishChange(ctx, events.Change{
		Table:      syncScheduleTable,
		Op:         events.OpUpdate,
		RecordID:   entry.SKU,
		Record:     entry,
		OccurredAt: s.clock(),
	}); err != nil {
		s.logger(ctx, "sync.notify.error", map[string]any{"sku": entry.SKU, "error": err.Error()})
	}
}
