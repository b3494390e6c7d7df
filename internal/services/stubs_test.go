package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/partstream/api/internal/domain"
	"github.com/partstream/api/internal/platform/events"
	"github.com/partstream/api/internal/repositories"
)

// stubNotFound satisfies repositories.RepositoryError for miss scenarios.
type stubNotFound struct{ msg string }

func (e *stubNotFound) Error() string       { return e.msg }
func (e *stubNotFound) IsNotFound() bool    { return true }
func (e *stubNotFound) IsConflict() bool    { return false }
func (e *stubNotFound) IsUnavailable() bool { return false }

type stubConflict struct{ msg string }

func (e *stubConflict) Error() string       { return e.msg }
func (e *stubConflict) IsNotFound() bool    { return false }
func (e *stubConflict) IsConflict() bool    { return true }
func (e *stubConflict) IsUnavailable() bool { return false }

func notFound(format string, args ...any) error {
	return &stubNotFound{msg: fmt.Sprintf(format, args...)}
}

// batchRepoStub is an in-memory repositories.BatchRepository with the same
// atomicity guarantees the Firestore implementation provides.
type batchRepoStub struct {
	mu      sync.Mutex
	batches map[string]*domain.Batch

	insertErr     error
	incrementErr  error
	transitionErr error
}

func newBatchRepoStub() *batchRepoStub {
	return &batchRepoStub{batches: make(map[string]*domain.Batch)}
}

func (r *batchRepoStub) Insert(_ context.Context, batch domain.Batch) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.batches[batch.ID]; exists {
		return &stubConflict{msg: "batch already exists"}
	}
	copied := batch
	r.batches[batch.ID] = &copied
	return nil
}

func (r *batchRepoStub) Get(_ context.Context, id string) (domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return domain.Batch{}, notFound("batch %s", id)
	}
	return *batch, nil
}

func (r *batchRepoStub) FindByIdempotencyKey(_ context.Context, key string) (domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		found  *domain.Batch
		whenAt time.Time
	)
	for _, batch := range r.batches {
		if batch.IdempotencyKey == key && (found == nil || batch.CreatedAt.After(whenAt)) {
			found = batch
			whenAt = batch.CreatedAt
		}
	}
	if found == nil {
		return domain.Batch{}, notFound("idempotency key %s", key)
	}
	return *found, nil
}

func (r *batchRepoStub) List(_ context.Context, filter repositories.BatchListFilter) ([]domain.Batch, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []domain.Batch
	for _, batch := range r.batches {
		switch filter.Status {
		case "":
			matched = append(matched, *batch)
		case "active":
			if batch.Status == domain.BatchStatusPending || batch.Status == domain.BatchStatusProcessing {
				matched = append(matched, *batch)
			}
		default:
			if string(batch.Status) == filter.Status {
				matched = append(matched, *batch)
			}
		}
	}
	return matched, len(matched), nil
}

func (r *batchRepoStub) IncrementCounters(_ context.Context, id string, delta domain.CounterDelta) error {
	if r.incrementErr != nil {
		return r.incrementErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return notFound("batch %s", id)
	}
	batch.ExtractedCount += delta.Extracted
	batch.NormalizedCount += delta.Normalized
	batch.PublishedCount += delta.Published
	batch.FailedCount += delta.Failed
	batch.SkippedCount += delta.Skipped
	return nil
}

func (r *batchRepoStub) AppendFailedItem(_ context.Context, id string, item domain.FailedItem, delta domain.CounterDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return notFound("batch %s", id)
	}
	batch.FailedItems = append(batch.FailedItems, item)
	batch.ExtractedCount += delta.Extracted
	batch.NormalizedCount += delta.Normalized
	batch.PublishedCount += delta.Published
	batch.FailedCount += delta.Failed
	batch.SkippedCount += delta.Skipped
	return nil
}

func (r *batchRepoStub) TransitionStatus(_ context.Context, id string, transition repositories.StatusTransition) (domain.Batch, error) {
	if r.transitionErr != nil {
		return domain.Batch{}, r.transitionErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return domain.Batch{}, notFound("batch %s", id)
	}
	if len(transition.From) > 0 {
		allowed := false
		for _, status := range transition.From {
			if batch.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return domain.Batch{}, &stubConflict{msg: fmt.Sprintf("batch %s is %s", id, batch.Status)}
		}
	}
	batch.Status = transition.To
	if transition.ErrorMessage != "" {
		batch.ErrorMessage = transition.ErrorMessage
	}
	if transition.CompletedAt != nil {
		completed := *transition.CompletedAt
		batch.CompletedAt = &completed
	}
	return *batch, nil
}

func (r *batchRepoStub) SetBatchType(_ context.Context, id string, batchType domain.BatchType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return notFound("batch %s", id)
	}
	batch.BatchType = batchType
	return nil
}

func (r *batchRepoStub) SetPublishQueue(_ context.Context, id string, partNumbers []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return notFound("batch %s", id)
	}
	batch.PublishPartNumbers = append([]string(nil), partNumbers...)
	batch.BatchType = domain.BatchTypePublishing
	return nil
}

// stagedRepoStub is an in-memory repositories.StagedProductRepository.
type stagedRepoStub struct {
	mu       sync.Mutex
	products map[string]domain.StagedProduct

	upsertErr error
}

func newStagedRepoStub() *stagedRepoStub {
	return &stagedRepoStub{products: make(map[string]domain.StagedProduct)}
}

func (r *stagedRepoStub) Upsert(_ context.Context, product domain.StagedProduct) error {
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.StripVariant(product.SKU)
	product.SKU = key
	r.products[key] = product
	return nil
}

func (r *stagedRepoStub) Get(_ context.Context, sku string) (domain.StagedProduct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	product, ok := r.products[domain.StripVariant(sku)]
	if !ok {
		return domain.StagedProduct{}, notFound("staged product %s", sku)
	}
	return product, nil
}

func (r *stagedRepoStub) ListByBatch(_ context.Context, batchID string) ([]domain.StagedProduct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var products []domain.StagedProduct
	for _, product := range r.products {
		if product.BatchID == batchID {
			products = append(products, product)
		}
	}
	return products, nil
}

// publishedRepoStub is an in-memory repositories.PublishedProductRepository.
type publishedRepoStub struct {
	mu       sync.Mutex
	products map[string]domain.PublishedProduct

	upsertErr error
	upserts   int
}

func newPublishedRepoStub() *publishedRepoStub {
	return &publishedRepoStub{products: make(map[string]domain.PublishedProduct)}
}

func (r *publishedRepoStub) Upsert(_ context.Context, product domain.PublishedProduct) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.products[domain.StripVariant(product.SKU)] = product
	return nil
}

func (r *publishedRepoStub) Get(_ context.Context, sku string) (domain.PublishedProduct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	product, ok := r.products[domain.StripVariant(sku)]
	if !ok {
		return domain.PublishedProduct{}, notFound("published product %s", sku)
	}
	return product, nil
}

// scheduleRepoStub is an in-memory repositories.SyncScheduleRepository.
type scheduleRepoStub struct {
	mu      sync.Mutex
	entries map[string]domain.SyncEntry
}

func newScheduleRepoStub() *scheduleRepoStub {
	return &scheduleRepoStub{entries: make(map[string]domain.SyncEntry)}
}

func (r *scheduleRepoStub) Upsert(_ context.Context, entry domain.SyncEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.StripVariant(entry.SKU)
	entry.SKU = key
	r.entries[key] = entry
	return nil
}

func (r *scheduleRepoStub) Get(_ context.Context, sku string) (domain.SyncEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[domain.StripVariant(sku)]
	if !ok {
		return domain.SyncEntry{}, notFound("sync entry %s", sku)
	}
	return entry, nil
}

func (r *scheduleRepoStub) ListActiveByBucket(_ context.Context, bucket int) ([]domain.SyncEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []domain.SyncEntry
	for _, entry := range r.entries {
		if entry.IsActive && entry.HourBucket == bucket {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (r *scheduleRepoStub) ListFailing(_ context.Context, _ int) ([]domain.SyncEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []domain.SyncEntry
	for _, entry := range r.entries {
		if entry.SyncStatus == domain.SyncStatusFailed {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (r *scheduleRepoStub) Stats(_ context.Context) (repositories.SyncStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := repositories.SyncStats{
		ByStatus:        make(map[domain.SyncStatus]int64),
		BucketOccupancy: make(map[int]int64),
	}
	for _, entry := range r.entries {
		stats.Total++
		if entry.IsActive {
			stats.Active++
			stats.BucketOccupancy[entry.HourBucket]++
		} else {
			stats.Inactive++
		}
		stats.ByStatus[entry.SyncStatus]++
	}
	return stats, nil
}

// catalogStub records fetches and serves canned responses per part number.
type catalogStub struct {
	mu      sync.Mutex
	fetches []string
	fn      func(ctx context.Context, partNumber string) (*domain.RawCatalogItem, error)
}

func (c *catalogStub) Fetch(ctx context.Context, partNumber string) (*domain.RawCatalogItem, error) {
	c.mu.Lock()
	c.fetches = append(c.fetches, partNumber)
	c.mu.Unlock()
	return c.fn(ctx, partNumber)
}

func (c *catalogStub) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fetches)
}

// commerceStub records calls and serves canned responses.
type commerceStub struct {
	mu      sync.Mutex
	upserts []domain.CanonicalProduct
	deletes []string

	createOrUpdateFn func(ctx context.Context, product domain.CanonicalProduct) (string, error)
	deleteFn         func(ctx context.Context, externalID string) error
}

func (c *commerceStub) CreateOrUpdate(ctx context.Context, product domain.CanonicalProduct) (string, error) {
	c.mu.Lock()
	c.upserts = append(c.upserts, product)
	c.mu.Unlock()
	if c.createOrUpdateFn != nil {
		return c.createOrUpdateFn(ctx, product)
	}
	return "ext-" + domain.StripVariant(product.SKU), nil
}

func (c *commerceStub) Delete(ctx context.Context, externalID string) error {
	c.mu.Lock()
	c.deletes = append(c.deletes, externalID)
	c.mu.Unlock()
	if c.deleteFn != nil {
		return c.deleteFn(ctx, externalID)
	}
	return nil
}

func (c *commerceStub) Exists(context.Context, string) (string, error) {
	return "", nil
}

func (c *commerceStub) upsertCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.upserts)
}

// limiterStub counts acquisitions without blocking.
type limiterStub struct {
	mu       sync.Mutex
	acquired int
	err      error
}

func (l *limiterStub) Acquire(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.acquired++
	return nil
}

// notifierStub records published change events.
type notifierStub struct {
	mu      sync.Mutex
	changes []events.Change
	err     error
}

func (n *notifierStub) PublishChange(_ context.Context, change events.Change) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return "", n.err
	}
	n.changes = append(n.changes, change)
	return fmt.Sprintf("msg-%d", len(n.changes)), nil
}

// sagaStub lets pipeline tests script saga outcomes.
type sagaStub struct {
	mu        sync.Mutex
	published []domain.CanonicalProduct
	fn        func(ctx context.Context, product domain.CanonicalProduct) (PublishResult, error)
}

func (s *sagaStub) Publish(ctx context.Context, product domain.CanonicalProduct) (PublishResult, error) {
	s.mu.Lock()
	s.published = append(s.published, product)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, product)
	}
	return PublishResult{ExternalID: "ext-" + domain.StripVariant(product.SKU), ContentHash: domain.ContentHash(product)}, nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
