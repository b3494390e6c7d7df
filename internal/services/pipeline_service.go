package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/partstream/api/internal/catalog"
	"github.com/partstream/api/internal/commerce"
	"github.com/partstream/api/internal/domain"
	"github.com/partstream/api/internal/platform/events"
	"github.com/partstream/api/internal/platform/observability"
	"github.com/partstream/api/internal/platform/ratelimit"
	"github.com/partstream/api/internal/repositories"
)

const (
	stagedProductsTable = "staged_products"

	pipelineEventExtractionDone = "pipeline.extraction.done"
	pipelineEventPublishDone    = "pipeline.publish.done"
	pipelineEventItemFailed     = "pipeline.item.failed"
	pipelineEventRunError       = "pipeline.run.error"
)

// ImageMirror copies a product's source image into object storage, returning
// the stored object reference. Mirroring is best-effort.
type ImageMirror interface {
	MirrorImage(ctx context.Context, sku, sourceURL string) (string, error)
}

// SyncEnroller adds a product to the auto-sync schedule after a successful publish.
type SyncEnroller interface {
	EnrollProduct(ctx context.Context, product domain.CanonicalProduct, result PublishResult) error
}

// PublishCommand selects the items for a publishing run. Exactly one of
// BatchID or PartNumbers must be set.
type PublishCommand struct {
	BatchID        string
	PartNumbers    []string
	IdempotencyKey string
}

// PipelineService drives batches through the extraction, normalization and
// publishing stages.
type PipelineService interface {
	// StartExtraction creates (or idempotently returns) a batch and launches
	// the extraction + normalization run in the background.
	StartExtraction(ctx context.Context, partNumbers []string, idempotencyKey string) (domain.Batch, error)
	// StartPublish prepares the publish queue on a batch and launches the
	// publishing run in the background.
	StartPublish(ctx context.Context, cmd PublishCommand) (domain.Batch, error)
	// RunExtraction processes the extraction and normalization stages synchronously.
	RunExtraction(ctx context.Context, batchID string) error
	// RunPublishing processes the publishing stage synchronously.
	RunPublishing(ctx context.Context, batchID string) error
}

// PipelineServiceDeps enumerates collaborators required to construct the service.
type PipelineServiceDeps struct {
	Coordinator BatchCoordinator
	Catalog     catalog.Adapter
	Saga        PublishSaga
	Staged      repositories.StagedProductRepository
	Limiter     ratelimit.Limiter
	Notifier    events.Notifier
	Mirror      ImageMirror
	Enroller    SyncEnroller
	Workers     int
	ItemTimeout time.Duration
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type pipelineService struct {
	coordinator BatchCoordinator
	catalog     catalog.Adapter
	saga        PublishSaga
	staged      repositories.StagedProductRepository
	limiter     ratelimit.Limiter
	notifier    events.Notifier
	mirror      ImageMirror
	enroller    SyncEnroller
	workers     int
	itemTimeout time.Duration
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewPipelineService wires dependencies into a PipelineService implementation.
func NewPipelineService(deps PipelineServiceDeps) (PipelineService, error) {
	if deps.Coordinator == nil {
		return nil, errors.New("pipeline service: batch coordinator is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("pipeline service: catalog adapter is required")
	}
	if deps.Saga == nil {
		return nil, errors.New("pipeline service: publish saga is required")
	}
	if deps.Staged == nil {
		return nil, errors.New("pipeline service: staged product repository is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("pipeline service: rate limiter is required")
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

	return &pipelineService{
		coordinator: deps.Coordinator,
		catalog:     deps.Catalog,
		saga:        deps.Saga,
		staged:      deps.Staged,
		limiter:     deps.Limiter,
		notifier:    notifier,
		mirror:      deps.Mirror,
		enroller:    deps.Enroller,
		workers:     workers,
		itemTimeout: itemTimeout,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (p *pipelineService) StartExtraction(ctx context.Context, partNumbers []string, idempotencyKey string) (domain.Batch, error) {
	batch, created, err := p.coordinator.CreateBatch(ctx, partNumbers, idempotencyKey)
	if err != nil {
		return domain.Batch{}, err
	}
	if created {
		p.launch("extraction", batch.ID, p.RunExtraction)
	}
	return batch, nil
}

func (p *pipelineService) StartPublish(ctx context.Context, cmd PublishCommand) (domain.Batch, error) {
	var (
		batch domain.Batch
		err   error
	)
	switch {
	case cmd.BatchID != "":
		batch, err = p.coordinator.GetBatch(ctx, cmd.BatchID)
		if err != nil {
			return domain.Batch{}, err
		}
		if batch.Status != domain.BatchStatusPending && batch.Status != domain.BatchStatusCompleted {
			return domain.Batch{}, fmt.Errorf("%w: %s is %s", ErrBatchNotPublishable, batch.ID, batch.Status)
		}
	case len(cmd.PartNumbers) > 0:
		var created bool
		batch, created, err = p.coordinator.CreateBatch(ctx, cmd.PartNumbers, cmd.IdempotencyKey)
		if err != nil {
			return domain.Batch{}, err
		}
		if !created && batch.BatchType == domain.BatchTypePublishing {
			// idempotent resubmission of an in-flight publish batch
			return batch, nil
		}
	default:
		return domain.Batch{}, NewValidationError("batchId", "either batchId or partNumbers is required")
	}

	queue, skipped := p.selectPublishQueue(ctx, batch.PartNumbers)
	batch, err = p.coordinator.ReopenForPublish(ctx, batch.ID, queue)
	if err != nil {
		return domain.Batch{}, err
	}
	if skipped > 0 {
		if err := p.coordinator.RecordProgress(ctx, batch.ID, domain.CounterDelta{Skipped: skipped}); err != nil {
			return domain.Batch{}, err
		}
		batch.SkippedCount += skipped
	}

	p.launch("publishing", batch.ID, p.RunPublishing)
	return batch, nil
}

// selectPublishQueue partitions parts into the eligible publish subset and the
// skip count. Ineligibility is not failure: zero inventory or a missing price
// excludes the item without recording an error. Parts not yet normalized stay
// in the queue so the run can report them properly.
func (p *pipelineService) selectPublishQueue(ctx context.Context, partNumbers []string) ([]string, int) {
	queue := make([]string, 0, len(partNumbers))
	skipped := 0
	seen := make(map[string]struct{}, len(partNumbers))
	for _, part := range partNumbers {
		sku := domain.StripVariant(part)
		if sku == "" {
			continue
		}
		if _, dup := seen[sku]; dup {
			continue
		}
		seen[sku] = struct{}{}

		staged, err := p.staged.Get(ctx, sku)
		if err == nil && staged.Canonical != nil && staged.Status.AtLeast(domain.StagedStatusNormalized) {
			if !staged.Canonical.PublishEligible() {
				skipped++
				continue
			}
		}
		queue = append(queue, part)
	}
	return queue, skipped
}

// launch runs a stage in the background with a fresh root context; the HTTP
// request that triggered it must not cancel the run.
func (p *pipelineService) launch(stage, batchID string, run func(context.Context, string) error) {
	go func() {
		ctx, span := observability.StartSpan(context.Background(), "pipeline."+stage,
			attribute.String("batch.id", batchID))
		defer span.End()
		if err := run(ctx, batchID); err != nil {
			p.logger(ctx, pipelineEventRunError, map[string]any{
				"batchId": batchID,
				"stage":   stage,
				"error":   err.Error(),
			})
		}
	}()
}

// RunExtraction claims the batch, fetches every part through the rate limiter,
// then normalizes the fetched items. Per-item failures are absorbed into the
// batch; only systemic errors (catalog auth failure, store outage) abort it.
func (p *pipelineService) RunExtraction(ctx context.Context, batchID string) error {
	batch, err := p.coordinator.ClaimBatch(ctx, batchID)
	if err != nil {
		return err
	}

	systemicErr := p.extractItems(ctx, batch)
	if systemicErr == nil {
		systemicErr = p.normalizeItems(ctx, batch)
	}
	if errors.Is(systemicErr, ErrBatchCancelled) {
		// cancel already moved the batch to its terminal status
		return nil
	}

	if systemicErr == nil {
		if err := p.coordinator.MarkNormalized(ctx, batchID); err != nil {
			systemicErr = err
		}
	}

	finished, err := p.coordinator.FinishBatch(ctx, batchID, systemicErr)
	if err != nil {
		return err
	}
	p.logger(ctx, pipelineEventExtractionDone, map[string]any{
		"batchId":    batchID,
		"status":     string(finished.Status),
		"extracted":  finished.ExtractedCount,
		"normalized": finished.NormalizedCount,
		"failed":     finished.FailedCount,
	})
	return systemicErr
}

func (p *pipelineService) extractItems(ctx context.Context, batch domain.Batch) error {
	return p.forEachItem(ctx, batch, batch.PartNumbers, p.extractOne)
}

func (p *pipelineService) normalizeItems(ctx context.Context, batch domain.Batch) error {
	// the mapper is pure, so normalization needs no worker pool; a single
	// pass keeps the cancellation checkpoint simple
	for _, part := range batch.PartNumbers {
		if cancelled, err := p.batchCancelled(ctx, batch.ID); err != nil {
			return err
		} else if cancelled {
			return ErrBatchCancelled
		}
		if err := p.normalizeOne(ctx, batch.ID, part); err != nil {
			return err
		}
	}
	return nil
}

// forEachItem processes items with a bounded worker pool. Workers check the
// batch status before claiming each item so cancellation is observed at item
// boundaries. The first systemic error stops the pool.
func (p *pipelineService) forEachItem(ctx context.Context, batch domain.Batch, items []string, process func(ctx context.Context, batchID, part string) error) error {
	workers := p.workers
	if workers > len(items) {
		workers = len(items)
	}
	if workers < 1 {
		return nil
	}

	work := make(chan string)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		systemic error
	)

	recordSystemic := func(err error) {
		mu.Lock()
		if systemic == nil {
			systemic = err
		}
		mu.Unlock()
	}
	aborted := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return systemic != nil
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for part := range work {
				if aborted() {
					continue
				}
				cancelled, err := p.batchCancelled(ctx, batch.ID)
				if err != nil {
					recordSystemic(err)
					continue
				}
				if cancelled {
					recordSystemic(ErrBatchCancelled)
					continue
				}
				if err := process(ctx, batch.ID, part); err != nil {
					recordSystemic(err)
				}
			}
		}()
	}

	for _, item := range items {
		work <- item
	}
	close(work)
	wg.Wait()

	return systemic
}

// batchCancelled is the cooperative cancellation checkpoint: a worker reads
// the batch status before claiming the next item.
func (p *pipelineService) batchCancelled(ctx context.Context, batchID string) (bool, error) {
	batch, err := p.coordinator.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	return batch.Status == domain.BatchStatusCancelled, nil
}

// extractOne fetches one part from the catalog and persists the raw payload.
// The returned error is nil unless the failure is systemic.
func (p *pipelineService) extractOne(ctx context.Context, batchID, part string) error {
	sku := domain.StripVariant(part)

	existing, err := p.staged.Get(ctx, sku)
	if err == nil && existing.Status.AtLeast(domain.StagedStatusFetched) && existing.Raw != nil {
		if existing.BatchID == batchID {
			// re-run of a partially completed batch; already counted
			return nil
		}
		return p.adoptStaged(ctx, batchID, existing)
	}
	if err != nil && !repositories.IsNotFound(err) {
		return fmt.Errorf("pipeline: staged lookup %s: %w", sku, err)
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("pipeline: rate limiter: %w", err)
	}

	itemCtx, cancel := context.WithTimeout(ctx, p.itemTimeout)
	raw, fetchErr := p.catalog.Fetch(itemCtx, part)
	cancel()

	if fetchErr != nil {
		if errors.Is(fetchErr, catalog.ErrUnauthorized) {
			return fetchErr
		}
		return p.recordItemFailure(ctx, batchID, part, domain.StageExtraction, fetchErr)
	}

	now := p.clock()
	staged := domain.StagedProduct{
		SKU:       sku,
		FullSKU:   part,
		BatchID:   batchID,
		Status:    domain.StagedStatusFetched,
		Raw:       raw,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: now,
	}
	if staged.CreatedAt.IsZero() {
		staged.CreatedAt = now
	}
	if err := p.staged.Upsert(ctx, staged); err != nil {
		return fmt.Errorf("pipeline: persist raw %s: %w", sku, err)
	}
	if err := p.coordinator.RecordProgress(ctx, batchID, domain.CounterDelta{Extracted: 1}); err != nil {
		return err
	}
	p.notifyStaged(ctx, staged)
	return nil
}

// adoptStaged claims a staged record produced by an earlier batch. The fetch
// and mapping are not repeated, but the adopting batch credits its own
// counters so a completed batch accounts for every item it was given.
func (p *pipelineService) adoptStaged(ctx context.Context, batchID string, staged domain.StagedProduct) error {
	delta := domain.CounterDelta{Extracted: 1}
	if staged.Status.AtLeast(domain.StagedStatusNormalized) && staged.Canonical != nil {
		delta.Normalized = 1
	}
	staged.BatchID = batchID
	staged.UpdatedAt = p.clock()
	if err := p.staged.Upsert(ctx, staged); err != nil {
		return fmt.Errorf("pipeline: adopt staged %s: %w", staged.SKU, err)
	}
	if err := p.coordinator.RecordProgress(ctx, batchID, delta); err != nil {
		return err
	}
	p.notifyStaged(ctx, staged)
	return nil
}

// normalizeOne maps one fetched item into its canonical record.
func (p *pipelineService) normalizeOne(ctx context.Context, batchID, part string) error {
	sku := domain.StripVariant(part)

	staged, err := p.staged.Get(ctx, sku)
	if err != nil {
		if repositories.IsNotFound(err) {
			// extraction failed this item; its failure is already recorded
			return nil
		}
		return fmt.Errorf("pipeline: staged lookup %s: %w", sku, err)
	}
	if staged.Status.AtLeast(domain.StagedStatusNormalized) {
		return nil
	}
	if staged.Status != domain.StagedStatusFetched || staged.Raw == nil {
		return nil
	}

	canonical, mapErr := Normalize(*staged.Raw)
	if mapErr != nil {
		staged.Status = domain.StagedStatusFailed
		staged.LastError = summarizeError(mapErr)
		staged.UpdatedAt = p.clock()
		if err := p.staged.Upsert(ctx, staged); err != nil {
			return fmt.Errorf("pipeline: persist failed staged %s: %w", sku, err)
		}
		return p.recordItemFailure(ctx, batchID, part, domain.StageNormalization, mapErr)
	}

	staged.Status = domain.StagedStatusNormalized
	staged.Canonical = &canonical
	staged.LastError = ""
	staged.UpdatedAt = p.clock()
	if err := p.staged.Upsert(ctx, staged); err != nil {
		return fmt.Errorf("pipeline: persist canonical %s: %w", sku, err)
	}
	if err := p.coordinator.RecordProgress(ctx, batchID, domain.CounterDelta{Normalized: 1}); err != nil {
		return err
	}
	p.notifyStaged(ctx, staged)
	return nil
}

// RunPublishing claims the batch and pushes its publish queue through the saga.
func (p *pipelineService) RunPublishing(ctx context.Context, batchID string) error {
	batch, err := p.coordinator.ClaimBatch(ctx, batchID)
	if err != nil {
		return err
	}

	systemicErr := p.forEachItem(ctx, batch, batch.PublishPartNumbers, p.publishOne)
	if errors.Is(systemicErr, ErrBatchCancelled) {
		return nil
	}

	finished, err := p.coordinator.FinishBatch(ctx, batchID, systemicErr)
	if err != nil {
		return err
	}
	p.logger(ctx, pipelineEventPublishDone, map[string]any{
		"batchId":   batchID,
		"status":    string(finished.Status),
		"published": finished.PublishedCount,
		"failed":    finished.FailedCount,
		"skipped":   finished.SkippedCount,
	})
	return systemicErr
}

// publishOne pushes one normalized item through the saga, then mirrors its
// image and enrols it in the sync schedule best-effort.
func (p *pipelineService) publishOne(ctx context.Context, batchID, part string) error {
	sku := domain.StripVariant(part)

	staged, err := p.staged.Get(ctx, sku)
	if err != nil {
		if repositories.IsNotFound(err) {
			return p.recordItemFailure(ctx, batchID, part, domain.StagePublishing,
				errors.New("part has not been extracted"))
		}
		return fmt.Errorf("pipeline: staged lookup %s: %w", sku, err)
	}
	if staged.Status == domain.StagedStatusPublished && staged.BatchID == batchID {
		// re-run of a partially completed batch; already counted
		return nil
	}
	if staged.Canonical == nil || !staged.Status.AtLeast(domain.StagedStatusNormalized) {
		return p.recordItemFailure(ctx, batchID, part, domain.StagePublishing,
			errors.New("part has not been normalized"))
	}

	canonical := *staged.Canonical
	if !canonical.PublishEligible() {
		return p.coordinator.RecordProgress(ctx, batchID, domain.CounterDelta{Skipped: 1})
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("pipeline: rate limiter: %w", err)
	}

	itemCtx, cancel := context.WithTimeout(ctx, p.itemTimeout)
	result, pubErr := p.saga.Publish(itemCtx, canonical)
	cancel()

	if pubErr != nil {
		if errors.Is(pubErr, commerce.ErrUnauthorized) {
			return pubErr
		}
		return p.recordItemFailure(ctx, batchID, part, domain.StagePublishing, pubErr)
	}

	staged.Status = domain.StagedStatusPublished
	staged.BatchID = batchID
	staged.LastError = ""
	staged.UpdatedAt = p.clock()
	if err := p.staged.Upsert(ctx, staged); err != nil {
		return fmt.Errorf("pipeline: persist published staged %s: %w", sku, err)
	}
	if err := p.coordinator.RecordProgress(ctx, batchID, domain.CounterDelta{Published: 1}); err != nil {
		return err
	}
	p.notifyStaged(ctx, staged)

	if p.mirror != nil && canonical.ImageURL != "" {
		if _, err := p.mirror.MirrorImage(ctx, sku, canonical.ImageURL); err != nil {
			p.logger(ctx, "pipeline.image.mirror.error", map[string]any{"sku": sku, "error": err.Error()})
		}
	}
	if p.enroller != nil {
		if err := p.enroller.EnrollProduct(ctx, canonical, result); err != nil {
			p.logger(ctx, "pipeline.sync.enroll.error", map[string]any{"sku": sku, "error": err.Error()})
		}
	}
	return nil
}

// recordItemFailure absorbs a per-item error into the batch bookkeeping. It
// returns an error only when the bookkeeping itself fails.
func (p *pipelineService) recordItemFailure(ctx context.Context, batchID, part, stage string, cause error) error {
	p.logger(ctx, pipelineEventItemFailed, map[string]any{
		"batchId":    batchID,
		"partNumber": part,
		"stage":      stage,
		"error":      cause.Error(),
	})
	return p.coordinator.RecordFailure(ctx, batchID, domain.FailedItem{
		PartNumber: part,
		Error:      summarizeError(cause),
		Stage:      stage,
		Timestamp:  p.clock(),
	}, domain.CounterDelta{Failed: 1})
}

func (p *pipelineService) notifyStaged(ctx context.Context, staged domain.StagedProduct) {
	if _, err := p.notifier.PublishChange(ctx, events.Change{
		Table:      stagedProductsTable,
		Op:         events.OpUpdate,
		RecordID:   staged.SKU,
		Record:     staged,
		OccurredAt: p.clock(),
	}); err != nil {
		p.logger(ctx, "pipeline.notify.error", map[string]any{"sku": staged.SKU, "error": err.Error()})
	}
}
