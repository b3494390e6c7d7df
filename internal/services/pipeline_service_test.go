package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/partstream/api/internal/catalog"
	"github.com/partstream/api/internal/domain"
)

type pipelineFixture struct {
	repo     *batchRepoStub
	staged   *stagedRepoStub
	catalog  *catalogStub
	saga     *sagaStub
	limiter  *limiterStub
	enrolled []domain.CanonicalProduct

	coordinator BatchCoordinator
	pipeline    PipelineService
}

type enrollerFunc func(ctx context.Context, product domain.CanonicalProduct, result PublishResult) error

func (f enrollerFunc) EnrollProduct(ctx context.Context, product domain.CanonicalProduct, result PublishResult) error {
	return f(ctx, product, result)
}

func newPipelineFixture(t *testing.T, fetch func(ctx context.Context, partNumber string) (*domain.RawCatalogItem, error)) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{
		repo:    newBatchRepoStub(),
		staged:  newStagedRepoStub(),
		catalog: &catalogStub{fn: fetch},
		saga:    &sagaStub{},
		limiter: &limiterStub{},
	}

	f.coordinator = newTestCoordinator(t, f.repo)

	pipeline, err := NewPipelineService(PipelineServiceDeps{
		Coordinator: f.coordinator,
		Catalog:     f.catalog,
		Saga:        f.saga,
		Staged:      f.staged,
		Limiter:     f.limiter,
		Workers:     1,
		ItemTimeout: time.Second,
		Clock:       fixedClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
		Enroller: enrollerFunc(func(_ context.Context, product domain.CanonicalProduct, _ PublishResult) error {
			f.enrolled = append(f.enrolled, product)
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("NewPipelineService: %v", err)
	}
	f.pipeline = pipeline
	return f
}

func rawItem(part string, price float64, qty int) *domain.RawCatalogItem {
	return &domain.RawCatalogItem{
		PartNumber:     part,
		Description:    "Aviation part " + part,
		CostPerItem:    &price,
		QuantityOnHand: &qty,
	}
}

func TestRunExtractionHappyPath(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, func(_ context.Context, part string) (*domain.RawCatalogItem, error) {
		return rawItem(part, 12.5, 3), nil
	})
	ctx := context.Background()

	batch, _, err := f.coordinator.CreateBatch(ctx, []string{"AN3-4A", "MS21042L3"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.pipeline.RunExtraction(ctx, batch.ID); err != nil {
		t.Fatalf("RunExtraction: %v", err)
	}

	got, _ := f.coordinator.GetBatch(ctx, batch.ID)
	if got.Status != domain.BatchStatusCompleted {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if got.BatchType != domain.BatchTypeNormalized {
		t.Fatalf("batch type not advanced: %s", got.BatchType)
	}
	if got.ExtractedCount != 2 || got.NormalizedCount != 2 || got.FailedCount != 0 {
		t.Fatalf("unexpected counters: %+v", got)
	}

	staged, err := f.staged.Get(ctx, "AN3-4A")
	if err != nil {
		t.Fatalf("staged missing: %v", err)
	}
	if staged.Status != domain.StagedStatusNormalized || staged.Canonical == nil {
		t.Fatalf("staged not normalized: %+v", staged)
	}
	if f.limiter.acquired != 2 {
		t.Fatalf("catalog calls must pass the rate limiter: %d", f.limiter.acquired)
	}
}

func TestRunExtractionAbsorbsPerItemFailures(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, func(_ context.Context, part string) (*domain.RawCatalogItem, error) {
		if part == "BAD-PART" {
			return nil, &catalog.AdapterError{Transient: false, Status: 404, Message: "part not found"}
		}
		return rawItem(part, 5, 1), nil
	})
	ctx := context.Background()

	batch, _, _ := f.coordinator.CreateBatch(ctx, []string{"AN3-4A", "BAD-PART", "MS21042L3"}, "")
	if err := f.pipeline.RunExtraction(ctx, batch.ID); err != nil {
		t.Fatalf("RunExtraction: %v", err)
	}

	got, _ := f.coordinator.GetBatch(ctx, batch.ID)
	if got.Status != domain.BatchStatusCompleted {
		t.Fatalf("per-item failure must not abort the batch: %s", got.Status)
	}
	if got.ExtractedCount != 2 || got.FailedCount != 1 {
		t.Fatalf("unexpected counters: extracted=%d failed=%d", got.ExtractedCount, got.FailedCount)
	}
	if got.ExtractedCount+got.FailedCount != got.TotalItems {
		t.Fatalf("counter invariant broken: %d + %d != %d", got.ExtractedCount, got.FailedCount, got.TotalItems)
	}
	if len(got.FailedItems) != 1 || got.FailedItems[0].PartNumber != "BAD-PART" || got.FailedItems[0].Stage != domain.StageExtraction {
		t.Fatalf("unexpected failed items: %+v", got.FailedItems)
	}
}

func TestRunExtractionSystemicAuthFailureAbortsBatch(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, func(context.Context, string) (*domain.RawCatalogItem, error) {
		return nil, fmt.Errorf("%w: status 401", catalog.ErrUnauthorized)
	})
	ctx := context.Background()

	batch, _, _ := f.coordinator.CreateBatch(ctx, []string{"AN3-4A", "MS21042L3"}, "")
	if err := f.pipeline.RunExtraction(ctx, batch.ID); !errors.Is(err, catalog.ErrUnauthorized) {
		t.Fatalf("expected auth error, got %v", err)
	}

	got, _ := f.coordinator.GetBatch(ctx, batch.ID)
	if got.Status != domain.BatchStatusFailed {
		t.Fatalf("systemic failure must fail the batch: %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("error message missing on failed batch")
	}
}

func TestRunExtractionObservesCancellation(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, nil)
	ctx := context.Background()

	batch, _, _ := f.coordinator.CreateBatch(ctx, []string{"FIRST", "SECOND", "THIRD"}, "")

	// cancel while the first item is in flight; the worker must stop before
	// claiming the next one
	f.catalog.fn = func(ctx context.Context, part string) (*domain.RawCatalogItem, error) {
		if part == "FIRST" {
			if _, err := f.coordinator.CancelBatch(ctx, batch.ID); err != nil {
				return nil, err
			}
		}
		return rawItem(part, 5, 1), nil
	}

	if err := f.pipeline.RunExtraction(ctx, batch.ID); err != nil {
		t.Fatalf("RunExtraction: %v", err)
	}

	got, _ := f.coordinator.GetBatch(ctx, batch.ID)
	if got.Status != domain.BatchStatusCancelled {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if f.catalog.fetchCount() != 1 {
		t.Fatalf("no further items may be claimed after cancellation, fetched %d", f.catalog.fetchCount())
	}
	if got.ExtractedCount != 1 {
		t.Fatalf("counters must reflect only completed items: %d", got.ExtractedCount)
	}
}

func TestRunExtractionIdempotentRerun(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, func(_ context.Context, part string) (*domain.RawCatalogItem, error) {
		return rawItem(part, 5, 1), nil
	})
	ctx := context.Background()

	batch, _, _ := f.coordinator.CreateBatch(ctx, []string{"AN3-4A", "MS21042L3"}, "")
	if err := f.pipeline.RunExtraction(ctx, batch.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstFetches := f.catalog.fetchCount()

	// re-arm the batch as if a retry were requested
	f.repo.mu.Lock()
	f.repo.batches[batch.ID].Status = domain.BatchStatusPending
	f.repo.mu.Unlock()

	if err := f.pipeline.RunExtraction(ctx, batch.ID); err != nil {
		t.Fatalf("re-run: %v", err)
	}

	if f.catalog.fetchCount() != firstFetches {
		t.Fatalf("completed items must not be re-fetched: %d vs %d", f.catalog.fetchCount(), firstFetches)
	}
	got, _ := f.coordinator.GetBatch(ctx, batch.ID)
	if got.ExtractedCount != 2 || got.NormalizedCount != 2 {
		t.Fatalf("re-run double-counted: extracted=%d normalized=%d", got.ExtractedCount, got.NormalizedCount)
	}
}

func TestRunExtractionAdoptsStagedFromEarlierBatch(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, func(_ context.Context, part string) (*domain.RawCatalogItem, error) {
		return rawItem(part, 5, 1), nil
	})
	ctx := context.Background()

	first, _, _ := f.coordinator.CreateBatch(ctx, []string{"AN3-4A"}, "")
	if err := f.pipeline.RunExtraction(ctx, first.ID); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	firstFetches := f.catalog.fetchCount()

	second, _, err := f.coordinator.CreateBatch(ctx, []string{"AN3-4A"}, "")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a distinct batch, got %s twice", first.ID)
	}
	if err := f.pipeline.RunExtraction(ctx, second.ID); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	got, _ := f.coordinator.GetBatch(ctx, second.ID)
	if got.Status != domain.BatchStatusCompleted {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if got.ExtractedCount+got.FailedCount != got.TotalItems {
		t.Fatalf("completed batch does not account for every item: extracted=%d failed=%d total=%d",
			got.ExtractedCount, got.FailedCount, got.TotalItems)
	}
	if got.ExtractedCount != 1 || got.NormalizedCount != 1 || got.FailedCount != 0 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if f.catalog.fetchCount() != firstFetches {
		t.Fatalf("previously staged item must not be re-fetched: %d vs %d", f.catalog.fetchCount(), firstFetches)
	}

	staged, err := f.staged.Get(ctx, "AN3-4A")
	if err != nil {
		t.Fatalf("staged missing: %v", err)
	}
	if staged.BatchID != second.ID {
		t.Fatalf("staged record not claimed by the later batch: %s", staged.BatchID)
	}
}

func TestStartPublishSkipsIneligibleItems(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, func(_ context.Context, part string) (*domain.RawCatalogItem, error) {
		return rawItem(part, 5, 1), nil
	})
	ctx := context.Background()

	price := 50.0
	zero := 0
	qty := 3
	seedStaged(t, f.staged, "NO-STOCK", domain.CanonicalProduct{SKU: "NO-STOCK", Price: &price, InventoryQty: &zero})
	seedStaged(t, f.staged, "IN-STOCK", domain.CanonicalProduct{SKU: "IN-STOCK", Price: &price, InventoryQty: &qty})

	batch, _, _ := f.coordinator.CreateBatch(ctx, []string{"NO-STOCK", "IN-STOCK"}, "")
	published, err := f.pipeline.StartPublish(ctx, PublishCommand{BatchID: batch.ID})
	if err != nil {
		t.Fatalf("StartPublish: %v", err)
	}

	if len(published.PublishPartNumbers) != 1 || published.PublishPartNumbers[0] != "IN-STOCK" {
		t.Fatalf("ineligible item leaked into publish queue: %v", published.PublishPartNumbers)
	}
	if published.SkippedCount != 1 {
		t.Fatalf("ineligible item must count as skipped, got %d", published.SkippedCount)
	}

	got, _ := f.coordinator.GetBatch(ctx, batch.ID)
	if got.FailedCount != 0 {
		t.Fatal("ineligibility is not failure")
	}
}

func TestRunPublishingHappyPath(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, func(_ context.Context, part string) (*domain.RawCatalogItem, error) {
		return rawItem(part, 5, 1), nil
	})
	ctx := context.Background()

	price := 50.0
	qty := 3
	seedStaged(t, f.staged, "AN3-4A", domain.CanonicalProduct{SKU: "AN3-4A", Price: &price, InventoryQty: &qty})

	batch, _, _ := f.coordinator.CreateBatch(ctx, []string{"AN3-4A"}, "")
	if _, err := f.coordinator.ReopenForPublish(ctx, batch.ID, []string{"AN3-4A"}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := f.pipeline.RunPublishing(ctx, batch.ID); err != nil {
		t.Fatalf("RunPublishing: %v", err)
	}

	got, _ := f.coordinator.GetBatch(ctx, batch.ID)
	if got.Status != domain.BatchStatusCompleted || got.PublishedCount != 1 {
		t.Fatalf("unexpected outcome: status=%s published=%d", got.Status, got.PublishedCount)
	}

	staged, _ := f.staged.Get(ctx, "AN3-4A")
	if staged.Status != domain.StagedStatusPublished {
		t.Fatalf("staged status not advanced: %s", staged.Status)
	}
	if len(f.saga.published) != 1 {
		t.Fatalf("saga must be invoked once, got %d", len(f.saga.published))
	}
	if len(f.enrolled) != 1 || domain.StripVariant(f.enrolled[0].SKU) != "AN3-4A" {
		t.Fatalf("published product must enrol in sync schedule: %+v", f.enrolled)
	}
	if f.limiter.acquired == 0 {
		t.Fatal("publishing must pass the rate limiter")
	}
}

func TestRunPublishingRecordsSagaFailures(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, func(_ context.Context, part string) (*domain.RawCatalogItem, error) {
		return rawItem(part, 5, 1), nil
	})
	f.saga.fn = func(context.Context, domain.CanonicalProduct) (PublishResult, error) {
		return PublishResult{}, errors.New("variant rejected")
	}
	ctx := context.Background()

	price := 50.0
	qty := 3
	seedStaged(t, f.staged, "AN3-4A", domain.CanonicalProduct{SKU: "AN3-4A", Price: &price, InventoryQty: &qty})

	batch, _, _ := f.coordinator.CreateBatch(ctx, []string{"AN3-4A"}, "")
	if _, err := f.coordinator.ReopenForPublish(ctx, batch.ID, []string{"AN3-4A"}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := f.pipeline.RunPublishing(ctx, batch.ID); err != nil {
		t.Fatalf("RunPublishing: %v", err)
	}

	got, _ := f.coordinator.GetBatch(ctx, batch.ID)
	if got.Status != domain.BatchStatusCompleted {
		t.Fatalf("per-item publish failure must not abort the batch: %s", got.Status)
	}
	if got.PublishedCount != 0 || got.FailedCount != 1 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if len(got.FailedItems) != 1 || got.FailedItems[0].Stage != domain.StagePublishing {
		t.Fatalf("unexpected failed items: %+v", got.FailedItems)
	}
}

func seedStaged(t *testing.T, repo *stagedRepoStub, sku string, canonical domain.CanonicalProduct) {
	t.Helper()
	product := canonical
	if err := repo.Upsert(context.Background(), domain.StagedProduct{
		SKU:       sku,
		FullSKU:   sku,
		Status:    domain.StagedStatusNormalized,
		Canonical: &product,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed staged %s: %v", sku, err)
	}
}
