package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/partstream/api/internal/domain"
	"github.com/partstream/api/internal/repositories"
)

func newTestCoordinator(t *testing.T, repo *batchRepoStub) BatchCoordinator {
	t.Helper()
	seq := 0
	coordinator, err := NewBatchCoordinator(BatchCoordinatorDeps{
		Batches:      repo,
		MaxBatchSize: 10,
		Clock:        fixedClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("batch-%03d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewBatchCoordinator: %v", err)
	}
	return coordinator
}

func TestCreateBatchValidation(t *testing.T) {
	t.Parallel()

	coordinator := newTestCoordinator(t, newBatchRepoStub())
	ctx := context.Background()

	if _, _, err := coordinator.CreateBatch(ctx, nil, ""); !IsValidationError(err) {
		t.Fatalf("expected ValidationError for empty list, got %v", err)
	}
	if _, _, err := coordinator.CreateBatch(ctx, []string{"", "  "}, ""); !IsValidationError(err) {
		t.Fatalf("expected ValidationError for blank parts, got %v", err)
	}

	oversized := make([]string, 11)
	for i := range oversized {
		oversized[i] = fmt.Sprintf("PN-%d", i)
	}
	if _, _, err := coordinator.CreateBatch(ctx, oversized, ""); !IsValidationError(err) {
		t.Fatalf("expected ValidationError for oversized list, got %v", err)
	}
}

func TestCreateBatchIdempotentSubmission(t *testing.T) {
	t.Parallel()

	coordinator := newTestCoordinator(t, newBatchRepoStub())
	ctx := context.Background()
	parts := []string{"AN3-4A", "MS21042L3"}

	first, created, err := coordinator.CreateBatch(ctx, parts, "key-1")
	if err != nil || !created {
		t.Fatalf("first submission: created=%v err=%v", created, err)
	}

	second, created, err := coordinator.CreateBatch(ctx, parts, "key-1")
	if err != nil {
		t.Fatalf("second submission: %v", err)
	}
	if created {
		t.Fatal("second submission must not create a new batch")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same batch id, got %s and %s", first.ID, second.ID)
	}
	if second.TotalItems != len(parts) {
		t.Fatalf("total items doubled: %d", second.TotalItems)
	}
}

func TestCreateBatchIgnoresTerminalIdempotencyHit(t *testing.T) {
	t.Parallel()

	repo := newBatchRepoStub()
	coordinator := newTestCoordinator(t, repo)
	ctx := context.Background()

	first, _, err := coordinator.CreateBatch(ctx, []string{"AN3-4A"}, "key-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.mu.Lock()
	repo.batches[first.ID].Status = domain.BatchStatusCompleted
	repo.mu.Unlock()

	second, created, err := coordinator.CreateBatch(ctx, []string{"AN3-4A"}, "key-1")
	if err != nil {
		t.Fatalf("resubmission: %v", err)
	}
	if !created || second.ID == first.ID {
		t.Fatalf("terminal batch must not satisfy idempotent submission: created=%v id=%s", created, second.ID)
	}
}

func TestCancelBatchLegality(t *testing.T) {
	t.Parallel()

	repo := newBatchRepoStub()
	coordinator := newTestCoordinator(t, repo)
	ctx := context.Background()

	batch, _, err := coordinator.CreateBatch(ctx, []string{"AN3-4A"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := coordinator.CancelBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if cancelled.Status != domain.BatchStatusCancelled {
		t.Fatalf("unexpected status: %s", cancelled.Status)
	}

	if _, err := coordinator.CancelBatch(ctx, batch.ID); !errors.Is(err, ErrBatchNotCancellable) {
		t.Fatalf("cancelling a terminal batch must fail, got %v", err)
	}
	if _, err := coordinator.CancelBatch(ctx, "missing"); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestFinishBatchAfterCancelKeepsCancelled(t *testing.T) {
	t.Parallel()

	repo := newBatchRepoStub()
	coordinator := newTestCoordinator(t, repo)
	ctx := context.Background()

	batch, _, _ := coordinator.CreateBatch(ctx, []string{"AN3-4A"}, "")
	if _, err := coordinator.ClaimBatch(ctx, batch.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := coordinator.CancelBatch(ctx, batch.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	finished, err := coordinator.FinishBatch(ctx, batch.ID, nil)
	if err != nil {
		t.Fatalf("finish after cancel: %v", err)
	}
	if finished.Status != domain.BatchStatusCancelled {
		t.Fatalf("terminal cancel was overwritten: %s", finished.Status)
	}
}

func TestFinishBatchRecordsSystemicError(t *testing.T) {
	t.Parallel()

	repo := newBatchRepoStub()
	coordinator := newTestCoordinator(t, repo)
	ctx := context.Background()

	batch, _, _ := coordinator.CreateBatch(ctx, []string{"AN3-4A"}, "")
	if _, err := coordinator.ClaimBatch(ctx, batch.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	finished, err := coordinator.FinishBatch(ctx, batch.ID, errors.New("catalog credentials revoked"))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finished.Status != domain.BatchStatusFailed {
		t.Fatalf("unexpected status: %s", finished.Status)
	}
	if finished.ErrorMessage == "" {
		t.Fatal("systemic error message missing")
	}
}

func TestClaimBatchTakesOverStaleProcessing(t *testing.T) {
	t.Parallel()

	repo := newBatchRepoStub()
	coordinator := newTestCoordinator(t, repo)
	ctx := context.Background()

	batch, _, _ := coordinator.CreateBatch(ctx, []string{"AN3-4A"}, "")
	if _, err := coordinator.ClaimBatch(ctx, batch.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// a second worker must not steal a claim that is still fresh
	if _, err := coordinator.ClaimBatch(ctx, batch.ID); err == nil {
		t.Fatal("fresh processing claim was taken over")
	}

	// age the claim past the stale window, as if the worker died mid-stage
	repo.mu.Lock()
	repo.batches[batch.ID].UpdatedAt = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	repo.mu.Unlock()

	reclaimed, err := coordinator.ClaimBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("stale claim takeover: %v", err)
	}
	if reclaimed.Status != domain.BatchStatusProcessing {
		t.Fatalf("unexpected status after takeover: %s", reclaimed.Status)
	}
}

func TestClaimBatchNeverRevivesTerminal(t *testing.T) {
	t.Parallel()

	repo := newBatchRepoStub()
	coordinator := newTestCoordinator(t, repo)
	ctx := context.Background()

	batch, _, _ := coordinator.CreateBatch(ctx, []string{"AN3-4A"}, "")
	if _, err := coordinator.CancelBatch(ctx, batch.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	repo.mu.Lock()
	repo.batches[batch.ID].UpdatedAt = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	repo.mu.Unlock()

	if _, err := coordinator.ClaimBatch(ctx, batch.ID); err == nil {
		t.Fatal("terminal batch was claimed")
	}
}

func TestListBatchesActiveFilter(t *testing.T) {
	t.Parallel()

	repo := newBatchRepoStub()
	coordinator := newTestCoordinator(t, repo)
	ctx := context.Background()

	a, _, _ := coordinator.CreateBatch(ctx, []string{"A"}, "")
	b, _, _ := coordinator.CreateBatch(ctx, []string{"B"}, "")
	if _, err := coordinator.ClaimBatch(ctx, a.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := coordinator.CancelBatch(ctx, b.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	result, err := coordinator.ListBatches(ctx, repositories.BatchListFilter{Status: "active"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if result.Total != 1 || len(result.Batches) != 1 || result.Batches[0].ID != a.ID {
		t.Fatalf("active filter wrong: %+v", result)
	}
}

func TestComputeProgressPercent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		batch domain.Batch
		want  float64
	}{
		{
			name: "extraction stage counts normalized plus failed",
			batch: domain.Batch{
				BatchType:       domain.BatchTypeSearch,
				TotalItems:      10,
				NormalizedCount: 3,
				FailedCount:     2,
			},
			want: 50,
		},
		{
			name: "normalized stage proportional while running",
			batch: domain.Batch{
				BatchType:       domain.BatchTypeNormalized,
				Status:          domain.BatchStatusProcessing,
				TotalItems:      10,
				NormalizedCount: 4,
			},
			want: 40,
		},
		{
			name: "normalized stage complete reads 100",
			batch: domain.Batch{
				BatchType:       domain.BatchTypeNormalized,
				Status:          domain.BatchStatusCompleted,
				TotalItems:      10,
				NormalizedCount: 4,
			},
			want: 100,
		},
		{
			name: "publishing stage uses larger denominator",
			batch: domain.Batch{
				BatchType:          domain.BatchTypePublishing,
				TotalItems:         4,
				PublishPartNumbers: []string{"A", "B", "C", "D", "E"},
				PublishedCount:     2,
				FailedCount:        1,
			},
			want: 60,
		},
		{
			name: "capped at 100",
			batch: domain.Batch{
				BatchType:       domain.BatchTypeSearch,
				TotalItems:      2,
				NormalizedCount: 2,
				FailedCount:     2,
			},
			want: 100,
		},
		{
			name:  "empty batch reads 0",
			batch: domain.Batch{BatchType: domain.BatchTypeSearch},
			want:  0,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ComputeProgressPercent(tc.batch); got != tc.want {
				t.Fatalf("got %.2f, want %.2f", got, tc.want)
			}
		})
	}
}

func TestRecordProgressAtomicUnderConcurrency(t *testing.T) {
	t.Parallel()

	repo := newBatchRepoStub()
	coordinator := newTestCoordinator(t, repo)
	ctx := context.Background()

	batch, _, _ := coordinator.CreateBatch(ctx, []string{"A", "B", "C", "D", "E"}, "")

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			done <- coordinator.RecordProgress(ctx, batch.ID, domain.CounterDelta{Extracted: 1})
		}()
	}
	for i := 0; i < 20; i++ {
		if err := <-done; err != nil {
			t.Fatalf("record progress: %v", err)
		}
	}

	got, err := coordinator.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExtractedCount != 20 {
		t.Fatalf("lost increments: %d", got.ExtractedCount)
	}
}
