package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/partstream/api/internal/domain"
	"github.com/partstream/api/internal/platform/events"
	"github.com/partstream/api/internal/repositories"
)

const (
	batchEventCreated   = "batch.created"
	batchEventClaimed   = "batch.claimed"
	batchEventReclaimed = "batch.reclaimed"
	batchEventCompleted = "batch.completed"
	batchEventFailed    = "batch.failed"
	batchEventCancelled = "batch.cancelled"

	batchesTable = "batches"
)

// BatchListResult pairs a page of batches with the filter's total count.
type BatchListResult struct {
	Batches []domain.Batch
	Total   int
}

// BatchCoordinator owns batch lifecycle: creation with idempotent submission,
// lookup, listing, cooperative cancellation and atomic progress recording.
type BatchCoordinator interface {
	// CreateBatch returns the batch plus whether it was newly created; an
	// idempotency-key hit on a non-terminal batch returns the existing one.
	CreateBatch(ctx context.Context, partNumbers []string, idempotencyKey string) (domain.Batch, bool, error)
	GetBatch(ctx context.Context, id string) (domain.Batch, error)
	ListBatches(ctx context.Context, filter repositories.BatchListFilter) (BatchListResult, error)
	CancelBatch(ctx context.Context, id string) (domain.Batch, error)
	RecordProgress(ctx context.Context, batchID string, delta domain.CounterDelta) error
	RecordFailure(ctx context.Context, batchID string, item domain.FailedItem, delta domain.CounterDelta) error
	ClaimBatch(ctx context.Context, id string) (domain.Batch, error)
	FinishBatch(ctx context.Context, id string, systemicErr error) (domain.Batch, error)
	MarkNormalized(ctx context.Context, id string) error
	ReopenForPublish(ctx context.Context, id string, publishPartNumbers []string) (domain.Batch, error)
}

// defaultClaimStaleAfter bounds how long a processing batch may sit without
// progress before another worker may take its claim over.
const defaultClaimStaleAfter = 15 * time.Minute

// BatchCoordinatorDeps enumerates collaborators required to construct the coordinator.
type BatchCoordinatorDeps struct {
	Batches      repositories.BatchRepository
	Notifier     events.Notifier
	MaxBatchSize int
	// ClaimStaleAfter overrides the window after which a processing batch
	// abandoned by a dead worker may be re-claimed.
	ClaimStaleAfter time.Duration
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type batchCoordinator struct {
	batches    repositories.BatchRepository
	notifier   events.Notifier
	maxSize    int
	staleAfter time.Duration
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewBatchCoordinator wires dependencies into a BatchCoordinator implementation.
func NewBatchCoordinator(deps BatchCoordinatorDeps) (BatchCoordinator, error) {
	if deps.Batches == nil {
		return nil, errors.New("batch coordinator: batch repository is required")
	}
	if deps.MaxBatchSize <= 0 {
		return nil, errors.New("batch coordinator: max batch size must be positive")
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = events.NoopNotifier{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	staleAfter := deps.ClaimStaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultClaimStaleAfter
	}

	return &batchCoordinator{
		batches:    deps.Batches,
		notifier:   notifier,
		maxSize:    deps.MaxBatchSize,
		staleAfter: staleAfter,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (c *batchCoordinator) CreateBatch(ctx context.Context, partNumbers []string, idempotencyKey string) (domain.Batch, bool, error) {
	cleaned := cleanPartNumbers(partNumbers)
	if len(cleaned) == 0 {
		return domain.Batch{}, false, NewValidationError("partNumbers", "at least one part number is required")
	}
	if len(cleaned) > c.maxSize {
		return domain.Batch{}, false, NewValidationError("partNumbers",
			fmt.Sprintf("batch size %d exceeds maximum %d", len(cleaned), c.maxSize))
	}

	key := strings.TrimSpace(idempotencyKey)
	if key != "" {
		existing, err := c.batches.FindByIdempotencyKey(ctx, key)
		switch {
		case err == nil && !existing.Status.Terminal():
			c.logger(ctx, batchEventCreated, map[string]any{
				"batchId":     existing.ID,
				"idempotent":  true,
				"totalItems":  existing.TotalItems,
				"batchStatus": string(existing.Status),
			})
			return existing, false, nil
		case err != nil && !repositories.IsNotFound(err):
			return domain.Batch{}, false, fmt.Errorf("batch coordinator: idempotency lookup: %w", err)
		}
	}

	now := c.clock()
	batch := domain.Batch{
		ID:             c.newID(),
		IdempotencyKey: key,
		BatchType:      domain.BatchTypeSearch,
		Status:         domain.BatchStatusPending,
		TotalItems:     len(cleaned),
		PartNumbers:    cleaned,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.batches.Insert(ctx, batch); err != nil {
		return domain.Batch{}, false, fmt.Errorf("batch coordinator: insert: %w", err)
	}

	c.logger(ctx, batchEventCreated, map[string]any{"batchId": batch.ID, "totalItems": batch.TotalItems})
	c.notify(ctx, events.OpInsert, batch)
	return batch, true, nil
}

func (c *batchCoordinator) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	batch, err := c.batches.Get(ctx, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Batch{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return domain.Batch{}, fmt.Errorf("batch coordinator: get: %w", err)
	}
	return batch, nil
}

func (c *batchCoordinator) ListBatches(ctx context.Context, filter repositories.BatchListFilter) (BatchListResult, error) {
	batches, total, err := c.batches.List(ctx, filter)
	if err != nil {
		return BatchListResult{}, fmt.Errorf("batch coordinator: list: %w", err)
	}
	return BatchListResult{Batches: batches, Total: total}, nil
}

func (c *batchCoordinator) CancelBatch(ctx context.Context, id string) (domain.Batch, error) {
	batch, err := c.batches.TransitionStatus(ctx, id, repositories.StatusTransition{
		From: []domain.BatchStatus{domain.BatchStatusPending, domain.BatchStatusProcessing},
		To:   domain.BatchStatusCancelled,
	})
	if err != nil {
		switch {
		case repositories.IsNotFound(err):
			return domain.Batch{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		case repositories.IsConflict(err):
			return domain.Batch{}, fmt.Errorf("%w: %s", ErrBatchNotCancellable, id)
		}
		return domain.Batch{}, fmt.Errorf("batch coordinator: cancel: %w", err)
	}

	c.logger(ctx, batchEventCancelled, map[string]any{"batchId": id})
	c.notify(ctx, events.OpUpdate, batch)
	return batch, nil
}

func (c *batchCoordinator) RecordProgress(ctx context.Context, batchID string, delta domain.CounterDelta) error {
	if delta.Zero() {
		return nil
	}
	if err := c.batches.IncrementCounters(ctx, batchID, delta); err != nil {
		return fmt.Errorf("batch coordinator: record progress: %w", err)
	}
	return nil
}

func (c *batchCoordinator) RecordFailure(ctx context.Context, batchID string, item domain.FailedItem, delta domain.CounterDelta) error {
	if item.Timestamp.IsZero() {
		item.Timestamp = c.clock()
	}
	if err := c.batches.AppendFailedItem(ctx, batchID, item, delta); err != nil {
		return fmt.Errorf("batch coordinator: record failure: %w", err)
	}
	return nil
}

// ClaimBatch moves a pending batch to processing on behalf of a stage worker.
// A batch stuck in processing past the stale-claim window is taken over, so a
// worker that died mid-stage does not strand it forever.
func (c *batchCoordinator) ClaimBatch(ctx context.Context, id string) (domain.Batch, error) {
	batch, err := c.batches.TransitionStatus(ctx, id, repositories.StatusTransition{
		From: []domain.BatchStatus{domain.BatchStatusPending},
		To:   domain.BatchStatusProcessing,
	})
	if err == nil {
		c.logger(ctx, batchEventClaimed, map[string]any{"batchId": id})
		c.notify(ctx, events.OpUpdate, batch)
		return batch, nil
	}
	if repositories.IsNotFound(err) {
		return domain.Batch{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if !repositories.IsConflict(err) {
		return domain.Batch{}, fmt.Errorf("batch coordinator: claim: %w", err)
	}

	current, getErr := c.batches.Get(ctx, id)
	if getErr != nil {
		return domain.Batch{}, fmt.Errorf("batch coordinator: claim: %w", err)
	}
	if current.Status != domain.BatchStatusProcessing || c.clock().Sub(current.UpdatedAt) < c.staleAfter {
		return domain.Batch{}, fmt.Errorf("batch coordinator: claim: %w", err)
	}

	batch, takeErr := c.batches.TransitionStatus(ctx, id, repositories.StatusTransition{
		From: []domain.BatchStatus{domain.BatchStatusProcessing},
		To:   domain.BatchStatusProcessing,
	})
	if takeErr != nil {
		return domain.Batch{}, fmt.Errorf("batch coordinator: claim: %w", takeErr)
	}
	c.logger(ctx, batchEventReclaimed, map[string]any{"batchId": id, "staleSince": current.UpdatedAt})
	c.notify(ctx, events.OpUpdate, batch)
	return batch, nil
}

// FinishBatch moves a processing batch to its terminal status once every item
// has been attempted, or to failed when a systemic error aborted the run. A
// batch cancelled mid-run keeps its cancelled status.
func (c *batchCoordinator) FinishBatch(ctx context.Context, id string, systemicErr error) (domain.Batch, error) {
	now := c.clock()
	transition := repositories.StatusTransition{
		From:        []domain.BatchStatus{domain.BatchStatusProcessing},
		To:          domain.BatchStatusCompleted,
		CompletedAt: &now,
	}
	event := batchEventCompleted
	if systemicErr != nil {
		transition.To = domain.BatchStatusFailed
		transition.ErrorMessage = summarizeError(systemicErr)
		event = batchEventFailed
	}

	batch, err := c.batches.TransitionStatus(ctx, id, transition)
	if err != nil {
		if repositories.IsConflict(err) {
			// already cancelled or finished by another worker; report current state
			return c.GetBatch(ctx, id)
		}
		if repositories.IsNotFound(err) {
			return domain.Batch{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return domain.Batch{}, fmt.Errorf("batch coordinator: finish: %w", err)
	}

	c.logger(ctx, event, map[string]any{"batchId": id, "status": string(batch.Status)})
	c.notify(ctx, events.OpUpdate, batch)
	return batch, nil
}

// MarkNormalized flips the batch into the ready-to-publish stage family.
func (c *batchCoordinator) MarkNormalized(ctx context.Context, id string) error {
	if err := c.batches.SetBatchType(ctx, id, domain.BatchTypeNormalized); err != nil {
		return fmt.Errorf("batch coordinator: mark normalized: %w", err)
	}
	return nil
}

// ReopenForPublish re-arms a batch for the publishing stage: it records the
// publish subset, flips the type and moves a completed batch back to pending.
// One batch record carries the whole lifecycle rather than one per stage.
func (c *batchCoordinator) ReopenForPublish(ctx context.Context, id string, publishPartNumbers []string) (domain.Batch, error) {
	if err := c.batches.SetPublishQueue(ctx, id, publishPartNumbers); err != nil {
		if repositories.IsNotFound(err) {
			return domain.Batch{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return domain.Batch{}, fmt.Errorf("batch coordinator: set publish queue: %w", err)
	}

	batch, err := c.batches.TransitionStatus(ctx, id, repositories.StatusTransition{
		From: []domain.BatchStatus{domain.BatchStatusPending, domain.BatchStatusCompleted},
		To:   domain.BatchStatusPending,
	})
	if err != nil {
		if repositories.IsConflict(err) {
			return domain.Batch{}, fmt.Errorf("%w: %s", ErrBatchNotPublishable, id)
		}
		return domain.Batch{}, fmt.Errorf("batch coordinator: reopen: %w", err)
	}

	c.notify(ctx, events.OpUpdate, batch)
	return batch, nil
}

// notify emits a best-effort change event; delivery failures are logged and ignored.
func (c *batchCoordinator) notify(ctx context.Context, op string, batch domain.Batch) {
	if _, err := c.notifier.PublishChange(ctx, events.Change{
		Table:      batchesTable,
		Op:         op,
		RecordID:   batch.ID,
		Record:     batch,
		OccurredAt: c.clock(),
	}); err != nil {
		c.logger(ctx, "batch.notify.error", map[string]any{"batchId": batch.ID, "error": err.Error()})
	}
}

func cleanPartNumbers(partNumbers []string) []string {
	cleaned := make([]string, 0, len(partNumbers))
	seen := make(map[string]struct{}, len(partNumbers))
	for _, part := range partNumbers {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	return cleaned
}

// ComputeProgressPercent derives completion from the batch's counters. The
// formula depends on the stage the batch is in; the result is capped at 100.
func ComputeProgressPercent(batch domain.Batch) float64 {
	var percent float64
	switch batch.BatchType {
	case domain.BatchTypeSearch:
		if batch.TotalItems > 0 {
			percent = float64(batch.NormalizedCount+batch.FailedCount) / float64(batch.TotalItems) * 100
		}
	case domain.BatchTypeNormalized:
		if batch.Status == domain.BatchStatusCompleted {
			percent = 100
		} else if batch.TotalItems > 0 {
			percent = float64(batch.NormalizedCount) / float64(batch.TotalItems) * 100
		}
	case domain.BatchTypePublishing:
		denominator := batch.TotalItems
		if len(batch.PublishPartNumbers) > denominator {
			denominator = len(batch.PublishPartNumbers)
		}
		if denominator > 0 {
			percent = float64(batch.PublishedCount+batch.FailedCount) / float64(denominator) * 100
		}
	}
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}
	return percent
}
