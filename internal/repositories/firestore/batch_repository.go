package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	"github.com/partstream/api/internal/domain"
	pfirestore "github.com/partstream/api/internal/platform/firestore"
	"github.com/partstream/api/internal/repositories"
)

const batchesCollection = "batches"

const defaultBatchListLimit = 25

// BatchRepository implements repositories.BatchRepository backed by Firestore.
// Counter mutations use Firestore field transforms so concurrent stage workers
// never lose an increment.
type BatchRepository struct {
	provider *pfirestore.Provider
	batches  *pfirestore.BaseRepository[domain.Batch]
}

// NewBatchRepository constructs a Firestore-backed batch repository.
func NewBatchRepository(provider *pfirestore.Provider) (*BatchRepository, error) {
	if provider == nil {
		return nil, errors.New("batch repository requires firestore provider")
	}
	return &BatchRepository{
		provider: provider,
		batches:  pfirestore.NewBaseRepository[domain.Batch](provider, batchesCollection, nil),
	}, nil
}

// Insert stores a new batch, failing when the id already exists.
func (r *BatchRepository) Insert(ctx context.Context, batch domain.Batch) error {
	if r == nil || r.provider == nil {
		return errors.New("batch repository not initialised")
	}
	_, err := r.batches.Create(ctx, batch.ID, batch)
	return err
}

// Get fetches a batch by id.
func (r *BatchRepository) Get(ctx context.Context, id string) (domain.Batch, error) {
	if r == nil || r.provider == nil {
		return domain.Batch{}, errors.New("batch repository not initialised")
	}
	doc, err := r.batches.Get(ctx, id)
	if err != nil {
		return domain.Batch{}, err
	}
	batch := doc.Data
	batch.ID = doc.ID
	return batch, nil
}

// FindByIdempotencyKey returns the most recent batch created with the given key.
func (r *BatchRepository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Batch, error) {
	if r == nil || r.provider == nil {
		return domain.Batch{}, errors.New("batch repository not initialised")
	}
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return domain.Batch{}, pfirestore.NewNotFound("batches.findByIdempotencyKey", errors.New("empty key"))
	}

	docs, err := r.batches.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("idempotencyKey", "==", trimmed).
			OrderBy("createdAt", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.Batch{}, err
	}
	if len(docs) == 0 {
		return domain.Batch{}, pfirestore.NewNotFound("batches.findByIdempotencyKey", fmt.Errorf("no batch for key %s", trimmed))
	}
	batch := docs[0].Data
	batch.ID = docs[0].ID
	return batch, nil
}

// List returns a page of batches plus the total count for the filter. The
// synthetic "active" status expands to pending and processing.
func (r *BatchRepository) List(ctx context.Context, filter repositories.BatchListFilter) ([]domain.Batch, int, error) {
	if r == nil || r.provider == nil {
		return nil, 0, errors.New("batch repository not initialised")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultBatchListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	build := func(query firestore.Query) firestore.Query {
		query = applyStatusFilter(query, filter.Status)
		return query.OrderBy("createdAt", firestore.Desc).Offset(offset).Limit(limit)
	}

	docs, err := r.batches.Query(ctx, build)
	if err != nil {
		return nil, 0, err
	}

	total, err := r.batches.Count(ctx, func(query firestore.Query) firestore.Query {
		return applyStatusFilter(query, filter.Status)
	})
	if err != nil {
		return nil, 0, err
	}

	batches := make([]domain.Batch, 0, len(docs))
	for _, doc := range docs {
		batch := doc.Data
		batch.ID = doc.ID
		batches = append(batches, batch)
	}
	return batches, int(total), nil
}

func applyStatusFilter(query firestore.Query, status string) firestore.Query {
	switch strings.TrimSpace(status) {
	case "":
		return query
	case "active":
		return query.Where("status", "in", []string{
			string(domain.BatchStatusPending),
			string(domain.BatchStatusProcessing),
		})
	default:
		return query.Where("status", "==", status)
	}
}

// IncrementCounters applies the delta with Firestore increments in a single
// update, keeping concurrent workers from clobbering each other.
func (r *BatchRepository) IncrementCounters(ctx context.Context, id string, delta domain.CounterDelta) error {
	if r == nil || r.provider == nil {
		return errors.New("batch repository not initialised")
	}
	if delta.Zero() {
		return nil
	}
	updates := counterUpdates(delta)
	updates = append(updates, firestore.Update{Path: "updatedAt", Value: firestore.ServerTimestamp})
	_, err := r.batches.Update(ctx, id, updates)
	return err
}

// AppendFailedItem records a per-item failure and applies the accompanying
// counter delta in the same atomic update.
func (r *BatchRepository) AppendFailedItem(ctx context.Context, id string, item domain.FailedItem, delta domain.CounterDelta) error {
	if r == nil || r.provider == nil {
		return errors.New("batch repository not initialised")
	}
	updates := counterUpdates(delta)
	updates = append(updates,
		firestore.Update{Path: "failedItems", Value: firestore.ArrayUnion(item)},
		firestore.Update{Path: "updatedAt", Value: firestore.ServerTimestamp},
	)
	_, err := r.batches.Update(ctx, id, updates)
	return err
}

func counterUpdates(delta domain.CounterDelta) []firestore.Update {
	updates := make([]firestore.Update, 0, 6)
	if delta.Extracted != 0 {
		updates = append(updates, firestore.Update{Path: "extractedCount", Value: firestore.Increment(delta.Extracted)})
	}
	if delta.Normalized != 0 {
		updates = append(updates, firestore.Update{Path: "normalizedCount", Value: firestore.Increment(delta.Normalized)})
	}
	if delta.Published != 0 {
		updates = append(updates, firestore.Update{Path: "publishedCount", Value: firestore.Increment(delta.Published)})
	}
	if delta.Failed != 0 {
		updates = append(updates, firestore.Update{Path: "failedCount", Value: firestore.Increment(delta.Failed)})
	}
	if delta.Skipped != 0 {
		updates = append(updates, firestore.Update{Path: "skippedCount", Value: firestore.Increment(delta.Skipped)})
	}
	return updates
}

// TransitionStatus applies a guarded status change inside a transaction. The
// change is rejected as a conflict when the stored status is not in From,
// which keeps terminal states terminal under concurrent workers.
func (r *BatchRepository) TransitionStatus(ctx context.Context, id string, transition repositories.StatusTransition) (domain.Batch, error) {
	if r == nil || r.provider == nil {
		return domain.Batch{}, errors.New("batch repository not initialised")
	}

	var result domain.Batch
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.batches.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		batch, err := r.batches.Decode(ctx, snapshot)
		if err != nil {
			return fmt.Errorf("firestore batches decode %s: %w", id, err)
		}
		batch.ID = snapshot.Ref.ID

		if !statusAllowed(batch.Status, transition.From) {
			return pfirestore.NewConflict("batches.transition",
				fmt.Errorf("batch %s is %s, cannot move to %s", id, batch.Status, transition.To))
		}

		updates := []firestore.Update{
			{Path: "status", Value: string(transition.To)},
			{Path: "updatedAt", Value: firestore.ServerTimestamp},
		}
		if transition.ErrorMessage != "" {
			updates = append(updates, firestore.Update{Path: "errorMessage", Value: transition.ErrorMessage})
		}
		if transition.CompletedAt != nil {
			completedAt := transition.CompletedAt.UTC()
			updates = append(updates, firestore.Update{Path: "completedAt", Value: completedAt})
			batch.CompletedAt = &completedAt
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}

		batch.Status = transition.To
		if transition.ErrorMessage != "" {
			batch.ErrorMessage = transition.ErrorMessage
		}
		result = batch
		return nil
	})
	if err != nil {
		return domain.Batch{}, pfirestore.WrapError("batches.transition", err)
	}
	return result, nil
}

func statusAllowed(current domain.BatchStatus, from []domain.BatchStatus) bool {
	if len(from) == 0 {
		return true
	}
	for _, status := range from {
		if current == status {
			return true
		}
	}
	return false
}

// SetBatchType records the batch's lifecycle stage family.
func (r *BatchRepository) SetBatchType(ctx context.Context, id string, batchType domain.BatchType) error {
	if r == nil || r.provider == nil {
		return errors.New("batch repository not initialised")
	}
	_, err := r.batches.Update(ctx, id, []firestore.Update{
		{Path: "batchType", Value: string(batchType)},
		{Path: "updatedAt", Value: firestore.ServerTimestamp},
	})
	return err
}

// SetPublishQueue records the publish subset and flips the batch type to publishing.
func (r *BatchRepository) SetPublishQueue(ctx context.Context, id string, partNumbers []string) error {
	if r == nil || r.provider == nil {
		return errors.New("batch repository not initialised")
	}
	_, err := r.batches.Update(ctx, id, []firestore.Update{
		{Path: "publishPartNumbers", Value: partNumbers},
		{Path: "batchType", Value: string(domain.BatchTypePublishing)},
		{Path: "updatedAt", Value: firestore.ServerTimestamp},
	})
	return err
}
