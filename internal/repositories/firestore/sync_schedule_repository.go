package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	"github.com/partstream/api/internal/domain"
	pfirestore "github.com/partstream/api/internal/platform/firestore"
	"github.com/partstream/api/internal/repositories"
)

const syncScheduleCollection = "sync_schedule"

const defaultFailingListLimit = 50

// SyncScheduleRepository implements repositories.SyncScheduleRepository.
type SyncScheduleRepository struct {
	provider    *pfirestore.Provider
	entries     *pfirestore.BaseRepository[domain.SyncEntry]
	bucketCount int
}

// NewSyncScheduleRepository constructs a Firestore-backed sync schedule
// repository; bucketCount bounds the occupancy aggregation.
func NewSyncScheduleRepository(provider *pfirestore.Provider, bucketCount int) (*SyncScheduleRepository, error) {
	if provider == nil {
		return nil, errors.New("sync schedule repository requires firestore provider")
	}
	if bucketCount <= 0 {
		return nil, errors.New("sync schedule repository requires a positive bucket count")
	}
	return &SyncScheduleRepository{
		provider:    provider,
		entries:     pfirestore.NewBaseRepository[domain.SyncEntry](provider, syncScheduleCollection, nil),
		bucketCount: bucketCount,
	}, nil
}

// Upsert writes the sync entry under its stripped SKU.
func (r *SyncScheduleRepository) Upsert(ctx context.Context, entry domain.SyncEntry) error {
	if r == nil || r.provider == nil {
		return errors.New("sync schedule repository not initialised")
	}
	key := domain.StripVariant(entry.SKU)
	if key == "" {
		return errors.New("sync schedule repository: entry has no sku")
	}
	_, err := r.entries.Set(ctx, key, entry)
	return err
}

// Get fetches the sync entry for a SKU (variant suffix ignored).
func (r *SyncScheduleRepository) Get(ctx context.Context, sku string) (domain.SyncEntry, error) {
	if r == nil || r.provider == nil {
		return domain.SyncEntry{}, errors.New("sync schedule repository not initialised")
	}
	doc, err := r.entries.Get(ctx, domain.StripVariant(sku))
	if err != nil {
		return domain.SyncEntry{}, err
	}
	entry := doc.Data
	entry.SKU = doc.ID
	return entry, nil
}

// ListActiveByBucket returns every active entry assigned to the bucket.
func (r *SyncScheduleRepository) ListActiveByBucket(ctx context.Context, bucket int) ([]domain.SyncEntry, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("sync schedule repository not initialised")
	}
	docs, err := r.entries.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("hourBucket", "==", bucket).
			Where("isActive", "==", true)
	})
	if err != nil {
		return nil, err
	}
	return decodeEntries(docs), nil
}

// ListFailing returns entries whose last dispatch failed, worst first.
func (r *SyncScheduleRepository) ListFailing(ctx context.Context, limit int) ([]domain.SyncEntry, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("sync schedule repository not initialised")
	}
	if limit <= 0 {
		limit = defaultFailingListLimit
	}
	docs, err := r.entries.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("syncStatus", "==", string(domain.SyncStatusFailed)).
			OrderBy("consecutiveFailures", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	return decodeEntries(docs), nil
}

// Stats aggregates the schedule with count queries for the dashboard.
func (r *SyncScheduleRepository) Stats(ctx context.Context) (repositories.SyncStats, error) {
	if r == nil || r.provider == nil {
		return repositories.SyncStats{}, errors.New("sync schedule repository not initialised")
	}

	stats := repositories.SyncStats{
		ByStatus:        make(map[domain.SyncStatus]int64, 4),
		BucketOccupancy: make(map[int]int64, r.bucketCount),
	}

	total, err := r.entries.Count(ctx, nil)
	if err != nil {
		return repositories.SyncStats{}, err
	}
	stats.Total = total

	active, err := r.entries.Count(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("isActive", "==", true)
	})
	if err != nil {
		return repositories.SyncStats{}, err
	}
	stats.Active = active
	stats.Inactive = total - active

	for _, status := range []domain.SyncStatus{
		domain.SyncStatusPending,
		domain.SyncStatusSyncing,
		domain.SyncStatusSuccess,
		domain.SyncStatusFailed,
	} {
		count, err := r.entries.Count(ctx, func(query firestore.Query) firestore.Query {
			return query.Where("syncStatus", "==", string(status))
		})
		if err != nil {
			return repositories.SyncStats{}, err
		}
		stats.ByStatus[status] = count
	}

	for bucket := 0; bucket < r.bucketCount; bucket++ {
		count, err := r.entries.Count(ctx, func(query firestore.Query) firestore.Query {
			return query.Where("hourBucket", "==", bucket).Where("isActive", "==", true)
		})
		if err != nil {
			return repositories.SyncStats{}, err
		}
		if count > 0 {
			stats.BucketOccupancy[bucket] = count
		}
	}

	return stats, nil
}

func decodeEntries(docs []pfirestore.Document[domain.SyncEntry]) []domain.SyncEntry {
	entries := make([]domain.SyncEntry, 0, len(docs))
	for _, doc := range docs {
		entry := doc.Data
		entry.SKU = doc.ID
		entries = append(entries, entry)
	}
	return entries
}
