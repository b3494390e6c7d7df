package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/partstream/api/internal/platform/firestore"
	"github.com/partstream/api/internal/repositories"
)

// Registry wires the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	batches   *BatchRepository
	staged    *StagedProductRepository
	published *PublishedProductRepository
	sync      *SyncScheduleRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider, bucketCount int) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	batches, err := NewBatchRepository(provider)
	if err != nil {
		return nil, err
	}
	staged, err := NewStagedProductRepository(provider)
	if err != nil {
		return nil, err
	}
	published, err := NewPublishedProductRepository(provider)
	if err != nil {
		return nil, err
	}
	syncRepo, err := NewSyncScheduleRepository(provider, bucketCount)
	if err != nil {
		return nil, err
	}

	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				// a one-document read exercises connectivity and credentials
				_, err := batches.batches.Query(ctx, func(query firestore.Query) firestore.Query {
					return query.Limit(1)
				})
				return err
			},
		},
	})
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:  provider,
		batches:   batches,
		staged:    staged,
		published: published,
		sync:      syncRepo,
		health:    health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Batches returns the batch repository.
func (r *Registry) Batches() repositories.BatchRepository { return r.batches }

// StagedProducts returns the staged product repository.
func (r *Registry) StagedProducts() repositories.StagedProductRepository { return r.staged }

// PublishedProducts returns the published product repository.
func (r *Registry) PublishedProducts() repositories.PublishedProductRepository { return r.published }

// SyncSchedule returns the sync schedule repository.
func (r *Registry) SyncSchedule() repositories.SyncScheduleRepository { return r.sync }

// Health returns the readiness probe repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }
