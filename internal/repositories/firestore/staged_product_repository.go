package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	"github.com/partstream/api/internal/domain"
	pfirestore "github.com/partstream/api/internal/platform/firestore"
)

const stagedProductsCollection = "staged_products"

// StagedProductRepository implements repositories.StagedProductRepository.
// Documents are keyed by stripped SKU so extraction and publish queues join
// on the same record regardless of variant suffix.
type StagedProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[domain.StagedProduct]
}

// NewStagedProductRepository constructs a Firestore-backed staged product repository.
func NewStagedProductRepository(provider *pfirestore.Provider) (*StagedProductRepository, error) {
	if provider == nil {
		return nil, errors.New("staged product repository requires firestore provider")
	}
	return &StagedProductRepository{
		provider: provider,
		products: pfirestore.NewBaseRepository[domain.StagedProduct](provider, stagedProductsCollection, nil),
	}, nil
}

// Upsert writes the staged product under its stripped SKU.
func (r *StagedProductRepository) Upsert(ctx context.Context, product domain.StagedProduct) error {
	if r == nil || r.provider == nil {
		return errors.New("staged product repository not initialised")
	}
	key := domain.StripVariant(product.SKU)
	if key == "" {
		return errors.New("staged product repository: product has no sku")
	}
	_, err := r.products.Set(ctx, key, product)
	return err
}

// Get fetches the staged product for a SKU (variant suffix ignored).
func (r *StagedProductRepository) Get(ctx context.Context, sku string) (domain.StagedProduct, error) {
	if r == nil || r.provider == nil {
		return domain.StagedProduct{}, errors.New("staged product repository not initialised")
	}
	doc, err := r.products.Get(ctx, domain.StripVariant(sku))
	if err != nil {
		return domain.StagedProduct{}, err
	}
	product := doc.Data
	product.SKU = doc.ID
	return product, nil
}

// ListByBatch returns all staged products recorded against a batch.
func (r *StagedProductRepository) ListByBatch(ctx context.Context, batchID string) ([]domain.StagedProduct, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("staged product repository not initialised")
	}
	docs, err := r.products.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("batchId", "==", batchID)
	})
	if err != nil {
		return nil, err
	}
	products := make([]domain.StagedProduct, 0, len(docs))
	for _, doc := range docs {
		product := doc.Data
		product.SKU = doc.ID
		products = append(products, product)
	}
	return products, nil
}
