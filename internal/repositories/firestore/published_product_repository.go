package firestore

import (
	"context"
	"errors"

	"github.com/partstream/api/internal/domain"
	pfirestore "github.com/partstream/api/internal/platform/firestore"
)

const publishedProductsCollection = "published_products"

// PublishedProductRepository implements repositories.PublishedProductRepository.
type PublishedProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[domain.PublishedProduct]
}

// NewPublishedProductRepository constructs a Firestore-backed published product repository.
func NewPublishedProductRepository(provider *pfirestore.Provider) (*PublishedProductRepository, error) {
	if provider == nil {
		return nil, errors.New("published product repository requires firestore provider")
	}
	return &PublishedProductRepository{
		provider: provider,
		products: pfirestore.NewBaseRepository[domain.PublishedProduct](provider, publishedProductsCollection, nil),
	}, nil
}

// Upsert writes the local mirror of a platform product under its stripped SKU.
func (r *PublishedProductRepository) Upsert(ctx context.Context, product domain.PublishedProduct) error {
	if r == nil || r.provider == nil {
		return errors.New("published product repository not initialised")
	}
	key := domain.StripVariant(product.SKU)
	if key == "" {
		return errors.New("published product repository: product has no sku")
	}
	_, err := r.products.Set(ctx, key, product)
	return err
}

// Get fetches the published product for a SKU (variant suffix ignored).
func (r *PublishedProductRepository) Get(ctx context.Context, sku string) (domain.PublishedProduct, error) {
	if r == nil || r.provider == nil {
		return domain.PublishedProduct{}, errors.New("published product repository not initialised")
	}
	doc, err := r.products.Get(ctx, domain.StripVariant(sku))
	if err != nil {
		return domain.PublishedProduct{}, err
	}
	product := doc.Data
	product.SKU = doc.ID
	return product, nil
}
