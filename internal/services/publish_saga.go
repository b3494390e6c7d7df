package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/partstream/api/internal/commerce"
	"github.com/partstream/api/internal/domain"
	"github.com/partstream/api/internal/repositories"
)

const (
	sagaEventPublished    = "saga.published"
	sagaEventCompensated  = "saga.compensated"
	sagaEventInconsistent = "saga.inconsistent"
)

// PublishResult reports the outcome of a saga execution.
type PublishResult struct {
	ExternalID  string
	ContentHash string
}

// AlertFunc receives detected-but-unresolved consistency defects. It must
// route to an operational alerting path, not just a log line.
type AlertFunc func(ctx context.Context, err *SagaInconsistencyError)

// PublishSaga pushes a canonical product to the commerce platform and mirrors
// it locally, compensating the remote write when local persistence fails.
// This is the only place where two systems of record must stay consistent
// without a distributed transaction.
type PublishSaga interface {
	Publish(ctx context.Context, product domain.CanonicalProduct) (PublishResult, error)
}

// PublishSagaDeps enumerates collaborators required to construct the saga.
type PublishSagaDeps struct {
	Commerce  commerce.Adapter
	Published repositories.PublishedProductRepository
	Alert     AlertFunc
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type publishSaga struct {
	commerce  commerce.Adapter
	published repositories.PublishedProductRepository
	alert     AlertFunc
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewPublishSaga wires dependencies into a PublishSaga implementation.
func NewPublishSaga(deps PublishSagaDeps) (PublishSaga, error) {
	if deps.Commerce == nil {
		return nil, errors.New("publish saga: commerce adapter is required")
	}
	if deps.Published == nil {
		return nil, errors.New("publish saga: published product repository is required")
	}

	alert := deps.Alert
	if alert == nil {
		alert = func(context.Context, *SagaInconsistencyError) {}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &publishSaga{
		commerce:  deps.Commerce,
		published: deps.Published,
		alert:     alert,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *publishSaga) Publish(ctx context.Context, product domain.CanonicalProduct) (PublishResult, error) {
	sku := domain.StripVariant(product.SKU)
	if sku == "" {
		return PublishResult{}, NewValidationError("sku", "product has no sku")
	}

	// step 1: remote write
	externalID, err := s.commerce.CreateOrUpdate(ctx, product)
	if err != nil {
		return PublishResult{}, fmt.Errorf("publish saga: remote write: %w", err)
	}

	hash := domain.ContentHash(product)
	now := s.clock()
	record := domain.PublishedProduct{
		SKU:         sku,
		ExternalID:  externalID,
		Canonical:   product,
		ContentHash: hash,
		PublishedAt: now,
		UpdatedAt:   now,
	}

	// step 2: local persist
	if persistErr := s.published.Upsert(ctx, record); persistErr != nil {
		// step 3: compensate so no remote product exists without a local record
		if compErr := s.commerce.Delete(ctx, externalID); compErr != nil {
			inconsistency := &SagaInconsistencyError{
				SKU:           sku,
				ExternalID:    externalID,
				PersistErr:    persistErr,
				CompensateErr: compErr,
			}
			s.logger(ctx, sagaEventInconsistent, map[string]any{
				"sku":        sku,
				"externalId": externalID,
				"persist":    persistErr.Error(),
				"compensate": compErr.Error(),
			})
			s.alert(ctx, inconsistency)
			return PublishResult{}, inconsistency
		}
		s.logger(ctx, sagaEventCompensated, map[string]any{"sku": sku, "externalId": externalID})
		return PublishResult{}, fmt.Errorf("publish saga: local persist: %w", persistErr)
	}

	s.logger(ctx, sagaEventPublished, map[string]any{"sku": sku, "externalId": externalID})
	return PublishResult{ExternalID: externalID, ContentHash: hash}, nil
}
