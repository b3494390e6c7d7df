package commerce

import (
	"context"
	"errors"
	"fmt"

	"github.com/partstream/api/internal/domain"
)

// Adapter exposes the commerce platform as a capability interface.
type Adapter interface {
	// CreateOrUpdate pushes the canonical product, creating it when absent.
	// Returns the platform's product id.
	CreateOrUpdate(ctx context.Context, product domain.CanonicalProduct) (string, error)
	// Delete removes the product identified by externalID from the platform.
	Delete(ctx context.Context, externalID string) error
	// Exists resolves a SKU to its platform product id, or "" when absent.
	Exists(ctx context.Context, sku string) (string, error)
}

// ErrUnauthorized marks a credential failure against the commerce platform.
var ErrUnauthorized = errors.New("commerce: unauthorized")

// AdapterError categorises a commerce call failure.
type AdapterError struct {
	Transient bool
	Status    int
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("commerce: %s failure: %s: %v", kind, e.Message, e.Err)
	}
	return fmt.Sprintf("commerce: %s failure: %s", kind, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient adapter failure.
func IsTransient(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Transient
}
