package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/partstream/api/internal/domain"
)

// Adapter exposes the external parts catalog as a capability interface.
// Implementations must honour the caller's context deadline.
type Adapter interface {
	Fetch(ctx context.Context, partNumber string) (*domain.RawCatalogItem, error)
}

// ErrUnauthorized marks a credential failure from the catalog. Stage
// processors treat it as systemic and abort the batch.
var ErrUnauthorized = errors.New("catalog: unauthorized")

// AdapterError categorises a catalog call failure as transient (retry may
// succeed) or permanent (retry will not help).
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
		return fmt.Sprintf("catalog: %s failure: %s: %v", kind, e.Message, e.Err)
	}
	return fmt.Sprintf("catalog: %s failure: %s", kind, e.Message)
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

// IsPermanent reports whether err is a permanent adapter failure.
func IsPermanent(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && !ae.Transient
}
