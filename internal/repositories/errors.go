package repositories

import "errors"

// IsNotFound reports whether err categorises as a missing-record failure.
func IsNotFound(err error) bool {
	var re RepositoryError
	return errors.As(err, &re) && re.IsNotFound()
}

// IsConflict reports whether err categorises as a concurrent-modification or
// illegal-transition failure.
func IsConflict(err error) bool {
	var re RepositoryError
	return errors.As(err, &re) && re.IsConflict()
}

// IsUnavailable reports whether err categorises as a backing-store outage.
func IsUnavailable(err error) bool {
	var re RepositoryError
	return errors.As(err, &re) && re.IsUnavailable()
}
