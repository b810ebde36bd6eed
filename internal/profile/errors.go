package profile

import (
	"errors"
	"fmt"
)

// ErrUserIDRequired is returned when an operation is called with an empty user id.
var ErrUserIDRequired = errors.New("user id is required")

// ErrInvalidUpdate is returned when a patch carries values outside their domain.
var ErrInvalidUpdate = errors.New("invalid profile update")

// FetchError reports that a profile could not be loaded from the store and
// no cached entry was available to fall back on.
type FetchError struct {
	UserID string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching profile %s: %v", e.UserID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PersistError reports that a queued update failed. RolledBack is true once
// the optimistic data has left the cache, either restored to the pre-update
// snapshot or dropped so the next read reloads the store state.
type PersistError struct {
	UserID     string
	RolledBack bool
	Err        error
}

func (e *PersistError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("persisting profile %s (rolled back): %v", e.UserID, e.Err)
	}
	return fmt.Sprintf("persisting profile %s: %v", e.UserID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// MappingError reports a store row whose shape does not match the record type.
type MappingError struct {
	Collection string
	Field      string
	Reason     string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping %s.%s: %s", e.Collection, e.Field, e.Reason)
}
