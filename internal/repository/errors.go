package repository

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicateActiveInstance indicates the owner already has an active
// instance of the requested template.
var ErrDuplicateActiveInstance = errors.New("repository: active instance already exists for owner and template")

// CapacityError indicates the global instance cap is reached. It carries
// current usage so callers can render "N/Max in use".
type CapacityError struct {
	Active int
	Max    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("repository: capacity exceeded: %d/%d instances in use", e.Active, e.Max)
}
