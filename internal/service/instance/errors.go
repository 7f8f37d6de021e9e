package instance

import (
	"errors"
	"fmt"
)

// ErrUnknownTemplate indicates the requested template is not in the catalog.
var ErrUnknownTemplate = errors.New("instance: unknown template")

// ProvisionError wraps the underlying provisioner failure. The registry row
// has already been marked Failed when this is returned.
type ProvisionError struct {
	Cause error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("instance: provisioning failed: %v", e.Cause)
}

func (e *ProvisionError) Unwrap() error {
	return e.Cause
}
