package reconcile

import (
	"errors"
	"fmt"
)

// Sentinel errors for the mapping store and gateway contracts. "Not found"
// is an expected miss, not a failure: callers branch on it with errors.Is
// instead of driving control flow through panics or opaque error strings.
var (
	// ErrMappingNotFound is returned by MappingStore.Find when no mapping
	// exists for the external key. This is the Unmatched branch of the
	// reconciliation state machine.
	ErrMappingNotFound = errors.New("reconcile: mapping not found")

	// ErrDuplicateMapping is returned by MappingStore.Create when the
	// natural-key uniqueness constraint fires. It means a concurrent
	// reconciliation already linked this key; the reconciler converges on
	// the winner instead of surfacing the conflict.
	ErrDuplicateMapping = errors.New("reconcile: mapping already exists")

	// ErrCanonicalNotFound is returned by Gateway.Update when the canonical
	// record no longer exists. It triggers the self-healing create path.
	ErrCanonicalNotFound = errors.New("reconcile: canonical record not found")

	// ErrInvalidPayload is returned by the gateway when a payload fails
	// validation. It is permanent: the reconciler propagates it instead of
	// falling back to the create branch.
	ErrInvalidPayload = errors.New("reconcile: invalid payload")
)

// UnknownKindError reports an entity kind with no registered reconciler.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("reconcile: unknown entity kind %q", e.Kind)
}
