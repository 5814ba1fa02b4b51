// Package errdefs defines the error taxonomy shared across hived
// components. Callers classify failures with errors.Is against these
// sentinels; packages wrap them with context via fmt.Errorf and %w.
package errdefs

import "errors"

var (
	// ErrInvalidConfig rejects a request at entry, before any state mutation.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrInvalidTransition rejects a state-machine edge that does not exist.
	// The entity is left unmodified.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotFound means the entity id is unknown to the store.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the operation is incompatible with the entity's
	// current status, e.g. killing an already-destroyed swarm.
	ErrConflict = errors.New("conflict")

	// ErrExternalRuntime marks a transient failure of the agent runtime
	// collaborator. It feeds the retry/backoff policy and is only surfaced
	// once retries and failover are exhausted.
	ErrExternalRuntime = errors.New("external runtime failure")

	// ErrBudgetExceeded is scope-specific and always accompanied by an
	// enforcement action (block or kill) and a budget event.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrLeaseConflict signals queue claim contention. It is a normal
	// contention signal, not an error condition: the caller re-dequeues.
	ErrLeaseConflict = errors.New("lease conflict")

	// ErrEscalated marks an agent that exhausted automatic recovery and
	// now requires an operator decision.
	ErrEscalated = errors.New("escalated")
)

// IsAny reports whether err matches any of the given sentinels.
func IsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
