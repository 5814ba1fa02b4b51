package lifecycle

import (
	"fmt"

	"github.com/hiveworks/hived/internal/errdefs"
)

// Agent statuses. Completed and killed are terminal. Escalated is parked,
// not terminal: it waits for an operator to retry, reconfigure or abandon.
const (
	StatusIdle      = "idle"
	StatusSpawning  = "spawning"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusRetrying  = "retrying"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
	StatusKilled    = "killed"
	StatusEscalated = "escalated"
)

// transitions is the full edge set of the agent state machine. Kill is an
// edge from every non-terminal state; everything else is explicit.
var transitions = map[string][]string{
	StatusIdle:     {StatusSpawning, StatusKilled},
	StatusSpawning: {StatusRunning, StatusRetrying, StatusFailed, StatusKilled},
	StatusRunning:  {StatusPaused, StatusCompleted, StatusFailed, StatusRetrying, StatusKilled},
	StatusPaused:   {StatusRunning, StatusKilled},
	StatusRetrying: {StatusSpawning, StatusEscalated, StatusKilled},
	StatusFailed:   {StatusRetrying, StatusEscalated, StatusKilled},
	// Out of escalated only on an operator ruling: retry (spawn again) or
	// abandon (kill).
	StatusEscalated: {StatusSpawning, StatusKilled},
}

// IsTerminal reports whether an agent in this status can never move again.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusKilled:
		return true
	}
	return false
}

// checkTransition validates a state-machine edge, leaving classification to
// errors.Is: unknown edges are ErrInvalidTransition, moves out of a
// terminal state are ErrConflict, moves an operator has not sanctioned out
// of escalated are ErrEscalated.
func checkTransition(from, to string) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	if from == StatusEscalated {
		return fmt.Errorf("%w: agent awaits an operator decision", errdefs.ErrEscalated)
	}
	if IsTerminal(from) {
		return fmt.Errorf("%w: agent is %s", errdefs.ErrConflict, from)
	}
	return fmt.Errorf("%w: %s -> %s", errdefs.ErrInvalidTransition, from, to)
}
