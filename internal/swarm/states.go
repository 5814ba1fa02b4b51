package swarm

import (
	"fmt"

	"github.com/hiveworks/hived/internal/errdefs"
)

// Swarm statuses. Destroyed is the only state with no outgoing edges; a
// destroyed swarm is never mutated again.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusKilling   = "killing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDestroyed = "destroyed"
)

var transitions = map[string][]string{
	StatusPending:   {StatusRunning, StatusKilling, StatusDestroyed},
	StatusRunning:   {StatusPaused, StatusKilling, StatusCompleted, StatusFailed},
	StatusPaused:    {StatusRunning, StatusKilling, StatusCompleted, StatusFailed},
	StatusKilling:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusDestroyed},
	// A failed swarm reopens when an operator reinstates an escalated agent.
	StatusFailed: {StatusRunning, StatusDestroyed},
}

func isTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusDestroyed:
		return true
	}
	return false
}

func checkTransition(from, to string) error {
	if from == StatusDestroyed {
		return fmt.Errorf("%w: swarm is destroyed", errdefs.ErrConflict)
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errdefs.ErrInvalidTransition, from, to)
}
