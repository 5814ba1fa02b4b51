// Package runtime defines the contract with the external agent runtime
// collaborator and provides the Docker-backed implementation. The core
// only depends on the Runtime interface; tests substitute fakes.
package runtime

import "context"

// SpawnConfig describes one unit of work to start.
type SpawnConfig struct {
	AgentID string
	SwarmID string
	Model   string
	Task    string
	APIKey  string
	Env     map[string]string
}

// Status is a point-in-time view of a runtime session. Malformed or
// partial collaborator responses degrade to StateUnknown, never an error.
type Status struct {
	State    string
	Progress float64
	Result   string
}

const (
	StateRunning = "running"
	StatePaused  = "paused"
	StateExited  = "exited"
	StateUnknown = "unknown"
)

// Runtime starts, controls and inspects externally executing agents.
// Every call carries a caller-specified timeout through ctx; a timeout is
// an ordinary failure feeding the retry policy, not a distinct error
// class.
type Runtime interface {
	// Spawn starts a session and returns its runtime session id.
	Spawn(ctx context.Context, cfg SpawnConfig) (string, error)
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
	// Kill requests termination with the given signal. The boolean reports
	// whether the runtime confirmed the kill; false with nil error means
	// the session was already gone.
	Kill(ctx context.Context, sessionID, signal string) (bool, error)
	Status(ctx context.Context, sessionID string) (Status, error)
}

// UsageEvent is one billable operation reported by a running agent.
// Missing fields decode to zero values; the budget layer prices unknown
// models conservatively.
type UsageEvent struct {
	AgentID          string `json:"agent_id"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	Model            string `json:"model"`
}

// ResultEvent is the terminal report of a unit of work.
type ResultEvent struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"` // completed | failed
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}
