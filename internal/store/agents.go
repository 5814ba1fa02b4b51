package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Agent struct {
	ID            string     `json:"id"`
	SwarmID       string     `json:"swarm_id"`
	ParentID      string     `json:"parent_id,omitempty"`
	Status        string     `json:"status"`
	Model         string     `json:"model,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	Attempt       int        `json:"attempt"`
	MaxAttempts   int        `json:"max_attempts"`
	FailoverIndex int        `json:"failover_index"`
	LastError     string     `json:"last_error,omitempty"`
	BudgetID      string     `json:"budget_id,omitempty"`
	HeartbeatAt   *time.Time `json:"heartbeat_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

const agentColumns = `id, swarm_id, parent_id, status, model, session_id, attempt, max_attempts, failover_index, last_error, budget_id, heartbeat_at, created_at, updated_at`

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var parentID, model, sessionID, lastError, budgetID sql.NullString
	err := scanner.Scan(&a.ID, &a.SwarmID, &parentID, &a.Status, &model, &sessionID,
		&a.Attempt, &a.MaxAttempts, &a.FailoverIndex, &lastError, &budgetID,
		&a.HeartbeatAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ParentID = parentID.String
	a.Model = model.String
	a.SessionID = sessionID.String
	a.LastError = lastError.String
	a.BudgetID = budgetID.String
	return a, nil
}

func (s *Store) SaveAgent(a *Agent) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (id, swarm_id, parent_id, status, model, attempt, max_attempts, failover_index, budget_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			model = excluded.model,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.SwarmID, nullStr(a.ParentID), a.Status, nullStr(a.Model),
		a.Attempt, a.MaxAttempts, a.FailoverIndex, nullStr(a.BudgetID))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns the agents of a swarm, optionally filtered by status.
func (s *Store) ListAgents(swarmID string, statuses ...string) ([]Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE swarm_id = ?`
	args := []any{swarmID}
	if len(statuses) > 0 {
		query += ` AND status IN (`
		for i, st := range statuses {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, st)
		}
		query += `)`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ListChildren resolves the child agents of a parent by id relation.
func (s *Store) ListChildren(parentID string) ([]Agent, error) {
	rows, err := s.db.Query(`SELECT `+agentColumns+` FROM agents WHERE parent_id = ? ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update agent status: no agent %s", id)
	}
	return nil
}

func (s *Store) UpdateAgentRun(id, status string, attempt, failoverIndex int, model, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE agents
		SET status = ?, attempt = ?, failover_index = ?, model = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, attempt, failoverIndex, nullStr(model), nullStr(lastError), id)
	if err != nil {
		return fmt.Errorf("update agent run: %w", err)
	}
	return nil
}

func (s *Store) SetAgentSession(id, sessionID string) error {
	_, err := s.db.Exec(`UPDATE agents SET session_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, nullStr(sessionID), id)
	if err != nil {
		return fmt.Errorf("set agent session: %w", err)
	}
	return nil
}

func (s *Store) TouchAgentHeartbeat(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE agents SET heartbeat_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch agent heartbeat: %w", err)
	}
	return nil
}

// ListStaleAgents returns running agents whose heartbeat is older than the
// cutoff, used by the anomaly reconciler.
func (s *Store) ListStaleAgents(cutoff time.Time) ([]Agent, error) {
	rows, err := s.db.Query(`
		SELECT `+agentColumns+` FROM agents
		WHERE status = 'running' AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}
