package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Swarm struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Task           string     `json:"task"`
	Status         string     `json:"status"`
	Strategy       string     `json:"strategy"`
	TargetAgents   int        `json:"target_agents"`
	CompletedCount int        `json:"completed_count"`
	FailedCount    int        `json:"failed_count"`
	BudgetID       string     `json:"budget_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

const swarmColumns = `id, name, task, status, strategy, target_agents, completed_count, failed_count, budget_id, created_at, started_at, completed_at`

func scanSwarm(scanner interface {
	Scan(dest ...any) error
}) (*Swarm, error) {
	sw := &Swarm{}
	var budgetID sql.NullString
	err := scanner.Scan(&sw.ID, &sw.Name, &sw.Task, &sw.Status, &sw.Strategy, &sw.TargetAgents,
		&sw.CompletedCount, &sw.FailedCount, &budgetID, &sw.CreatedAt, &sw.StartedAt, &sw.CompletedAt)
	if err != nil {
		return nil, err
	}
	sw.BudgetID = budgetID.String
	return sw, nil
}

func (s *Store) SaveSwarm(sw *Swarm) error {
	_, err := s.db.Exec(`
		INSERT INTO swarms (id, name, task, status, strategy, target_agents, budget_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			target_agents = excluded.target_agents`,
		sw.ID, sw.Name, sw.Task, sw.Status, sw.Strategy, sw.TargetAgents, nullStr(sw.BudgetID))
	if err != nil {
		return fmt.Errorf("save swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarm(id string) (*Swarm, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, id)
	sw, err := scanSwarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return sw, nil
}

func (s *Store) ListSwarms() ([]Swarm, error) {
	rows, err := s.db.Query(`SELECT ` + swarmColumns + ` FROM swarms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var swarms []Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		swarms = append(swarms, *sw)
	}
	return swarms, rows.Err()
}

// UpdateSwarmStatus sets the swarm's status and maintains the start and
// completion timestamps. Callers validate the transition first; the store
// only records it.
func (s *Store) UpdateSwarmStatus(id, status string) error {
	res, err := s.db.Exec(`
		UPDATE swarms
		SET status = ?,
		    started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN CURRENT_TIMESTAMP ELSE started_at END,
		    completed_at = CASE WHEN ? IN ('completed', 'failed', 'destroyed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, status, status, id)
	if err != nil {
		return fmt.Errorf("update swarm status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update swarm status: no swarm %s", id)
	}
	return nil
}

// BumpSwarmCounter increments the completed or failed counter in SQL,
// refusing the increment when it would break completed+failed <= target.
// Returns the updated swarm row.
func (s *Store) BumpSwarmCounter(id, column string) (*Swarm, error) {
	if column != "completed_count" && column != "failed_count" {
		return nil, fmt.Errorf("bump swarm counter: bad column %q", column)
	}
	res, err := s.db.Exec(`
		UPDATE swarms SET `+column+` = `+column+` + 1
		WHERE id = ? AND completed_count + failed_count < target_agents`, id)
	if err != nil {
		return nil, fmt.Errorf("bump swarm counter: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("bump swarm counter: swarm %s missing or already at target", id)
	}
	return s.GetSwarm(id)
}

// DropSwarmCounter reverses one counter bump. Used when an operator
// reinstates an escalated agent whose failure was already tallied; the
// floor guard keeps counters non-negative under races.
func (s *Store) DropSwarmCounter(id, column string) (*Swarm, error) {
	if column != "completed_count" && column != "failed_count" {
		return nil, fmt.Errorf("drop swarm counter: bad column %q", column)
	}
	res, err := s.db.Exec(`
		UPDATE swarms SET `+column+` = `+column+` - 1
		WHERE id = ? AND `+column+` > 0`, id)
	if err != nil {
		return nil, fmt.Errorf("drop swarm counter: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("drop swarm counter: swarm %s missing or counter at zero", id)
	}
	return s.GetSwarm(id)
}

func (s *Store) SetSwarmTarget(id string, target int) error {
	_, err := s.db.Exec(`UPDATE swarms SET target_agents = ? WHERE id = ?`, target, id)
	if err != nil {
		return fmt.Errorf("set swarm target: %w", err)
	}
	return nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
