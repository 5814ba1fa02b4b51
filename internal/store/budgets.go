package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Budget struct {
	ID        string     `json:"id"`
	Scope     string     `json:"scope"`
	OwnerID   string     `json:"owner_id,omitempty"`
	ParentID  string     `json:"parent_id,omitempty"`
	Allocated float64    `json:"allocated"`
	Consumed  float64    `json:"consumed"`
	Unit      string     `json:"unit"`
	ResetsAt  *time.Time `json:"resets_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

const budgetColumns = `id, scope, owner_id, parent_id, allocated, consumed, unit, resets_at, created_at`

func scanBudget(scanner interface {
	Scan(dest ...any) error
}) (*Budget, error) {
	b := &Budget{}
	var ownerID, parentID sql.NullString
	err := scanner.Scan(&b.ID, &b.Scope, &ownerID, &parentID, &b.Allocated, &b.Consumed,
		&b.Unit, &b.ResetsAt, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.OwnerID = ownerID.String
	b.ParentID = parentID.String
	return b, nil
}

func (s *Store) SaveBudget(b *Budget) error {
	if b.Unit == "" {
		b.Unit = "usd"
	}
	var resetsAt any
	if b.ResetsAt != nil {
		resetsAt = b.ResetsAt.UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO budgets (id, scope, owner_id, parent_id, allocated, consumed, unit, resets_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			allocated = excluded.allocated,
			resets_at = excluded.resets_at`,
		b.ID, b.Scope, nullStr(b.OwnerID), nullStr(b.ParentID), b.Allocated, b.Consumed, b.Unit, resetsAt)
	if err != nil {
		return fmt.Errorf("save budget: %w", err)
	}
	return nil
}

func (s *Store) GetBudget(id string) (*Budget, error) {
	row := s.db.QueryRow(`SELECT `+budgetColumns+` FROM budgets WHERE id = ?`, id)
	b, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}

// GetBudgetByOwner finds the budget attached to an entity (scope + owner id).
func (s *Store) GetBudgetByOwner(scope, ownerID string) (*Budget, error) {
	row := s.db.QueryRow(`SELECT `+budgetColumns+` FROM budgets WHERE scope = ? AND owner_id = ?`, scope, ownerID)
	b, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get budget by owner: %w", err)
	}
	return b, nil
}

func (s *Store) ListBudgets() ([]Budget, error) {
	rows, err := s.db.Query(`SELECT ` + budgetColumns + ` FROM budgets ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	var budgets []Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		budgets = append(budgets, *b)
	}
	return budgets, rows.Err()
}

// AddConsumption increments consumed in SQL so concurrent reporters never
// lose an update, and returns the updated row.
func (s *Store) AddConsumption(id string, amount float64) (*Budget, error) {
	row := s.db.QueryRow(`
		UPDATE budgets SET consumed = consumed + ?
		WHERE id = ?
		RETURNING `+budgetColumns, amount, id)
	b, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("add consumption: %w", err)
	}
	return b, nil
}

// AdjustBudget is the administrative escape hatch for the otherwise
// monotonic consumed counter (window resets, manual corrections).
func (s *Store) AdjustBudget(id string, consumed, allocated float64, resetsAt *time.Time) error {
	var resets any
	if resetsAt != nil {
		resets = resetsAt.UTC()
	}
	_, err := s.db.Exec(`UPDATE budgets SET consumed = ?, allocated = ?, resets_at = ? WHERE id = ?`,
		consumed, allocated, resets, id)
	if err != nil {
		return fmt.Errorf("adjust budget: %w", err)
	}
	return nil
}

// TryFireThreshold records the crossing of a threshold percentage and
// reports whether this caller won the race to act on it. The insert is a
// single statement, so of N concurrent reporters crossing the same
// threshold exactly one observes a changed row until the cooldown expires.
func (s *Store) TryFireThreshold(budgetID string, pct int, now time.Time, cooldown time.Duration) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO budget_threshold_firings (budget_id, pct, fired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(budget_id, pct) DO UPDATE SET fired_at = excluded.fired_at
		WHERE fired_at <= ?`,
		budgetID, pct, now.UTC(), now.Add(-cooldown).UTC())
	if err != nil {
		return false, fmt.Errorf("fire threshold: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClearThresholdFirings forgets fired thresholds, used when a time-window
// budget rolls over.
func (s *Store) ClearThresholdFirings(budgetID string) error {
	_, err := s.db.Exec(`DELETE FROM budget_threshold_firings WHERE budget_id = ?`, budgetID)
	if err != nil {
		return fmt.Errorf("clear threshold firings: %w", err)
	}
	return nil
}
