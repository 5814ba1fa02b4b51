package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Queue membership values for queue_entries.queue.
const (
	QueuePending   = "pending"
	QueueScheduled = "scheduled"
	QueueDead      = "dead"
)

type Task struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	SwarmID        string          `json:"swarm_id,omitempty"`
	AgentID        string          `json:"agent_id,omitempty"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	ScheduledFor   *time.Time      `json:"scheduled_for,omitempty"`
	Outcome        string          `json:"outcome,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

const taskColumns = `id, seq, priority, payload, swarm_id, agent_id, lease_owner, lease_expires_at, retry_count, max_retries, scheduled_for, outcome, last_error, created_at, updated_at`

// taskColumnsT qualifies every column with the tasks alias for joins
// against queue_entries, which shares the priority column name.
const taskColumnsT = `t.id, t.seq, t.priority, t.payload, t.swarm_id, t.agent_id, t.lease_owner, t.lease_expires_at, t.retry_count, t.max_retries, t.scheduled_for, t.outcome, t.last_error, t.created_at, t.updated_at`

func scanStoredTask(scanner interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	var payload string
	var swarmID, agentID, leaseOwner, outcome, lastError sql.NullString
	err := scanner.Scan(&t.ID, &t.Seq, &t.Priority, &payload, &swarmID, &agentID,
		&leaseOwner, &t.LeaseExpiresAt, &t.RetryCount, &t.MaxRetries,
		&t.ScheduledFor, &outcome, &lastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	t.SwarmID = swarmID.String
	t.AgentID = agentID.String
	t.LeaseOwner = leaseOwner.String
	t.Outcome = outcome.String
	t.LastError = lastError.String
	return t, nil
}

// EnqueueTask inserts the task record and its queue index entry in one
// transaction. A task with a future scheduled_for lands in the scheduled
// queue; everything else is immediately claimable.
func (s *Store) EnqueueTask(t *Task) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(`UPDATE task_seq SET n = n + 1 RETURNING n`).Scan(&t.Seq); err != nil {
			return fmt.Errorf("next task seq: %w", err)
		}

		var scheduledFor any
		queue := QueuePending
		if t.ScheduledFor != nil {
			utc := t.ScheduledFor.UTC()
			scheduledFor = utc
			if utc.After(time.Now()) {
				queue = QueueScheduled
			}
		}

		_, err := tx.Exec(`
			INSERT INTO tasks (id, seq, priority, payload, swarm_id, agent_id, retry_count, max_retries, scheduled_for)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Seq, t.Priority, string(t.Payload), nullStr(t.SwarmID), nullStr(t.AgentID),
			t.RetryCount, t.MaxRetries, scheduledFor)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		_, err = tx.Exec(`INSERT INTO queue_entries (task_id, queue, priority) VALUES (?, ?, ?)`,
			t.ID, queue, t.Priority)
		if err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return nil
	})
}

// ClaimTask atomically selects the highest-priority, earliest-enqueued
// claimable task and leases it to consumerID. Selection reads from the
// priority-ordered index, never the unordered task table, so priority
// holds under concurrent consumers. Returns nil when nothing is claimable.
func (s *Store) ClaimTask(consumerID string, leaseUntil, now time.Time) (*Task, error) {
	row := s.db.QueryRow(`
		UPDATE tasks
		SET lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT q.task_id
			FROM queue_entries q
			JOIN tasks t ON t.id = q.task_id
			WHERE (q.queue = ? OR (q.queue = ? AND t.scheduled_for <= ?))
			  AND (t.lease_expires_at IS NULL OR t.lease_expires_at <= ?)
			  AND t.outcome IS NULL
			ORDER BY q.priority ASC, t.seq ASC
			LIMIT 1
		)
		AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		RETURNING `+taskColumns,
		consumerID, leaseUntil.UTC(), QueuePending, QueueScheduled, now.UTC(), now.UTC(), now.UTC())

	t, err := scanStoredTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

// CompleteTask marks the task terminal and removes it from all queue
// indices in one transaction. When owner is non-empty the update only
// applies while that consumer still holds the lease, so a late ack from a
// consumer whose lease expired and was reclaimed cannot complete the task.
func (s *Store) CompleteTask(id, owner, outcome string) error {
	return s.withTx(func(tx *sql.Tx) error {
		query := `
			UPDATE tasks
			SET outcome = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND outcome IS NULL`
		args := []any{outcome, id}
		if owner != "" {
			query += ` AND lease_owner = ?`
			args = append(args, owner)
		}
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return sql.ErrNoRows
		}
		if _, err := tx.Exec(`DELETE FROM queue_entries WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("remove queue entry: %w", err)
		}
		return nil
	})
}

// RequeueTask clears the lease and puts the task back in the pending (or
// scheduled, when a backoff delay is given) queue with retry_count
// incremented. Record and index move in the same transaction.
func (s *Store) RequeueTask(id, owner, lastError string, scheduledFor *time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		var sched any
		queue := QueuePending
		if scheduledFor != nil {
			sched = scheduledFor.UTC()
			queue = QueueScheduled
		}

		query := `
			UPDATE tasks
			SET retry_count = retry_count + 1,
			    lease_owner = NULL, lease_expires_at = NULL,
			    scheduled_for = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND outcome IS NULL`
		args := []any{sched, nullStr(lastError), id}
		if owner != "" {
			query += ` AND lease_owner = ?`
			args = append(args, owner)
		}
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return sql.ErrNoRows
		}
		if _, err := tx.Exec(`UPDATE queue_entries SET queue = ? WHERE task_id = ?`, queue, id); err != nil {
			return fmt.Errorf("update queue entry: %w", err)
		}
		return nil
	})
}

// DeadLetterTask moves the task to the dead-letter queue and out of the
// pending index in one transaction.
func (s *Store) DeadLetterTask(id, owner, lastError string) error {
	return s.withTx(func(tx *sql.Tx) error {
		query := `
			UPDATE tasks
			SET lease_owner = NULL, lease_expires_at = NULL, last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND outcome IS NULL`
		args := []any{nullStr(lastError), id}
		if owner != "" {
			query += ` AND lease_owner = ?`
			args = append(args, owner)
		}
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("dead-letter task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return sql.ErrNoRows
		}
		if _, err := tx.Exec(`UPDATE queue_entries SET queue = ? WHERE task_id = ?`, QueueDead, id); err != nil {
			return fmt.Errorf("update queue entry: %w", err)
		}
		return nil
	})
}

// ReplayDeadLetter moves a dead-lettered task back to pending with its
// retry count reset, re-establishing it in the priority index.
func (s *Store) ReplayDeadLetter(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE queue_entries SET queue = ? WHERE task_id = ? AND queue = ?`,
			QueuePending, id, QueueDead)
		if err != nil {
			return fmt.Errorf("replay dead letter: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return sql.ErrNoRows
		}
		_, err = tx.Exec(`
			UPDATE tasks
			SET retry_count = 0, scheduled_for = NULL, last_error = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("reset task: %w", err)
		}
		return nil
	})
}

// CancelTasksForAgent resolves all of an agent's unresolved tasks as
// cancelled and removes them from the queue indices, in one transaction.
// Returns how many tasks were cancelled. A late ack for a cancelled task
// resolves as a conflict, never a retry.
func (s *Store) CancelTasksForAgent(agentID string) (int, error) {
	var n int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE tasks
			SET outcome = 'cancelled', lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE agent_id = ? AND outcome IS NULL`, agentID)
		if err != nil {
			return fmt.Errorf("cancel tasks: %w", err)
		}
		n, _ = res.RowsAffected()
		_, err = tx.Exec(`
			DELETE FROM queue_entries
			WHERE task_id IN (SELECT id FROM tasks WHERE agent_id = ?)`, agentID)
		if err != nil {
			return fmt.Errorf("remove queue entries: %w", err)
		}
		return nil
	})
	return int(n), err
}

func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanStoredTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListExpiredLeases returns non-terminal tasks whose lease ran out without
// an ack, ordered oldest lease first.
func (s *Store) ListExpiredLeases(now time.Time) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE lease_owner IS NOT NULL AND lease_expires_at <= ? AND outcome IS NULL
		ORDER BY lease_expires_at`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanStoredTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ListQueue returns the tasks currently in the given queue, in claim order.
func (s *Store) ListQueue(queue string) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumnsT+` FROM tasks t
		JOIN queue_entries q ON q.task_id = t.id
		WHERE q.queue = ?
		ORDER BY q.priority ASC, t.seq ASC`, queue)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanStoredTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// QueueDepths reports per-queue task counts from the membership index.
func (s *Store) QueueDepths() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT queue, COUNT(*) FROM queue_entries GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	depths := map[string]int{}
	for rows.Next() {
		var queue string
		var count int
		if err := rows.Scan(&queue, &count); err != nil {
			return nil, fmt.Errorf("scan depth: %w", err)
		}
		depths[queue] = count
	}
	return depths, rows.Err()
}
