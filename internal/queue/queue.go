// Package queue is the durable, priority-ordered, at-least-once work
// queue. Ownership is lease-based: nothing is deleted on dequeue, a task
// only leaves the indices when it reaches a terminal outcome or the
// dead-letter queue. Lower priority numbers are more urgent; ties break
// FIFO on enqueue order.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hiveworks/hived/internal/config"
	"github.com/hiveworks/hived/internal/errdefs"
	"github.com/hiveworks/hived/internal/eventbus"
	"github.com/hiveworks/hived/internal/store"
)

type Queue struct {
	store *store.Store
	bus   *eventbus.Bus
	cfg   config.QueueConfig
}

func New(s *store.Store, bus *eventbus.Bus, cfg config.QueueConfig) *Queue {
	return &Queue{store: s, bus: bus, cfg: cfg}
}

// Enqueue inserts the task into the record store and the priority index in
// one logical step. A zero ID gets a fresh UUID; max retries default from
// config.
func (q *Queue) Enqueue(t *store.Task) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("%w: task payload is empty", errdefs.ErrInvalidConfig)
	}
	if t.Priority < 0 {
		return fmt.Errorf("%w: negative priority %d", errdefs.ErrInvalidConfig, t.Priority)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = q.cfg.MaxRetries
	}

	if err := q.store.EnqueueTask(t); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	q.bus.Publish(eventbus.TypeQueueEnqueued, t.ID, map[string]any{
		"priority": t.Priority,
		"swarm_id": t.SwarmID,
	})
	return nil
}

// Dequeue claims the highest-priority, earliest-enqueued claimable task
// for consumerID under a fresh lease. Returns nil when nothing is
// claimable right now; contention with another consumer is not an error,
// the caller simply dequeues again later.
func (q *Queue) Dequeue(consumerID string) (*store.Task, error) {
	now := time.Now()
	t, err := q.store.ClaimTask(consumerID, now.Add(q.cfg.LeaseDuration), now)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return t, nil
}

// Ack resolves a leased task. On success the task is marked terminal and
// leaves every index. On failure it is requeued with a backoff delay while
// retries remain, then dead-lettered. A stale ack, from a consumer whose
// lease already expired and was reclaimed, fails with ErrLeaseConflict.
func (q *Queue) Ack(taskID, consumerID string, success bool, taskErr string) error {
	if success {
		err := q.store.CompleteTask(taskID, consumerID, "success")
		if errors.Is(err, sql.ErrNoRows) {
			return q.ackMiss(taskID, consumerID)
		}
		return err
	}
	return q.fail(taskID, consumerID, taskErr)
}

func (q *Queue) fail(taskID, consumerID, taskErr string) error {
	t, err := q.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("%w: task %s", errdefs.ErrNotFound, taskID)
	}

	if t.RetryCount < t.MaxRetries {
		var sched *time.Time
		if q.cfg.RetryDelay > 0 {
			// Exponential backoff on the configured base delay.
			delay := q.cfg.RetryDelay << t.RetryCount
			at := time.Now().Add(delay)
			sched = &at
		}
		err := q.store.RequeueTask(taskID, consumerID, taskErr, sched)
		if errors.Is(err, sql.ErrNoRows) {
			return q.ackMiss(taskID, consumerID)
		}
		if err != nil {
			return err
		}
		q.bus.Publish(eventbus.TypeQueueRequeued, taskID, map[string]any{
			"retry": t.RetryCount + 1,
			"error": taskErr,
		})
		return nil
	}

	err = q.store.DeadLetterTask(taskID, consumerID, taskErr)
	if errors.Is(err, sql.ErrNoRows) {
		return q.ackMiss(taskID, consumerID)
	}
	if err != nil {
		return err
	}
	q.bus.Publish(eventbus.TypeQueueDead, taskID, map[string]any{
		"retries": t.RetryCount,
		"error":   taskErr,
	})
	return nil
}

// ackMiss distinguishes an unknown task from one whose lease moved on.
func (q *Queue) ackMiss(taskID, consumerID string) error {
	t, err := q.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("%w: task %s", errdefs.ErrNotFound, taskID)
	}
	if t.Outcome != "" {
		return fmt.Errorf("%w: task %s already resolved", errdefs.ErrConflict, taskID)
	}
	return fmt.Errorf("%w: task %s no longer leased to %s", errdefs.ErrLeaseConflict, taskID, consumerID)
}

// RequeueExpiredLeases treats tasks whose lease ran out without an ack as
// abandoned and applies the failure path: retry while retries remain,
// dead-letter otherwise.
func (q *Queue) RequeueExpiredLeases(now time.Time) (int, error) {
	expired, err := q.store.ListExpiredLeases(now)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, t := range expired {
		if err := q.fail(t.ID, t.LeaseOwner, "lease expired"); err != nil {
			// Racing with a live ack is fine; skip and move on.
			if errors.Is(err, errdefs.ErrLeaseConflict) || errors.Is(err, errdefs.ErrConflict) {
				continue
			}
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// DeadLetterReplay moves a dead-lettered task back to pending with its
// retry count reset.
func (q *Queue) DeadLetterReplay(taskID string) error {
	err := q.store.ReplayDeadLetter(taskID)
	if errors.Is(err, sql.ErrNoRows) {
		t, gerr := q.store.GetTask(taskID)
		if gerr != nil {
			return gerr
		}
		if t == nil {
			return fmt.Errorf("%w: task %s", errdefs.ErrNotFound, taskID)
		}
		return fmt.Errorf("%w: task %s is not dead-lettered", errdefs.ErrConflict, taskID)
	}
	if err != nil {
		return err
	}
	q.bus.Publish(eventbus.TypeQueueRequeued, taskID, map[string]any{"replayed": true})
	return nil
}

// CancelForAgent withdraws an agent's unresolved tasks from every queue,
// dead letters included. Used when an agent is retired before its work
// started; a consumer holding a lease on a cancelled task gets ErrConflict
// on its ack.
func (q *Queue) CancelForAgent(agentID string) (int, error) {
	n, err := q.store.CancelTasksForAgent(agentID)
	if err != nil {
		return 0, fmt.Errorf("cancel tasks for agent: %w", err)
	}
	return n, nil
}

// Depths reports task counts per queue from the membership index.
func (q *Queue) Depths() (map[string]int, error) {
	return q.store.QueueDepths()
}

// StartSweeper runs the periodic expired-lease sweep until ctx is done.
func (q *Queue) StartSweeper(ctx context.Context) {
	interval := q.cfg.SweepInterval
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("queue sweeper started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue sweeper stopped")
			return
		case <-ticker.C:
			n, err := q.RequeueExpiredLeases(time.Now())
			if err != nil {
				slog.Error("lease sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("requeued expired leases", "count", n)
			}
		}
	}
}

// SpawnIntent is the payload of agent-spawn tasks the orchestrator
// enqueues when a swarm is created or scaled up.
type SpawnIntent struct {
	SwarmID string `json:"swarm_id"`
	AgentID string `json:"agent_id"`
	Model   string `json:"model,omitempty"`
}

func (si SpawnIntent) Marshal() json.RawMessage {
	data, _ := json.Marshal(si)
	return data
}
