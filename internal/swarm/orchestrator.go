// Package swarm coordinates groups of agents working one shared task:
// creation with budget allocation, bounded-concurrency startup, scaling,
// pause/resume, kill-all and completion aggregation. All read-modify-write
// sequences on one swarm are serialized through the per-key guard; agent
// level calls are made outside the swarm guard so the lifecycle manager's
// aggregation callback can take it without deadlocking.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hiveworks/hived/internal/budget"
	"github.com/hiveworks/hived/internal/config"
	"github.com/hiveworks/hived/internal/errdefs"
	"github.com/hiveworks/hived/internal/eventbus"
	"github.com/hiveworks/hived/internal/guard"
	"github.com/hiveworks/hived/internal/lifecycle"
	"github.com/hiveworks/hived/internal/queue"
	"github.com/hiveworks/hived/internal/store"
)

type Orchestrator struct {
	store     *store.Store
	bus       *eventbus.Bus
	queue     *queue.Queue
	agents    *lifecycle.Manager
	budgets   *budget.Controller
	guard     *guard.Guard
	cfg       config.OrchestraConfig
	lifecycle config.LifecycleConfig
}

func NewOrchestrator(s *store.Store, bus *eventbus.Bus, q *queue.Queue, agents *lifecycle.Manager,
	budgets *budget.Controller, cfg config.OrchestraConfig, lc config.LifecycleConfig) *Orchestrator {
	o := &Orchestrator{
		store:     s,
		bus:       bus,
		queue:     q,
		agents:    agents,
		budgets:   budgets,
		guard:     guard.New(),
		cfg:       cfg,
		lifecycle: lc,
	}
	agents.SetOnTerminal(o.agentTerminal)
	agents.SetOnReinstate(o.agentReinstated)
	return o
}

func swarmKey(id string) string {
	return "swarm:" + id
}

// CreateRequest describes a new swarm. Budget is the swarm-scope
// allocation; AgentBudget defaults to an even split across the target.
type CreateRequest struct {
	Name           string  `json:"name"`
	Task           string  `json:"task"`
	TargetAgents   int     `json:"target_agents"`
	Budget         float64 `json:"budget"`
	AgentBudget    float64 `json:"agent_budget,omitempty"`
	Model          string  `json:"model,omitempty"`
	Strategy       string  `json:"strategy,omitempty"`
	Priority       int     `json:"priority,omitempty"`
	ParentBudgetID string  `json:"parent_budget_id,omitempty"`
}

// CreateSwarm validates the request, allocates the swarm budget, persists
// the swarm and its agents in pending/idle state and enqueues one spawn
// intent per agent. Validation failures reject the request before any
// state is written.
func (o *Orchestrator) CreateSwarm(ctx context.Context, req CreateRequest) (*store.Swarm, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: swarm name is required", errdefs.ErrInvalidConfig)
	}
	if req.Task == "" {
		return nil, fmt.Errorf("%w: swarm task is required", errdefs.ErrInvalidConfig)
	}
	if req.TargetAgents <= 0 {
		return nil, fmt.Errorf("%w: target agents must be positive, got %d", errdefs.ErrInvalidConfig, req.TargetAgents)
	}
	if req.Budget <= 0 {
		return nil, fmt.Errorf("%w: swarm budget must be positive", errdefs.ErrInvalidConfig)
	}

	swarmID := uuid.New().String()
	swarmBudget, err := o.budgets.Allocate(budget.ScopeSwarm, swarmID, req.ParentBudgetID, req.Budget)
	if err != nil {
		return nil, err
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = "parallel"
	}
	sw := &store.Swarm{
		ID:           swarmID,
		Name:         req.Name,
		Task:         req.Task,
		Status:       StatusPending,
		Strategy:     strategy,
		TargetAgents: req.TargetAgents,
		BudgetID:     swarmBudget.ID,
	}
	if err := o.store.SaveSwarm(sw); err != nil {
		return nil, err
	}

	agentBudget := req.AgentBudget
	if agentBudget <= 0 {
		agentBudget = req.Budget / float64(req.TargetAgents)
	}
	for i := 0; i < req.TargetAgents; i++ {
		if err := o.addAgent(sw, req.Model, agentBudget, req.Priority); err != nil {
			return nil, err
		}
	}

	o.bus.Publish(eventbus.TypeSwarmCreated, sw.ID, map[string]any{
		"name":   sw.Name,
		"target": sw.TargetAgents,
		"budget": req.Budget,
	})
	slog.Info("swarm created", "swarm", sw.ID, "name", sw.Name, "target", sw.TargetAgents)
	return sw, nil
}

// addAgent persists one idle agent with its own budget and enqueues the
// spawn intent.
func (o *Orchestrator) addAgent(sw *store.Swarm, model string, agentBudget float64, priority int) error {
	agentID := uuid.New().String()
	b, err := o.budgets.Allocate(budget.ScopeAgent, agentID, sw.BudgetID, agentBudget)
	if err != nil {
		return err
	}

	a := &store.Agent{
		ID:          agentID,
		SwarmID:     sw.ID,
		Status:      lifecycle.StatusIdle,
		Model:       model,
		MaxAttempts: o.lifecycle.MaxAttempts,
		BudgetID:    b.ID,
	}
	if err := o.store.SaveAgent(a); err != nil {
		return err
	}

	return o.queue.Enqueue(&store.Task{
		Priority: priority,
		Payload:  queue.SpawnIntent{SwarmID: sw.ID, AgentID: agentID, Model: model}.Marshal(),
		SwarmID:  sw.ID,
		AgentID:  agentID,
	})
}

// StartSpawnWorkers runs the spawn-intent consumers. Fan-out width bounds
// how many agents are being started concurrently across all swarms.
func (o *Orchestrator) StartSpawnWorkers(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.FanOutWidth; i++ {
		wg.Add(1)
		consumerID := fmt.Sprintf("spawner-%d", i)
		go func() {
			defer wg.Done()
			o.spawnWorker(ctx, consumerID)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) spawnWorker(ctx context.Context, consumerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := o.queue.Dequeue(consumerID)
		if err != nil {
			slog.Error("spawn worker dequeue failed", "consumer", consumerID, "error", err)
			t = nil
		}
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := o.handleSpawnIntent(ctx, t); err != nil {
			slog.Error("spawn intent failed", "task", t.ID, "error", err)
			_ = o.queue.Ack(t.ID, consumerID, false, err.Error())
			continue
		}
		_ = o.queue.Ack(t.ID, consumerID, true, "")
	}
}

// handleSpawnIntent starts one agent. The startable check and the
// pending->running transition happen under the swarm guard; the spawn
// itself does not, the lifecycle manager re-checks the agent's state.
func (o *Orchestrator) handleSpawnIntent(ctx context.Context, t *store.Task) error {
	var intent queue.SpawnIntent
	if err := json.Unmarshal(t.Payload, &intent); err != nil {
		return fmt.Errorf("decode spawn intent: %w", err)
	}

	startable := false
	err := o.guard.Do(ctx, swarmKey(intent.SwarmID), func() error {
		sw, err := o.getSwarm(intent.SwarmID)
		if err != nil {
			return err
		}
		switch sw.Status {
		case StatusPending:
			if err := o.setStatus(sw, StatusRunning); err != nil {
				return err
			}
			startable = true
		case StatusRunning:
			startable = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !startable {
		// Swarm was paused, killed or finished; the intent is obsolete.
		slog.Info("dropping spawn intent for non-running swarm", "swarm", intent.SwarmID, "agent", intent.AgentID)
		return nil
	}

	if err := o.agents.Spawn(ctx, intent.AgentID); err != nil {
		if errdefs.IsAny(err, errdefs.ErrConflict, errdefs.ErrInvalidTransition) {
			// Already started or killed in the meantime.
			return nil
		}
		return err
	}
	return nil
}

// StartPendingAgents starts every still-idle agent of a swarm directly, in
// batches bounded by the fan-out width. The swarm's startability is
// re-checked before each batch.
func (o *Orchestrator) StartPendingAgents(ctx context.Context, swarmID string) error {
	var idle []store.Agent
	err := o.guard.Do(ctx, swarmKey(swarmID), func() error {
		sw, err := o.getSwarm(swarmID)
		if err != nil {
			return err
		}
		if sw.Status == StatusPending {
			if err := o.setStatus(sw, StatusRunning); err != nil {
				return err
			}
		} else if sw.Status != StatusRunning {
			return fmt.Errorf("%w: swarm is %s", errdefs.ErrConflict, sw.Status)
		}
		idle, err = o.store.ListAgents(swarmID, lifecycle.StatusIdle)
		return err
	})
	if err != nil {
		return err
	}

	width := o.cfg.FanOutWidth
	for start := 0; start < len(idle); start += width {
		if start > 0 {
			sw, err := o.getSwarm(swarmID)
			if err != nil {
				return err
			}
			if sw.Status != StatusRunning {
				slog.Info("stopping agent fan-out, swarm no longer running", "swarm", swarmID, "status", sw.Status)
				return nil
			}
		}

		end := start + width
		if end > len(idle) {
			end = len(idle)
		}
		var wg sync.WaitGroup
		for _, a := range idle[start:end] {
			wg.Add(1)
			agentID := a.ID
			go func() {
				defer wg.Done()
				if err := o.agents.Spawn(ctx, agentID); err != nil &&
					!errdefs.IsAny(err, errdefs.ErrConflict, errdefs.ErrInvalidTransition) {
					slog.Error("agent start failed", "agent", agentID, "error", err)
				}
			}()
		}
		wg.Wait()
	}
	return nil
}

// KillAll terminates every live agent of the swarm. The swarm enters
// killing first so aggregation and new spawn intents stand down, then the
// agents are killed in parallel and the final status is tallied: completed
// only when every agent had already finished its work.
func (o *Orchestrator) KillAll(ctx context.Context, swarmID, reason string) error {
	var live []store.Agent
	err := o.guard.Do(ctx, swarmKey(swarmID), func() error {
		sw, err := o.getSwarm(swarmID)
		if err != nil {
			return err
		}
		if err := o.setStatus(sw, StatusKilling); err != nil {
			return err
		}
		live, err = o.store.ListAgents(swarmID,
			lifecycle.StatusIdle, lifecycle.StatusSpawning, lifecycle.StatusRunning,
			lifecycle.StatusPaused, lifecycle.StatusRetrying, lifecycle.StatusFailed)
		return err
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, a := range live {
		wg.Add(1)
		agentID := a.ID
		go func() {
			defer wg.Done()
			if err := o.agents.Kill(ctx, agentID, reason); err != nil {
				slog.Error("agent kill failed", "agent", agentID, "error", err)
			}
		}()
	}
	wg.Wait()

	return o.guard.Do(ctx, swarmKey(swarmID), func() error {
		sw, err := o.getSwarm(swarmID)
		if err != nil {
			return err
		}
		all, err := o.store.ListAgents(swarmID)
		if err != nil {
			return err
		}
		final := StatusCompleted
		for _, a := range all {
			if a.Status != lifecycle.StatusCompleted {
				final = StatusFailed
				break
			}
		}
		if err := o.setStatus(sw, final); err != nil {
			return err
		}
		slog.Info("swarm killed", "swarm", swarmID, "final", final, "reason", reason)
		return nil
	})
}

// Scale changes the swarm's target size. Growing adds idle agents and
// spawn intents; shrinking only removes agents that never started, a
// running agent is never killed to satisfy a smaller target.
func (o *Orchestrator) Scale(ctx context.Context, swarmID string, newTarget int) error {
	if newTarget <= 0 {
		return fmt.Errorf("%w: target agents must be positive, got %d", errdefs.ErrInvalidConfig, newTarget)
	}

	return o.guard.Do(ctx, swarmKey(swarmID), func() error {
		sw, err := o.getSwarm(swarmID)
		if err != nil {
			return err
		}
		switch sw.Status {
		case StatusPending, StatusRunning, StatusPaused:
		default:
			return fmt.Errorf("%w: cannot scale swarm in status %s", errdefs.ErrConflict, sw.Status)
		}
		if newTarget == sw.TargetAgents {
			return nil
		}

		if newTarget > sw.TargetAgents {
			agentBudget, err := o.agentBudgetFor(sw)
			if err != nil {
				return err
			}
			for i := sw.TargetAgents; i < newTarget; i++ {
				if err := o.addAgent(sw, "", agentBudget, 0); err != nil {
					return err
				}
			}
		} else {
			idle, err := o.store.ListAgents(swarmID, lifecycle.StatusIdle)
			if err != nil {
				return err
			}
			started := sw.TargetAgents - len(idle)
			floor := started
			if sw.CompletedCount+sw.FailedCount > floor {
				floor = sw.CompletedCount + sw.FailedCount
			}
			if newTarget < floor {
				slog.Info("scale clamped, running agents are not killed to shrink",
					"swarm", swarmID, "requested", newTarget, "floor", floor)
				newTarget = floor
			}
			for i := 0; i < sw.TargetAgents-newTarget && i < len(idle); i++ {
				if err := o.retireAgent(&idle[i]); err != nil {
					return err
				}
			}
		}

		if err := o.store.SetSwarmTarget(swarmID, newTarget); err != nil {
			return err
		}
		o.bus.Publish(eventbus.TypeSwarmScaled, swarmID, map[string]any{
			"from": sw.TargetAgents,
			"to":   newTarget,
		})
		slog.Info("swarm scaled", "swarm", swarmID, "from", sw.TargetAgents, "to", newTarget)
		return nil
	})
}

// retireAgent removes a never-started agent at scale time: its spawn
// intent leaves the queue, its unspent budget stops counting as headroom
// and the agent is recorded killed. Retired agents never reach the tally.
func (o *Orchestrator) retireAgent(a *store.Agent) error {
	if err := o.store.UpdateAgentStatus(a.ID, lifecycle.StatusKilled); err != nil {
		return err
	}
	n, err := o.queue.CancelForAgent(a.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Debug("cancelled queued intents for retired agent", "agent", a.ID, "count", n)
	}
	if a.BudgetID != "" {
		if err := o.budgets.Retire(a.BudgetID); err != nil {
			return err
		}
	}
	return nil
}

// agentBudgetFor derives the per-agent allocation from the swarm budget
// and current target, matching what CreateSwarm handed out.
func (o *Orchestrator) agentBudgetFor(sw *store.Swarm) (float64, error) {
	if sw.BudgetID == "" || sw.TargetAgents == 0 {
		return 0, fmt.Errorf("%w: swarm %s has no budget", errdefs.ErrInvalidConfig, sw.ID)
	}
	b, err := o.store.GetBudget(sw.BudgetID)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, fmt.Errorf("%w: budget %s", errdefs.ErrNotFound, sw.BudgetID)
	}
	return b.Allocated / float64(sw.TargetAgents), nil
}

// Pause suspends the swarm: no new spawns, running agents paused.
func (o *Orchestrator) Pause(ctx context.Context, swarmID string) error {
	var running []store.Agent
	err := o.guard.Do(ctx, swarmKey(swarmID), func() error {
		sw, err := o.getSwarm(swarmID)
		if err != nil {
			return err
		}
		if err := o.setStatus(sw, StatusPaused); err != nil {
			return err
		}
		running, err = o.store.ListAgents(swarmID, lifecycle.StatusRunning)
		return err
	})
	if err != nil {
		return err
	}

	for _, a := range running {
		if err := o.agents.Pause(ctx, a.ID); err != nil {
			slog.Error("agent pause failed", "agent", a.ID, "error", err)
		}
	}
	return nil
}

// Resume unpauses the swarm and its paused agents.
func (o *Orchestrator) Resume(ctx context.Context, swarmID string) error {
	var paused []store.Agent
	err := o.guard.Do(ctx, swarmKey(swarmID), func() error {
		sw, err := o.getSwarm(swarmID)
		if err != nil {
			return err
		}
		if sw.Status != StatusPaused {
			return fmt.Errorf("%w: %s -> %s", errdefs.ErrInvalidTransition, sw.Status, StatusRunning)
		}
		if err := o.setStatus(sw, StatusRunning); err != nil {
			return err
		}
		paused, err = o.store.ListAgents(swarmID, lifecycle.StatusPaused)
		return err
	})
	if err != nil {
		return err
	}

	for _, a := range paused {
		if err := o.agents.Resume(ctx, a.ID); err != nil {
			slog.Error("agent resume failed", "agent", a.ID, "error", err)
		}
	}
	return nil
}

// Destroy retires a finished swarm. Destroyed is final; every later
// mutation is rejected by the state machine.
func (o *Orchestrator) Destroy(ctx context.Context, swarmID string) error {
	return o.guard.Do(ctx, swarmKey(swarmID), func() error {
		sw, err := o.getSwarm(swarmID)
		if err != nil {
			return err
		}
		if err := o.setStatus(sw, StatusDestroyed); err != nil {
			return err
		}
		slog.Info("swarm destroyed", "swarm", swarmID)
		return nil
	})
}

// agentTerminal aggregates one agent's final outcome into its swarm. The
// counter bump happens in SQL under the swarm guard, so
// completed+failed <= target holds at every instant; the swarm finishes
// when the last agent reports.
func (o *Orchestrator) agentTerminal(a *store.Agent, outcome string) {
	ctx := context.Background()
	err := o.guard.Do(ctx, swarmKey(a.SwarmID), func() error {
		sw, err := o.getSwarm(a.SwarmID)
		if err != nil {
			return err
		}
		if sw.Status == StatusKilling || isTerminal(sw.Status) {
			return nil
		}

		column := "failed_count"
		if outcome == "completed" {
			column = "completed_count"
		}
		sw, err = o.store.BumpSwarmCounter(a.SwarmID, column)
		if err != nil {
			return err
		}

		if sw.CompletedCount+sw.FailedCount >= sw.TargetAgents {
			final := StatusCompleted
			if sw.FailedCount > 0 {
				final = StatusFailed
			}
			if err := o.setStatus(sw, final); err != nil {
				return err
			}
			slog.Info("swarm finished", "swarm", sw.ID, "status", final,
				"completed", sw.CompletedCount, "failed", sw.FailedCount)
		}
		return nil
	})
	if err != nil {
		slog.Error("swarm aggregation failed", "swarm", a.SwarmID, "agent", a.ID, "error", err)
	}
}

// agentReinstated backs one failure out of the swarm tally before an
// operator retry re-runs an escalated agent. A swarm that had already
// finished failed reopens; anything else than a live or failed swarm
// vetoes the retry.
func (o *Orchestrator) agentReinstated(a *store.Agent) error {
	return o.guard.Do(context.Background(), swarmKey(a.SwarmID), func() error {
		sw, err := o.getSwarm(a.SwarmID)
		if err != nil {
			return err
		}
		switch sw.Status {
		case StatusRunning, StatusFailed:
		default:
			return fmt.Errorf("%w: swarm is %s", errdefs.ErrConflict, sw.Status)
		}

		sw, err = o.store.DropSwarmCounter(a.SwarmID, "failed_count")
		if err != nil {
			return err
		}
		if sw.Status == StatusFailed {
			if err := o.setStatus(sw, StatusRunning); err != nil {
				return err
			}
			slog.Info("swarm reopened by operator retry", "swarm", sw.ID, "agent", a.ID)
		}
		return nil
	})
}

// RetryAgent executes an operator's decision to give an escalated agent
// another run, optionally on a different model. The agent's earlier
// failure leaves the swarm tally before the new run starts.
func (o *Orchestrator) RetryAgent(ctx context.Context, agentID, model string) error {
	return o.agents.Retry(ctx, agentID, model)
}

// KillAgent kills one agent on an operator's or the budget enforcer's
// order and tallies it as failed. Abandoning an escalated agent does not
// tally again; its failure was counted at escalation.
func (o *Orchestrator) KillAgent(ctx context.Context, agentID, reason string) error {
	a, err := o.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("%w: agent %s", errdefs.ErrNotFound, agentID)
	}
	wasEscalated := a.Status == lifecycle.StatusEscalated

	if err := o.agents.Kill(ctx, agentID, reason); err != nil {
		return err
	}
	if !wasEscalated {
		o.agentTerminal(a, "failed")
	}
	return nil
}

// BlockScope implements budget enforcement: the owning entity stops
// incurring new spend but in-flight work is left alone.
func (o *Orchestrator) BlockScope(ctx context.Context, scope, ownerID, reason string) error {
	slog.Warn("budget block", "scope", scope, "owner", ownerID, "reason", reason)
	switch scope {
	case budget.ScopeAgent:
		return o.agents.Pause(ctx, ownerID)
	case budget.ScopeSwarm:
		return o.Pause(ctx, ownerID)
	default:
		return o.eachLiveSwarm(func(id string) error { return o.Pause(ctx, id) })
	}
}

// KillScope implements budget enforcement at the kill tier.
func (o *Orchestrator) KillScope(ctx context.Context, scope, ownerID, reason string) error {
	slog.Warn("budget kill", "scope", scope, "owner", ownerID, "reason", reason)
	switch scope {
	case budget.ScopeAgent:
		return o.KillAgent(ctx, ownerID, reason)
	case budget.ScopeSwarm:
		return o.KillAll(ctx, ownerID, reason)
	default:
		return o.eachLiveSwarm(func(id string) error { return o.KillAll(ctx, id, reason) })
	}
}

func (o *Orchestrator) eachLiveSwarm(fn func(id string) error) error {
	swarms, err := o.store.ListSwarms()
	if err != nil {
		return err
	}
	var firstErr error
	for _, sw := range swarms {
		if isTerminal(sw.Status) || sw.Status == StatusKilling {
			continue
		}
		if err := fn(sw.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Orchestrator) getSwarm(id string) (*store.Swarm, error) {
	sw, err := o.store.GetSwarm(id)
	if err != nil {
		return nil, err
	}
	if sw == nil {
		return nil, fmt.Errorf("%w: swarm %s", errdefs.ErrNotFound, id)
	}
	return sw, nil
}

func (o *Orchestrator) setStatus(sw *store.Swarm, status string) error {
	if err := checkTransition(sw.Status, status); err != nil {
		return err
	}
	if err := o.store.UpdateSwarmStatus(sw.ID, status); err != nil {
		return err
	}
	sw.Status = status
	o.bus.Publish(eventbus.TypeSwarmStatus, sw.ID, map[string]any{
		"status":    status,
		"completed": sw.CompletedCount,
		"failed":    sw.FailedCount,
		"target":    sw.TargetAgents,
	})
	return nil
}
