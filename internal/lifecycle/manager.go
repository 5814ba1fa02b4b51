// Package lifecycle drives individual agents through their state machine:
// spawn, pause/resume, retry with exponential backoff, model failover,
// escalation and kill. All mutations of one agent are serialized through
// the per-key guard; backoff runs on cancellable timers so a kill during
// backoff takes effect immediately.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hiveworks/hived/internal/budget"
	"github.com/hiveworks/hived/internal/config"
	"github.com/hiveworks/hived/internal/errdefs"
	"github.com/hiveworks/hived/internal/eventbus"
	"github.com/hiveworks/hived/internal/guard"
	"github.com/hiveworks/hived/internal/runtime"
	"github.com/hiveworks/hived/internal/store"
)

// TerminalFunc is notified once per agent that reaches completed or
// escalated, with outcome "completed" or "failed". The orchestrator uses
// it for swarm aggregation. Kills do not report here; the killer owns the
// accounting.
type TerminalFunc func(a *store.Agent, outcome string)

// ReinstateFunc is consulted before an escalated agent re-enters the state
// machine on an operator retry. The orchestrator uses it to back the
// agent's failure out of the swarm tally; a non-nil error vetoes the retry.
type ReinstateFunc func(a *store.Agent) error

type Manager struct {
	store   *store.Store
	bus     *eventbus.Bus
	rt      runtime.Runtime
	budgets *budget.Controller
	guard   *guard.Guard
	cfg     config.LifecycleConfig
	rtCfg   config.RuntimeConfig

	onTerminal  TerminalFunc
	onReinstate ReinstateFunc

	mu     sync.Mutex
	timers map[string]*time.Timer // pending backoff timers by agent id
}

func NewManager(s *store.Store, bus *eventbus.Bus, rt runtime.Runtime, budgets *budget.Controller,
	cfg config.LifecycleConfig, rtCfg config.RuntimeConfig) *Manager {
	return &Manager{
		store:   s,
		bus:     bus,
		rt:      rt,
		budgets: budgets,
		guard:   guard.New(),
		cfg:     cfg,
		rtCfg:   rtCfg,
		timers:  make(map[string]*time.Timer),
	}
}

// SetOnTerminal wires the aggregation callback. Must be called before any
// agent is spawned.
func (m *Manager) SetOnTerminal(fn TerminalFunc) {
	m.onTerminal = fn
}

// SetOnReinstate wires the aggregation rollback consulted by Retry.
func (m *Manager) SetOnReinstate(fn ReinstateFunc) {
	m.onReinstate = fn
}

func (m *Manager) agentKey(id string) string {
	return "agent:" + id
}

func (m *Manager) getAgent(id string) (*store.Agent, error) {
	a, err := m.store.GetAgent(id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: agent %s", errdefs.ErrNotFound, id)
	}
	return a, nil
}

func (m *Manager) setStatus(a *store.Agent, status string) error {
	if err := checkTransition(a.Status, status); err != nil {
		return err
	}
	if err := m.store.UpdateAgentStatus(a.ID, status); err != nil {
		return err
	}
	a.Status = status
	m.bus.Publish(eventbus.TypeAgentStatus, a.ID, map[string]any{
		"swarm_id": a.SwarmID,
		"status":   status,
	})
	return nil
}

// Spawn starts one run attempt for the agent. On runtime failure the
// retry/failover/escalation chain takes over; the caller only sees an
// error for invalid state or a store failure.
func (m *Manager) Spawn(ctx context.Context, agentID string) error {
	return m.guard.Do(ctx, m.agentKey(agentID), func() error {
		a, err := m.getAgent(agentID)
		if err != nil {
			return err
		}
		return m.spawnLocked(ctx, a)
	})
}

func (m *Manager) spawnLocked(ctx context.Context, a *store.Agent) error {
	if err := m.setStatus(a, StatusSpawning); err != nil {
		return err
	}

	sw, err := m.store.GetSwarm(a.SwarmID)
	if err != nil {
		return err
	}
	if sw == nil {
		return fmt.Errorf("%w: swarm %s", errdefs.ErrNotFound, a.SwarmID)
	}

	a.Attempt++
	if err := m.store.UpdateAgentRun(a.ID, a.Status, a.Attempt, a.FailoverIndex, a.Model, a.LastError); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout())
	defer cancel()

	sessionID, err := m.rt.Spawn(callCtx, runtime.SpawnConfig{
		AgentID: a.ID,
		SwarmID: a.SwarmID,
		Model:   a.Model,
		Task:    sw.Task,
		APIKey:  m.rtCfg.APIKey,
	})
	if err != nil {
		slog.Warn("agent spawn failed", "agent", a.ID, "attempt", a.Attempt, "error", err)
		return m.failLocked(a, fmt.Errorf("%w: spawn: %v", errdefs.ErrExternalRuntime, err).Error())
	}

	if err := m.store.SetAgentSession(a.ID, sessionID); err != nil {
		return err
	}
	a.SessionID = sessionID
	return m.setStatus(a, StatusRunning)
}

// HandleResult consumes a terminal report from the agent's runtime
// session. Reports for agents already terminal are dropped; a consumer
// whose kill raced the result must not resurrect the agent.
func (m *Manager) HandleResult(ctx context.Context, ev runtime.ResultEvent) error {
	return m.guard.Do(ctx, m.agentKey(ev.AgentID), func() error {
		a, err := m.getAgent(ev.AgentID)
		if err != nil {
			return err
		}
		if IsTerminal(a.Status) || a.Status == StatusEscalated {
			slog.Debug("result for settled agent dropped", "agent", a.ID, "status", a.Status)
			return nil
		}

		if ev.Status == "completed" {
			if err := m.setStatus(a, StatusCompleted); err != nil {
				return err
			}
			m.reclaimSession(ctx, a)
			if m.onTerminal != nil {
				m.onTerminal(a, "completed")
			}
			return nil
		}

		m.reclaimSession(ctx, a)
		return m.failLocked(a, ev.Error)
	})
}

// HandleUsage prices a usage report against the agent's budget chain and
// refreshes its heartbeat. Unknown agents are dropped, not errors; the
// runtime may report briefly after a kill.
func (m *Manager) HandleUsage(ctx context.Context, ev runtime.UsageEvent) {
	a, err := m.store.GetAgent(ev.AgentID)
	if err != nil {
		slog.Error("load agent for usage report failed", "agent", ev.AgentID, "error", err)
		return
	}
	if a == nil || IsTerminal(a.Status) || a.Status == StatusEscalated {
		return
	}

	_ = m.store.TouchAgentHeartbeat(a.ID, time.Now())

	if a.BudgetID == "" {
		return
	}
	model := ev.Model
	if model == "" {
		model = a.Model
	}
	if _, err := m.budgets.RecordUsage(ctx, a.BudgetID, ev.PromptTokens, ev.CompletionTokens, model); err != nil {
		slog.Error("record usage failed", "agent", a.ID, "budget", a.BudgetID, "error", err)
	}
}

// HandleHeartbeat records liveness for the anomaly sweeper.
func (m *Manager) HandleHeartbeat(agentID string) {
	if err := m.store.TouchAgentHeartbeat(agentID, time.Now()); err != nil {
		slog.Debug("heartbeat for unknown agent", "agent", agentID, "error", err)
	}
}

// failLocked runs one step of the recovery ladder: backoff retry while
// attempts remain, then model failover, then escalation. Guard must be
// held.
func (m *Manager) failLocked(a *store.Agent, reason string) error {
	a.LastError = reason

	if err := m.setStatus(a, StatusFailed); err != nil {
		return err
	}

	if a.Attempt < a.MaxAttempts {
		return m.scheduleRetry(a, reason)
	}

	if a.FailoverIndex < len(m.cfg.FailoverModels) {
		next := m.cfg.FailoverModels[a.FailoverIndex]
		a.FailoverIndex++
		a.Attempt = 0
		a.Model = next
		m.bus.Publish(eventbus.TypeAgentFailover, a.ID, map[string]any{
			"swarm_id": a.SwarmID,
			"model":    next,
			"error":    reason,
		})
		slog.Info("agent failing over", "agent", a.ID, "model", next)
		return m.scheduleRetry(a, reason)
	}

	return m.escalateLocked(a, reason)
}

func (m *Manager) scheduleRetry(a *store.Agent, reason string) error {
	if err := m.setStatus(a, StatusRetrying); err != nil {
		return err
	}
	if err := m.store.UpdateAgentRun(a.ID, a.Status, a.Attempt, a.FailoverIndex, a.Model, reason); err != nil {
		return err
	}

	delay := m.backoffDelay(a.Attempt)
	m.bus.Publish(eventbus.TypeAgentRetry, a.ID, map[string]any{
		"swarm_id": a.SwarmID,
		"attempt":  a.Attempt,
		"delay":    delay.String(),
		"error":    reason,
	})
	slog.Info("agent retry scheduled", "agent", a.ID, "attempt", a.Attempt, "delay", delay)

	id := a.ID
	m.mu.Lock()
	if old, ok := m.timers[id]; ok {
		old.Stop()
	}
	m.timers[id] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()
		if err := m.Spawn(context.Background(), id); err != nil {
			slog.Error("retry spawn failed", "agent", id, "error", err)
		}
	})
	m.mu.Unlock()
	return nil
}

// backoffDelay computes initial*multiplier^(attempt-1) capped at the
// configured maximum.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := m.cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(m.cfg.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if m.cfg.MaxDelay > 0 && d > m.cfg.MaxDelay {
		d = m.cfg.MaxDelay
	}
	return d
}

// escalateLocked parks the agent for an operator decision. Automatic
// recovery is exhausted at this point; the escalation event carries
// everything a human needs to rule.
func (m *Manager) escalateLocked(a *store.Agent, reason string) error {
	if err := m.setStatus(a, StatusEscalated); err != nil {
		return err
	}
	if err := m.store.UpdateAgentRun(a.ID, a.Status, a.Attempt, a.FailoverIndex, a.Model, reason); err != nil {
		return err
	}

	var consumed float64
	if a.BudgetID != "" {
		if b, err := m.store.GetBudget(a.BudgetID); err == nil && b != nil {
			consumed = b.Consumed
		}
	}

	m.bus.Publish(eventbus.TypeEscalation, a.ID, map[string]any{
		"swarm_id":   a.SwarmID,
		"last_error": reason,
		"attempts":   a.Attempt,
		"model":      a.Model,
		"consumed":   consumed,
	})
	slog.Warn("agent escalated", "agent", a.ID, "attempts", a.Attempt, "error", reason)

	if m.onTerminal != nil {
		m.onTerminal(a, "failed")
	}
	return nil
}

// Retry executes an operator's decision to give an escalated agent another
// run. The attempt counter and the failover pass start over; a non-empty
// model reconfigures the agent first. Only escalated agents take a retry.
func (m *Manager) Retry(ctx context.Context, agentID, model string) error {
	return m.guard.Do(ctx, m.agentKey(agentID), func() error {
		a, err := m.getAgent(agentID)
		if err != nil {
			return err
		}
		if a.Status != StatusEscalated {
			if IsTerminal(a.Status) {
				return fmt.Errorf("%w: agent is %s", errdefs.ErrConflict, a.Status)
			}
			return fmt.Errorf("%w: %s -> %s", errdefs.ErrInvalidTransition, a.Status, StatusSpawning)
		}

		if m.onReinstate != nil {
			if err := m.onReinstate(a); err != nil {
				return err
			}
		}

		a.Attempt = 0
		a.FailoverIndex = 0
		if model != "" {
			a.Model = model
		}
		m.bus.Publish(eventbus.TypeAgentRetry, a.ID, map[string]any{
			"swarm_id": a.SwarmID,
			"operator": true,
			"model":    a.Model,
		})
		slog.Info("agent reinstated by operator", "agent", a.ID, "model", a.Model)
		return m.spawnLocked(ctx, a)
	})
}

// Pause suspends a running agent's session. A runtime failure leaves the
// agent running; pause is only recorded after the collaborator confirmed.
func (m *Manager) Pause(ctx context.Context, agentID string) error {
	return m.guard.Do(ctx, m.agentKey(agentID), func() error {
		a, err := m.getAgent(agentID)
		if err != nil {
			return err
		}
		if err := checkTransition(a.Status, StatusPaused); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout())
		defer cancel()
		if err := m.rt.Pause(callCtx, a.SessionID); err != nil {
			return fmt.Errorf("%w: pause: %v", errdefs.ErrExternalRuntime, err)
		}
		return m.setStatus(a, StatusPaused)
	})
}

// Resume unpauses a paused agent's session.
func (m *Manager) Resume(ctx context.Context, agentID string) error {
	return m.guard.Do(ctx, m.agentKey(agentID), func() error {
		a, err := m.getAgent(agentID)
		if err != nil {
			return err
		}
		if a.Status != StatusPaused {
			return fmt.Errorf("%w: %s -> %s", errdefs.ErrInvalidTransition, a.Status, StatusRunning)
		}

		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout())
		defer cancel()
		if err := m.rt.Resume(callCtx, a.SessionID); err != nil {
			return fmt.Errorf("%w: resume: %v", errdefs.ErrExternalRuntime, err)
		}
		return m.setStatus(a, StatusRunning)
	})
}

// Kill terminates an agent. The local state change is authoritative: the
// agent is killed and excluded from accounting even when the runtime call
// fails, which is then recorded as a runtime failure event. Killing an
// already-killed agent is a no-op and emits nothing. Killing an escalated
// agent is the operator's abandon ruling; its failure was tallied at
// escalation.
func (m *Manager) Kill(ctx context.Context, agentID, reason string) error {
	return m.guard.Do(ctx, m.agentKey(agentID), func() error {
		a, err := m.getAgent(agentID)
		if err != nil {
			return err
		}
		if a.Status == StatusKilled {
			return nil
		}
		if IsTerminal(a.Status) {
			return fmt.Errorf("%w: agent is %s", errdefs.ErrConflict, a.Status)
		}

		m.cancelTimer(a.ID)

		if err := m.setStatus(a, StatusKilled); err != nil {
			return err
		}
		if reason != "" {
			_ = m.store.UpdateAgentRun(a.ID, a.Status, a.Attempt, a.FailoverIndex, a.Model, reason)
		}

		if a.SessionID != "" {
			callCtx, cancel := context.WithTimeout(ctx, m.callTimeout())
			defer cancel()
			if _, err := m.rt.Kill(callCtx, a.SessionID, "SIGTERM"); err != nil {
				slog.Error("runtime kill failed, agent killed on record", "agent", a.ID, "error", err)
				m.bus.Publish(eventbus.TypeRuntimeFailure, a.ID, map[string]any{
					"swarm_id":  a.SwarmID,
					"operation": "kill",
					"error":     err.Error(),
				})
			}
		}
		return nil
	})
}

func (m *Manager) cancelTimer(agentID string) {
	m.mu.Lock()
	if t, ok := m.timers[agentID]; ok {
		t.Stop()
		delete(m.timers, agentID)
	}
	m.mu.Unlock()
}

// reclaimSession tears down the runtime session of an agent that reported
// a result. Best effort; a leak here is caught by the stale cleanup.
func (m *Manager) reclaimSession(ctx context.Context, a *store.Agent) {
	if a.SessionID == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout())
	defer cancel()
	if _, err := m.rt.Kill(callCtx, a.SessionID, ""); err != nil {
		slog.Warn("session reclaim failed", "agent", a.ID, "session", a.SessionID, "error", err)
	}
}

func (m *Manager) callTimeout() time.Duration {
	if m.rtCfg.CallTimeout > 0 {
		return m.rtCfg.CallTimeout
	}
	return 30 * time.Second
}

// StartAnomalySweeper reconciles on-record state against the runtime:
// running agents with a stale heartbeat are checked, exited sessions fail
// through the normal recovery ladder, anything else is flagged as an
// anomaly for the operator.
func (m *Manager) StartAnomalySweeper(ctx context.Context) {
	if m.cfg.HeartbeatTimeout <= 0 {
		return
	}
	interval := m.cfg.HeartbeatTimeout / 2
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("anomaly sweeper started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStale(ctx)
		}
	}
}

func (m *Manager) sweepStale(ctx context.Context) {
	stale, err := m.store.ListStaleAgents(time.Now().Add(-m.cfg.HeartbeatTimeout))
	if err != nil {
		slog.Error("list stale agents failed", "error", err)
		return
	}

	for _, a := range stale {
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout())
		st, err := m.rt.Status(callCtx, a.SessionID)
		cancel()
		if err != nil || st.State == runtime.StateUnknown || st.State == runtime.StateRunning {
			m.bus.Publish(eventbus.TypeAgentAnomaly, a.ID, map[string]any{
				"swarm_id": a.SwarmID,
				"session":  a.SessionID,
				"state":    st.State,
			})
			slog.Warn("agent heartbeat stale", "agent", a.ID, "state", st.State)
			continue
		}
		if st.State == runtime.StateExited {
			err := m.guard.Do(ctx, m.agentKey(a.ID), func() error {
				cur, err := m.getAgent(a.ID)
				if err != nil {
					return err
				}
				if cur.Status != StatusRunning {
					return nil
				}
				return m.failLocked(cur, "heartbeat lost, session exited")
			})
			if err != nil {
				slog.Error("stale agent recovery failed", "agent", a.ID, "error", err)
			}
		}
	}
}
