// Package budget tracks token/cost consumption at nested scopes (task,
// agent, swarm, project, daily, monthly) and enforces threshold-triggered
// actions. Consumption increments happen in SQL so concurrent reporters
// never lose updates; threshold firings are deduplicated in the store so
// ten simultaneous crossings act exactly once.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/hiveworks/hived/internal/config"
	"github.com/hiveworks/hived/internal/errdefs"
	"github.com/hiveworks/hived/internal/eventbus"
	"github.com/hiveworks/hived/internal/store"
)

// Budget scopes, narrowest first. A scope's consumption rolls up into its
// parent budget.
const (
	ScopeTask    = "task"
	ScopeAgent   = "agent"
	ScopeSwarm   = "swarm"
	ScopeProject = "project"
	ScopeDaily   = "daily"
	ScopeMonthly = "monthly"
)

// Threshold actions, ordered by severity.
const (
	ActionAudit = "audit"
	ActionWarn  = "warn"
	ActionBlock = "block"
	ActionKill  = "kill"
)

var severity = map[string]int{
	ActionAudit: 0,
	ActionWarn:  1,
	ActionBlock: 2,
	ActionKill:  3,
}

// Enforcer applies block and kill actions to the entity owning a budget.
// The swarm orchestrator registers itself here; keeping it an interface
// avoids an import cycle.
type Enforcer interface {
	BlockScope(ctx context.Context, scope, ownerID, reason string) error
	KillScope(ctx context.Context, scope, ownerID, reason string) error
}

type threshold struct {
	pct    int
	action string
}

type Controller struct {
	store      *store.Store
	bus        *eventbus.Bus
	prices     *PriceTable
	thresholds []threshold
	cooldown   time.Duration
	cron       *gronx.Gronx
	dailyCron  string
	monthCron  string
	enforcer   Enforcer
}

func NewController(s *store.Store, bus *eventbus.Bus, cfg config.BudgetConfig) *Controller {
	c := &Controller{
		store:     s,
		bus:       bus,
		prices:    NewPriceTable(cfg.Prices, cfg.FallbackPrice),
		cooldown:  cfg.Cooldown,
		cron:      gronx.New(),
		dailyCron: cfg.DailyCron,
		monthCron: cfg.MonthlyCron,
	}
	for pct, action := range cfg.Thresholds {
		c.thresholds = append(c.thresholds, threshold{pct: pct, action: action})
	}
	sort.Slice(c.thresholds, func(i, j int) bool { return c.thresholds[i].pct < c.thresholds[j].pct })
	return c
}

// SetEnforcer wires the component that executes block/kill actions.
func (c *Controller) SetEnforcer(e Enforcer) {
	c.enforcer = e
}

func (c *Controller) Prices() *PriceTable {
	return c.prices
}

// Allocate creates a budget for an entity. Child budgets draw from, and
// are bounded by, their parent's allocation.
func (c *Controller) Allocate(scope, ownerID, parentID string, amount float64) (*store.Budget, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: budget allocation must be positive", errdefs.ErrInvalidConfig)
	}
	if parentID != "" {
		parent, err := c.store.GetBudget(parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("%w: parent budget %s", errdefs.ErrNotFound, parentID)
		}
		if amount > parent.Allocated {
			return nil, fmt.Errorf("%w: allocation %.2f exceeds parent budget %.2f",
				errdefs.ErrInvalidConfig, amount, parent.Allocated)
		}
	}

	b := &store.Budget{
		ID:        uuid.New().String(),
		Scope:     scope,
		OwnerID:   ownerID,
		ParentID:  parentID,
		Allocated: amount,
	}
	if scope == ScopeDaily || scope == ScopeMonthly {
		if at := c.nextReset(scope); at != nil {
			b.ResetsAt = at
		}
	}
	if err := c.store.SaveBudget(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Retire caps a budget's allocation at what was already consumed. Used
// when the owning entity is retired before spending its allowance, so
// reports stop showing headroom nothing can draw on.
func (c *Controller) Retire(budgetID string) error {
	b, err := c.store.GetBudget(budgetID)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("%w: budget %s", errdefs.ErrNotFound, budgetID)
	}
	return c.store.AdjustBudget(b.ID, b.Consumed, b.Consumed, b.ResetsAt)
}

// RecordUsage prices a usage report, adds it to the budget and every
// ancestor budget, and evaluates thresholds on each. Safe under concurrent
// callers: the increment is atomic at the store and threshold firings are
// deduplicated there too.
func (c *Controller) RecordUsage(ctx context.Context, budgetID string, promptTokens, completionTokens int64, model string) (float64, error) {
	cost := c.prices.Cost(promptTokens, completionTokens, model)
	if err := c.RecordCost(ctx, budgetID, cost); err != nil {
		return 0, err
	}
	return cost, nil
}

// RecordCost adds an already-priced amount to a budget chain.
func (c *Controller) RecordCost(ctx context.Context, budgetID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative usage amount", errdefs.ErrInvalidConfig)
	}

	id := budgetID
	for depth := 0; id != "" && depth < 8; depth++ {
		b, err := c.store.AddConsumption(id, amount)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("%w: budget %s", errdefs.ErrNotFound, id)
		}

		c.bus.Publish(eventbus.TypeBudgetUsage, b.ID, map[string]any{
			"scope":    b.Scope,
			"owner_id": b.OwnerID,
			"amount":   amount,
			"consumed": b.Consumed,
		})

		if err := c.checkThresholds(ctx, b); err != nil {
			return err
		}
		id = b.ParentID
	}
	return nil
}

// CheckThresholds re-evaluates a budget outside a usage report, e.g. after
// an administrative adjustment. Returns the highest-severity action fired.
func (c *Controller) CheckThresholds(ctx context.Context, budgetID string) (string, error) {
	b, err := c.store.GetBudget(budgetID)
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", fmt.Errorf("%w: budget %s", errdefs.ErrNotFound, budgetID)
	}
	return c.evaluate(ctx, b)
}

func (c *Controller) checkThresholds(ctx context.Context, b *store.Budget) error {
	_, err := c.evaluate(ctx, b)
	return err
}

// evaluate fires every threshold the consumption ratio has crossed,
// applying a per-threshold cooldown, and executes the highest-severity
// action among those that actually fired.
func (c *Controller) evaluate(ctx context.Context, b *store.Budget) (string, error) {
	if b.Allocated <= 0 {
		return "", nil
	}
	pct := b.Consumed / b.Allocated * 100
	now := time.Now()

	var fired []threshold
	for _, th := range c.thresholds {
		if pct < float64(th.pct) {
			break
		}
		ok, err := c.store.TryFireThreshold(b.ID, th.pct, now, c.cooldown)
		if err != nil {
			return "", err
		}
		if ok {
			fired = append(fired, th)
		}
	}
	if len(fired) == 0 {
		return "", nil
	}

	top := fired[0]
	for _, th := range fired {
		c.bus.Publish(eventbus.TypeBudgetWarning, b.ID, map[string]any{
			"scope":     b.Scope,
			"owner_id":  b.OwnerID,
			"pct":       th.pct,
			"action":    th.action,
			"consumed":  b.Consumed,
			"allocated": b.Allocated,
		})
		if severity[th.action] > severity[top.action] {
			top = th
		}
	}

	reason := fmt.Sprintf("budget %s at %.0f%% of %.2f %s", b.ID, pct, b.Allocated, b.Unit)
	switch top.action {
	case ActionBlock:
		if c.enforcer != nil && b.OwnerID != "" {
			if err := c.enforcer.BlockScope(ctx, b.Scope, b.OwnerID, reason); err != nil {
				slog.Error("budget block action failed", "budget", b.ID, "error", err)
			}
		}
	case ActionKill:
		if c.enforcer != nil && b.OwnerID != "" {
			if err := c.enforcer.KillScope(ctx, b.Scope, b.OwnerID, reason); err != nil {
				slog.Error("budget kill action failed", "budget", b.ID, "error", err)
			}
		}
	case ActionAudit:
		slog.Info("budget audit threshold crossed", "budget", b.ID, "pct", top.pct, "consumed", b.Consumed)
	default:
		slog.Warn("budget threshold crossed", "budget", b.ID, "pct", top.pct, "consumed", b.Consumed)
	}
	return top.action, nil
}

// Report summarizes a budget and its descendants for the operator surface.
type Report struct {
	Budget   store.Budget `json:"budget"`
	Pct      float64      `json:"pct"`
	Children []Report     `json:"children,omitempty"`
}

func (c *Controller) GetReport(budgetID string) (*Report, error) {
	all, err := c.store.ListBudgets()
	if err != nil {
		return nil, err
	}
	byParent := make(map[string][]store.Budget)
	var root *store.Budget
	for i := range all {
		b := all[i]
		if b.ID == budgetID {
			root = &b
		}
		byParent[b.ParentID] = append(byParent[b.ParentID], b)
	}
	if root == nil {
		return nil, fmt.Errorf("%w: budget %s", errdefs.ErrNotFound, budgetID)
	}

	var build func(b store.Budget) Report
	build = func(b store.Budget) Report {
		r := Report{Budget: b}
		if b.Allocated > 0 {
			r.Pct = b.Consumed / b.Allocated * 100
		}
		for _, child := range byParent[b.ID] {
			r.Children = append(r.Children, build(child))
		}
		return r
	}
	report := build(*root)
	return &report, nil
}

func (c *Controller) nextReset(scope string) *time.Time {
	expr := c.dailyCron
	if scope == ScopeMonthly {
		expr = c.monthCron
	}
	if expr == "" || !c.cron.IsValid(expr) {
		return nil
	}
	next, err := gronx.NextTick(expr, false)
	if err != nil {
		return nil
	}
	return &next
}

// StartWindowReset rolls time-window budgets over when their reset time
// passes: consumption returns to zero (an administrative adjustment, the
// one sanctioned exception to monotonic consumed) and threshold firings
// are cleared.
func (c *Controller) StartWindowReset(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.resetDueWindows()
		}
	}
}

func (c *Controller) resetDueWindows() {
	budgets, err := c.store.ListBudgets()
	if err != nil {
		slog.Error("list budgets for window reset failed", "error", err)
		return
	}
	now := time.Now()
	for _, b := range budgets {
		if b.ResetsAt == nil || b.ResetsAt.After(now) {
			continue
		}
		next := c.nextReset(b.Scope)
		if err := c.store.AdjustBudget(b.ID, 0, b.Allocated, next); err != nil {
			slog.Error("budget window reset failed", "budget", b.ID, "error", err)
			continue
		}
		if err := c.store.ClearThresholdFirings(b.ID); err != nil {
			slog.Error("clear threshold firings failed", "budget", b.ID, "error", err)
		}
		slog.Info("budget window reset", "budget", b.ID, "scope", b.Scope)
	}
}
