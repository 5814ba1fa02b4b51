package budget

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hiveworks/hived/internal/config"
	"github.com/hiveworks/hived/internal/errdefs"
	"github.com/hiveworks/hived/internal/eventbus"
	"github.com/hiveworks/hived/internal/store"
)

func newTestController(t *testing.T, cfg config.BudgetConfig) (*Controller, *store.Store, *eventbus.Bus) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if cfg.Cooldown == 0 {
		cfg.Cooldown = time.Hour
	}
	bus := eventbus.New()
	return NewController(s, bus, cfg), s, bus
}

type fakeEnforcer struct {
	mu      sync.Mutex
	blocked []string
	killed  []string
}

func (f *fakeEnforcer) BlockScope(ctx context.Context, scope, ownerID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, scope+":"+ownerID)
	return nil
}

func (f *fakeEnforcer) KillScope(ctx context.Context, scope, ownerID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, scope+":"+ownerID)
	return nil
}

func TestAllocateValidation(t *testing.T) {
	c, _, _ := newTestController(t, config.BudgetConfig{})

	if _, err := c.Allocate(ScopeSwarm, "s1", "", 0); !errors.Is(err, errdefs.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for zero amount, got %v", err)
	}
	if _, err := c.Allocate(ScopeSwarm, "s1", "missing", 10); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown parent, got %v", err)
	}

	parent, err := c.Allocate(ScopeProject, "p1", "", 100)
	if err != nil {
		t.Fatalf("allocate parent: %v", err)
	}
	if _, err := c.Allocate(ScopeSwarm, "s1", parent.ID, 150); !errors.Is(err, errdefs.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for over-parent allocation, got %v", err)
	}
	if _, err := c.Allocate(ScopeSwarm, "s1", parent.ID, 50); err != nil {
		t.Errorf("allocate within parent: %v", err)
	}
}

func TestRecordUsageRollsUpChain(t *testing.T) {
	c, s, _ := newTestController(t, config.BudgetConfig{
		Prices: map[string]float64{"m-large": 10},
	})

	project, _ := c.Allocate(ScopeProject, "p1", "", 100)
	sw, _ := c.Allocate(ScopeSwarm, "s1", project.ID, 50)
	agent, _ := c.Allocate(ScopeAgent, "a1", sw.ID, 10)

	// 1M tokens at 10 usd per million.
	cost, err := c.RecordUsage(context.Background(), agent.ID, 600_000, 400_000, "m-large")
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if math.Abs(cost-10) > 1e-9 {
		t.Errorf("expected cost 10, got %f", cost)
	}

	for _, id := range []string{agent.ID, sw.ID, project.ID} {
		b, _ := s.GetBudget(id)
		if math.Abs(b.Consumed-10) > 1e-9 {
			t.Errorf("expected consumed 10 on %s budget, got %f", b.Scope, b.Consumed)
		}
	}
}

func TestFallbackPricing(t *testing.T) {
	c, s, _ := newTestController(t, config.BudgetConfig{
		Prices:        map[string]float64{"m-small": 1},
		FallbackPrice: 75,
	})

	b, _ := c.Allocate(ScopeAgent, "a1", "", 1000)
	cost, err := c.RecordUsage(context.Background(), b.ID, 1_000_000, 0, "mystery-model")
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if math.Abs(cost-75) > 1e-9 {
		t.Errorf("expected fallback price 75, got %f", cost)
	}

	got, _ := s.GetBudget(b.ID)
	if math.Abs(got.Consumed-75) > 1e-9 {
		t.Errorf("expected consumed 75, got %f", got.Consumed)
	}
}

func TestNegativeUsageRejected(t *testing.T) {
	c, _, _ := newTestController(t, config.BudgetConfig{})

	b, _ := c.Allocate(ScopeAgent, "a1", "", 10)
	if err := c.RecordCost(context.Background(), b.ID, -1); !errors.Is(err, errdefs.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for negative amount, got %v", err)
	}
	if err := c.RecordCost(context.Background(), "missing", 1); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestThresholdFiresOnceUnderConcurrency(t *testing.T) {
	c, _, bus := newTestController(t, config.BudgetConfig{
		Thresholds: map[int]string{50: "warn"},
	})

	var mu sync.Mutex
	warnings := 0
	bus.Subscribe(func(eventbus.Event) {
		mu.Lock()
		warnings++
		mu.Unlock()
	}, eventbus.TypeBudgetWarning)

	b, _ := c.Allocate(ScopeSwarm, "s1", "", 100)

	// Ten reporters together push consumption past 50%; the warning must
	// fire exactly once.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.RecordCost(context.Background(), b.ID, 6); err != nil {
				t.Errorf("record cost: %v", err)
			}
		}()
	}
	wg.Wait()

	if warnings != 1 {
		t.Errorf("expected threshold to fire exactly once, got %d warnings", warnings)
	}
}

func TestHighestSeverityActionWins(t *testing.T) {
	c, _, _ := newTestController(t, config.BudgetConfig{
		Thresholds: map[int]string{50: "warn", 90: "block", 100: "kill"},
	})
	enf := &fakeEnforcer{}
	c.SetEnforcer(enf)

	b, _ := c.Allocate(ScopeSwarm, "s1", "", 100)

	// One report blows through all three thresholds at once.
	if err := c.RecordCost(context.Background(), b.ID, 120); err != nil {
		t.Fatalf("record cost: %v", err)
	}

	if len(enf.killed) != 1 || enf.killed[0] != "swarm:s1" {
		t.Errorf("expected single kill of swarm:s1, got %v", enf.killed)
	}
	if len(enf.blocked) != 0 {
		t.Errorf("expected block subsumed by kill, got %v", enf.blocked)
	}
}

func TestBlockActionAtThreshold(t *testing.T) {
	c, _, _ := newTestController(t, config.BudgetConfig{
		Thresholds: map[int]string{90: "block"},
	})
	enf := &fakeEnforcer{}
	c.SetEnforcer(enf)

	b, _ := c.Allocate(ScopeAgent, "a1", "", 100)

	if err := c.RecordCost(context.Background(), b.ID, 80); err != nil {
		t.Fatalf("record cost: %v", err)
	}
	if len(enf.blocked) != 0 {
		t.Errorf("expected no block below threshold, got %v", enf.blocked)
	}

	if err := c.RecordCost(context.Background(), b.ID, 15); err != nil {
		t.Fatalf("record cost: %v", err)
	}
	if len(enf.blocked) != 1 || enf.blocked[0] != "agent:a1" {
		t.Errorf("expected block of agent:a1, got %v", enf.blocked)
	}
}

func TestGetReport(t *testing.T) {
	c, _, _ := newTestController(t, config.BudgetConfig{})

	sw, _ := c.Allocate(ScopeSwarm, "s1", "", 100)
	a1, _ := c.Allocate(ScopeAgent, "a1", sw.ID, 25)
	_, _ = c.Allocate(ScopeAgent, "a2", sw.ID, 25)

	if err := c.RecordCost(context.Background(), a1.ID, 5); err != nil {
		t.Fatalf("record cost: %v", err)
	}

	report, err := c.GetReport(sw.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if len(report.Children) != 2 {
		t.Fatalf("expected 2 child budgets, got %d", len(report.Children))
	}
	if math.Abs(report.Pct-5) > 1e-9 {
		t.Errorf("expected swarm at 5%%, got %f", report.Pct)
	}

	if _, err := c.GetReport("missing"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWindowReset(t *testing.T) {
	c, s, _ := newTestController(t, config.BudgetConfig{
		Thresholds: map[int]string{50: "warn"},
		DailyCron:  "0 0 * * *",
	})

	b, err := c.Allocate(ScopeDaily, "", "", 100)
	if err != nil {
		t.Fatalf("allocate daily: %v", err)
	}
	if b.ResetsAt == nil {
		t.Fatal("expected daily budget to carry a reset time")
	}

	if err := c.RecordCost(context.Background(), b.ID, 60); err != nil {
		t.Fatalf("record cost: %v", err)
	}

	// Force the window due and roll it over.
	past := time.Now().Add(-time.Minute)
	if err := s.AdjustBudget(b.ID, 60, 100, &past); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	c.resetDueWindows()

	got, _ := s.GetBudget(b.ID)
	if got.Consumed != 0 {
		t.Errorf("expected consumption reset, got %f", got.Consumed)
	}
	if got.ResetsAt == nil || !got.ResetsAt.After(time.Now()) {
		t.Errorf("expected next reset in the future, got %v", got.ResetsAt)
	}

	// Threshold may fire again in the new window.
	ok, err := s.TryFireThreshold(b.ID, 50, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("try fire: %v", err)
	}
	if !ok {
		t.Error("expected threshold cleared by window reset")
	}
}

func TestPriceTableFallbackDefaultsToHighestKnown(t *testing.T) {
	p := NewPriceTable(map[string]float64{"cheap": 1, "expensive": 40}, 0)

	cost := p.Cost(1_000_000, 0, "unknown")
	if math.Abs(cost-40) > 1e-9 {
		t.Errorf("expected highest known price as fallback, got %f", cost)
	}

	p.SetPrice("unknown", 2)
	cost = p.Cost(500_000, 500_000, "unknown")
	if math.Abs(cost-2) > 1e-9 {
		t.Errorf("expected updated price, got %f", cost)
	}
}
