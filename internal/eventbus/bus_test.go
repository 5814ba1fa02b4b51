package eventbus

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hiveworks/hived/internal/config"
	"github.com/hiveworks/hived/internal/store"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := New()

	var got []string
	bus.Subscribe(func(ev Event) {
		got = append(got, ev.Source)
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			bus.Publish(TypeAgentStatus, fmt.Sprintf("a%d", n), nil)
		}(i)
	}
	wg.Wait()

	// Publishes are serialized; each event is delivered exactly once.
	if len(got) != 20 {
		t.Errorf("expected 20 deliveries, got %d", len(got))
	}
	seen := make(map[string]bool, len(got))
	for _, src := range got {
		if seen[src] {
			t.Errorf("duplicate delivery for %s", src)
		}
		seen[src] = true
	}
}

func TestSubscribeTypeFilter(t *testing.T) {
	bus := New()

	var escalations, all int
	bus.Subscribe(func(Event) { escalations++ }, TypeEscalation)
	bus.Subscribe(func(Event) { all++ })

	bus.Publish(TypeEscalation, "a1", nil)
	bus.Publish(TypeAgentStatus, "a1", nil)
	bus.Publish(TypeBudgetWarning, "b1", nil)

	if escalations != 1 {
		t.Errorf("expected 1 filtered delivery, got %d", escalations)
	}
	if all != 3 {
		t.Errorf("expected 3 unfiltered deliveries, got %d", all)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := New()

	count := 0
	unsub := bus.Subscribe(func(Event) { count++ })

	bus.Publish(TypeAgentStatus, "a1", nil)
	unsub()
	bus.Publish(TypeAgentStatus, "a1", nil)

	if count != 1 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestOrderingPerSubscriber(t *testing.T) {
	bus := New()

	var first, second []string
	bus.Subscribe(func(ev Event) { first = append(first, ev.Source) })
	bus.Subscribe(func(ev Event) { second = append(second, ev.Source) })

	for i := 0; i < 10; i++ {
		bus.Publish(TypeSwarmStatus, fmt.Sprintf("s%d", i), nil)
	}

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("subscribers observed different orders: %v vs %v", first, second)
		}
	}
}

func TestPublishFromHandlerDelivered(t *testing.T) {
	bus := New()

	// A subscriber reacting to escalations by publishing a follow-up event
	// must not deadlock, and the follow-up lands right after its trigger.
	bus.Subscribe(func(ev Event) {
		bus.Publish(TypeBudgetWarning, ev.Source, nil)
	}, TypeEscalation)

	var got []string
	bus.Subscribe(func(ev Event) { got = append(got, ev.Type) })

	bus.Publish(TypeEscalation, "a1", nil)
	bus.Publish(TypeAgentStatus, "a1", nil)

	want := []string{TypeEscalation, TypeBudgetWarning, TypeAgentStatus}
	if len(got) != len(want) {
		t.Fatalf("expected %d deliveries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected delivery order: %v", got)
		}
	}
}

func TestPersistTo(t *testing.T) {
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	bus := New()
	unsub := PersistTo(bus, s)
	defer unsub()

	bus.Publish(TypeSwarmCreated, "s1", map[string]any{"target": 3})
	bus.Publish(TypeAgentStatus, "a1", nil)

	events, err := s.ListEvents(0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(events))
	}
	if events[0].Type != TypeSwarmCreated || events[0].Source != "s1" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[0].Payload == "" {
		t.Error("expected payload persisted as JSON")
	}
	if events[1].Payload != "" {
		t.Errorf("expected empty payload, got %q", events[1].Payload)
	}
}
