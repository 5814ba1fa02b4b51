// Package eventbus is the single in-process publish path for state
// changes. Every lifecycle transition, budget threshold crossing and queue
// state change is published here exactly once, in local commit order;
// external transports (NATS, websocket hub, notifiers, the event log)
// subscribe and are unregistered on shutdown.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the core.
const (
	TypeSwarmCreated   = "swarm.created"
	TypeSwarmStatus    = "swarm.status"
	TypeSwarmScaled    = "swarm.scaled"
	TypeAgentStatus    = "agent.status"
	TypeAgentRetry     = "agent.retry"
	TypeAgentFailover  = "agent.failover"
	TypeAgentAnomaly   = "agent.anomaly"
	TypeEscalation     = "safety.escalation_required"
	TypeBudgetUsage    = "budget.usage"
	TypeBudgetWarning  = "budget.threshold"
	TypeQueueEnqueued  = "queue.enqueued"
	TypeQueueDead      = "queue.dead_letter"
	TypeQueueRequeued  = "queue.requeued"
	TypeRuntimeFailure = "runtime.failure"
)

// Event is an immutable record of a state change. Payload values must be
// JSON-marshalable; subscribers must not mutate the map.
type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Handler func(Event)

type subscription struct {
	id      int
	types   map[string]bool // nil means all types
	handler Handler
}

type Bus struct {
	mu          sync.Mutex
	subs        []*subscription
	nextID      int
	pending     []Event
	dispatching bool
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler for the given event types (all types when
// none are given) and returns an unsubscribe function. Handlers run
// synchronously on the publisher's goroutine, so publish order is
// delivery order.
func (b *Bus) Subscribe(handler Handler, types ...string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{id: b.nextID, handler: handler}
	b.nextID++
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to all matching subscribers. Dispatch is
// serialized through a pending queue with a single active dispatcher, so
// every subscriber observes events in the order they were committed and a
// handler may itself publish: the nested event is queued and delivered
// right after the current one instead of deadlocking.
func (b *Bus) Publish(eventType, source string, payload map[string]any) {
	b.publish(Event{
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	if b.dispatching {
		// The active dispatcher drains the queue before it returns.
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	for len(b.pending) > 0 {
		next := b.pending[0]
		b.pending = b.pending[1:]
		handlers := make([]Handler, 0, len(b.subs))
		for _, sub := range b.subs {
			if sub.types == nil || sub.types[next.Type] {
				handlers = append(handlers, sub.handler)
			}
		}
		// Handlers run outside the lock; re-entrant publishes land on the
		// queue above.
		b.mu.Unlock()
		for _, h := range handlers {
			h(next)
		}
		b.mu.Lock()
	}
	b.dispatching = false
	b.mu.Unlock()
}
