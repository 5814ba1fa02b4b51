package queue

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hiveworks/hived/internal/config"
	"github.com/hiveworks/hived/internal/errdefs"
	"github.com/hiveworks/hived/internal/eventbus"
	"github.com/hiveworks/hived/internal/store"
)

func newTestQueue(t *testing.T, cfg config.QueueConfig) (*Queue, *store.Store, *eventbus.Bus) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	bus := eventbus.New()
	return New(s, bus, cfg), s, bus
}

func enqueue(t *testing.T, q *Queue, id string, priority int) {
	t.Helper()
	if err := q.Enqueue(&store.Task{ID: id, Priority: priority, Payload: json.RawMessage(`{"x":1}`)}); err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q, _, _ := newTestQueue(t, config.QueueConfig{})

	if err := q.Enqueue(&store.Task{Priority: 1}); !errors.Is(err, errdefs.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for empty payload, got %v", err)
	}
	if err := q.Enqueue(&store.Task{Priority: -1, Payload: json.RawMessage(`{}`)}); !errors.Is(err, errdefs.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for negative priority, got %v", err)
	}

	task := &store.Task{Priority: 1, Payload: json.RawMessage(`{}`)}
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.ID == "" {
		t.Error("expected generated id")
	}
	if task.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", task.MaxRetries)
	}
}

func TestDequeueOrder(t *testing.T) {
	q, _, _ := newTestQueue(t, config.QueueConfig{})

	// Priorities 5, 1, 3 then another 1: claims must come out 1, 1, 3, 5.
	enqueue(t, q, "p5", 5)
	enqueue(t, q, "p1a", 1)
	enqueue(t, q, "p3", 3)
	enqueue(t, q, "p1b", 1)

	var got []int
	for {
		task, err := q.Dequeue("c1")
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if task == nil {
			break
		}
		got = append(got, task.Priority)
		if err := q.Ack(task.ID, "c1", true, ""); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}

	want := []int{1, 1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	q, _, _ := newTestQueue(t, config.QueueConfig{})

	enqueue(t, q, "first", 2)
	enqueue(t, q, "second", 2)

	task, err := q.Dequeue("c1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task.ID != "first" {
		t.Errorf("expected FIFO within a priority band, got %s", task.ID)
	}
}

func TestLeaseExclusivity(t *testing.T) {
	q, _, _ := newTestQueue(t, config.QueueConfig{})
	enqueue(t, q, "t1", 1)

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := q.Dequeue("c")
			if err != nil {
				t.Errorf("dequeue: %v", err)
				return
			}
			if task != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one consumer to win the lease, got %d", winners)
	}
}

func TestAckFailureRetriesThenDeadLetters(t *testing.T) {
	q, s, bus := newTestQueue(t, config.QueueConfig{MaxRetries: 2})

	var deadEvents int
	bus.Subscribe(func(eventbus.Event) { deadEvents++ }, eventbus.TypeQueueDead)

	enqueue(t, q, "t1", 1)

	for i := 0; i < 2; i++ {
		task, err := q.Dequeue("c1")
		if err != nil || task == nil {
			t.Fatalf("dequeue round %d: %v %v", i, task, err)
		}
		if err := q.Ack(task.ID, "c1", false, "boom"); err != nil {
			t.Fatalf("nack round %d: %v", i, err)
		}
	}

	// Two failures recorded; the task is scheduled with backoff, so claim
	// it directly at a future time.
	later := time.Now().Add(time.Hour)
	claimed, err := s.ClaimTask("c1", later.Add(time.Minute), later)
	if err != nil || claimed == nil {
		t.Fatalf("claim after backoff: %v %v", claimed, err)
	}
	if claimed.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", claimed.RetryCount)
	}

	// Third failure exhausts max retries and dead-letters.
	if err := q.Ack(claimed.ID, "c1", false, "boom"); err != nil {
		t.Fatalf("final nack: %v", err)
	}
	depths, _ := q.Depths()
	if depths[store.QueueDead] != 1 {
		t.Errorf("expected 1 dead-lettered task, got %v", depths)
	}
	if deadEvents != 1 {
		t.Errorf("expected 1 dead-letter event, got %d", deadEvents)
	}

	got, _ := s.GetTask("t1")
	if got.LastError != "boom" {
		t.Errorf("expected last error preserved, got %q", got.LastError)
	}
}

func TestStaleAckIsLeaseConflict(t *testing.T) {
	q, s, _ := newTestQueue(t, config.QueueConfig{})
	enqueue(t, q, "t1", 1)

	task, err := q.Dequeue("c1")
	if err != nil || task == nil {
		t.Fatalf("dequeue: %v %v", task, err)
	}

	// Lease moves to another consumer (as the sweeper would after expiry).
	if err := s.RequeueTask("t1", "c1", "lease expired", nil); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if _, err := q.Dequeue("c2"); err != nil {
		t.Fatalf("re-dequeue: %v", err)
	}

	err = q.Ack("t1", "c1", true, "")
	if !errors.Is(err, errdefs.ErrLeaseConflict) {
		t.Errorf("expected ErrLeaseConflict for stale ack, got %v", err)
	}

	// The current holder's ack still lands.
	if err := q.Ack("t1", "c2", true, ""); err != nil {
		t.Fatalf("current holder ack: %v", err)
	}

	// Acking a resolved task is a conflict, not a lease problem.
	err = q.Ack("t1", "c2", true, "")
	if !errors.Is(err, errdefs.ErrConflict) {
		t.Errorf("expected ErrConflict for resolved task, got %v", err)
	}

	err = q.Ack("nope", "c2", true, "")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	q, _, _ := newTestQueue(t, config.QueueConfig{LeaseDuration: 10 * time.Millisecond, RetryDelay: 0})
	enqueue(t, q, "t1", 1)

	task, err := q.Dequeue("c1")
	if err != nil || task == nil {
		t.Fatalf("dequeue: %v %v", task, err)
	}

	// Nothing expired yet.
	n, err := q.RequeueExpiredLeases(time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no expired leases yet, got %d", n)
	}

	n, err = q.RequeueExpiredLeases(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued lease, got %d", n)
	}

	// Claimable again by someone else, with the attempt recorded.
	reclaimed, err := q.Dequeue("c2")
	if err != nil || reclaimed == nil {
		t.Fatalf("reclaim: %v %v", reclaimed, err)
	}
	if reclaimed.RetryCount != 1 {
		t.Errorf("expected retry count 1 after lease expiry, got %d", reclaimed.RetryCount)
	}
}

func TestCancelForAgentWithdrawsTasks(t *testing.T) {
	q, _, _ := newTestQueue(t, config.QueueConfig{})

	mk := func(id, agent string) {
		t.Helper()
		task := &store.Task{ID: id, Priority: 1, AgentID: agent, Payload: json.RawMessage(`{}`)}
		if err := q.Enqueue(task); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	mk("t1", "a1")
	mk("t2", "a1")
	mk("t3", "a2")

	// One of a1's tasks is already leased out.
	leased, err := q.Dequeue("c1")
	if err != nil || leased == nil || leased.AgentID != "a1" {
		t.Fatalf("dequeue: %v %v", leased, err)
	}

	n, err := q.CancelForAgent("a1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 cancelled tasks, got %d", n)
	}

	// The lease holder's ack lands on a resolved task.
	if err := q.Ack(leased.ID, "c1", true, ""); !errors.Is(err, errdefs.ErrConflict) {
		t.Errorf("expected ErrConflict for cancelled task, got %v", err)
	}

	// Only the other agent's task remains claimable.
	remaining, err := q.Dequeue("c2")
	if err != nil || remaining == nil {
		t.Fatalf("dequeue survivor: %v %v", remaining, err)
	}
	if remaining.AgentID != "a2" {
		t.Errorf("expected a2's task to survive, got %s", remaining.ID)
	}
	if extra, _ := q.Dequeue("c2"); extra != nil {
		t.Errorf("expected no further claimable tasks, got %s", extra.ID)
	}
}

func TestDeadLetterReplay(t *testing.T) {
	q, _, _ := newTestQueue(t, config.QueueConfig{MaxRetries: 1})
	enqueue(t, q, "t1", 1)

	// One retry allowed: the second failure dead-letters.
	for i := 0; i < 2; i++ {
		task, err := q.Dequeue("c1")
		if err != nil || task == nil {
			t.Fatalf("dequeue round %d: %v %v", i, task, err)
		}
		if err := q.Ack(task.ID, "c1", false, "fatal"); err != nil {
			t.Fatalf("nack round %d: %v", i, err)
		}
	}
	depths, _ := q.Depths()
	if depths[store.QueueDead] != 1 {
		t.Fatalf("expected dead-lettered task, got %v", depths)
	}

	if err := q.DeadLetterReplay("t1"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	replayed, err := q.Dequeue("c2")
	if err != nil || replayed == nil {
		t.Fatalf("dequeue replayed: %v %v", replayed, err)
	}
	if replayed.RetryCount != 0 {
		t.Errorf("expected reset retry count, got %d", replayed.RetryCount)
	}

	// Replaying a live task is a conflict.
	if err := q.DeadLetterReplay("t1"); !errors.Is(err, errdefs.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := q.DeadLetterReplay("nope"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
