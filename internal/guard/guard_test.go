package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDoSerializesSameKey(t *testing.T) {
	g := New()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Do(context.Background(), "swarm-1", func() error {
				// Unsynchronized read-modify-write; only the guard protects it.
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 serialized increments, got %d", counter)
	}
}

func TestDoDifferentKeysConcurrent(t *testing.T) {
	g := New()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), "a", func() error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	// Key "b" must not wait on key "a".
	done := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), "b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different key blocked behind unrelated lock")
	}
	close(release)
}

func TestDoReleasesOnError(t *testing.T) {
	g := New()

	want := errors.New("boom")
	if err := g.Do(context.Background(), "k", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected fn error, got %v", err)
	}

	// Lock must be free and the entry cleaned up.
	if g.Locked("k") {
		t.Error("expected key released after error")
	}
	if err := g.Do(context.Background(), "k", func() error { return nil }); err != nil {
		t.Errorf("reacquire after error: %v", err)
	}
}

func TestDoReleasesOnPanic(t *testing.T) {
	g := New()

	func() {
		defer func() { _ = recover() }()
		_ = g.Do(context.Background(), "k", func() error { panic("boom") })
	}()

	done := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), "k", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock leaked after panic")
	}
}

func TestDoContextCancelWhileWaiting(t *testing.T) {
	g := New()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), "k", func() error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Do(ctx, "k", func() error { return nil })
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	close(release)
}

func TestEntryCleanup(t *testing.T) {
	g := New()

	if err := g.Do(context.Background(), "k", func() error { return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if g.Locked("k") {
		t.Error("expected entry removed when uncontended")
	}
}
