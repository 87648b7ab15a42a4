package pending

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolveDeliversValue(t *testing.T) {
	m := NewMap[string]()

	done := make(chan struct{})
	var got string
	var err error
	go func() {
		got, err = m.Await(context.Background(), "k", time.Second)
		close(done)
	}()

	waitFor(t, func() bool { return m.Len() == 1 })
	if !m.Resolve("k", "value") {
		t.Fatal("Resolve returned false for a registered key")
	}
	<-done

	if err != nil {
		t.Fatalf("Await returned error: %v", err)
	}
	if got != "value" {
		t.Fatalf("got %q, want %q", got, "value")
	}
	if m.Len() != 0 {
		t.Fatalf("entry not cleaned up, len = %d", m.Len())
	}
}

func TestRejectDeliversError(t *testing.T) {
	m := NewMap[int]()

	done := make(chan error, 1)
	go func() {
		_, err := m.Await(context.Background(), "k", time.Second)
		done <- err
	}()

	waitFor(t, func() bool { return m.Len() == 1 })
	cause := errors.New("push failed")
	m.Reject("k", cause)

	if err := <-done; err == nil || err.Error() != "push failed" {
		t.Fatalf("got error %v, want %v", err, cause)
	}
	if m.Len() != 0 {
		t.Fatalf("entry not cleaned up, len = %d", m.Len())
	}
}

func TestTimeoutCleansUp(t *testing.T) {
	m := NewMap[string]()

	_, err := m.Await(context.Background(), "k", 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got error %v, want ErrTimeout", err)
	}
	if m.Len() != 0 {
		t.Fatalf("entry not cleaned up after timeout, len = %d", m.Len())
	}
	// The key is reusable after a timeout.
	if _, err := m.Register("k"); err != nil {
		t.Fatalf("Register after timeout: %v", err)
	}
}

func TestContextCancellationCleansUp(t *testing.T) {
	m := NewMap[string]()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := m.Await(ctx, "k", time.Second)
		done <- err
	}()

	waitFor(t, func() bool { return m.Len() == 1 })
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("got error %v, want context.Canceled", err)
	}
	if m.Len() != 0 {
		t.Fatalf("entry not cleaned up after cancellation, len = %d", m.Len())
	}
}

func TestDuplicateKeyRejected(t *testing.T) {
	m := NewMap[string]()

	if _, err := m.Register("k"); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := m.Register("k"); err == nil {
		t.Fatal("second Register for the same key succeeded")
	}
}

func TestResolveBeforeWaitIsNotLost(t *testing.T) {
	// Register-then-send: a response arriving between Register and Wait
	// must still be delivered.
	m := NewMap[string]()

	ticket, err := m.Register("k")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !m.Resolve("k", "early") {
		t.Fatal("Resolve returned false for a registered key")
	}

	got, err := ticket.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got != "early" {
		t.Fatalf("got %q, want %q", got, "early")
	}
}

func TestStaleTicketCleanupKeepsNewWaiter(t *testing.T) {
	// A completed ticket's Wait runs its cleanup after the key has been
	// released; if a new waiter claimed the key in between, that cleanup
	// must not drop it.
	m := NewMap[string]()

	first, err := m.Register("k")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !m.Resolve("k", "one") {
		t.Fatal("Resolve returned false for the first ticket")
	}

	// The key is free again: a second request claims it before the first
	// ticket's Wait (and its deferred cleanup) has run.
	second, err := m.Register("k")
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}

	got, err := first.Wait(context.Background(), time.Second)
	if err != nil || got != "one" {
		t.Fatalf("first Wait = %q, %v", got, err)
	}

	if m.Len() != 1 {
		t.Fatalf("second waiter dropped by stale cleanup, len = %d", m.Len())
	}
	if !m.Resolve("k", "two") {
		t.Fatal("Resolve returned false for the second ticket")
	}
	got, err = second.Wait(context.Background(), time.Second)
	if err != nil || got != "two" {
		t.Fatalf("second Wait = %q, %v", got, err)
	}
}

func TestResolveUnknownKeyReturnsFalse(t *testing.T) {
	m := NewMap[string]()
	if m.Resolve("nope", "v") {
		t.Fatal("Resolve returned true for an unregistered key")
	}
	if m.Reject("nope", errors.New("x")) {
		t.Fatal("Reject returned true for an unregistered key")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
