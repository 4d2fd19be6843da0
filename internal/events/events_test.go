package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitDeliversToTopicSubscribers(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	got := make(chan string, 4)
	Subscribe(s, "a", func(_ context.Context, msg string) error {
		got <- msg
		return nil
	})

	require.NoError(t, Emit(s, "a", "hello"))
	require.NoError(t, Emit(s, "b", "other topic"))

	select {
	case msg := <-got:
		require.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSyncDeliveryPreservesOrder(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	Subscribe(s, "seq", func(_ context.Context, n int) error {
		mu.Lock()
		order = append(order, n)
		if len(order) == 100 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 0; i < 100; i++ {
		require.NoError(t, Emit(s, "seq", i))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events never fully delivered")
	}
	for i, n := range order {
		require.Equal(t, i, n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	got := make(chan string, 4)
	sub := Subscribe(s, "a", func(_ context.Context, msg string) error {
		got <- msg
		return nil
	})

	require.NoError(t, Emit(s, "a", "one"))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("first event never delivered")
	}

	sub.Unsubscribe()
	require.NoError(t, Emit(s, "a", "two"))
	select {
	case msg := <-got:
		t.Fatalf("delivery after unsubscribe: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := NewSubject()
	Complete(s)
	Complete(s)
	Complete(nil)

	require.Error(t, Emit(s, "a", "dropped"))
}

func TestTypeMismatchIsIsolated(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	strings := make(chan string, 1)
	Subscribe(s, "mixed", func(_ context.Context, msg string) error {
		strings <- msg
		return nil
	})

	// An int on the same topic fails the string handler's assertion but
	// does not break the subject.
	require.NoError(t, Emit(s, "mixed", 42))
	require.NoError(t, Emit(s, "mixed", "ok"))

	select {
	case msg := <-strings:
		require.Equal(t, "ok", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("typed event never delivered")
	}
}
