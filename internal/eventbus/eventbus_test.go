package eventbus

import (
	"context"
	"testing"
)

func TestEmitDeliversToMatchingPattern(t *testing.T) {
	bus := New(nil, 10)

	received := make(chan Event, 1)
	bus.Subscribe("worker.job.*", func(ctx context.Context, evt Event) error {
		received <- evt
		return nil
	})

	bus.Emit(context.Background(), "worker.job.completed", map[string]any{"job_id": "abc"}, "worker-service")

	select {
	case evt := <-received:
		if evt.EventType != "worker.job.completed" {
			t.Fatalf("unexpected event type: %s", evt.EventType)
		}
		if evt.Sequence != 1 {
			t.Fatalf("expected sequence 1, got %d", evt.Sequence)
		}
	default:
		t.Fatal("handler was not invoked")
	}
}

func TestEmitDoesNotDeliverToNonMatchingPattern(t *testing.T) {
	bus := New(nil, 10)

	called := false
	bus.Subscribe("worker.pool.*", func(ctx context.Context, evt Event) error {
		called = true
		return nil
	})

	bus.Emit(context.Background(), "worker.job.completed", map[string]any{}, "worker-service")

	if called {
		t.Fatal("handler should not have been invoked for a non-matching pattern")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil, 10)

	calls := 0
	token := bus.Subscribe("worker.*", func(ctx context.Context, evt Event) error {
		calls++
		return nil
	})

	bus.Emit(context.Background(), "worker.started", nil, "worker-service")
	bus.Unsubscribe("worker.*", token)
	bus.Emit(context.Background(), "worker.started", nil, "worker-service")

	if calls != 1 {
		t.Fatalf("expected 1 call before unsubscribe, got %d", calls)
	}
}

func TestOneHandlerErrorDoesNotBlockOthers(t *testing.T) {
	bus := New(nil, 10)

	secondCalled := false
	bus.Subscribe("worker.*", func(ctx context.Context, evt Event) error {
		panic("boom")
	})
	bus.Subscribe("worker.*", func(ctx context.Context, evt Event) error {
		secondCalled = true
		return nil
	})

	bus.Emit(context.Background(), "worker.started", nil, "worker-service")

	if !secondCalled {
		t.Fatal("second subscriber should still run after the first panics")
	}
}

func TestHistoryIsNewestFirstAndBounded(t *testing.T) {
	bus := New(nil, 2)

	bus.Emit(context.Background(), "a", nil, "src")
	bus.Emit(context.Background(), "b", nil, "src")
	bus.Emit(context.Background(), "c", nil, "src")

	events := bus.Events(QueryOptions{Limit: 10})
	if len(events) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(events))
	}
	if events[0].EventType != "c" || events[1].EventType != "b" {
		t.Fatalf("expected newest-first order [c b], got [%s %s]", events[0].EventType, events[1].EventType)
	}
}

func TestEventsFiltersByWildcardType(t *testing.T) {
	bus := New(nil, 10)
	bus.Emit(context.Background(), "worker.job.completed", nil, "worker-service")
	bus.Emit(context.Background(), "worker.pool.scaled", nil, "worker-service")

	events := bus.Events(QueryOptions{EventType: "worker.job.*"})
	if len(events) != 1 {
		t.Fatalf("expected 1 matching event, got %d", len(events))
	}
	if events[0].EventType != "worker.job.completed" {
		t.Fatalf("unexpected event returned: %s", events[0].EventType)
	}
}

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"worker.*", "worker.started", true},
		{"worker.*", "pipeline.started", false},
		{"*.completed", "worker.job.completed", true},
		{"worker.job.?", "worker.job.a", true},
		{"worker.job.?", "worker.job.ab", false},
		{"*", "anything", true},
	}
	for _, tc := range cases {
		got := globMatch(tc.pattern, tc.name)
		if got != tc.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestClearHistory(t *testing.T) {
	bus := New(nil, 10)
	bus.Emit(context.Background(), "a", nil, "src")
	bus.Emit(context.Background(), "b", nil, "src")

	n := bus.ClearHistory()
	if n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if len(bus.Events(QueryOptions{})) != 0 {
		t.Fatal("history should be empty after clear")
	}
}
