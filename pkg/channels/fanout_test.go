package channels

import (
	"context"
	"testing"
)

func TestFanoutDispatchOrder(t *testing.T) {
	var f Fanout
	var order []int
	f.Subscribe(func(ctx context.Context, msg Message) { order = append(order, 1) })
	f.Subscribe(func(ctx context.Context, msg Message) { order = append(order, 2) })

	f.Dispatch(context.Background(), Message{ID: "m"})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("dispatch order = %v, want [1 2]", order)
	}
}

func TestFanoutIsolatesPanics(t *testing.T) {
	var f Fanout
	delivered := false
	f.Subscribe(func(ctx context.Context, msg Message) { panic("boom") })
	f.Subscribe(func(ctx context.Context, msg Message) { delivered = true })

	f.Dispatch(context.Background(), Message{ID: "m"})

	if !delivered {
		t.Error("panic in one handler blocked delivery to the next")
	}
}

func TestFanoutIgnoresNilHandler(t *testing.T) {
	var f Fanout
	f.Subscribe(nil)
	if f.Len() != 0 {
		t.Errorf("Len = %d after nil subscribe, want 0", f.Len())
	}
	f.Dispatch(context.Background(), Message{ID: "m"})
}

func TestFanoutNoHandlers(t *testing.T) {
	var f Fanout
	// must not panic
	f.Dispatch(context.Background(), Message{ID: "m"})
}
