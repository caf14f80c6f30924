package agenthost

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/runtime/internal/envelope"
	"github.com/agentcore/runtime/internal/router"
)

// TestInboxDropOldestReportsDrop drives the real inbox (not router_test's
// fakeInbox) through a full-DropOldest enqueue and asserts it reports the
// eviction: exactly one BackpressureDrop trace per drop (spec §8) depends
// on dropped=true surfacing here, not just on delivered=true.
func TestInboxDropOldestReportsDrop(t *testing.T) {
	ib := newInbox(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		delivered, dropped := ib.Enqueue(ctx, router.Trigger{Payload: "fill"}, router.DropOldest, 0)
		if !delivered || dropped {
			t.Fatalf("fill enqueue %d: got delivered=%v dropped=%v, want true/false", i, delivered, dropped)
		}
	}

	delivered, dropped := ib.Enqueue(ctx, router.Trigger{Payload: "overflow"}, router.DropOldest, 0)
	if !delivered {
		t.Fatalf("expected overflow trigger to be delivered under DropOldest, got delivered=false")
	}
	if !dropped {
		t.Fatalf("expected dropped=true when DropOldest evicts the queue head, got false")
	}

	if ib.len() != 2 {
		t.Fatalf("expected queue depth to stay at capacity 2, got %d", ib.len())
	}
	head, ok, _ := ib.dequeue(time.Millisecond)
	if !ok || head.Payload != "fill" {
		t.Fatalf("expected surviving head to be the second fill trigger, got %+v ok=%v", head, ok)
	}
}

// TestInboxDropNewestNeverDelivers confirms the unaffected policy still
// refuses the incoming trigger outright on a full queue.
func TestInboxDropNewestNeverDelivers(t *testing.T) {
	ib := newInbox(1)
	ctx := context.Background()

	if delivered, dropped := ib.Enqueue(ctx, router.Trigger{Payload: "first"}, router.DropNewest, 0); !delivered || dropped {
		t.Fatalf("first enqueue: got delivered=%v dropped=%v, want true/false", delivered, dropped)
	}
	delivered, dropped := ib.Enqueue(ctx, router.Trigger{Payload: "second"}, router.DropNewest, 0)
	if delivered {
		t.Fatalf("expected DropNewest to refuse the new trigger on a full queue")
	}
	if !dropped {
		t.Fatalf("expected dropped=true when DropNewest refuses delivery")
	}
}

// TestRouterFiresOnDropOldestAgainstRealInbox wires the real inbox into a
// Router (not the fake) so the fix to deliver()'s firing condition is
// exercised end to end, not just at the inbox layer.
func TestRouterFiresOnDropOldestAgainstRealInbox(t *testing.T) {
	var dropped string
	r := router.New(func(agentID, reason string) { dropped = agentID })
	ib := newInbox(1)
	r.Register("agent-a", envelope.Filter{}, ib, router.DropOldest, 0)

	ctx := context.Background()
	r.DispatchAlarm(ctx, "agent-a", "al-1", time.Now(), "first")
	r.DispatchAlarm(ctx, "agent-a", "al-2", time.Now(), "second")

	if dropped != "agent-a" {
		t.Fatalf("expected onDrop to fire for agent-a after the inbox overflowed, got %q", dropped)
	}
}
