package relay

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/runtime/internal/envelope"
)

func TestInMemoryPublishMatchesSubscription(t *testing.T) {
	r := NewInMemory()
	ctx := context.Background()
	if err := r.Connect(ctx, "mem://"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Disconnect()

	ch, err := r.Subscribe(ctx, "sub-1", []envelope.Filter{{Authors: []string{"alice"}}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env, err := envelope.New("alice", 100, 1, nil, "hello")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Publish(ctx, env, time.Second); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != env.ID {
			t.Fatalf("unexpected envelope delivered: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestInMemoryPublishSkipsNonMatching(t *testing.T) {
	r := NewInMemory()
	ctx := context.Background()
	r.Connect(ctx, "mem://")
	defer r.Disconnect()

	ch, _ := r.Subscribe(ctx, "sub-1", []envelope.Filter{{Authors: []string{"bob"}}})
	env, _ := envelope.New("alice", 100, 1, nil, "hello")
	r.Publish(ctx, env, time.Second)

	select {
	case got := <-ch:
		t.Fatalf("expected no delivery, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryUnsubscribeClosesChannel(t *testing.T) {
	r := NewInMemory()
	ctx := context.Background()
	r.Connect(ctx, "mem://")
	defer r.Disconnect()

	ch, _ := r.Subscribe(ctx, "sub-1", nil)
	if err := r.Unsubscribe("sub-1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}
