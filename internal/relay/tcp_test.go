package relay

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/runtime/internal/envelope"
)

func startTestBroker(t *testing.T) *TCPBroker {
	t.Helper()
	b := NewTCPBroker(false)
	if err := b.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go b.Serve()
	t.Cleanup(func() { b.Close() })
	return b
}

func TestTCPPublishDeliversToSubscriber(t *testing.T) {
	b := startTestBroker(t)
	addr := b.Addr().String()

	client := NewTCPClient()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	ch, err := client.Subscribe(ctx, "sub-1", []envelope.Filter{{Authors: []string{"alice"}}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env, err := envelope.New("alice", 100, 1, nil, "hello")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.Publish(ctx, env, 2*time.Second); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != env.ID {
			t.Fatalf("unexpected envelope: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery over TCP")
	}
}
