package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/runtime/internal/config"
	"github.com/agentcore/runtime/internal/envelope"
)

func testConfig(t *testing.T, persistDir string) *config.Config {
	t.Helper()
	cfg, err := config.Load(func(k string) string {
		switch k {
		case "RELAY_URL":
			return "inmemory://"
		case "CONTROL_BIND":
			return "127.0.0.1:0"
		case "PERSIST_DIR":
			return persistDir
		default:
			return ""
		}
	})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

// TestBootRoundTripsEchoMessage exercises a full Boot, publishes an inbound
// envelope matching the manifest's echo agent filter, and checks the echo
// reply appears on the relay — the boot sequence wires relay, router, and
// agenthost correctly end to end.
func TestBootRoundTripsEchoMessage(t *testing.T) {
	manifestPath := writeManifest(t, `
agents:
  - id: echo-1
    agent_type: echo
    filter:
      kinds: [1]
    config:
      reply_kind: 2
`)
	cfg := testConfig(t, "")
	ctx := context.Background()

	rt, err := Boot(ctx, cfg, manifestPath, nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	defer rt.Shutdown(context.Background())

	subCh, err := rt.relay.Subscribe(ctx, "test-observer", []envelope.Filter{{Kinds: []envelope.Kind{2}}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env, err := envelope.New("alice", time.Now().Unix(), 1, nil, "hello")
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	if _, err := rt.relay.Publish(ctx, env, 2*time.Second); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case reply := <-subCh:
		if reply.Kind != 2 {
			t.Fatalf("unexpected reply kind: %d", reply.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echo reply")
	}
}

// TestBootUnknownAgentTypeFails confirms a manifest naming an unregistered
// agent_type fails Boot rather than silently skipping the agent.
func TestBootUnknownAgentTypeFails(t *testing.T) {
	manifestPath := writeManifest(t, `
agents:
  - id: mystery-1
    agent_type: does-not-exist
`)
	cfg := testConfig(t, "")
	if _, err := Boot(context.Background(), cfg, manifestPath, nil); err == nil {
		t.Fatal("expected Boot to fail for unknown agent_type")
	}
}

// TestBootReplaysUnackedEnvelopeAfterRestart models spec §8 scenario 3
// ("restart mid-tick"): a Runtime is booted with a persist dir, a message
// is recorded as received but never acked (simulating a crash before the
// Host's commit step), and a second Boot against the same persist dir must
// replay it into the agent's inbox.
func TestBootReplaysUnackedEnvelopeAfterRestart(t *testing.T) {
	persistDir := t.TempDir()
	manifestPath := writeManifest(t, `
agents:
  - id: echo-1
    agent_type: echo
    filter:
      kinds: [1]
    config:
      reply_kind: 2
`)

	cfg := testConfig(t, persistDir)
	ctx := context.Background()

	rt1, err := Boot(ctx, cfg, manifestPath, nil)
	if err != nil {
		t.Fatalf("first Boot: %v", err)
	}

	env, err := envelope.New("alice", time.Now().Unix(), 1, nil, "hello")
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	// Simulate a crash after C9 recorded the envelope but before the Host
	// ever acked it: record directly rather than publishing through the
	// relay (which would let the live Host ack it before we can inspect
	// the unacked set).
	if err := rt1.persistence.Record(env.ID, "echo-1", mustJSON(t, env)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rt1.Shutdown(context.Background())

	rt2, err := Boot(ctx, cfg, manifestPath, nil)
	if err != nil {
		t.Fatalf("second Boot: %v", err)
	}
	defer rt2.Shutdown(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		unacked, err := rt2.persistence.Unacked()
		if err != nil {
			t.Fatalf("Unacked: %v", err)
		}
		if len(unacked) == 0 {
			return // replayed and acked
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected replayed envelope to be acked after second Boot")
}

func mustJSON(t *testing.T, env *envelope.Envelope) string {
	t.Helper()
	data, err := env.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	return string(data)
}
