package runtime

import (
	"testing"

	"github.com/agentcore/runtime/public/agent/examples/echo"
)

func TestBuiltinFactoriesHasEcho(t *testing.T) {
	factories := BuiltinFactories()
	if _, ok := factories["echo"]; !ok {
		t.Fatal("expected \"echo\" factory to be registered")
	}
}

func TestEchoFactoryDefaultsReplyKind(t *testing.T) {
	factories := BuiltinFactories()
	impl, decode, err := factories["echo"](AgentSpec{ID: "echo-1", AgentType: "echo"})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if impl == nil || decode == nil {
		t.Fatal("expected non-nil agent and decoder")
	}
	if a, ok := impl.(*echo.Agent); !ok || a.ReplyKind != 1 {
		t.Fatalf("expected echo agent with default reply kind 1, got %#v", impl)
	}
	state, err := decode([]byte(`{"count":3}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	s, ok := state.(*echo.State)
	if !ok || s.Count != 3 {
		t.Fatalf("unexpected decoded state: %#v", state)
	}
}

func TestEchoFactoryRejectsBadReplyKind(t *testing.T) {
	factories := BuiltinFactories()
	_, _, err := factories["echo"](AgentSpec{
		ID: "echo-1", AgentType: "echo",
		Config: map[string]any{"reply_kind": "not-a-number"},
	})
	if err == nil {
		t.Fatal("expected error for non-numeric reply_kind")
	}
}
