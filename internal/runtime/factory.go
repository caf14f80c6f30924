package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/agentcore/runtime/internal/envelope"
	"github.com/agentcore/runtime/public/agent"
	"github.com/agentcore/runtime/public/agent/examples/echo"
)

// Factory constructs one hosted agent's implementation and state decoder
// from its manifest declaration. Agent authors register their own
// Factory under a chosen AgentType string; the runtime never needs to
// know concrete agent types beyond this map.
type Factory func(spec AgentSpec) (agent.Agent, StateDecoder, error)

// StateDecoder mirrors agenthost.StateDecoder without importing
// internal/agenthost from this file, keeping Factory free of agenthost
// types; runtime.go converts at the boundary.
type StateDecoder func(body []byte) (any, error)

// FactoryRegistry maps agent_type strings to Factory constructors.
type FactoryRegistry map[string]Factory

// BuiltinFactories returns the Factory set this module ships itself: just
// the reference echo agent, used to exercise the six-capability trait
// end to end (see public/agent/examples/echo). Real deployments register
// their own agent types alongside or instead of this one.
func BuiltinFactories() FactoryRegistry {
	return FactoryRegistry{
		"echo": echoFactory,
	}
}

func echoFactory(spec AgentSpec) (agent.Agent, StateDecoder, error) {
	replyKind := 1
	if v, ok := spec.Config["reply_kind"]; ok {
		switch n := v.(type) {
		case int:
			replyKind = n
		case float64: // yaml.v3 decodes untyped ints from config maps as int already, but guard anyway
			replyKind = int(n)
		default:
			return nil, nil, fmt.Errorf("runtime: echo agent %s: reply_kind must be an integer", spec.ID)
		}
	}
	impl := echo.New(envelope.Kind(replyKind))
	decode := func(body []byte) (any, error) {
		var s echo.State
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("runtime: decode echo state: %w", err)
		}
		return &s, nil
	}
	return impl, decode, nil
}
