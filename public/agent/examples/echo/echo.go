// Package echo is the reference agent used to exercise the six-capability
// trait end to end. It holds a single counter in its state and, for every
// Message trigger, emits one outbound envelope echoing the inbound
// payload back prefixed with the counter ("echo[<count>]: <payload>").
package echo

import (
	"fmt"

	"github.com/agentcore/runtime/internal/envelope"
	"github.com/agentcore/runtime/public/agent"
)

// State is echo's entire persisted state.
type State struct {
	Count int `json:"count"`
}

// Agent implements agent.Agent.
type Agent struct {
	ReplyKind envelope.Kind
}

// New constructs an echo agent that replies with envelopes of kind
// replyKind.
func New(replyKind envelope.Kind) *Agent {
	return &Agent{ReplyKind: replyKind}
}

func (a *Agent) OnCreate(ctx *agent.Context) (any, error) {
	return &State{Count: 0}, nil
}

func (a *Agent) OnWake(ctx *agent.Context) error {
	return nil
}

func (a *Agent) OnSleep(ctx *agent.Context) error {
	return nil
}

func (a *Agent) OnTrigger(ctx *agent.Context, t agent.Trigger) (agent.TickResult, error) {
	state, ok := ctx.State.(*State)
	if !ok {
		return agent.TickResult{}, fmt.Errorf("echo: unexpected state type %T", ctx.State)
	}

	switch t.Kind {
	case agent.TriggerMessage:
		state.Count++
		reply := fmt.Sprintf("echo[%d]: %s", state.Count, t.Envelope.Payload)
		return agent.TickResult{
			Outbound: []agent.OutboundEnvelope{{
				Kind:    a.ReplyKind,
				Tags:    [][]string{{"in-reply-to", t.Envelope.ID}},
				Payload: reply,
			}},
			StateChanged: true,
		}, nil

	case agent.TriggerAlarm:
		state.Count++
		return agent.TickResult{StateChanged: true}, nil

	default:
		return agent.TickResult{}, nil
	}
}

func (a *Agent) OnError(ctx *agent.Context, err error) error {
	return nil
}

func (a *Agent) OnTerminate(ctx *agent.Context) error {
	return nil
}
