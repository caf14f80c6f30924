// Package agent is the surface agent authors implement: a six-capability
// trait (OnCreate, OnWake, OnSleep, OnTrigger, OnError, OnTerminate) plus
// the Context, Trigger, and TickResult types the Agent Host passes to
// them. This generalizes the AgentRunner{Init, Process, Cleanup} trait
// (public/agent/framework.go) from a fixed three-hook lifecycle into six
// explicit lifecycle/trigger hooks.
package agent

import (
	"context"
	"time"

	"github.com/agentcore/runtime/internal/envelope"
)

// ID is the stable opaque identifier used as the routing key for an
// agent (spec §3.1).
type ID string

// TriggerKind discriminates the Trigger variants (spec §3.1).
type TriggerKind int

const (
	TriggerMessage TriggerKind = iota
	TriggerAlarm
	TriggerExternalEvent
	TriggerWake
	TriggerSleep
	TriggerTerminate
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerMessage:
		return "message"
	case TriggerAlarm:
		return "alarm"
	case TriggerExternalEvent:
		return "external_event"
	case TriggerWake:
		return "wake"
	case TriggerSleep:
		return "sleep"
	case TriggerTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Trigger is what an agent actually reacts to in on_trigger (spec §3.1).
// Only the fields relevant to Kind are populated.
type Trigger struct {
	Kind TriggerKind

	// TriggerMessage
	Envelope *envelope.Envelope

	// TriggerAlarm
	AlarmID     string
	ScheduledAt time.Time
	AlarmPayload string

	// TriggerExternalEvent
	ExternalKind    string
	ExternalPayload string

	// Deadline is the cooperative-cancellation boundary for this
	// invocation of on_trigger (spec §5): the Context's Done channel
	// closes when it elapses.
	Deadline time.Time
}

// OutboundEnvelope is an envelope an agent wants published, described
// before signing — the Agent Host fills in id/signature via internal/
// signing before handing it to the relay.
type OutboundEnvelope struct {
	Kind    envelope.Kind
	Tags    [][]string
	Payload string
}

// AlarmOp schedules or cancels an alarm as a side effect of a tick.
type AlarmOp struct {
	Cancel     bool // if true, cancels AlarmID and every other field is ignored
	AlarmID    string
	FireAt     time.Time
	Payload    string
	Recurrence time.Duration // zero means one-shot
	CronExpr   string        // alternative to Recurrence; mutually exclusive
}

// StatusKind is the closed AgentStatus sum type (spec §3.1), represented
// as a Kind tag plus the fields relevant to that kind — Go has no tagged
// unions.
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusStarting
	StatusOnline
	StatusWorking
	StatusPaused
	StatusShuttingDown
	StatusError
)

func (k StatusKind) String() string {
	switch k {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusOnline:
		return "online"
	case StatusWorking:
		return "working"
	case StatusPaused:
		return "paused"
	case StatusShuttingDown:
		return "shutting_down"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the concrete AgentStatus value.
type Status struct {
	Kind StatusKind

	ActiveSessions int    // StatusOnline
	JobID          string // StatusWorking
	Progress       float64 // StatusWorking
	PausedReason   string // StatusPaused
	ErrorMessage   string // StatusError
	Recoverable    bool   // StatusError
}

// TickResult is what on_trigger returns: the side effects of one tick
// (spec §4.4 step 5).
type TickResult struct {
	Outbound     []OutboundEnvelope
	Alarms       []AlarmOp
	Status       *Status // nil means unchanged
	StateChanged bool
}

// Context is the mutable view an agent gets during one tick: its own
// state (agent-defined, opaque to the runtime beyond serialization),
// identity, and a read-only view of the seen-cache.
type Context struct {
	context.Context

	AgentID ID

	// State is the agent's own decoded state blob for this tick. An
	// agent implementation type-asserts this to its own state type on
	// entry and mutates it in place; StateChanged on the returned
	// TickResult tells the host whether to persist the mutation.
	State any

	// Seen reports whether envelopeID has already been observed by this
	// agent (read-only view of the seen-cache, spec §4.4 step 4).
	Seen func(envelopeID string) bool
}

// Agent is the six-capability trait every agent implementation provides.
// State is carried externally (in Context.State); implementations should
// be stateless receivers so the same value can be rehydrated from a
// decrypted state blob after hibernation.
type Agent interface {
	// OnCreate is invoked exactly once, on fresh install (no prior state
	// envelope found). It returns the initial state. The host keeps that
	// state in memory and does not publish it by itself; the first state
	// envelope is published by the first tick whose result sets
	// StateChanged.
	OnCreate(ctx *Context) (initialState any, err error)

	// OnWake is invoked when a hibernated agent is re-entered by a new
	// Trigger, after state has been fetched and decrypted.
	OnWake(ctx *Context) error

	// OnSleep is invoked before an agent's in-memory state is dropped
	// (explicit hibernation or idle timeout).
	OnSleep(ctx *Context) error

	// OnTrigger is the core of one tick: react to t and describe the
	// side effects as a TickResult.
	OnTrigger(ctx *Context, t Trigger) (TickResult, error)

	// OnError is invoked when a tick fails (signing/decrypt/transport
	// error, state migration failure, or a recovered panic). err is the
	// underlying failure; the agent may adjust its state before the host
	// decides fatal-vs-recoverable via internal/rerr.Classify.
	OnError(ctx *Context, err error) error

	// OnTerminate is invoked once before an agent is permanently removed.
	OnTerminate(ctx *Context) error
}
