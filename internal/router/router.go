// Package router implements the Trigger Router (C3): it subscribes to the
// relay with the union of every hosted agent's filter, and for each
// inbound envelope determines the matching AgentIds and enqueues a
// Message trigger on each one's inbox. It also turns Scheduler firings
// into Alarm triggers.
//
// Grounded on broker.Topic's subscriber-list-per-topic idea
// (internal/broker/service.go), generalized from one list per topic
// string to one index per tag character plus by-author/by-kind indices,
// rebuilt incrementally under a write lock on filter change.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentcore/runtime/internal/envelope"
)

// BackpressurePolicy selects what the router does when a target agent's
// inbox is full (spec §4.3).
type BackpressurePolicy int

const (
	DropOldest BackpressurePolicy = iota
	DropNewest
	Block // bounded by a per-enqueue timeout; falls back to DropOldest on expiry
)

// Inbox is the write-only handle the router holds into one agent's
// trigger queue. internal/agenthost implements this with a mutex-guarded
// bounded slice and a notify channel, plus the logic to drop per
// BackpressurePolicy.
type Inbox interface {
	// Enqueue attempts to deliver t within timeout (used only when policy
	// is Block). delivered reports whether t itself landed in the queue;
	// dropped reports whether some item — t on DropNewest/failure, or the
	// queue's oldest entry on DropOldest and on a Block timeout fallback —
	// was discarded instead of delivered. The two are independent: a
	// DropOldest enqueue can report delivered=true, dropped=true in the
	// same call, since t is admitted while a different item is evicted.
	Enqueue(ctx context.Context, t Trigger, policy BackpressurePolicy, timeout time.Duration) (delivered bool, dropped bool)
}

// Trigger mirrors public/agent.Trigger structurally but router stays free
// of a dependency on the public package; agenthost adapts between the two.
type Trigger struct {
	Kind     TriggerKind
	Envelope *envelope.Envelope
	AlarmID  string
	FireAt   time.Time
	Payload  string // Alarm payload, or ExternalEvent payload
	Deadline time.Time

	// ExternalKind discriminates a TriggerExternalEvent's own kind tag
	// (spec §3.1: "ExternalEvent(kind, payload)"); unused by other kinds.
	ExternalKind string
}

type TriggerKind int

const (
	TriggerMessage TriggerKind = iota
	TriggerAlarm
	TriggerExternalEvent
	TriggerWake
	TriggerSleep
	TriggerTerminate
)

// DropObserver receives a BackpressureDrop trace event (spec §7) each time
// the router drops a Trigger instead of delivering it.
type DropObserver func(agentID string, reason string)

// RecordObserver durably logs a Message trigger immediately before it is
// handed to an agent's inbox — the Persistence Adapter (C9) "shadows
// C3->C4" (spec §3.3) by recording here, ahead of backpressure/delivery,
// so a crash between this record and the agent's eventual ack still
// leaves the envelope replayable on the next boot. Nil disables shadowing
// (C9 not configured).
type RecordObserver func(agentID string, env *envelope.Envelope)

type registration struct {
	agentID string
	filter  envelope.Filter
	inbox   Inbox
	policy  BackpressurePolicy
	timeout time.Duration
}

// Router maintains the union of registered agent filters and indexes them
// for fast match-and-dispatch.
type Router struct {
	mu    sync.RWMutex
	regs  map[string]*registration

	// byAuthor/byKind/byTag are fast-path indices; matchingAgents unions
	// the lookups they admit into a candidate set and only then runs the
	// full Filter.Match against each candidate, because a Filter is a
	// conjunction across its populated fields, not expressible purely as
	// set membership — the indices narrow the candidate set, they don't
	// replace the final Match check.
	byAuthor map[string]map[string]struct{}
	byKind   map[envelope.Kind]map[string]struct{}
	byTag    map[string]map[string]map[string]struct{} // tagName -> value -> agentIDs

	// unindexed holds agents whose filter constrains none of
	// Authors/Kinds/Tags (including the empty filter, and filters that
	// only constrain IDs/Since/Until, which have no index of their own).
	// Such a filter can match an envelope the three indices would never
	// surface, so its agent must always be a matchingAgents candidate;
	// the final Match call still applies whatever constraint it does carry.
	unindexed map[string]struct{}

	onDrop   DropObserver
	onRecord RecordObserver
}

// New constructs an empty Router. onDrop may be nil.
func New(onDrop DropObserver) *Router {
	if onDrop == nil {
		onDrop = func(string, string) {}
	}
	return &Router{
		regs:      make(map[string]*registration),
		byAuthor:  make(map[string]map[string]struct{}),
		byKind:    make(map[envelope.Kind]map[string]struct{}),
		byTag:     make(map[string]map[string]map[string]struct{}),
		unindexed: make(map[string]struct{}),
		onDrop:    onDrop,
	}
}

// SetRecordObserver installs f as the Router's C9 shadowing hook. Passing
// nil disables shadowing.
func (r *Router) SetRecordObserver(f RecordObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRecord = f
}

// Register adds or replaces agentID's filter/inbox/backpressure policy and
// rebuilds the affected index shards.
func (r *Router) Register(agentID string, filter envelope.Filter, inbox Inbox, policy BackpressurePolicy, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.regs[agentID]; ok {
		r.unindexLocked(agentID, old.filter)
	}
	reg := &registration{agentID: agentID, filter: filter, inbox: inbox, policy: policy, timeout: timeout}
	r.regs[agentID] = reg
	r.indexLocked(agentID, filter)
}

// Deregister removes agentID entirely.
func (r *Router) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.regs[agentID]; ok {
		r.unindexLocked(agentID, reg.filter)
		delete(r.regs, agentID)
	}
}

func (r *Router) indexLocked(agentID string, f envelope.Filter) {
	if len(f.Authors) == 0 && len(f.Kinds) == 0 && len(f.Tags) == 0 {
		r.unindexed[agentID] = struct{}{}
	}
	for _, a := range f.Authors {
		if r.byAuthor[a] == nil {
			r.byAuthor[a] = make(map[string]struct{})
		}
		r.byAuthor[a][agentID] = struct{}{}
	}
	for _, k := range f.Kinds {
		if r.byKind[k] == nil {
			r.byKind[k] = make(map[string]struct{})
		}
		r.byKind[k][agentID] = struct{}{}
	}
	for tag, values := range f.Tags {
		if r.byTag[tag] == nil {
			r.byTag[tag] = make(map[string]map[string]struct{})
		}
		for _, v := range values {
			if r.byTag[tag][v] == nil {
				r.byTag[tag][v] = make(map[string]struct{})
			}
			r.byTag[tag][v][agentID] = struct{}{}
		}
	}
}

func (r *Router) unindexLocked(agentID string, f envelope.Filter) {
	delete(r.unindexed, agentID)
	for _, a := range f.Authors {
		delete(r.byAuthor[a], agentID)
	}
	for _, k := range f.Kinds {
		delete(r.byKind[k], agentID)
	}
	for tag, values := range f.Tags {
		for _, v := range values {
			delete(r.byTag[tag][v], agentID)
		}
	}
}

// UnionFilter returns one filter admitting every envelope some registered
// agent's filter admits, suitable for a single upstream relay subscription
// covering all hosted agents. It over-approximates: Authors and Kinds are
// the union of every agent's lists, left empty (unconstrained) when any
// agent leaves that field unconstrained, and Tags, IDs and Since/Until are
// not carried over. Dispatch still applies each agent's own filter.
func (r *Router) UnionFilter() envelope.Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var union envelope.Filter
	authorSet := map[string]struct{}{}
	kindSet := map[envelope.Kind]struct{}{}
	anyAuthor, anyKind := false, false
	for _, reg := range r.regs {
		if len(reg.filter.Authors) == 0 {
			anyAuthor = true
		}
		if len(reg.filter.Kinds) == 0 {
			anyKind = true
		}
		for _, a := range reg.filter.Authors {
			authorSet[a] = struct{}{}
		}
		for _, k := range reg.filter.Kinds {
			kindSet[k] = struct{}{}
		}
	}
	if anyAuthor {
		authorSet = nil
	}
	if anyKind {
		kindSet = nil
	}
	for a := range authorSet {
		union.Authors = append(union.Authors, a)
	}
	for k := range kindSet {
		union.Kinds = append(union.Kinds, k)
	}
	return union
}

// Dispatch determines every agent whose registered filter matches env and
// enqueues a Message trigger on each, applying each agent's configured
// backpressure policy. It never blocks beyond any single agent's Block
// timeout in aggregate beyond the sum of per-agent timeouts, matching
// spec §4.3's "Block never blocks the router beyond timeout" per target.
func (r *Router) Dispatch(ctx context.Context, env *envelope.Envelope) {
	for _, agentID := range r.matchingAgents(env) {
		r.deliver(ctx, agentID, Trigger{Kind: TriggerMessage, Envelope: env})
	}
}

// DispatchAlarm enqueues an Alarm trigger on the named agent directly
// (alarms bypass the filter-matching path entirely — the Scheduler knows
// the target agent id already).
func (r *Router) DispatchAlarm(ctx context.Context, agentID, alarmID string, fireAt time.Time, payload string) {
	r.deliver(ctx, agentID, Trigger{Kind: TriggerAlarm, AlarmID: alarmID, FireAt: fireAt, Payload: payload})
}

// matchingAgents unions every index lookup env can satisfy into a
// candidate set, then resolves each candidate against its own Filter.Match
// — the indices narrow which registrations are worth checking, the final
// Match call decides correctness.
func (r *Router) matchingAgents(env *envelope.Envelope) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make(map[string]struct{})
	for agentID := range r.unindexed {
		candidates[agentID] = struct{}{}
	}
	for agentID := range r.byAuthor[env.Author] {
		candidates[agentID] = struct{}{}
	}
	for agentID := range r.byKind[env.Kind] {
		candidates[agentID] = struct{}{}
	}
	for _, t := range env.Tags {
		if len(t) < 2 {
			continue
		}
		for agentID := range r.byTag[t[0]][t[1]] {
			candidates[agentID] = struct{}{}
		}
	}

	var out []string
	for agentID := range candidates {
		reg, ok := r.regs[agentID]
		if !ok {
			continue
		}
		if reg.filter.Match(env) {
			out = append(out, agentID)
		}
	}
	return out
}

func (r *Router) deliver(ctx context.Context, agentID string, t Trigger) {
	r.mu.RLock()
	reg, ok := r.regs[agentID]
	onRecord := r.onRecord
	r.mu.RUnlock()
	if !ok {
		return
	}
	if t.Kind == TriggerMessage && onRecord != nil {
		onRecord(agentID, t.Envelope)
	}
	_, dropped := reg.inbox.Enqueue(ctx, t, reg.policy, reg.timeout)
	if dropped {
		r.onDrop(agentID, fmt.Sprintf("inbox full, policy=%v", reg.policy))
	}
}
