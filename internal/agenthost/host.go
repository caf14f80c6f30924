// Package agenthost implements the Agent Host (C4): one instance per
// hosted agent, owning the inbox reader, the tick protocol, the
// lifecycle state machine, and hibernation. This is the heart of the
// system per spec §4.4.
package agenthost

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/agentcore/runtime/internal/envelope"
	"github.com/agentcore/runtime/internal/logbuffer"
	"github.com/agentcore/runtime/internal/persistence"
	"github.com/agentcore/runtime/internal/relay"
	"github.com/agentcore/runtime/internal/rerr"
	"github.com/agentcore/runtime/internal/router"
	"github.com/agentcore/runtime/internal/scheduler"
	"github.com/agentcore/runtime/internal/signing"
	"github.com/agentcore/runtime/internal/statestore"
	"github.com/agentcore/runtime/public/agent"
)

// LifecycleKind is the Agent Host's own state machine (spec §4.4),
// distinct from agent.StatusKind (the status an agent reports about
// itself): a host can be Starting while the agent it hosts has already
// reported StatusOnline, for instance.
type LifecycleKind int

const (
	LifecycleIdle LifecycleKind = iota
	LifecycleStarting
	LifecycleOnline
	LifecycleWorking
	LifecycleShuttingDown
	LifecycleError
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleIdle:
		return "idle"
	case LifecycleStarting:
		return "starting"
	case LifecycleOnline:
		return "online"
	case LifecycleWorking:
		return "working"
	case LifecycleShuttingDown:
		return "shutting_down"
	case LifecycleError:
		return "error"
	default:
		return "unknown"
	}
}

// Lifecycle is the Host's current machine state.
type Lifecycle struct {
	Kind        LifecycleKind
	Recoverable bool
	Message     string
}

// StateDecoder turns a persisted JSON body back into the concrete state
// value an agent implementation expects in Context.State. Each hosted
// agent supplies its own, since the runtime has no generic way to know
// an agent's state type.
type StateDecoder func(body json.RawMessage) (any, error)

// Deps bundles the cross-cutting collaborators a Host needs: signing,
// state store, scheduler, relay, optional durable log, and log/trace
// sink, plus the tunables from spec §6.4.
type Deps struct {
	Signer      *signing.Service
	Store       *statestore.Store
	Scheduler   *scheduler.Scheduler
	Relay       relay.Client
	Persistence *persistence.Store // nil disables C9 acking
	Logs        *logbuffer.Bus

	InboxCapacity     int
	SeenCacheCapacity int
	TickDeadline      time.Duration
	IdleHibernateSecs int // 0 disables idle hibernation
	MaxTickRetries    int

	// PersistRecurring mirrors config.Config.PersistRecurring: when true
	// and Persistence is non-nil, recurring alarms are durably saved on
	// schedule and removed on cancel so they survive a process restart
	// (spec.md open question, resolved in DESIGN.md).
	PersistRecurring bool
}

// Host is the per-agent actor.
type Host struct {
	id      string
	impl    agent.Agent
	decode  StateDecoder
	deps    Deps
	inbox   *inbox
	seen    *SeenCache

	stateMu sync.Mutex
	state   any // nil means not loaded / hibernated

	lifecycleMu sync.RWMutex
	lifecycle   Lifecycle
	status      agent.Status

	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Host. Call Run to start it.
func New(id string, impl agent.Agent, decode StateDecoder, deps Deps) *Host {
	if deps.MaxTickRetries <= 0 {
		deps.MaxTickRetries = 3
	}
	if deps.TickDeadline <= 0 {
		deps.TickDeadline = 60 * time.Second
	}
	return &Host{
		id:     id,
		impl:   impl,
		decode: decode,
		deps:   deps,
		inbox:  newInbox(deps.InboxCapacity),
		seen:   NewSeenCache(deps.SeenCacheCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		lifecycle: Lifecycle{Kind: LifecycleIdle},
	}
}

// ID returns the hosted agent's id.
func (h *Host) ID() string { return h.id }

// Enqueue implements router.Inbox so the Router can hold this Host
// directly as a delivery target.
func (h *Host) Enqueue(ctx context.Context, t router.Trigger, policy router.BackpressurePolicy, timeout time.Duration) (bool, bool) {
	return h.inbox.Enqueue(ctx, t, policy, timeout)
}

// Status returns a snapshot of the agent-reported status.
func (h *Host) Status() agent.Status {
	h.lifecycleMu.RLock()
	defer h.lifecycleMu.RUnlock()
	return h.status
}

// Lifecycle returns a snapshot of the host's own state-machine state.
func (h *Host) Lifecycle() Lifecycle {
	h.lifecycleMu.RLock()
	defer h.lifecycleMu.RUnlock()
	return h.lifecycle
}

// Logs returns the agent's log/trace bus, or nil if none was configured.
// The control plane uses this for the recent/trace endpoints (spec §6.3).
func (h *Host) Logs() *logbuffer.Bus {
	return h.deps.Logs
}

func (h *Host) setLifecycle(l Lifecycle) {
	h.lifecycleMu.Lock()
	h.lifecycle = l
	h.lifecycleMu.Unlock()
}

func (h *Host) setStatus(s agent.Status) {
	h.lifecycleMu.Lock()
	h.status = s
	h.lifecycleMu.Unlock()
}

// Shutdown closes the Host's inbox; the run loop still processes the
// triggers already queued, then exits. It blocks until the loop has exited.
func (h *Host) Shutdown() {
	h.setLifecycle(Lifecycle{Kind: LifecycleShuttingDown})
	h.inbox.close()
	<-h.doneCh
}

func (h *Host) logf(level, format string, args ...any) {
	if h.deps.Logs != nil {
		h.deps.Logs.Publish(logbuffer.Record{
			Timestamp: time.Now(),
			Level:     level,
			Fields:    map[string]any{"agent_id": h.id, "message": fmt.Sprintf(format, args...)},
		})
		return
	}
	log.Printf("["+level+"] agent=%s "+format, append([]any{h.id}, args...)...)
}

// Run is the Host's main loop: pop a Trigger, run the tick protocol,
// repeat until Shutdown. Intended to run in its own goroutine for the
// agent's hosted lifetime.
func (h *Host) Run() {
	defer close(h.doneCh)
	h.setLifecycle(Lifecycle{Kind: LifecycleStarting})

	idleTimeout := time.Duration(math.MaxInt64)
	if h.deps.IdleHibernateSecs > 0 {
		idleTimeout = time.Duration(h.deps.IdleHibernateSecs) * time.Second
	}

	for {
		t, ok, timedOut := h.inbox.dequeue(idleTimeout)
		if !ok && !timedOut {
			return // closed: Shutdown was called
		}
		if timedOut {
			h.hibernateIfIdle()
			continue
		}
		h.tick(t)

		if lc := h.Lifecycle(); lc.Kind == LifecycleError && !lc.Recoverable {
			// terminal: stop consuming further triggers
			return
		}
	}
}

func (h *Host) hibernateIfIdle() {
	h.stateMu.Lock()
	loaded := h.state != nil
	h.stateMu.Unlock()
	if !loaded {
		return
	}
	ctx := h.newContext(context.Background(), time.Time{})
	if err := h.impl.OnSleep(ctx); err != nil {
		h.logf("warn", "on_sleep error: %v", err)
	}
	h.stateMu.Lock()
	h.state = nil
	h.stateMu.Unlock()
	h.setLifecycle(Lifecycle{Kind: LifecycleIdle})
}

func (h *Host) newContext(parent context.Context, deadline time.Time) *agent.Context {
	ctx := parent
	if !deadline.IsZero() {
		ctx, _ = context.WithDeadline(parent, deadline)
	}
	h.stateMu.Lock()
	state := h.state
	h.stateMu.Unlock()
	return &agent.Context{
		Context: ctx,
		AgentID: agent.ID(h.id),
		State:   state,
		Seen:    h.seen.Contains,
	}
}

// tick runs the full protocol from spec §4.4 for one Trigger, including
// retry-with-backoff on recoverable failure up to MaxTickRetries.
func (h *Host) tick(t router.Trigger) {
	// Step 2: dedup.
	if t.Kind == router.TriggerMessage && h.seen.Contains(t.Envelope.ID) {
		if h.deps.Persistence != nil {
			_ = h.deps.Persistence.Ack(t.Envelope.ID)
		}
		return
	}

	if err := h.ensureStateLoaded(); err != nil {
		h.handleTickError(t, err, 0)
		return
	}

	h.setLifecycle(Lifecycle{Kind: LifecycleOnline})

	var lastErr error
	for attempt := 0; attempt <= h.deps.MaxTickRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff(attempt))
		}
		if err := h.runOneAttempt(t); err != nil {
			lastErr = err
			if rerr.Classify(err) {
				h.handleTickError(t, err, attempt)
				return
			}
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		h.handleTickError(t, lastErr, h.deps.MaxTickRetries)
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 50 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func (h *Host) runOneAttempt(t router.Trigger) error {
	deadline := time.Now().Add(h.deps.TickDeadline)
	if !t.Deadline.IsZero() {
		deadline = t.Deadline
	}
	ctx := h.newContext(context.Background(), deadline)

	result, err := h.invokeOnTrigger(ctx, t)
	if err != nil {
		return err
	}

	return h.commit(ctx, t, result)
}

func (h *Host) invokeOnTrigger(ctx *agent.Context, t router.Trigger) (result agent.TickResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", rerr.ErrAgentPanic, r)
		}
	}()
	result, err = h.impl.OnTrigger(ctx, toAgentTrigger(t))
	return result, err
}

func toAgentTrigger(t router.Trigger) agent.Trigger {
	at := agent.Trigger{
		Kind:         agent.TriggerKind(t.Kind),
		Envelope:     t.Envelope,
		AlarmID:      t.AlarmID,
		ScheduledAt:  t.FireAt,
		AlarmPayload: t.Payload,
		Deadline:     t.Deadline,
	}
	if t.Kind == router.TriggerExternalEvent {
		at.ExternalKind = t.ExternalKind
		at.ExternalPayload = t.Payload
	}
	return at
}

// commit is steps 6-8 of the tick protocol: publish state if changed,
// publish outbound envelopes, register/cancel alarms, ack to C9.
func (h *Host) commit(ctx *agent.Context, t router.Trigger, result agent.TickResult) error {
	if t.Kind == router.TriggerMessage {
		h.seen.Add(t.Envelope.ID)
	}

	if result.StateChanged {
		h.stateMu.Lock()
		h.state = ctx.State
		h.stateMu.Unlock()

		body, err := json.Marshal(ctx.State)
		if err != nil {
			return fmt.Errorf("agenthost: marshal state: %w", err)
		}
		// The published envelope already carries the just-updated
		// seen-cache, so a crash before the C9 ack below still leaves
		// the next boot's state fetch self-consistent (spec §4.4).
		if _, err := h.deps.Store.Publish(ctx.Context, h.id, body, h.seen.Snapshot()); err != nil {
			return err
		}
	}

	for _, out := range result.Outbound {
		if err := h.publishOutbound(ctx.Context, out); err != nil {
			return err
		}
	}

	for _, op := range result.Alarms {
		h.applyAlarmOp(op)
	}

	if result.Status != nil {
		h.setStatus(*result.Status)
		switch result.Status.Kind {
		case agent.StatusWorking:
			h.setLifecycle(Lifecycle{Kind: LifecycleWorking})
		default:
			h.setLifecycle(Lifecycle{Kind: LifecycleOnline})
		}
	}

	if t.Kind == router.TriggerMessage && h.deps.Persistence != nil {
		_ = h.deps.Persistence.Ack(t.Envelope.ID)
	}
	return nil
}

func (h *Host) publishOutbound(ctx context.Context, out agent.OutboundEnvelope) error {
	pub, err := h.deps.Signer.PubKey(h.id)
	if err != nil {
		return rerr.WrapCrypto(err)
	}
	env, err := envelope.New(pub.Hex(), time.Now().Unix(), out.Kind, out.Tags, out.Payload)
	if err != nil {
		return fmt.Errorf("agenthost: build outbound envelope: %w", err)
	}
	canon, err := env.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("agenthost: canonicalize outbound: %w", err)
	}
	sig, err := h.deps.Signer.Sign(h.id, canon)
	if err != nil {
		return rerr.WrapCrypto(err)
	}
	signed := env.WithSignature(sig.Hex())
	if _, err := h.deps.Relay.Publish(ctx, signed, 5*time.Second); err != nil {
		return fmt.Errorf("%w: %v", rerr.ErrTransport, err)
	}
	return nil
}

func (h *Host) applyAlarmOp(op agent.AlarmOp) {
	if h.deps.Scheduler == nil {
		return
	}
	if op.Cancel {
		h.deps.Scheduler.Cancel(op.AlarmID)
		if h.deps.Persistence != nil && h.deps.PersistRecurring {
			if err := h.deps.Persistence.DeleteAlarm(op.AlarmID); err != nil {
				h.logf("warn", "delete persisted alarm %s: %v", op.AlarmID, err)
			}
		}
		return
	}
	rec := scheduler.Recurrence{Period: op.Recurrence}
	if op.CronExpr != "" {
		if parsed, err := scheduler.ParseCron(op.CronExpr); err == nil {
			rec = parsed
		} else {
			h.logf("warn", "invalid cron expression %q: %v", op.CronExpr, err)
		}
	}
	h.deps.Scheduler.Schedule(h.id, op.AlarmID, op.FireAt, op.Payload, rec)

	recurring := op.Recurrence > 0 || op.CronExpr != ""
	if recurring && h.deps.Persistence != nil && h.deps.PersistRecurring {
		err := h.deps.Persistence.SaveAlarm(persistence.AlarmRecord{
			AgentID: h.id, AlarmID: op.AlarmID, FireAt: op.FireAt, Payload: op.Payload,
			Period: op.Recurrence, CronExpr: op.CronExpr,
		})
		if err != nil {
			h.logf("warn", "persist alarm %s: %v", op.AlarmID, err)
		}
	}
}

// ensureStateLoaded implements tick step 3: use the in-memory copy if
// fresh, otherwise fetch+decrypt, or call on_create on fresh install.
func (h *Host) ensureStateLoaded() error {
	h.stateMu.Lock()
	loaded := h.state != nil
	h.stateMu.Unlock()
	if loaded {
		return nil
	}

	payload, _, err := h.deps.Store.Fetch(context.Background(), h.id)
	if err != nil {
		return err
	}

	if payload == nil {
		ctx := h.newContext(context.Background(), time.Time{})
		initial, err := h.impl.OnCreate(ctx)
		if err != nil {
			return fmt.Errorf("agenthost: on_create: %w", err)
		}
		h.stateMu.Lock()
		h.state = initial
		h.stateMu.Unlock()
		return nil
	}

	h.seen = LoadSeenCache(h.deps.SeenCacheCapacity, payload.SeenCache)
	decoded, err := h.decode(payload.Body)
	if err != nil {
		return fmt.Errorf("agenthost: decode state: %w", err)
	}
	h.stateMu.Lock()
	h.state = decoded
	h.stateMu.Unlock()

	ctx := h.newContext(context.Background(), time.Time{})
	if err := h.impl.OnWake(ctx); err != nil {
		return fmt.Errorf("agenthost: on_wake: %w", err)
	}
	return nil
}

func (h *Host) handleTickError(t router.Trigger, err error, attempts int) {
	ctx := h.newContext(context.Background(), time.Time{})
	if cbErr := h.impl.OnError(ctx, err); cbErr != nil {
		h.logf("error", "on_error itself failed: %v (original: %v)", cbErr, err)
	}

	fatal := rerr.Classify(err)
	h.setLifecycle(Lifecycle{
		Kind:        LifecycleError,
		Recoverable: !fatal,
		Message:     err.Error(),
	})
	h.logf("error", "tick failed (fatal=%v): %v", fatal, err)
}
