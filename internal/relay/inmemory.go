package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentcore/runtime/internal/envelope"
)

// retainedCap bounds how many published envelopes InMemory keeps around
// for replay to subscribers that arrive after Publish already happened
// (e.g. a state-store Fetch issued on a fresh process boot). Without this,
// Subscribe would only ever see envelopes published after it, and nothing
// durable could ever be queried back — the state store's crash-recovery
// fetch depends on exactly this query-then-live-stream behavior.
const retainedCap = 4096

// InMemory is an in-process Client: Publish fans an envelope out to every
// subscription whose filters match, with no network involved, and also
// retains a bounded history so a Subscribe issued after Publish can still
// replay matching envelopes before streaming live ones. It is the default
// transport for unit tests and single-process demos.
type InMemory struct {
	mu          sync.RWMutex
	connected   bool
	subscribers map[string]*inMemorySub
	retained    []*envelope.Envelope
}

type inMemorySub struct {
	filters []envelope.Filter
	ch      chan *envelope.Envelope
}

// NewInMemory constructs a disconnected InMemory relay.
func NewInMemory() *InMemory {
	return &InMemory{subscribers: make(map[string]*inMemorySub)}
}

func (m *InMemory) Connect(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Subscribe registers subscriptionID and replays every retained envelope
// matching filters (oldest first) before returning, so callers see past
// matches as well as future ones on the same channel.
func (m *InMemory) Subscribe(ctx context.Context, subscriptionID string, filters []envelope.Filter) (<-chan *envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("relay: not connected")
	}
	ch := make(chan *envelope.Envelope, 64+len(m.retained))
	m.subscribers[subscriptionID] = &inMemorySub{filters: filters, ch: ch}
	for _, env := range m.retained {
		if anyFilterMatches(filters, env) {
			ch <- env
		}
	}
	return ch, nil
}

func (m *InMemory) Unsubscribe(subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscribers[subscriptionID]; ok {
		close(sub.ch)
		delete(m.subscribers, subscriptionID)
	}
	return nil
}

// Publish matches env against every live subscription's filter set and
// sends a copy to each matching subscriber. Sends are non-blocking: a
// subscriber that cannot keep up silently misses the envelope, matching
// the "unbounded, potentially lossy" transport characterization the
// runtime is built to tolerate.
func (m *InMemory) Publish(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return Ack{}, fmt.Errorf("relay: not connected")
	}
	m.retained = append(m.retained, env)
	if len(m.retained) > retainedCap {
		m.retained = m.retained[len(m.retained)-retainedCap:]
	}
	for _, sub := range m.subscribers {
		if !anyFilterMatches(sub.filters, env) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
		}
	}
	return Ack{Accepted: true}, nil
}

func (m *InMemory) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.subscribers {
		close(sub.ch)
		delete(m.subscribers, id)
	}
	m.connected = false
	return nil
}

func anyFilterMatches(filters []envelope.Filter, env *envelope.Envelope) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Match(env) {
			return true
		}
	}
	return false
}
