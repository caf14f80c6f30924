// Package relay defines the pub/sub transport contract the runtime
// consumes (spec §6.1) and ships two concrete implementations: InMemory,
// an in-process bus for tests and single-process demos, and a
// TCPClient/TCPBroker pair modeled on a JSON-RPC broker/client, adapted to
// speak the Envelope/Filter wire protocol instead of arbitrary topics. Any
// type satisfying Client is swappable with these.
package relay

import (
	"context"
	"time"

	"github.com/agentcore/runtime/internal/envelope"
)

// Ack is the broker's response to Publish.
type Ack struct {
	Accepted bool
	Message  string
}

// Client is the transport-level relay contract the runtime requires (spec
// §6.1). The runtime treats the Subscribe stream as unbounded and
// potentially lossy — it never assumes delivery-once semantics.
type Client interface {
	Connect(ctx context.Context, url string) error

	// Subscribe registers filters under subscriptionID and returns a
	// channel of matching envelopes. The channel is closed on Disconnect
	// or when Unsubscribe is called with the same id.
	Subscribe(ctx context.Context, subscriptionID string, filters []envelope.Filter) (<-chan *envelope.Envelope, error)

	Unsubscribe(subscriptionID string) error

	Publish(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (Ack, error)

	Disconnect() error
}
