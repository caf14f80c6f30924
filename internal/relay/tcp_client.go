package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/runtime/internal/envelope"
)

// TCPClient is the reference Client implementation speaking the TCPBroker's
// JSON-RPC protocol, modeled on BrokerClient: one goroutine reads
// responses/notifications off the wire and correlates them by request id
// (for RPC replies) or dispatches them to subscription channels (for
// "envelope" notifications).
type TCPClient struct {
	mu      sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	pending map[string]chan rpcResponse

	subsMu sync.RWMutex
	subs   map[string]chan *envelope.Envelope
}

// NewTCPClient constructs a disconnected client.
func NewTCPClient() *TCPClient {
	return &TCPClient{
		pending: make(map[string]chan rpcResponse),
		subs:    make(map[string]chan *envelope.Envelope),
	}
}

func (c *TCPClient) Connect(ctx context.Context, url string) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", url)
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *TCPClient) readLoop(conn net.Conn) {
	dec := json.NewDecoder(conn)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			c.closeAllSubs()
			return
		}

		var probe struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(raw, &probe)

		if probe.Method == "envelope" {
			var notice struct {
				Params *envelope.Envelope `json:"params"`
			}
			if err := json.Unmarshal(raw, &notice); err != nil || notice.Params == nil {
				continue
			}
			c.dispatchEnvelope(notice.Params)
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *TCPClient) dispatchEnvelope(env *envelope.Envelope) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- env:
		default:
		}
	}
}

func (c *TCPClient) closeAllSubs() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

func (c *TCPClient) call(ctx context.Context, method string, params any, timeout time.Duration) (rpcResponse, error) {
	id := uuid.NewString()
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return rpcResponse{}, fmt.Errorf("relay: marshal params: %w", err)
	}

	replyCh := make(chan rpcResponse, 1)
	c.mu.Lock()
	if c.enc == nil {
		c.mu.Unlock()
		return rpcResponse{}, fmt.Errorf("relay: not connected")
	}
	c.pending[id] = replyCh
	err = c.enc.Encode(rpcRequest{ID: id, Method: method, Params: paramBytes})
	c.mu.Unlock()
	if err != nil {
		return rpcResponse{}, fmt.Errorf("relay: write: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case resp := <-replyCh:
		if resp.Error != nil {
			return resp, fmt.Errorf("relay: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return rpcResponse{}, fmt.Errorf("relay: rpc timeout: %w", ctx.Err())
	}
}

func (c *TCPClient) Subscribe(ctx context.Context, subscriptionID string, filters []envelope.Filter) (<-chan *envelope.Envelope, error) {
	ch := make(chan *envelope.Envelope, 64)
	c.subsMu.Lock()
	c.subs[subscriptionID] = ch
	c.subsMu.Unlock()

	if _, err := c.call(ctx, "subscribe", subscribeParams{SubscriptionID: subscriptionID, Filters: filters}, 5*time.Second); err != nil {
		c.subsMu.Lock()
		delete(c.subs, subscriptionID)
		c.subsMu.Unlock()
		return nil, err
	}
	return ch, nil
}

func (c *TCPClient) Unsubscribe(subscriptionID string) error {
	c.subsMu.Lock()
	ch, ok := c.subs[subscriptionID]
	if ok {
		close(ch)
		delete(c.subs, subscriptionID)
	}
	c.subsMu.Unlock()
	if !ok {
		return nil
	}
	_, err := c.call(context.Background(), "unsubscribe", subscribeParams{SubscriptionID: subscriptionID}, 5*time.Second)
	return err
}

func (c *TCPClient) Publish(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (Ack, error) {
	resp, err := c.call(ctx, "publish", publishParams{Envelope: env}, timeout)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Accepted: true, Message: fmt.Sprintf("%v", resp.Result)}, nil
}

func (c *TCPClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.enc = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
