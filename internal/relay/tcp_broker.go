package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/agentcore/runtime/internal/envelope"
)

// rpcRequest/rpcResponse mirror broker.Service's JSON-RPC framing (method
// + raw params, id-correlated responses), generalized from its topic/pipe
// method set to two methods: "subscribe" and "publish".
type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	ID     string    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type subscribeParams struct {
	SubscriptionID string            `json:"subscription_id"`
	Filters        []envelope.Filter `json:"filters"`
}

type publishParams struct {
	Envelope *envelope.Envelope `json:"envelope"`
}

// tcpConnection tracks one connected client's live subscriptions so the
// broker knows which envelopes to push down that socket.
type tcpConnection struct {
	id      string
	conn    net.Conn
	enc     *json.Encoder
	encMu   sync.Mutex
	subsMu  sync.RWMutex
	subs    map[string][]envelope.Filter
}

func (c *tcpConnection) send(v any) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.enc.Encode(v)
}

// TCPBroker is a minimal JSON-RPC-over-TCP relay server: clients connect,
// issue "subscribe" and "publish" requests, and every connected client's
// live subscriptions are matched against every published envelope and
// pushed down as asynchronous "envelope" notifications. This is the
// reference server a TCPClient talks to; it plays the role broker.Service
// plays for topics, generalized to Envelope/Filter.
type TCPBroker struct {
	listener net.Listener
	debug    bool

	mu       sync.RWMutex
	conns    map[string]*tcpConnection
	retained []*envelope.Envelope
}

// NewTCPBroker constructs an unstarted broker.
func NewTCPBroker(debug bool) *TCPBroker {
	return &TCPBroker{conns: make(map[string]*tcpConnection), debug: debug}
}

// Listen binds addr without serving, so callers can read back the bound
// port (e.g. addr "127.0.0.1:0" in tests) before Serve starts accepting.
func (b *TCPBroker) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay: listen: %w", err)
	}
	b.listener = ln
	return nil
}

// Serve accepts connections on the listener bound by Listen until it is
// closed.
func (b *TCPBroker) Serve() error {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return err
		}
		go b.handle(conn)
	}
}

// ListenAndServe binds addr and serves until the listener is closed.
func (b *TCPBroker) ListenAndServe(addr string) error {
	if err := b.Listen(addr); err != nil {
		return err
	}
	return b.Serve()
}

// Addr returns the bound address; nil until Listen (or ListenAndServe)
// has bound the listener.
func (b *TCPBroker) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Close stops accepting new connections.
func (b *TCPBroker) Close() error {
	if b.listener == nil {
		return nil
	}
	return b.listener.Close()
}

func (b *TCPBroker) handle(conn net.Conn) {
	c := &tcpConnection{
		id:   uuid.NewString(),
		conn: conn,
		enc:  json.NewEncoder(conn),
		subs: make(map[string][]envelope.Filter),
	}
	b.mu.Lock()
	b.conns[c.id] = c
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, c.id)
		b.mu.Unlock()
		conn.Close()
	}()

	dec := json.NewDecoder(conn)
	for {
		var req rpcRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := b.dispatch(c, req)
		if err := c.send(resp); err != nil {
			if b.debug {
				log.Printf("relay: broker write error: %v", err)
			}
			return
		}
	}
}

func (b *TCPBroker) dispatch(c *tcpConnection, req rpcRequest) rpcResponse {
	switch req.Method {
	case "subscribe":
		var p subscribeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, -32602, err.Error())
		}
		c.subsMu.Lock()
		c.subs[p.SubscriptionID] = p.Filters
		c.subsMu.Unlock()
		b.replay(c, p.Filters)
		return rpcResponse{ID: req.ID, Result: "ok"}

	case "unsubscribe":
		var p subscribeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, -32602, err.Error())
		}
		c.subsMu.Lock()
		delete(c.subs, p.SubscriptionID)
		c.subsMu.Unlock()
		return rpcResponse{ID: req.ID, Result: "ok"}

	case "publish":
		var p publishParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, -32602, err.Error())
		}
		b.retain(p.Envelope)
		b.fanOut(p.Envelope)
		return rpcResponse{ID: req.ID, Result: map[string]bool{"accepted": true}}

	default:
		return errResponse(req.ID, -32601, "method not found: "+req.Method)
	}
}

// retain keeps env in the bounded replay history (same rationale as
// InMemory's retainedCap: a subscribe issued after publish must still see
// past matches, which is what a state-store Fetch on fresh boot needs).
func (b *TCPBroker) retain(env *envelope.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retained = append(b.retained, env)
	if len(b.retained) > retainedCap {
		b.retained = b.retained[len(b.retained)-retainedCap:]
	}
}

// replay pushes every retained envelope matching filters down to c as
// "envelope" notifications, in publish order, before subscribe's ack is
// sent — so the client sees history before any subsequent live envelope.
func (b *TCPBroker) replay(c *tcpConnection, filters []envelope.Filter) {
	b.mu.RLock()
	matches := make([]*envelope.Envelope, 0, len(b.retained))
	for _, env := range b.retained {
		if anyFilterMatches(filters, env) {
			matches = append(matches, env)
		}
	}
	b.mu.RUnlock()

	for _, env := range matches {
		notice := map[string]any{"method": "envelope", "params": env}
		if err := c.send(notice); err != nil && b.debug {
			log.Printf("relay: broker replay error: %v", err)
		}
	}
}

func (b *TCPBroker) fanOut(env *envelope.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.conns {
		c.subsMu.RLock()
		matched := false
		for _, filters := range c.subs {
			if anyFilterMatches(filters, env) {
				matched = true
				break
			}
		}
		c.subsMu.RUnlock()
		if !matched {
			continue
		}
		notice := map[string]any{"method": "envelope", "params": env}
		if err := c.send(notice); err != nil && b.debug {
			log.Printf("relay: broker fan-out error: %v", err)
		}
	}
}

func errResponse(id string, code int, msg string) rpcResponse {
	return rpcResponse{ID: id, Error: &rpcError{Code: code, Message: msg}}
}
