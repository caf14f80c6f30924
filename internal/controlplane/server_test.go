package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentcore/runtime/internal/agenthost"
	"github.com/agentcore/runtime/internal/envelope"
	"github.com/agentcore/runtime/internal/logbuffer"
	"github.com/agentcore/runtime/internal/relay"
	"github.com/agentcore/runtime/internal/signing"
	"github.com/agentcore/runtime/internal/statestore"
	"github.com/agentcore/runtime/public/agent/examples/echo"
)

const kindState envelope.Kind = 100

func echoDecoder(body json.RawMessage) (any, error) {
	var s echo.State
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

const replyKind envelope.Kind = 1

func newTestServer(t *testing.T) (*Server, *agenthost.Host, relay.Client, *logbuffer.Bus) {
	t.Helper()
	r := relay.NewInMemory()
	if err := r.Connect(context.Background(), "inmemory://"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	signer := signing.New(signing.NewInMemoryKeyStore())
	store := statestore.New(r, signer, kindState, "agent-state", 100*time.Millisecond, 1, nil)
	logs := logbuffer.NewBusWithCapacity(32)

	h := agenthost.New("agent-a", echo.New(replyKind), echoDecoder, agenthost.Deps{
		Signer:            signer,
		Store:             store,
		Relay:             r,
		Logs:              logs,
		InboxCapacity:     16,
		SeenCacheCapacity: 32,
		TickDeadline:      time.Second,
		MaxTickRetries:    1,
	})
	go h.Run()
	t.Cleanup(h.Shutdown)

	reg := NewRegistry()
	reg.Register(h)

	srv := NewServer(Deps{
		Registry:      reg,
		Signer:        signer,
		InjectTimeout: time.Second,
		TickSettle:    50 * time.Millisecond,
	})
	return srv, h, r, logs
}

func TestListAgentsReturnsRegisteredIDs(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ids []string
	if err := json.Unmarshal(rec.Body.Bytes(), &ids); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ids) != 1 || ids[0] != "agent-a" {
		t.Fatalf("expected [agent-a], got %v", ids)
	}
}

func TestAgentStatusUnknownReturns404(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/agents/nope/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSendInjectsMessageTriggerIntoInbox(t *testing.T) {
	srv, _, r, _ := newTestServer(t)
	sub, err := r.Subscribe(context.Background(), "observer", []envelope.Filter{{Kinds: []envelope.Kind{replyKind}}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/agents/agent-a/send", strings.NewReader("hi"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case reply := <-sub:
		if reply.Signature == "" {
			t.Fatal("expected reply envelope to carry a signature")
		}
		if !strings.Contains(reply.Payload, "hi") {
			t.Fatalf("expected reply payload to echo %q, got %q", "hi", reply.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the injected send to produce an echo reply")
	}
}

func TestTickInjectsExternalEventAndReportsStatus(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/agents/agent-a/tick", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var dto statusDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &dto); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestLogsRecentReturnsBufferedRecords(t *testing.T) {
	srv, _, _, logs := newTestServer(t)
	logs.Publish(logbuffer.Record{Timestamp: time.Now(), Level: "info", Fields: map[string]any{"msg": "hello"}})

	req := httptest.NewRequest(http.MethodGet, "/agents/agent-a/logs/recent", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var records []logbuffer.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].Level != "info" {
		t.Fatalf("expected one info record, got %v", records)
	}
}

func TestHealthzReportsOK(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
