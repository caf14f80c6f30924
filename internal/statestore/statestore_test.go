package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentcore/runtime/internal/relay"
	"github.com/agentcore/runtime/internal/rerr"
	"github.com/agentcore/runtime/internal/signing"
)

func newTestStore(t *testing.T) (*Store, relay.Client) {
	t.Helper()
	r := relay.NewInMemory()
	if err := r.Connect(context.Background(), "mem://"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	svc := signing.New(signing.NewInMemoryKeyStore())
	store := New(r, svc, 38001, "agent-state-v1", 200*time.Millisecond, 1, nil)
	return store, r
}

func TestFetchReturnsNilWhenNoPriorState(t *testing.T) {
	store, _ := newTestStore(t)
	payload, env, err := store.Fetch(context.Background(), "agent-a")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if payload != nil || env != nil {
		t.Fatal("expected nil payload/envelope for fresh install")
	}
}

func TestPublishThenFetchRoundTrips(t *testing.T) {
	store, _ := newTestStore(t)
	body, _ := json.Marshal(map[string]int{"count": 3})

	if _, err := store.Publish(context.Background(), "agent-a", body, []string{"env-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	payload, env, err := store.Fetch(context.Background(), "agent-a")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if payload == nil || env == nil {
		t.Fatal("expected non-nil payload/envelope after publish")
	}
	if payload.Version != 1 {
		t.Fatalf("expected version 1, got %d", payload.Version)
	}
	if len(payload.SeenCache) != 1 || payload.SeenCache[0] != "env-1" {
		t.Fatalf("unexpected seen cache: %v", payload.SeenCache)
	}
	var decoded map[string]int
	if err := json.Unmarshal(payload.Body, &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if decoded["count"] != 3 {
		t.Fatalf("unexpected body: %v", decoded)
	}
}

func TestFetchSelectsLatestByCreatedAt(t *testing.T) {
	store, r := newTestStore(t)
	_ = r

	body1, _ := json.Marshal(map[string]int{"count": 1})
	body2, _ := json.Marshal(map[string]int{"count": 2})

	if _, err := store.Publish(context.Background(), "agent-a", body1, nil); err != nil {
		t.Fatalf("Publish 1: %v", err)
	}
	time.Sleep(1100 * time.Millisecond) // ensure distinct unix-second created_at
	if _, err := store.Publish(context.Background(), "agent-a", body2, nil); err != nil {
		t.Fatalf("Publish 2: %v", err)
	}

	payload, _, err := store.Fetch(context.Background(), "agent-a")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	var decoded map[string]int
	json.Unmarshal(payload.Body, &decoded)
	if decoded["count"] != 2 {
		t.Fatalf("expected latest state (count=2), got %v", decoded)
	}
}

func TestFetchRequiresMigrationWhenNoneRegistered(t *testing.T) {
	store, _ := newTestStore(t)
	store.CurrentVersion = 1
	body, _ := json.Marshal(map[string]int{"count": 1})
	if _, err := store.Publish(context.Background(), "agent-a", body, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	store.CurrentVersion = 2 // code moved on, no migration registered
	_, _, err := store.Fetch(context.Background(), "agent-a")
	if err == nil {
		t.Fatal("expected migration-required error")
	}
	if !errors.Is(err, rerr.ErrStateMigrationRequired) {
		t.Fatalf("expected ErrStateMigrationRequired, got %v", err)
	}
}

func TestFetchAppliesRegisteredMigration(t *testing.T) {
	store, _ := newTestStore(t)
	body, _ := json.Marshal(map[string]int{"count": 1})
	if _, err := store.Publish(context.Background(), "agent-a", body, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	store.CurrentVersion = 2
	store.Migrations = map[int]MigrationFunc{
		1: func(b json.RawMessage) (json.RawMessage, error) {
			var m map[string]int
			json.Unmarshal(b, &m)
			m["migrated"] = 1
			return json.Marshal(m)
		},
	}

	payload, _, err := store.Fetch(context.Background(), "agent-a")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if payload.Version != 2 {
		t.Fatalf("expected migrated version 2, got %d", payload.Version)
	}
	var decoded map[string]int
	json.Unmarshal(payload.Body, &decoded)
	if decoded["migrated"] != 1 {
		t.Fatalf("expected migration to run, got %v", decoded)
	}
}

