// Package statestore implements the State Store (C5): encrypted state
// snapshots published as a single replaceable envelope per agent,
// identified by (author, kind=STATE_KIND, tag d=STATE_D_TAG) where the
// latest created_at wins. Fetch-and-select-max is run against whatever
// relay.Client is wired in, with fetch_timeout enforced via
// context.WithTimeout (spec §4.5).
package statestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentcore/runtime/internal/envelope"
	"github.com/agentcore/runtime/internal/relay"
	"github.com/agentcore/runtime/internal/rerr"
	"github.com/agentcore/runtime/internal/signing"
)

// Payload is the plaintext structure encrypted inside a state envelope
// (spec §4.5).
type Payload struct {
	Version   int             `json:"version"`
	Body      json.RawMessage `json:"body"`
	SeenCache []string        `json:"seen_cache"`
}

// MigrationFunc upgrades a Payload.Body from one version to the next
// (version N -> N+1). Store.Fetch chains these until CurrentVersion is
// reached, or fails with rerr.ErrStateMigrationRequired if a required
// step is missing.
type MigrationFunc func(body json.RawMessage) (json.RawMessage, error)

// Store is the State Store capability surface the Agent Host calls.
type Store struct {
	Relay          relay.Client
	Signer         *signing.Service
	StateKind      envelope.Kind
	StateDTag      string
	FetchTimeout   time.Duration
	CurrentVersion int
	Migrations     map[int]MigrationFunc // keyed by source version
}

// New constructs a Store with the given wiring.
func New(r relay.Client, signer *signing.Service, stateKind envelope.Kind, stateDTag string, fetchTimeout time.Duration, currentVersion int, migrations map[int]MigrationFunc) *Store {
	if migrations == nil {
		migrations = map[int]MigrationFunc{}
	}
	return &Store{
		Relay: r, Signer: signer, StateKind: stateKind, StateDTag: stateDTag,
		FetchTimeout: fetchTimeout, CurrentVersion: currentVersion, Migrations: migrations,
	}
}

// Publish encrypts, signs, and publishes a new state envelope for
// agentID. The envelope is self-encrypted: recipient is the agent's own
// X25519 public key, so only the agent (or the runtime holding its key
// material) can later decrypt it.
func (s *Store) Publish(ctx context.Context, agentID string, body json.RawMessage, seenCache []string) (*envelope.Envelope, error) {
	pub, err := s.Signer.PubKey(agentID)
	if err != nil {
		return nil, rerr.WrapCrypto(err)
	}
	selfDH, err := s.Signer.PubKeyX25519(agentID)
	if err != nil {
		return nil, rerr.WrapCrypto(err)
	}

	payload := Payload{Version: s.CurrentVersion, Body: body, SeenCache: seenCache}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("statestore: marshal payload: %w", err)
	}
	ciphertext, err := s.Signer.Encrypt(agentID, selfDH, plaintext)
	if err != nil {
		return nil, rerr.WrapCrypto(err)
	}

	createdAt := time.Now().Unix()
	tags := [][]string{
		{"d", s.StateDTag},
		{"state_version", fmt.Sprintf("%d", s.CurrentVersion)},
	}
	env, err := envelope.New(pub.Hex(), createdAt, s.StateKind, tags, base64.StdEncoding.EncodeToString(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("statestore: build envelope: %w", err)
	}
	canon, err := env.CanonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("statestore: canonicalize: %w", err)
	}
	sig, err := s.Signer.Sign(agentID, canon)
	if err != nil {
		return nil, rerr.WrapCrypto(err)
	}
	signed := env.WithSignature(sig.Hex())

	if _, err := s.Relay.Publish(ctx, signed, 5*time.Second); err != nil {
		return nil, fmt.Errorf("%w: %v", rerr.ErrTransport, err)
	}
	return signed, nil
}

// Fetch retrieves the latest state envelope for agentID, decrypts and
// migrates it to CurrentVersion. A nil Payload with a nil error means no
// prior state exists (fresh install, spec §4.5).
func (s *Store) Fetch(ctx context.Context, agentID string) (*Payload, *envelope.Envelope, error) {
	pub, err := s.Signer.PubKey(agentID)
	if err != nil {
		return nil, nil, rerr.WrapCrypto(err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.FetchTimeout)
	defer cancel()

	subID := agentID + "-state-fetch"
	filter := envelope.Filter{
		Authors: []string{pub.Hex()},
		Kinds:   []envelope.Kind{s.StateKind},
		Tags:    map[string][]string{"d": {s.StateDTag}},
	}
	ch, err := s.Relay.Subscribe(fetchCtx, subID, []envelope.Filter{filter})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", rerr.ErrTransport, err)
	}
	defer s.Relay.Unsubscribe(subID)

	var candidates []*envelope.Envelope
collect:
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				break collect
			}
			candidates = append(candidates, env)
		case <-fetchCtx.Done():
			break collect
		}
	}

	if len(candidates) == 0 {
		return nil, nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt != candidates[j].CreatedAt {
			return candidates[i].CreatedAt > candidates[j].CreatedAt
		}
		return candidates[i].ID > candidates[j].ID
	})
	latest := candidates[0]

	if latest.Author != pub.Hex() {
		return nil, nil, fmt.Errorf("%w: state envelope author %s != self %s", rerr.ErrStateAuthorMismatch, latest.Author, pub.Hex())
	}

	ciphertext, err := base64.StdEncoding.DecodeString(latest.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("statestore: decode ciphertext: %w", err)
	}
	selfDH, err := s.Signer.PubKeyX25519(agentID)
	if err != nil {
		return nil, nil, rerr.WrapCrypto(err)
	}
	plaintext, err := s.Signer.Decrypt(agentID, selfDH, ciphertext)
	if err != nil {
		return nil, nil, rerr.WrapCrypto(err)
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, nil, fmt.Errorf("statestore: unmarshal payload: %w", err)
	}

	if payload.Version != s.CurrentVersion {
		if err := s.migrate(&payload); err != nil {
			return nil, nil, err
		}
	}

	return &payload, latest, nil
}

func (s *Store) migrate(payload *Payload) error {
	for payload.Version < s.CurrentVersion {
		step, ok := s.Migrations[payload.Version]
		if !ok {
			return fmt.Errorf("%w: from=%d to=%d", rerr.ErrStateMigrationRequired, payload.Version, s.CurrentVersion)
		}
		migrated, err := step(payload.Body)
		if err != nil {
			return fmt.Errorf("statestore: migration %d->%d: %w", payload.Version, payload.Version+1, err)
		}
		payload.Body = migrated
		payload.Version++
	}
	if payload.Version > s.CurrentVersion {
		return fmt.Errorf("%w: from=%d to=%d (newer than current code)", rerr.ErrStateMigrationRequired, payload.Version, s.CurrentVersion)
	}
	return nil
}
