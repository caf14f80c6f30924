// Package envelope provides the canonical on-wire message unit shared by
// every agent and the trigger router: an immutable, signed, tag-indexed
// record suitable for transport over a pub/sub relay.
//
// Key Features:
// - Canonical JSON form for hashing and signing, bit-exact for interop
// - Ordered tag tuples as the routing/index substrate (see Filter)
// - Deterministic envelope id (lowercase hex SHA-256 of the canonical form)
//
// Called by: the agent host (publish/fetch), the trigger router (match),
// the state store (state envelopes).
// Calls: encoding/json, crypto/sha256.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Kind is the small integer taxonomy carried on every Envelope.
type Kind int

// Envelope is a single immutable unit of delivery. Once constructed via
// New, every exported field is read-only in practice: mutating an Envelope
// after it has been signed invalidates its id.
type Envelope struct {
	ID        string     `json:"id"`
	CreatedAt int64      `json:"created_at"` // monotone-intent epoch seconds
	Kind      Kind       `json:"kind"`
	Author    string     `json:"author"` // hex-encoded PublicKey
	Tags      [][]string `json:"tags"`   // ordered (tag-name, value, ...) tuples
	Payload   string     `json:"payload"`
	Signature string     `json:"sig,omitempty"` // hex-encoded Signature
}

// canonicalTuple is the wire form used for hashing and signing:
// [0, author_hex, created_at, kind, tags, payload].
type canonicalTuple struct {
	version   int
	author    string
	createdAt int64
	kind      Kind
	tags      [][]string
	payload   string
}

// MarshalJSON renders the canonical tuple as a JSON array, matching
// spec.md §6.2 exactly: [0, author_hex, created_at, kind, tags, payload].
func (c canonicalTuple) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		c.version, c.author, c.createdAt, c.kind, c.tags, c.payload,
	})
}

// Canonical returns the exact bytes that are hashed to produce the
// envelope id and that are signed to produce its signature.
func Canonical(author string, createdAt int64, kind Kind, tags [][]string, payload string) ([]byte, error) {
	if tags == nil {
		tags = [][]string{}
	}
	return json.Marshal(canonicalTuple{
		version:   0,
		author:    author,
		createdAt: createdAt,
		kind:      kind,
		tags:      tags,
		payload:   payload,
	})
}

// ID computes the envelope id (lowercase hex SHA-256 of the canonical form).
func ID(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// New builds an Envelope with a freshly computed id from its content fields.
// The caller is expected to sign the canonical bytes afterward and attach
// the signature with WithSignature — New never calls out to a signer so
// that this package stays free of any crypto dependency (invariant 6: only
// the signing service ever touches key material).
func New(author string, createdAt int64, kind Kind, tags [][]string, payload string) (*Envelope, error) {
	canon, err := Canonical(author, createdAt, kind, tags, payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize: %w", err)
	}
	if tags == nil {
		tags = [][]string{}
	}
	return &Envelope{
		ID:        ID(canon),
		CreatedAt: createdAt,
		Kind:      kind,
		Author:    author,
		Tags:      tags,
		Payload:   payload,
	}, nil
}

// CanonicalBytes recomputes the canonical byte form of this envelope, for
// re-verifying its id or signature.
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	return Canonical(e.Author, e.CreatedAt, e.Kind, e.Tags, e.Payload)
}

// WithSignature returns a copy of the envelope carrying the given
// hex-encoded signature. Envelopes are immutable once emitted, so this
// never mutates in place.
func (e *Envelope) WithSignature(sigHex string) *Envelope {
	clone := e.Clone()
	clone.Signature = sigHex
	return clone
}

// Tag returns the first value of the first tag tuple whose name matches,
// and whether one was found. Tag tuples are (name, value, ...); only the
// first two positions are considered here.
func (e *Envelope) Tag(name string) (string, bool) {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Tags != nil {
		clone.Tags = make([][]string, len(e.Tags))
		for i, t := range e.Tags {
			cp := make([]string, len(t))
			copy(cp, t)
			clone.Tags[i] = cp
		}
	}
	return &clone
}

// ToJSON serializes the full wire envelope (id, sig, and content fields).
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes a wire envelope.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks structural well-formedness (not signature validity,
// which is the signing service's concern).
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope id is required"}
	}
	if e.Author == "" {
		return &ValidationError{Field: "author", Message: "author is required"}
	}
	canon, err := e.CanonicalBytes()
	if err != nil {
		return &ValidationError{Field: "payload", Message: "not canonicalizable: " + err.Error()}
	}
	if got := ID(canon); got != e.ID {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("id mismatch: have %s want %s", e.ID, got)}
	}
	return nil
}

// ValidationError reports a structurally invalid envelope.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
