// Package signing holds agent private key material and exposes a narrow
// (AgentId, bytes) -> bytes capability surface to the rest of the runtime.
// No component outside this package ever observes raw private key bytes
// (spec.md invariant 6) — everyone else holds only the opaque PublicKey
// and Signature byte slices this package hands back.
//
// Concrete backing is a variant over KeyStore implementations: InMemory
// (test/dev), OSKeychain (file-backed, 0600, grounded on the corpus's
// vault pattern), and Broker (delegates to an external signer process).
//
// Called by: the agent host and the control plane (sign outbound
// envelopes), the state store (encrypt, sign and decrypt state envelopes).
// Calls: crypto/ed25519, crypto/ecdh, golang.org/x/crypto/hkdf,
// golang.org/x/crypto/chacha20poly1305.
package signing

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// PublicKey and Signature are opaque byte vectors. The runtime passes them
// around without interpreting their contents; only this package constructs
// or inspects them.
type PublicKey []byte
type Signature []byte

// Hex renders a PublicKey/Signature for use in envelope fields.
func (p PublicKey) Hex() string { return hex.EncodeToString(p) }
func (s Signature) Hex() string { return hex.EncodeToString(s) }

var (
	// ErrUnknownAgent is returned when no key material exists for an AgentId.
	ErrUnknownAgent = errors.New("signing: unknown agent")
	// ErrKeystoreUnavailable is a transient failure of the backing store.
	ErrKeystoreUnavailable = errors.New("signing: keystore unavailable")
	// ErrCryptoFailure covers signature/decryption failures.
	ErrCryptoFailure = errors.New("signing: crypto failure")
	// ErrSignatureInvalid is returned by Decrypt on tampered ciphertext.
	ErrSignatureInvalid = errors.New("signing: signature invalid")
)

// keyMaterial is the private key pair for one agent, never exposed outside
// this package.
type keyMaterial struct {
	signPriv ed25519.PrivateKey
	signPub  ed25519.PublicKey
	dhPriv   *ecdh.PrivateKey
}

// KeyStore supplies key material for agent ids. Implementations must be
// safe for concurrent use.
type KeyStore interface {
	// Load returns the key material for id, creating it on first use if
	// the backend supports that (all three backends here do).
	Load(id string) (*keyMaterial, error)
}

// Service is the signing capability surface consumed by the rest of the
// runtime: pubkey/sign/verify/encrypt/decrypt, keyed by AgentId.
type Service struct {
	store KeyStore
}

// New wraps a KeyStore backend as a Service.
func New(store KeyStore) *Service {
	return &Service{store: store}
}

// PubKey returns the deterministic Ed25519 public key for id.
func (s *Service) PubKey(id string) (PublicKey, error) {
	km, err := s.store.Load(id)
	if err != nil {
		return nil, err
	}
	return PublicKey(km.signPub), nil
}

// PubKeyX25519 returns id's raw X25519 public key bytes, used as the
// recipient/sender argument to Encrypt/Decrypt. This is distinct from the
// Ed25519 PubKey returned above: the wire Author field carries the signing
// key, while key agreement uses the companion DH key derived alongside it.
func (s *Service) PubKeyX25519(id string) (PublicKey, error) {
	km, err := s.store.Load(id)
	if err != nil {
		return nil, err
	}
	return PublicKey(km.dhPriv.PublicKey().Bytes()), nil
}

// Sign signs msg with id's private key.
func (s *Service) Sign(id string, msg []byte) (Signature, error) {
	km, err := s.store.Load(id)
	if err != nil {
		return nil, err
	}
	return Signature(ed25519.Sign(km.signPriv, msg)), nil
}

// Verify checks sig against msg under pub. It never needs key material
// for any particular agent, so it takes a bare PublicKey.
func (s *Service) Verify(pub PublicKey, msg []byte, sig Signature) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, ed25519.Signature(sig))
}

// Encrypt authenticated-encrypts plaintext from id to recipient (recipient's
// X25519 public key, see PubKeyX25519), using an ECDH shared secret expanded
// via HKDF into a ChaCha20-Poly1305 key. The nonce is prepended to the
// returned ciphertext.
func (s *Service) Encrypt(id string, recipient PublicKey, plaintext []byte) ([]byte, error) {
	km, err := s.store.Load(id)
	if err != nil {
		return nil, err
	}
	aead, err := s.aeadFor(km, recipient)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ct...), nil
}

// Decrypt authenticated-decrypts ciphertext addressed to id from sender
// (sender's X25519 public key, see PubKeyX25519). Returns
// ErrSignatureInvalid if the ciphertext was tampered with or the sender key
// does not match.
func (s *Service) Decrypt(id string, sender PublicKey, ciphertext []byte) ([]byte, error) {
	km, err := s.store.Load(id)
	if err != nil {
		return nil, err
	}
	aead, err := s.aeadFor(km, sender)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrSignatureInvalid
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrSignatureInvalid
	}
	return pt, nil
}

// aeadFor derives the shared-secret AEAD cipher between km and a remote
// agent's X25519 public key (as returned by PubKeyX25519).
func (s *Service) aeadFor(km *keyMaterial, remote PublicKey) (interface {
	NonceSize() int
	Seal([]byte, []byte, []byte, []byte) []byte
	Open([]byte, []byte, []byte, []byte) ([]byte, error)
}, error) {
	remoteDH, err := ecdh.X25519().NewPublicKey(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	shared, err := km.dhPriv.ECDH(remoteDH)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte("agentcore/runtime state-envelope"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return aead, nil
}

// deriveKeyMaterial builds ed25519 signing keys and a companion X25519 DH
// key pair from the same 32-byte seed, so every backend only needs to
// custody one secret per agent.
func deriveKeyMaterial(seed []byte) (*keyMaterial, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: seed must be %d bytes", ed25519.SeedSize)
	}
	signPriv := ed25519.NewKeyFromSeed(seed)
	signPub := signPriv.Public().(ed25519.PublicKey)

	dhSeed := sha256.Sum256(append([]byte("agentcore/runtime dh-derive"), seed...))
	dhPriv, err := ecdh.X25519().NewPrivateKey(dhSeed[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	return &keyMaterial{signPriv: signPriv, signPub: signPub, dhPriv: dhPriv}, nil
}
