// Package rerr defines the runtime's error taxonomy (spec §7): sentinel
// errors components wrap with fmt.Errorf("...: %w", ...) so callers can
// test membership with errors.Is, plus Classify, the single place that
// decides fatal-vs-recoverable for the Agent Host's tick step 9.
package rerr

import (
	"errors"
	"fmt"

	"github.com/agentcore/runtime/internal/signing"
)

var (
	// ErrTransport covers relay disconnects and publish/subscribe timeouts.
	// Recovered locally by retry/backoff; surfaced only after exhaustion.
	ErrTransport = errors.New("rerr: transport error")

	// ErrCrypto covers signing-service failures and decrypt failures.
	ErrCrypto = errors.New("rerr: crypto error")

	// ErrStateMigrationRequired is returned when a fetched state envelope's
	// declared version has no registered migration to the current version.
	ErrStateMigrationRequired = errors.New("rerr: state migration required")

	// ErrStateAuthorMismatch is returned when a state envelope's author is
	// not the agent's own public key (invariant 1, re-checked every tick).
	ErrStateAuthorMismatch = errors.New("rerr: state author mismatch")

	// ErrAgentPanic wraps a recovered panic from an agent's on_trigger.
	ErrAgentPanic = errors.New("rerr: agent panic")

	// ErrConfiguration is detected at boot; the process exits with code 64.
	ErrConfiguration = errors.New("rerr: configuration error")

	// ErrBackpressureDrop is observational only: it is emitted as a trace
	// event (C8), never returned to agent code or treated as a tick failure.
	ErrBackpressureDrop = errors.New("rerr: backpressure drop")
)

// Classify reports whether err is fatal to the agent (moves it straight to
// Error{recoverable: false}) or recoverable (retried up to the configured
// cap, then Error{recoverable: true}). Unrecognized errors are treated as
// recoverable AgentPanic-equivalents, matching the "classified recoverable
// by default" rule for agent-originated failures (spec §7).
func Classify(err error) (fatal bool) {
	switch {
	case errors.Is(err, ErrStateAuthorMismatch):
		return true
	case errors.Is(err, ErrConfiguration):
		return true
	case errors.Is(err, ErrStateMigrationRequired):
		return false
	case errors.Is(err, ErrTransport):
		return false
	case errors.Is(err, ErrCrypto):
		return !errors.Is(err, ErrKeystoreTransient)
	case errors.Is(err, ErrAgentPanic):
		return false
	default:
		return false
	}
}

// ErrKeystoreTransient marks a CryptoError as a transient keystore
// unavailability (retryable) rather than a structural signature/author
// mismatch (fatal). WrapCrypto sets it whenever the underlying cause is
// signing.ErrKeystoreUnavailable, so both errors.Is(ErrCrypto) and
// errors.Is(ErrKeystoreTransient) hold on the result.
var ErrKeystoreTransient = errors.New("rerr: keystore transient failure")

// WrapCrypto wraps a signing/encryption failure as ErrCrypto, the single
// point every call site into internal/signing uses instead of hand-rolling
// fmt.Errorf — hand-rolling with %v would discard cause, and %w without
// the ErrKeystoreTransient check would leave Classify unable to tell a
// transient keystore outage from a structural signature/author mismatch.
func WrapCrypto(cause error) error {
	if errors.Is(cause, signing.ErrKeystoreUnavailable) {
		return fmt.Errorf("%w: %w: %w", ErrCrypto, ErrKeystoreTransient, cause)
	}
	return fmt.Errorf("%w: %w", ErrCrypto, cause)
}
