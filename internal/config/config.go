// Package config resolves the runtime's environment-driven configuration
// into a single frozen Config value, in the same load-once-pass-by-value
// spirit as StandardConfigResolver, generalized from YAML-file resolution
// to environment-variable resolution.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/agentcore/runtime/internal/rerr"
)

// KeystoreKind selects an internal/signing.KeyStore backend.
type KeystoreKind int

const (
	KeystoreInMemory KeystoreKind = iota
	KeystoreOSKeychain
	KeystoreBroker
)

// Config is the runtime's frozen configuration, built once in cmd/agentrund
// and passed by pointer into every component constructor. Nothing in this
// module reads os.Getenv again after Load returns.
type Config struct {
	RelayURL           string
	ControlBind        string
	InboxCapacity      int
	SeenCacheCapacity  int
	TickDeadlineSecs   int
	IdleHibernateSecs  int
	StateKind          int
	StateDTag          string
	PersistDir         string // empty disables C9
	Keystore           KeystoreKind
	KeystoreOSDir      string // used when Keystore == KeystoreOSKeychain
	KeystoreBrokerURL  string // used when Keystore == KeystoreBroker
	PersistRecurring   bool   // recurring alarms survive restart; see DESIGN.md Open Questions
	ManifestPath       string // YAML file declaring which agents this process hosts
}

// Load resolves Config from the process environment. A required variable
// missing, or any value failing to parse, is reported as
// rerr.ErrConfiguration — the caller (cmd/agentrund) exits with code 64 on
// this error per spec §7.
func Load(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	relayURL := getenv("RELAY_URL")
	if relayURL == "" {
		return nil, fmt.Errorf("%w: RELAY_URL is required", rerr.ErrConfiguration)
	}

	cfg := &Config{
		RelayURL:     relayURL,
		ControlBind:  orDefault(getenv("CONTROL_BIND"), "127.0.0.1:8080"),
		StateDTag:    orDefault(getenv("STATE_D_TAG"), "agent-state-v1"),
		PersistDir:   getenv("PERSIST_DIR"),
		ManifestPath: orDefault(getenv("MANIFEST_PATH"), "config/agents.yaml"),
	}

	var err error
	if cfg.InboxCapacity, err = parseIntDefault(getenv("INBOX_CAPACITY"), 256); err != nil {
		return nil, fmt.Errorf("%w: INBOX_CAPACITY: %v", rerr.ErrConfiguration, err)
	}
	if cfg.SeenCacheCapacity, err = parseIntDefault(getenv("SEEN_CACHE_CAPACITY"), 1024); err != nil {
		return nil, fmt.Errorf("%w: SEEN_CACHE_CAPACITY: %v", rerr.ErrConfiguration, err)
	}
	if cfg.TickDeadlineSecs, err = parseIntDefault(getenv("TICK_DEADLINE_SECS"), 60); err != nil {
		return nil, fmt.Errorf("%w: TICK_DEADLINE_SECS: %v", rerr.ErrConfiguration, err)
	}
	if cfg.IdleHibernateSecs, err = parseIntDefault(getenv("IDLE_HIBERNATE_SECS"), 600); err != nil {
		return nil, fmt.Errorf("%w: IDLE_HIBERNATE_SECS: %v", rerr.ErrConfiguration, err)
	}
	if cfg.StateKind, err = parseIntDefault(getenv("STATE_KIND"), 38001); err != nil {
		return nil, fmt.Errorf("%w: STATE_KIND: %v", rerr.ErrConfiguration, err)
	}

	keystore := orDefault(getenv("KEYSTORE"), "in-memory")
	switch {
	case keystore == "in-memory":
		cfg.Keystore = KeystoreInMemory
	case keystore == "os-keychain":
		cfg.Keystore = KeystoreOSKeychain
		cfg.KeystoreOSDir = orDefault(getenv("KEYSTORE_DIR"), ".agentcore/keys")
	case strings.HasPrefix(keystore, "broker:"):
		cfg.Keystore = KeystoreBroker
		cfg.KeystoreBrokerURL = strings.TrimPrefix(keystore, "broker:")
		if cfg.KeystoreBrokerURL == "" {
			return nil, fmt.Errorf("%w: KEYSTORE broker: URL must not be empty", rerr.ErrConfiguration)
		}
	default:
		return nil, fmt.Errorf("%w: KEYSTORE %q must be one of in-memory, os-keychain, broker:<url>", rerr.ErrConfiguration, keystore)
	}

	cfg.PersistRecurring = cfg.PersistDir != ""

	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseIntDefault(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return n, nil
}
