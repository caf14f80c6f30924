// Package runtime assembles every capability module (C1-C9) plus a relay
// client and the control plane into one bootable process, grounded on the
// teacher's cmd/orchestrator/main.go composition (config-source priority,
// context.WithCancel+sync.WaitGroup service startup, signal-driven
// shutdown with a timeout).
package runtime

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest declares which agents this process hosts, generalized from the
// teacher's CellsConfig/Cell/CellAgent YAML shape
// (code/cellorg/internal/config/config.go): where a CellAgent names a
// binary/operator to spawn, an AgentSpec names an in-process agent.Agent
// factory and the Filter that selects its inbound envelopes.
type Manifest struct {
	Agents []AgentSpec `yaml:"agents"`
}

// AgentSpec is one hosted agent's declaration.
type AgentSpec struct {
	ID        string         `yaml:"id"`
	AgentType string         `yaml:"agent_type"`
	Filter    FilterSpec     `yaml:"filter,omitempty"`
	Config    map[string]any `yaml:"config,omitempty"`
}

// FilterSpec is the YAML-friendly shape of envelope.Filter: plain ints
// instead of envelope.Kind, so the manifest format has no dependency on
// the Kind type's representation.
type FilterSpec struct {
	Authors []string            `yaml:"authors,omitempty"`
	Kinds   []int               `yaml:"kinds,omitempty"`
	Tags    map[string][]string `yaml:"tags,omitempty"`
}

// LoadManifest reads and parses a YAML manifest file from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtime: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("runtime: parse manifest %s: %w", path, err)
	}
	for _, a := range m.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("runtime: manifest %s: agent with empty id", path)
		}
		if a.AgentType == "" {
			return nil, fmt.Errorf("runtime: manifest %s: agent %s has empty agent_type", path, a.ID)
		}
	}
	return &m, nil
}
