package runtime

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadManifestParsesAgents(t *testing.T) {
	path := writeManifest(t, `
agents:
  - id: echo-1
    agent_type: echo
    filter:
      kinds: [1]
      authors: ["alice"]
    config:
      reply_kind: 2
`)
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.Agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(m.Agents))
	}
	a := m.Agents[0]
	if a.ID != "echo-1" || a.AgentType != "echo" {
		t.Fatalf("unexpected agent spec: %+v", a)
	}
	if len(a.Filter.Kinds) != 1 || a.Filter.Kinds[0] != 1 {
		t.Fatalf("unexpected filter kinds: %+v", a.Filter)
	}
	if a.Config["reply_kind"].(int) != 2 {
		t.Fatalf("unexpected config: %+v", a.Config)
	}
}

func TestLoadManifestRejectsMissingID(t *testing.T) {
	path := writeManifest(t, `
agents:
  - agent_type: echo
`)
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestLoadManifestRejectsMissingAgentType(t *testing.T) {
	path := writeManifest(t, `
agents:
  - id: echo-1
`)
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected error for missing agent_type")
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing manifest file")
	}
}
