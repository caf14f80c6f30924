package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Metadata is the process metadata written to runtime.json on boot
// (spec §6.5): version, last-boot timestamp, hosted agent manifest.
type Metadata struct {
	Version        string    `json:"version"`
	LastBootAt     time.Time `json:"last_boot_at"`
	HostedAgentIDs []string  `json:"hosted_agent_ids"`
}

// WriteMetadata writes runtime.json into dir, overwriting any prior file.
func WriteMetadata(dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "runtime.json"), data, 0o644)
}

// ReadMetadata reads a previously written runtime.json, if present.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "runtime.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
