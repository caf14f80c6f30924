package signing

import (
	"bytes"
	"os"
	"testing"
)

func TestOSKeychainKeyStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	store1, err := NewOSKeychainKeyStore(dir)
	if err != nil {
		t.Fatalf("NewOSKeychainKeyStore: %v", err)
	}
	km1, err := store1.Load("agent-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	store2, err := NewOSKeychainKeyStore(dir)
	if err != nil {
		t.Fatalf("NewOSKeychainKeyStore: %v", err)
	}
	km2, err := store2.Load("agent-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !bytes.Equal(km1.signPub, km2.signPub) {
		t.Fatal("expected seed file to survive across store instances")
	}
}

func TestOSKeychainKeyStoreRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewOSKeychainKeyStore(dir)
	if err != nil {
		t.Fatalf("NewOSKeychainKeyStore: %v", err)
	}
	path := store.seedPath("agent-a")
	if err := os.WriteFile(path, []byte("not-valid-hex-seed"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := store.Load("agent-a"); err == nil {
		t.Fatal("expected corrupt seed file to error")
	}
}
