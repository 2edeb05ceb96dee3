package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestPatchPreservesUnrelatedBranches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openclaw.json")
	seed := `{
		"gateway": {"port": 18790},
		"plugins": {"entries": {"other-plugin": {"config": {"enabled": true}}}}
	}`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	if err := s.Patch(func(id *Identity) {
		id.HubURL = "wss://hub.example.com"
		id.NodeName = "laptop-1"
	}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	gw, _ := doc["gateway"].(map[string]interface{})
	if gw["port"].(float64) != 18790 {
		t.Fatalf("unrelated gateway branch clobbered: %+v", doc["gateway"])
	}
	entries := doc["plugins"].(map[string]interface{})["entries"].(map[string]interface{})
	if _, ok := entries["other-plugin"]; !ok {
		t.Fatal("unrelated plugin entry clobbered")
	}

	id, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id.HubURL != "wss://hub.example.com" || id.NodeName != "laptop-1" {
		t.Fatalf("identity not persisted: %+v", id)
	}
}

func TestPatchDeepMergesSecondWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openclaw.json")
	s := NewStore(path)

	if err := s.Patch(func(id *Identity) {
		id.HubURL = "wss://hub.example.com"
		id.NodeID = "node-1"
	}); err != nil {
		t.Fatalf("first Patch: %v", err)
	}
	if err := s.Patch(func(id *Identity) {
		id.Token = "tok-abc"
	}); err != nil {
		t.Fatalf("second Patch: %v", err)
	}

	id, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id.NodeID != "node-1" || id.Token != "tok-abc" {
		t.Fatalf("expected both fields to survive the merge, got %+v", id)
	}
}

func TestLoadMissingFileYieldsZeroIdentity(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist.json"))
	id, err := s.Load()
	if err != nil {
		t.Fatalf("Load on missing file should not error: %v", err)
	}
	if id.HubURL != "" || id.NodeID != "" || len(id.Capabilities) != 0 {
		t.Fatalf("expected zero-value identity, got %+v", id)
	}
}
