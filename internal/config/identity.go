// Package config loads and persists the cluster-hub plugin's durable
// identity, a small JSON branch nested inside the host's own config file
// at plugins.entries.cluster-hub.config. The rest of that file belongs to
// the host; this package only ever reads and rewrites its own branch,
// deep-merging so unrelated settings survive a save.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/titanous/json5"
)

// Identity is the durable node identity persisted under
// plugins.entries.cluster-hub.config.
type Identity struct {
	HubURL       string   `json:"hubUrl"`
	NodeID       string   `json:"nodeId,omitempty"`
	NodeName     string   `json:"nodeName"`
	NodeAlias    string   `json:"nodeAlias,omitempty"`
	Token        string   `json:"token,omitempty"`
	ClusterID    string   `json:"clusterId,omitempty"`
	ParentID     string   `json:"parentId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	SelfTaskMode string   `json:"selfTaskMode,omitempty"`
}

// Self-task-mode values.
const (
	SelfTaskModeLocal = "local"
	SelfTaskModeHub   = "hub"
)

const (
	pluginKey = "cluster-hub"
)

// Store loads and patches a host config file's cluster-hub branch, keeping
// everything else in the file untouched.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store bound to the host config file at path (typically
// "<home>/.openclaw/openclaw.json").
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load parses the current identity out of the host config file. A missing
// file or missing branch yields a zero-value Identity, not an error.
func (s *Store) Load() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc()
	if err != nil {
		return Identity{}, err
	}

	branch, err := pluginConfigBranch(doc)
	if err != nil {
		return Identity{}, err
	}
	if branch == nil {
		return Identity{}, nil
	}

	raw, err := json.Marshal(branch)
	if err != nil {
		return Identity{}, fmt.Errorf("config: re-encode cluster-hub branch: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, fmt.Errorf("config: decode cluster-hub identity: %w", err)
	}
	return id, nil
}

// Patch applies fn to the current identity and deep-merges the result back
// into the host config file's cluster-hub branch, leaving every other
// branch of the document untouched. The write is atomic: a temp file is
// written alongside path and renamed over it.
func (s *Store) Patch(fn func(*Identity)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc()
	if err != nil {
		return err
	}

	id, err := identityFromDoc(doc)
	if err != nil {
		return err
	}
	fn(&id)

	patch := map[string]interface{}{}
	if err := remarshal(id, &patch); err != nil {
		return fmt.Errorf("config: encode patched identity: %w", err)
	}

	entries, _ := doc["plugins"].(map[string]interface{})
	if entries == nil {
		entries = map[string]interface{}{}
		doc["plugins"] = entries
	}
	pluginEntries, _ := entries["entries"].(map[string]interface{})
	if pluginEntries == nil {
		pluginEntries = map[string]interface{}{}
		entries["entries"] = pluginEntries
	}
	existing, _ := pluginEntries[pluginKey].(map[string]interface{})
	if existing == nil {
		existing = map[string]interface{}{}
	}
	existingConfig, _ := existing["config"].(map[string]interface{})
	existing["config"] = deepMerge(existingConfig, patch)
	pluginEntries[pluginKey] = existing

	return s.writeDoc(doc)
}

func identityFromDoc(doc map[string]interface{}) (Identity, error) {
	branch, err := pluginConfigBranch(doc)
	if err != nil {
		return Identity{}, err
	}
	if branch == nil {
		return Identity{}, nil
	}
	var id Identity
	if err := remarshal(branch, &id); err != nil {
		return Identity{}, fmt.Errorf("config: decode cluster-hub identity: %w", err)
	}
	return id, nil
}

func pluginConfigBranch(doc map[string]interface{}) (map[string]interface{}, error) {
	plugins, ok := doc["plugins"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	entries, ok := plugins["entries"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	entry, ok := entries[pluginKey].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	branch, ok := entry["config"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	return branch, nil
}

func (s *Store) readDoc() (map[string]interface{}, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", s.path, err)
	}
	doc := map[string]interface{}{}
	if err := json5.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	return doc, nil
}

// writeDoc serializes doc and atomically replaces the file at s.path:
// write to a sibling temp file, fsync is skipped (matching the host's own
// plain-rewrite discipline) but the rename itself is atomic on the same
// filesystem.
func (s *Store) writeDoc(doc map[string]interface{}) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode %s: %w", s.path, err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".cluster-hub-config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	return nil
}

// remarshal round-trips src through JSON into dst, a cheap way to convert
// between map[string]interface{} and a concrete struct.
func remarshal(src, dst interface{}) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// deepMerge recursively merges patch onto base: object branches merge
// key-by-key, everything else (including arrays) is replaced wholesale by
// the patch's value. base is mutated and returned.
func deepMerge(base, patch map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = map[string]interface{}{}
	}
	for k, pv := range patch {
		bv, exists := base[k]
		if !exists {
			base[k] = pv
			continue
		}
		bMap, bIsMap := bv.(map[string]interface{})
		pMap, pIsMap := pv.(map[string]interface{})
		if bIsMap && pIsMap {
			base[k] = deepMerge(bMap, pMap)
			continue
		}
		base[k] = pv
	}
	return base
}
