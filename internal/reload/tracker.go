// Package reload detects edits to the files a configuration was loaded from.
package reload

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/timzifer/tickset/config"
)

type digest [sha256.Size]byte

// Tracker remembers a content digest for every configuration input. Files
// are hashed by content; directories by the names of the YAML files they
// hold, so adding or removing a module file counts as a change.
type Tracker struct {
	mu     sync.Mutex
	root   string
	inputs map[string]digest
}

// NewTracker snapshots the inputs of cfg plus root, when root exists.
func NewTracker(root string, cfg *config.Config) *Tracker {
	t := &Tracker{root: root}
	t.Reset(cfg)
	return t
}

// Reset replaces the snapshot with the inputs of cfg. Inputs that cannot be
// read are left out.
func (t *Tracker) Reset(cfg *config.Config) {
	if t == nil {
		return
	}
	paths := cfg.Inputs()
	if t.root != "" {
		if abs, err := filepath.Abs(t.root); err == nil {
			paths = append(paths, abs)
		}
	}
	inputs := make(map[string]digest, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, ok := inputs[path]; ok {
			continue
		}
		if sum, ok := fingerprint(path); ok {
			inputs[path] = sum
		}
	}
	t.mu.Lock()
	t.inputs = inputs
	t.mu.Unlock()
}

// Changed lists the tracked inputs whose digest differs from the snapshot,
// including inputs that disappeared. The snapshot itself is not updated.
func (t *Tracker) Changed() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var changed []string
	for path, known := range t.inputs {
		if sum, ok := fingerprint(path); !ok || sum != known {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

// Len reports how many inputs are tracked.
func (t *Tracker) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inputs)
}

func fingerprint(path string) (digest, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return digest{}, false
	}
	if !info.IsDir() {
		raw, err := os.ReadFile(path)
		if err != nil {
			return digest{}, false
		}
		return sha256.Sum256(raw), true
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return digest{}, false
	}
	var listing []string
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !entry.IsDir() && (ext == ".yaml" || ext == ".yml") {
			listing = append(listing, entry.Name())
		}
	}
	sort.Strings(listing)
	return sha256.Sum256([]byte(strings.Join(listing, "\n"))), true
}
