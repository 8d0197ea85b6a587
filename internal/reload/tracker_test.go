package reload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/tickset/config"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

const moduleYAML = "settings:\n  - name: extra\n    id: 2\n    type: int\n"

func TestTrackerFollowsLoadedModules(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "tickset.yaml")
	module := filepath.Join(dir, "extra.yaml")
	write(t, module, moduleYAML)
	write(t, main, "modules:\n  - extra.yaml\nsettings:\n  - name: base\n    id: 1\n    type: int\n")

	cfg, err := config.Load(main)
	require.NoError(t, err)
	tracker := NewTracker(main, cfg)
	require.Equal(t, 2, tracker.Len())
	require.Empty(t, tracker.Changed())

	write(t, module, moduleYAML+"    default: 3\n")
	require.Equal(t, []string{module}, tracker.Changed())

	cfg, err = config.Load(main)
	require.NoError(t, err)
	tracker.Reset(cfg)
	require.Empty(t, tracker.Changed())
}

func TestTrackerIgnoresRewriteWithSameContent(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "tickset.yaml")
	write(t, main, moduleYAML)
	cfg, err := config.Load(main)
	require.NoError(t, err)

	tracker := NewTracker(main, cfg)
	write(t, main, moduleYAML)
	require.Empty(t, tracker.Changed())
}

func TestTrackerReportsRemovedFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	write(t, a, "a")
	write(t, b, "b")
	cfg := &config.Config{
		Source:  config.ModuleReference{File: a},
		Actions: []config.ActionConfig{{Source: config.ModuleReference{File: b}}},
	}

	tracker := NewTracker("", cfg)
	require.Equal(t, 2, tracker.Len())
	require.NoError(t, os.Remove(b))
	write(t, a, "changed")
	require.Equal(t, []string{a, b}, tracker.Changed())
}

func TestTrackerSkipsMissingInputs(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Source: config.ModuleReference{File: filepath.Join(dir, "missing.yaml")}}
	tracker := NewTracker("", cfg)
	require.Zero(t, tracker.Len())
	require.Empty(t, tracker.Changed())
}

func TestTrackerWatchesDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "a.yaml"), moduleYAML)
	cfg, err := config.Load(dir)
	require.NoError(t, err)

	tracker := NewTracker(dir, cfg)
	write(t, filepath.Join(dir, "notes.txt"), "ignored")
	require.Empty(t, tracker.Changed())

	write(t, filepath.Join(dir, "b.yaml"), "settings: []\n")
	require.Equal(t, []string{dir}, tracker.Changed())
}

func TestNilTracker(t *testing.T) {
	var tracker *Tracker
	tracker.Reset(&config.Config{})
	require.Nil(t, tracker.Changed())
	require.Zero(t, tracker.Len())
}
