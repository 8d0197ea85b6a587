package config

import (
	"path/filepath"
	"sort"
)

// Inputs lists the files and directories Load read to build c, in load
// order. Configurations built in code fall back to the files named by the
// entry sources.
func (c *Config) Inputs() []string {
	if c == nil {
		return nil
	}
	if len(c.inputs) > 0 {
		return append([]string(nil), c.inputs...)
	}
	seen := make(map[string]bool)
	var out []string
	note := func(ref ModuleReference) {
		if ref.File == "" {
			return
		}
		path, err := filepath.Abs(ref.File)
		if err != nil {
			path = ref.File
		}
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}
	note(c.Source)
	for _, s := range c.Settings {
		note(s.Source)
	}
	for _, a := range c.Actions {
		note(a.Source)
	}
	sort.Strings(out)
	return out
}
