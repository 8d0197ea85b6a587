package setting

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownSetting is returned when a lookup does not match a registered setting.
var ErrUnknownSetting = errors.New("unknown setting")

// Registry indexes settings by name and identifier.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Descriptor
	byID   map[uint16]Descriptor
	order  []Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Descriptor),
		byID:   make(map[uint16]Descriptor),
	}
}

// Register adds d. Names and identifiers must be unique.
func (r *Registry) Register(d Descriptor) error {
	if d == nil {
		return errors.New("setting must not be nil")
	}
	if d.Name() == "" {
		return errors.New("setting name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name()]; ok {
		return fmt.Errorf("duplicate setting name %q", d.Name())
	}
	if other, ok := r.byID[d.UUID16()]; ok {
		return fmt.Errorf("setting %q reuses id 0x%04x of %q", d.Name(), d.UUID16(), other.Name())
	}
	r.byName[d.Name()] = d
	r.byID[d.UUID16()] = d
	r.order = append(r.order, d)
	return nil
}

// Get returns the setting registered under name.
func (r *Registry) Get(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	return d, nil
}

// ByID returns the setting registered under id.
func (r *Registry) ByID(id uint16) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownSetting, id)
	}
	return d, nil
}

// All returns the registered settings in registration order.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.order))
	copy(out, r.order)
	return out
}

// Names returns the registered names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the typed setting registered under name.
func Lookup[T Value](r *Registry, name string) (*Setting[T], error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	s, ok := d.(*Setting[T])
	if !ok {
		return nil, fmt.Errorf("setting %q holds %s, not %s", name, d.Kind(), KindOf[T]())
	}
	return s, nil
}
