package setting

import (
	"sync"
	"sync/atomic"
)

// Observer receives the committed value and the value it replaced.
type Observer[T Value] func(current, last T)

// Descriptor is the type-erased view of a setting used by registries and
// inspection surfaces.
type Descriptor interface {
	Name() string
	UUID16() uint16
	Kind() Kind
	Any() any
}

// Setting is a named, typed value with change notification.
//
// Reads never block: the current value is published through an atomic pointer.
// Writes and read-modify-write transforms are serialised by a per-setting
// mutex which is also held while observers run, so observers see transitions in
// commit order. Observers must not write to the setting that invoked them.
type Setting[T Value] struct {
	name string
	id   uint16
	def  T
	kind Kind

	mu        sync.Mutex
	value     atomic.Pointer[T]
	observers []Observer[T]
}

// New creates a setting holding def.
func New[T Value](name string, id uint16, def T) *Setting[T] {
	s := &Setting[T]{name: name, id: id, def: def, kind: KindOf[T]()}
	initial := def
	s.value.Store(&initial)
	return s
}

// Name returns the diagnostic name.
func (s *Setting[T]) Name() string { return s.name }

// UUID16 returns the 16-bit identifier used to address the setting remotely.
func (s *Setting[T]) UUID16() uint16 { return s.id }

// Kind returns the primitive type of the setting.
func (s *Setting[T]) Kind() Kind { return s.kind }

// Default returns the value the setting was created with.
func (s *Setting[T]) Default() T { return s.def }

// Get returns the current value.
func (s *Setting[T]) Get() T {
	return *s.value.Load()
}

// Any returns the current value as an interface.
func (s *Setting[T]) Any() any {
	return s.Get()
}

// Set stores v. Observers run synchronously, in registration order, before Set
// returns, and only when v differs from the current value.
func (s *Setting[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit(v)
}

// Reset restores the default value.
func (s *Setting[T]) Reset() {
	s.Set(s.def)
}

// GetAndSet applies fn to the current value and commits the result as one
// atomic step. It returns the value fn observed. When fn panics the setting is
// left unchanged and the panic propagates to the caller.
func (s *Setting[T]) GetAndSet(fn func(T) T) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.Get()
	s.commit(fn(last))
	return last
}

// Update is GetAndSet for transforms that can fail. On error nothing is
// committed and the current value is returned alongside the error.
func (s *Setting[T]) Update(fn func(T) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.Get()
	next, err := fn(last)
	if err != nil {
		return last, err
	}
	s.commit(next)
	return next, nil
}

// OnChange appends an observer. Observers cannot be removed.
func (s *Setting[T]) OnChange(obs Observer[T]) {
	if obs == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, obs)
	s.mu.Unlock()
}

// Tick lets a setting be registered with an executor. Settings are always live.
func (s *Setting[T]) Tick() bool {
	return true
}

// commit must be called with s.mu held.
func (s *Setting[T]) commit(next T) {
	last := s.Get()
	if next == last {
		return
	}
	s.value.Store(&next)
	for _, obs := range s.observers {
		obs(next, last)
	}
}
