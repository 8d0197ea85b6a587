package tick

// Tickable is a unit of cooperative work advanced once per executor iteration.
//
// Implementations must return promptly because every registered tickable runs
// on the executor's goroutine. The returned flag reports whether the unit is
// still live; a false result is recorded but does not stop the iteration for
// the remaining tickables.
type Tickable interface {
	Tick() bool
}

// Func adapts an ordinary function to the Tickable interface.
type Func func() bool

// Tick calls f.
func (f Func) Tick() bool {
	if f == nil {
		return false
	}
	return f()
}

// Always wraps a function without a liveness result. The returned tickable is
// always live.
func Always(fn func()) Tickable {
	return Func(func() bool {
		if fn != nil {
			fn()
		}
		return true
	})
}
