// Package inmemory implements the dtx store interfaces in process memory. It
// backs the tests and the standalone mode of the CLI.
package inmemory

import "sync"

// FaultFunc lets tests fail store calls. op is the method name, e.g. "Replace".
// A non-nil return fails the call before it touches any state.
type FaultFunc func(op, key string) error

type faults struct {
	mux sync.RWMutex
	fn  FaultFunc
}

func (f *faults) set(fn FaultFunc) {
	f.mux.Lock()
	f.fn = fn
	f.mux.Unlock()
}

func (f *faults) check(op, key string) error {
	f.mux.RLock()
	fn := f.fn
	f.mux.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op, key)
}
