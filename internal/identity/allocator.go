package identity

import "sync/atomic"

// Allocator hands out strictly increasing handles, starting at 1. Handles are
// never reused, including after Release.
type Allocator struct {
	last atomic.Uint64
}

// Next returns a fresh handle.
func (a *Allocator) Next() Handle {
	return Handle(a.last.Add(1))
}

// Last returns the most recently allocated handle, or None.
func (a *Allocator) Last() Handle {
	return Handle(a.last.Load())
}
