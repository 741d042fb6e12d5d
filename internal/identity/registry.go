// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package identity maps global object handles to process-local instances.
//
// A handle is the only thing the controller and the workers agree on when they
// talk about "the same" object. The controller allocates handles; every worker
// binds the object it built for a Construct invocation under that handle and
// looks it up again for every later invocation.
//
// The registry is deliberately unsynchronised. It is owned by the single
// goroutine that runs a worker's dispatch loop (or by the dispatcher's
// critical section on the controller), so there is never concurrent access.
package identity

import (
	"fmt"

	"github.com/specialistvlad/pmigo/internal/failure"
)

// Handle is a job-wide object identifier. The zero Handle means "no object".
type Handle uint64

// None is the zero handle, used by invocations that do not target an object.
const None Handle = 0

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("#%d", uint64(h))
}

// Registry is a per-process table of bound handles.
type Registry struct {
	bindings map[Handle]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[Handle]any)}
}

// Bind inserts instance under h. Binding the zero handle or a handle that is
// already bound is a protocol error.
func (r *Registry) Bind(h Handle, instance any) error {
	if h == None {
		return failure.Protocol("cannot bind the zero handle")
	}
	if _, exists := r.bindings[h]; exists {
		return failure.Protocol("handle %s is already bound", h)
	}
	r.bindings[h] = instance
	return nil
}

// Resolve returns the instance bound to h. An unbound handle is a protocol
// error: it means this process has diverged from the controller.
func (r *Registry) Resolve(h Handle) (any, error) {
	instance, ok := r.bindings[h]
	if !ok {
		return nil, failure.Protocol("handle %s is not bound", h)
	}
	return instance, nil
}

// Release removes the binding for h.
func (r *Registry) Release(h Handle) error {
	if _, ok := r.bindings[h]; !ok {
		return failure.Protocol("cannot release handle %s: not bound", h)
	}
	delete(r.bindings, h)
	return nil
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	return len(r.bindings)
}
