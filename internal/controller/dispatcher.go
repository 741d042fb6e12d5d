package controller

import (
	"context"
	"log/slog"
	"sync"

	"github.com/specialistvlad/pmigo/internal/capability"
	"github.com/specialistvlad/pmigo/internal/channel"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/identity"
	"github.com/specialistvlad/pmigo/internal/invocation"
)

// Dispatcher sends invocations on behalf of proxies. It is safe for
// concurrent use; each send and its wait happen under one lock, so the job
// keeps a single total order however many goroutines drive it.
type Dispatcher struct {
	ch     *channel.Controller
	caps   *capability.Set
	logger *slog.Logger

	handles identity.Allocator

	mu      sync.Mutex
	classes map[string]*ProxyClass
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher over ch for the classes in caps.
func NewDispatcher(ch *channel.Controller, caps *capability.Set, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ch:      ch,
		caps:    caps,
		logger:  slog.Default(),
		classes: make(map[string]*ProxyClass),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Workers is the number of workers in the job.
func (d *Dispatcher) Workers() int {
	return d.ch.Size()
}

// Capabilities returns the declarations the dispatcher serves.
func (d *Dispatcher) Capabilities() *capability.Set {
	return d.caps
}

// Sent returns the number of invocations sent so far.
func (d *Dispatcher) Sent() uint64 {
	return d.ch.Sent()
}

// Err returns the first worker failure seen so far, if any.
func (d *Dispatcher) Err() error {
	return d.ch.Err()
}

// Shutdown ends the job. It is safe to call more than once.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.ch.Shutdown(ctx)
}

// Class returns the proxy for a declared class. Proxies are built on first
// use and cached.
func (d *Dispatcher) Class(name string) (*ProxyClass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pc, ok := d.classes[name]; ok {
		return pc, nil
	}
	spec, err := d.caps.Lookup(name)
	if err != nil {
		return nil, err
	}
	if spec.AuthoritativeRank >= d.ch.Size() {
		return nil, failure.Configuration("class %q names authoritative rank %d, but the job has %d workers",
			name, spec.AuthoritativeRank, d.ch.Size())
	}
	pc := newProxyClass(d, spec)
	d.classes[name] = pc
	return pc, nil
}

// MustClass is like Class but panics on error. It suits scripts whose class
// names are constants.
func (d *Dispatcher) MustClass(name string) *ProxyClass {
	pc, err := d.Class(name)
	if err != nil {
		panic(err)
	}
	return pc
}

// send broadcasts inv without waiting.
func (d *Dispatcher) send(ctx context.Context, inv *invocation.Invocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.ch.Send(ctx, inv)
	return err
}

// roundTrip broadcasts inv and waits for replies from ranks.
func (d *Dispatcher) roundTrip(ctx context.Context, inv *invocation.Invocation, ranks []int) ([]*invocation.Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq, err := d.ch.Send(ctx, inv)
	if err != nil {
		return nil, err
	}
	return d.ch.Await(ctx, seq, ranks)
}

// construct allocates a handle and broadcasts the construction.
func (d *Dispatcher) construct(ctx context.Context, class string, args bound) (identity.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.handles.Next()
	inv := &invocation.Invocation{
		Op:         invocation.OpConstruct,
		Handle:     h,
		Class:      class,
		Args:       args.vals,
		Refs:       args.refs,
		Collective: true,
		Target:     invocation.AllWorkers,
	}
	if _, err := d.ch.Send(ctx, inv); err != nil {
		return identity.None, err
	}
	d.logger.Debug("Object constructed.", "class", class, "handle", h.String())
	return h, nil
}

func (d *Dispatcher) allRanks() []int {
	ranks := make([]int, d.ch.Size())
	for i := range ranks {
		ranks[i] = i
	}
	return ranks
}
