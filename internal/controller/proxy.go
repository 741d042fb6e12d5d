package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/specialistvlad/pmigo/internal/capability"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/identity"
	"github.com/specialistvlad/pmigo/internal/invocation"
	"github.com/zclconf/go-cty/cty"
)

// ProxyClass is the controller-side stand-in for a declared class.
type ProxyClass struct {
	d          *Dispatcher
	spec       *capability.Spec
	ctor       signature
	properties map[string]*PropertyStub
	methods    map[string]*MethodStub
}

func newProxyClass(d *Dispatcher, spec *capability.Spec) *ProxyClass {
	pc := &ProxyClass{
		d:          d,
		spec:       spec,
		ctor:       signature{owner: fmt.Sprintf("%s constructor", spec.ClassName), args: spec.Constructor},
		properties: make(map[string]*PropertyStub, len(spec.Properties)),
		methods:    make(map[string]*MethodStub, len(spec.Calls)),
	}
	for name, p := range spec.Properties {
		pc.properties[name] = &PropertyStub{class: pc, spec: p}
	}
	for name, c := range spec.Calls {
		pc.methods[name] = &MethodStub{
			class: pc,
			spec:  c,
			sig:   signature{owner: fmt.Sprintf("%s.%s", spec.ClassName, name), args: c.Args},
		}
	}
	return pc
}

// Name returns the class name.
func (pc *ProxyClass) Name() string {
	return pc.spec.ClassName
}

// Spec returns the declaration the proxy was built from.
func (pc *ProxyClass) Spec() *capability.Spec {
	return pc.spec
}

// Property returns the stub for a declared property.
func (pc *ProxyClass) Property(name string) (*PropertyStub, error) {
	p, ok := pc.properties[name]
	if !ok {
		return nil, failure.Configuration("class %q has no property %q", pc.Name(), name)
	}
	return p, nil
}

// Method returns the stub for a declared call.
func (pc *ProxyClass) Method(name string) (*MethodStub, error) {
	m, ok := pc.methods[name]
	if !ok {
		if _, isProp := pc.properties[name]; isProp {
			return nil, failure.Configuration("%s.%s is a property, not a call", pc.Name(), name)
		}
		return nil, failure.Configuration("class %q has no call %q", pc.Name(), name)
	}
	return m, nil
}

// New constructs the object on every worker and returns its proxy. It does
// not wait: a constructor failure surfaces at the next operation that waits.
func (pc *ProxyClass) New(ctx context.Context, args ...any) (*Object, error) {
	b, err := pc.ctor.bind(pc.d, args)
	if err != nil {
		return nil, err
	}
	h, err := pc.d.construct(ctx, pc.Name(), b)
	if err != nil {
		return nil, err
	}
	return &Object{class: pc, handle: h}, nil
}

// Object is a proxy for one object that exists on every worker under the
// same handle.
type Object struct {
	class    *ProxyClass
	handle   identity.Handle
	released atomic.Bool
}

// Handle returns the object's job-wide handle.
func (o *Object) Handle() identity.Handle {
	return o.handle
}

// Class returns the object's proxy class.
func (o *Object) Class() *ProxyClass {
	return o.class
}

// String implements fmt.Stringer.
func (o *Object) String() string {
	if o == nil {
		return "<nil object>"
	}
	return fmt.Sprintf("%s%s", o.class.Name(), o.handle)
}

// Get reads a property.
func (o *Object) Get(ctx context.Context, name string) (cty.Value, error) {
	if o == nil {
		return cty.NilVal, failure.Configuration("get %q: %v", name, errNilObject)
	}
	p, err := o.class.Property(name)
	if err != nil {
		return cty.NilVal, err
	}
	return p.Get(ctx, o)
}

// Set writes a property on every worker that holds it.
func (o *Object) Set(ctx context.Context, name string, value any) error {
	if o == nil {
		return failure.Configuration("set %q: %v", name, errNilObject)
	}
	p, err := o.class.Property(name)
	if err != nil {
		return err
	}
	return p.Set(ctx, o, value)
}

// Call invokes a declared call.
func (o *Object) Call(ctx context.Context, name string, args ...any) (cty.Value, error) {
	if o == nil {
		return cty.NilVal, failure.Configuration("call %q: %v", name, errNilObject)
	}
	m, err := o.class.Method(name)
	if err != nil {
		return cty.NilVal, err
	}
	return m.Call(ctx, o, args...)
}

// CallOn invokes a non-collective call on the given rank.
func (o *Object) CallOn(ctx context.Context, rank int, name string, args ...any) (cty.Value, error) {
	if o == nil {
		return cty.NilVal, failure.Configuration("call %q: %v", name, errNilObject)
	}
	m, err := o.class.Method(name)
	if err != nil {
		return cty.NilVal, err
	}
	return m.CallOn(ctx, o, rank, args...)
}

// Release drops the object on every worker. The proxy is unusable
// afterwards.
func (o *Object) Release(ctx context.Context) error {
	if o == nil {
		return failure.Configuration("release: %v", errNilObject)
	}
	if err := o.usableBy(o.class.d); err != nil {
		return failure.Configuration("release %s: %v", o, err)
	}
	err := o.class.d.send(ctx, &invocation.Invocation{
		Op:         invocation.OpRelease,
		Handle:     o.handle,
		Class:      o.class.Name(),
		Collective: true,
		Target:     invocation.AllWorkers,
	})
	if err != nil {
		return err
	}
	o.released.Store(true)
	return nil
}

var (
	errReleased  = errors.New("object has been released")
	errNilObject = errors.New("nil object")
)

func (o *Object) usableBy(d *Dispatcher) error {
	switch {
	case o == nil:
		return errNilObject
	case o.class.d != d:
		return fmt.Errorf("%s belongs to another dispatcher", o)
	case o.released.Load():
		return fmt.Errorf("%s: %w", o, errReleased)
	}
	return nil
}

// PropertyStub reads and writes one declared property.
type PropertyStub struct {
	class *ProxyClass
	spec  *capability.PropertySpec
}

// Spec returns the property declaration.
func (p *PropertyStub) Spec() *capability.PropertySpec {
	return p.spec
}

// target is the rank a read is addressed to. Local properties are read from
// the authoritative rank alone; writes always reach every worker.
func (p *PropertyStub) target() int {
	if p.spec.Local {
		return p.class.spec.AuthoritativeRank
	}
	return invocation.AllWorkers
}

// Get reads the property and reduces the per-worker values.
func (p *PropertyStub) Get(ctx context.Context, o *Object) (cty.Value, error) {
	op := fmt.Sprintf("get %s.%s", p.class.Name(), p.spec.Name)
	if err := p.check(o); err != nil {
		return cty.NilVal, failure.Configuration("%s: %v", op, err)
	}

	target := p.target()
	ranks := p.class.d.allRanks()
	if target != invocation.AllWorkers {
		ranks = []int{target}
	}
	replies, err := p.class.d.roundTrip(ctx, &invocation.Invocation{
		Op:         invocation.OpGet,
		Handle:     o.handle,
		Class:      p.class.Name(),
		Member:     p.spec.Name,
		Collective: target == invocation.AllWorkers,
		Target:     target,
	}, ranks)
	if err != nil {
		return cty.NilVal, err
	}
	if err := conformReplies(op, replies, p.spec.Type); err != nil {
		return cty.NilVal, err
	}
	return reduce(p.spec.Reduction, p.class.spec.AuthoritativeRank, replies)
}

// Set writes the property on every worker. It does not wait for them.
func (p *PropertyStub) Set(ctx context.Context, o *Object, value any) error {
	op := fmt.Sprintf("set %s.%s", p.class.Name(), p.spec.Name)
	if err := p.check(o); err != nil {
		return failure.Configuration("%s: %v", op, err)
	}
	if p.spec.ReadOnly {
		return failure.Configuration("%s: property is read-only", op)
	}
	v, err := conform(op, value, p.spec.Type)
	if err != nil {
		return err
	}
	return p.class.d.send(ctx, &invocation.Invocation{
		Op:         invocation.OpSet,
		Handle:     o.handle,
		Class:      p.class.Name(),
		Member:     p.spec.Name,
		Args:       []cty.Value{v},
		Collective: true,
		Target:     invocation.AllWorkers,
	})
}

func (p *PropertyStub) check(o *Object) error {
	if err := o.usableBy(p.class.d); err != nil {
		return err
	}
	if o.class != p.class {
		return fmt.Errorf("%s is not a %s", o, p.class.Name())
	}
	return nil
}

// MethodStub invokes one declared call.
type MethodStub struct {
	class *ProxyClass
	spec  *capability.CallSpec
	sig   signature
}

// Spec returns the call declaration.
func (m *MethodStub) Spec() *capability.CallSpec {
	return m.spec
}

// Call invokes the call. A collective call runs on every worker and its
// results are reduced. Otherwise only the authoritative rank runs it and its
// result is returned as is.
func (m *MethodStub) Call(ctx context.Context, o *Object, args ...any) (cty.Value, error) {
	target := invocation.AllWorkers
	if !m.spec.Collective {
		target = m.class.spec.AuthoritativeRank
	}
	return m.invoke(ctx, o, target, args)
}

// CallOn invokes a non-collective call on rank.
func (m *MethodStub) CallOn(ctx context.Context, o *Object, rank int, args ...any) (cty.Value, error) {
	if m.spec.Collective {
		return cty.NilVal, failure.Configuration("call %s.%s is collective and cannot target rank %d",
			m.class.Name(), m.spec.Name, rank)
	}
	if rank < 0 || rank >= m.class.d.Workers() {
		return cty.NilVal, failure.Configuration("call %s.%s: rank %d is outside the job (0..%d)",
			m.class.Name(), m.spec.Name, rank, m.class.d.Workers()-1)
	}
	return m.invoke(ctx, o, rank, args)
}

func (m *MethodStub) invoke(ctx context.Context, o *Object, target int, args []any) (cty.Value, error) {
	op := fmt.Sprintf("call %s.%s", m.class.Name(), m.spec.Name)
	if err := o.usableBy(m.class.d); err != nil {
		return cty.NilVal, failure.Configuration("%s: %v", op, err)
	}
	if o.class != m.class {
		return cty.NilVal, failure.Configuration("%s: %s is not a %s", op, o, m.class.Name())
	}
	b, err := m.sig.bind(m.class.d, args)
	if err != nil {
		return cty.NilVal, err
	}

	ranks := m.class.d.allRanks()
	if target != invocation.AllWorkers {
		ranks = []int{target}
	}
	replies, err := m.class.d.roundTrip(ctx, &invocation.Invocation{
		Op:         invocation.OpCall,
		Handle:     o.handle,
		Class:      m.class.Name(),
		Member:     m.spec.Name,
		Args:       b.vals,
		Refs:       b.refs,
		Collective: m.spec.Collective,
		Target:     target,
	}, ranks)
	if err != nil {
		return cty.NilVal, err
	}
	if m.spec.Returns != cty.NilType {
		if err := conformReplies(op, replies, m.spec.Returns); err != nil {
			return cty.NilVal, err
		}
	}

	if !m.spec.Collective {
		if m.spec.Reduction == capability.ReductionNone || !replies[0].HasValue {
			return cty.NilVal, nil
		}
		return replies[0].Value, nil
	}
	return reduce(m.spec.Reduction, m.class.spec.AuthoritativeRank, replies)
}

// conformReplies converts each reply value to the declared type. A worker
// returning something else is a native fault.
func conformReplies(op string, replies []*invocation.Reply, ty cty.Type) error {
	for _, r := range replies {
		if !r.HasValue {
			continue
		}
		v, err := convertValue(r.Value, ty)
		if err != nil {
			return &failure.Error{
				Kind: failure.KindNative,
				Rank: r.Rank,
				Op:   op,
				Msg:  fmt.Sprintf("result %s does not conform to %s", r.Value.Type().FriendlyName(), ty.FriendlyName()),
				Err:  err,
			}
		}
		r.Value = v
	}
	return nil
}
