package native

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/specialistvlad/pmigo/internal/failure"
)

// Module is implemented by packages that contribute native classes.
type Module interface {
	Register(r *Registry)
}

// Constructor builds one instance from its resolved arguments.
type Constructor func(ctx context.Context, args Args) (any, error)

// Class is a registered native class.
type Class struct {
	Name string
	// Type is the instance type produced by a reflective constructor, or nil
	// for a factory whose product is only known at run time.
	Type reflect.Type
	// Params are the constructor parameter types, excluding a leading
	// context.Context. Nil for factories.
	Params    []reflect.Type
	construct Constructor
}

// Registry holds the native classes of one worker.
type Registry struct {
	classes map[string]*Class
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]*Class)}
}

// NewRegistryFrom creates a registry populated by the given modules.
func NewRegistryFrom(modules ...Module) *Registry {
	r := NewRegistry()
	for _, m := range modules {
		m.Register(r)
	}
	return r
}

// RegisterClass registers a Go constructor function for a class. The
// function may take a context.Context first, then one parameter per declared
// constructor argument, and must return the instance, optionally followed by
// an error. Invalid constructors and duplicate names panic.
func (r *Registry) RegisterClass(name string, ctor any) {
	fn := reflect.ValueOf(ctor)
	ft := fn.Type()
	if ft.Kind() != reflect.Func {
		panic(fmt.Sprintf("native class '%s': constructor must be a function, got %s", name, ft))
	}
	if ft.IsVariadic() {
		panic(fmt.Sprintf("native class '%s': variadic constructors are not supported", name))
	}

	withCtx := ft.NumIn() > 0 && ft.In(0) == contextType
	var params []reflect.Type
	for i := 0; i < ft.NumIn(); i++ {
		if i == 0 && withCtx {
			continue
		}
		params = append(params, ft.In(i))
	}

	switch {
	case ft.NumOut() == 1 && ft.Out(0) != errorType:
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
	default:
		panic(fmt.Sprintf("native class '%s': constructor must return (T) or (T, error), got %s", name, ft))
	}

	r.register(&Class{
		Name:   name,
		Type:   ft.Out(0),
		Params: params,
		construct: func(ctx context.Context, args Args) (any, error) {
			in, err := args.convert(params)
			if err != nil {
				return nil, err
			}
			if withCtx {
				in = append([]reflect.Value{reflect.ValueOf(ctx)}, in...)
			}
			out := fn.Call(in)
			if len(out) == 2 && !out[1].IsNil() {
				return nil, out[1].Interface().(error)
			}
			return out[0].Interface(), nil
		},
	})
}

// RegisterFactory registers a factory for a class. Factories receive the
// arguments unconverted and are not covered by the parity check beyond their
// presence.
func (r *Registry) RegisterFactory(name string, fn Constructor) {
	r.register(&Class{Name: name, construct: fn})
}

func (r *Registry) register(c *Class) {
	if _, exists := r.classes[c.Name]; exists {
		panic(fmt.Sprintf("native class with name '%s' already registered", c.Name))
	}
	slog.Debug("Registering native class.", "name", c.Name)
	r.classes[c.Name] = c
}

// Lookup returns the registered class.
func (r *Registry) Lookup(name string) (*Class, bool) {
	c, ok := r.classes[name]
	return c, ok
}

// Names returns the registered class names in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Construct builds an instance of the named class and adapts it to Object.
// Errors and panics raised by the constructor are native errors.
func (r *Registry) Construct(ctx context.Context, name string, args Args) (obj Object, err error) {
	c, ok := r.classes[name]
	if !ok {
		return nil, failure.Protocol("class %q has no native implementation on this worker", name)
	}
	defer recoverNative("construct "+name, &err)

	v, err := c.construct(ctx, args)
	if err != nil {
		return nil, asNative("construct "+name, err)
	}
	if v == nil {
		return nil, failure.Native("construct "+name, fmt.Errorf("constructor returned nil"))
	}
	return Adapt(v), nil
}
