package native

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/invocation"
	"github.com/zclconf/go-cty/cty"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	valueType   = reflect.TypeOf(cty.Value{})
)

// Object is a native instance as seen by the worker dispatch loop.
type Object interface {
	GetProperty(ctx context.Context, name string) (cty.Value, error)
	SetProperty(ctx context.Context, name string, v cty.Value) error
	Invoke(ctx context.Context, name string, args Args) (cty.Value, error)
}

// Unwrapper is implemented by adapters that wrap a Go value.
type Unwrapper interface {
	Unwrap() any
}

// Unwrap returns the Go value behind obj.
func Unwrap(obj Object) any {
	if u, ok := obj.(Unwrapper); ok {
		return u.Unwrap()
	}
	return obj
}

// Args are the arguments of a constructor or call. Elements are cty.Values,
// or Go values of instances bound to handle arguments.
type Args []any

// Value returns argument i as a cty.Value.
func (a Args) Value(i int) (cty.Value, error) {
	if i >= len(a) {
		return cty.NilVal, fmt.Errorf("argument %d is missing", i)
	}
	v, ok := a[i].(cty.Value)
	if !ok {
		return cty.NilVal, fmt.Errorf("argument %d is an object reference, not a value", i)
	}
	return v, nil
}

// Into converts argument i into the Go value target points to.
func (a Args) Into(i int, target any) error {
	if i >= len(a) {
		return fmt.Errorf("argument %d is missing", i)
	}
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer, got %T", target)
	}
	v, err := convertArg(a[i], rv.Elem().Type())
	if err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	rv.Elem().Set(v)
	return nil
}

func (a Args) convert(params []reflect.Type) ([]reflect.Value, error) {
	if len(a) != len(params) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(params), len(a))
	}
	out := make([]reflect.Value, len(params))
	for i, pt := range params {
		v, err := convertArg(a[i], pt)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func convertArg(arg any, t reflect.Type) (reflect.Value, error) {
	if v, ok := arg.(cty.Value); ok && t != valueType {
		return invocation.FromValueTo(v, t)
	}
	rv := reflect.ValueOf(arg)
	if !rv.IsValid() {
		return reflect.Zero(t), nil
	}
	if !rv.Type().AssignableTo(t) {
		return reflect.Value{}, fmt.Errorf("%s is not assignable to %s", rv.Type(), t)
	}
	return rv, nil
}

// Adapt returns v as an Object. Values that implement Object are returned
// unchanged; anything else is driven by reflection.
func Adapt(v any) Object {
	if obj, ok := v.(Object); ok {
		return obj
	}
	return &reflectObject{v: reflect.ValueOf(v)}
}

type reflectObject struct {
	v reflect.Value
}

func (o *reflectObject) Unwrap() any {
	return o.v.Interface()
}

func (o *reflectObject) GetProperty(_ context.Context, name string) (cty.Value, error) {
	f, err := o.field(name)
	if err != nil {
		return cty.NilVal, err
	}
	return invocation.ToValue(f.Interface())
}

func (o *reflectObject) SetProperty(_ context.Context, name string, v cty.Value) error {
	f, err := o.field(name)
	if err != nil {
		return err
	}
	if !f.CanSet() {
		return fmt.Errorf("property %q of %s is not settable; construct a pointer", name, o.v.Type())
	}
	nv, err := invocation.FromValueTo(v, f.Type())
	if err != nil {
		return fmt.Errorf("property %q: %w", name, err)
	}
	f.Set(nv)
	return nil
}

func (o *reflectObject) Invoke(ctx context.Context, name string, args Args) (cty.Value, error) {
	m := o.v.MethodByName(MethodName(name))
	if !m.IsValid() {
		return cty.NilVal, fmt.Errorf("%s has no method %s for call %q", o.v.Type(), MethodName(name), name)
	}
	params, withCtx := methodParams(m.Type())
	in, err := args.convert(params)
	if err != nil {
		return cty.NilVal, fmt.Errorf("call %q: %w", name, err)
	}
	if withCtx {
		in = append([]reflect.Value{reflect.ValueOf(ctx)}, in...)
	}
	return results(m.Call(in))
}

// field finds the struct field tagged with name.
func (o *reflectObject) field(name string) (reflect.Value, error) {
	sv := reflect.Indirect(o.v)
	if sv.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%s has no properties", o.v.Type())
	}
	idx, ok := taggedFields(sv.Type())[name]
	if !ok {
		return reflect.Value{}, fmt.Errorf("%s has no field tagged pmi:%q", o.v.Type(), name)
	}
	return sv.FieldByIndex(idx), nil
}

// taggedFields maps property names to field indexes of an exported field
// carrying a `pmi` tag.
func taggedFields(t reflect.Type) map[string][]int {
	out := make(map[string][]int)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return out
	}
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() {
			continue
		}
		name := strings.Split(f.Tag.Get("pmi"), ",")[0]
		if name != "" && name != "-" {
			out[name] = f.Index
		}
	}
	return out
}

// MethodName returns the Go method name that serves a call.
func MethodName(call string) string {
	r, size := utf8.DecodeRuneInString(call)
	if r == utf8.RuneError {
		return call
	}
	return string(unicode.ToUpper(r)) + call[size:]
}

// methodParams returns the parameter types of a bound method, without a
// leading context.Context.
func methodParams(mt reflect.Type) ([]reflect.Type, bool) {
	withCtx := mt.NumIn() > 0 && mt.In(0) == contextType
	var params []reflect.Type
	for i := 0; i < mt.NumIn(); i++ {
		if i == 0 && withCtx {
			continue
		}
		params = append(params, mt.In(i))
	}
	return params, withCtx
}

// results turns a method's return values into a cty.Value. Methods return
// nothing, a value, an error, or a value and an error.
func results(out []reflect.Value) (cty.Value, error) {
	switch len(out) {
	case 0:
		return cty.NilVal, nil
	case 1:
		if out[0].Type() == errorType {
			if !out[0].IsNil() {
				return cty.NilVal, out[0].Interface().(error)
			}
			return cty.NilVal, nil
		}
		return invocation.ToValue(out[0].Interface())
	case 2:
		if !out[1].IsNil() {
			return cty.NilVal, out[1].Interface().(error)
		}
		return invocation.ToValue(out[0].Interface())
	default:
		return cty.NilVal, fmt.Errorf("methods may return at most a value and an error, got %d results", len(out))
	}
}

// recoverNative converts a panic in native code into a native error.
func recoverNative(op string, err *error) {
	if r := recover(); r != nil {
		*err = failure.Native(op, fmt.Errorf("panic: %v", r))
	}
}

// asNative classifies an error coming out of native code. Errors that are
// already classified keep their kind.
func asNative(op string, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	return failure.Native(op, err)
}

// Get reads a property, converting errors and panics into native errors.
func Get(ctx context.Context, obj Object, name string) (v cty.Value, err error) {
	defer recoverNative("get "+name, &err)
	v, err = obj.GetProperty(ctx, name)
	if err != nil {
		return cty.NilVal, asNative("get "+name, err)
	}
	return v, nil
}

// Set writes a property, converting errors and panics into native errors.
func Set(ctx context.Context, obj Object, name string, v cty.Value) (err error) {
	defer recoverNative("set "+name, &err)
	if err := obj.SetProperty(ctx, name, v); err != nil {
		return asNative("set "+name, err)
	}
	return nil
}

// Call invokes a method, converting errors and panics into native errors.
func Call(ctx context.Context, obj Object, name string, args Args) (v cty.Value, err error) {
	defer recoverNative("call "+name, &err)
	v, err = obj.Invoke(ctx, name, args)
	if err != nil {
		return cty.NilVal, asNative("call "+name, err)
	}
	return v, nil
}
