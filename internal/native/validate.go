package native

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/specialistvlad/pmigo/internal/capability"
	"github.com/specialistvlad/pmigo/internal/ctxlog"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

var objectType = reflect.TypeOf((*Object)(nil)).Elem()

// ValidateAgainst performs a strict parity check between the capability
// declarations and the registered Go code. Every declared class must be
// registered; for reflective classes the constructor arity, the tagged
// properties and their types, and the call methods must match too.
func (r *Registry) ValidateAgainst(ctx context.Context, set *capability.Set) error {
	var errs []string
	logger := ctxlog.FromContext(ctx)

	for _, className := range set.Classes() {
		spec, _ := set.Lookup(className)
		class, ok := r.classes[className]
		if !ok {
			errs = append(errs, fmt.Sprintf("class '%s': declared but no native class is registered", className))
			continue
		}
		if class.Type == nil {
			logger.Debug("Native class is a factory; skipping member checks.", "class", className)
			continue
		}

		if len(class.Params) != len(spec.Constructor) {
			errs = append(errs, fmt.Sprintf("class '%s': constructor declares %d arguments but Go constructor takes %d",
				className, len(spec.Constructor), len(class.Params)))
		}

		if class.Type.Implements(objectType) {
			continue
		}

		fields := taggedFields(class.Type)
		for _, name := range spec.PropertyNames() {
			idx, ok := fields[name]
			if !ok {
				errs = append(errs, fmt.Sprintf("class '%s': property '%s' has no Go field tagged pmi:\"%s\"", className, name, name))
				continue
			}
			errs = append(errs, checkFieldType(className, name, spec.Properties[name].Type, fieldType(class.Type, idx), logger.Warn)...)
		}

		for _, name := range spec.CallNames() {
			m, ok := class.Type.MethodByName(MethodName(name))
			if !ok {
				errs = append(errs, fmt.Sprintf("class '%s': call '%s' has no Go method %s on %s", className, name, MethodName(name), class.Type))
				continue
			}
			// Drop the receiver.
			in := make([]reflect.Type, 0, m.Type.NumIn()-1)
			for i := 1; i < m.Type.NumIn(); i++ {
				in = append(in, m.Type.In(i))
			}
			if len(in) > 0 && in[0] == contextType {
				in = in[1:]
			}
			if want := len(spec.Calls[name].Args); len(in) != want {
				errs = append(errs, fmt.Sprintf("class '%s': call '%s' declares %d arguments but %s takes %d",
					className, name, want, m.Name, len(in)))
			}
		}
	}

	for _, name := range r.Names() {
		if _, err := set.Lookup(name); err != nil {
			logger.Warn("Native class is registered but not declared in any capability file.", "class", name)
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return failure.Configuration("native registry validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

func fieldType(t reflect.Type, idx []int) reflect.Type {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.FieldByIndex(idx).Type
}

func checkFieldType(className, prop string, declared cty.Type, goType reflect.Type, warn func(string, ...any)) []string {
	if declared.Equals(cty.DynamicPseudoType) {
		warn("Capability declares a property with 'type = any', which disables static type checking.", "class", className, "property", prop)
		return nil
	}
	if goType == valueType {
		return nil
	}
	implied, err := gocty.ImpliedType(reflect.Zero(goType).Interface())
	if err != nil {
		return []string{fmt.Sprintf("class '%s', property '%s': could not imply cty type from Go field type %s: %v", className, prop, goType, err)}
	}
	if !compatible(declared, implied) {
		return []string{fmt.Sprintf("class '%s', property '%s': type mismatch. Capability declares '%s' but Go field provides '%s'",
			className, prop, declared.FriendlyName(), implied.FriendlyName())}
	}
	return nil
}

// compatible reports whether a Go field of the implied type can hold values of
// the declared type. Slices back fixed-length tuples of their element type.
func compatible(declared, implied cty.Type) bool {
	if declared.Equals(implied) {
		return true
	}
	if declared.IsTupleType() && implied.IsListType() {
		for _, et := range declared.TupleElementTypes() {
			if !et.Equals(implied.ElementType()) {
				return false
			}
		}
		return true
	}
	return false
}
