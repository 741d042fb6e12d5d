package controller

import (
	"fmt"
	"sort"
	"strings"

	"github.com/specialistvlad/pmigo/internal/capability"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/identity"
	"github.com/specialistvlad/pmigo/internal/invocation"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Kwargs passes arguments by name. When it is the only argument of New or
// Call, each declared argument is looked up by name and omitted ones take
// their declared defaults.
type Kwargs map[string]any

// signature binds caller arguments to a declared argument list.
type signature struct {
	owner string
	args  []capability.ArgSpec
}

// bound is an argument list ready for the wire. refs lists the positions of
// vals that are handle references.
type bound struct {
	vals []cty.Value
	refs []int
}

func (b *bound) set(i int, v cty.Value, ref bool) {
	b.vals[i] = v
	if ref {
		b.refs = append(b.refs, i)
	}
}

// bind converts args into the values sent on the wire. args may be a single
// Kwargs or positional values. Positional arguments that are left out take
// their defaults.
func (s signature) bind(d *Dispatcher, args []any) (bound, error) {
	if len(args) == 1 {
		if kw, ok := args[0].(Kwargs); ok {
			return s.bindNamed(d, kw)
		}
	}
	if len(args) > len(s.args) {
		return bound{}, failure.Configuration("%s takes %d arguments, got %d", s.owner, len(s.args), len(args))
	}
	out := bound{vals: make([]cty.Value, len(s.args))}
	for i, spec := range s.args {
		if i < len(args) {
			v, ref, err := s.convert(d, spec, args[i])
			if err != nil {
				return bound{}, err
			}
			out.set(i, v, ref)
			continue
		}
		if spec.Default == nil {
			return bound{}, failure.Configuration("%s: missing required argument %q", s.owner, spec.Name)
		}
		out.set(i, mustConvert(*spec.Default, spec.Type), false)
	}
	return out, nil
}

func (s signature) bindNamed(d *Dispatcher, kw Kwargs) (bound, error) {
	declared := make(map[string]struct{}, len(s.args))
	for _, spec := range s.args {
		declared[spec.Name] = struct{}{}
	}
	var unknown []string
	for name := range kw {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return bound{}, failure.Configuration("%s has no argument named %s", s.owner, strings.Join(quote(unknown), ", "))
	}

	out := bound{vals: make([]cty.Value, len(s.args))}
	for i, spec := range s.args {
		raw, ok := kw[spec.Name]
		if !ok {
			if spec.Default == nil {
				return bound{}, failure.Configuration("%s: missing required argument %q", s.owner, spec.Name)
			}
			out.set(i, mustConvert(*spec.Default, spec.Type), false)
			continue
		}
		v, ref, err := s.convert(d, spec, raw)
		if err != nil {
			return bound{}, err
		}
		out.set(i, v, ref)
	}
	return out, nil
}

// convert checks one argument against its declaration. Proxied objects are
// passed as handle references, reported by the second result.
func (s signature) convert(d *Dispatcher, spec capability.ArgSpec, raw any) (cty.Value, bool, error) {
	if obj, ok := raw.(*Object); ok {
		if err := obj.usableBy(d); err != nil {
			return cty.NilVal, false, failure.Configuration("%s: argument %q: %v", s.owner, spec.Name, err)
		}
		if !spec.IsHandle() && spec.Type != cty.DynamicPseudoType {
			return cty.NilVal, false, failure.Configuration("%s: argument %q is %s, got a %s object",
				s.owner, spec.Name, spec.Type.FriendlyName(), obj.class.Name())
		}
		return identity.RefVal(obj.handle), true, nil
	}
	if spec.IsHandle() {
		return cty.NilVal, false, failure.Configuration("%s: argument %q must be a proxied object, got %T", s.owner, spec.Name, raw)
	}
	v, err := conform(fmt.Sprintf("%s: argument %q", s.owner, spec.Name), raw, spec.Type)
	return v, false, err
}

// conform converts a Go or cty value to ty.
func conform(what string, raw any, ty cty.Type) (cty.Value, error) {
	v, err := invocation.ToValue(raw)
	if err != nil {
		return cty.NilVal, failure.Configuration("%s: %v", what, err)
	}
	out, err := convertValue(v, ty)
	if err != nil {
		return cty.NilVal, failure.Configuration("%s: cannot use %s as %s: %v",
			what, v.Type().FriendlyName(), ty.FriendlyName(), err)
	}
	return out, nil
}

// mustConvert converts a declared default. Defaults were checked when the
// capability was loaded.
func mustConvert(v cty.Value, ty cty.Type) cty.Value {
	out, err := convert.Convert(v, ty)
	if err != nil {
		panic(fmt.Sprintf("default %#v does not conform to %s: %v", v, ty.FriendlyName(), err))
	}
	return out
}

func quote(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprintf("%q", n)
	}
	return out
}
