package invocation

import (
	"fmt"
	"reflect"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

var ctyValueType = reflect.TypeOf(cty.Value{})

// ToValue converts a Go value into a cty.Value. cty.Values pass through
// unchanged; everything else goes through gocty using the type it implies.
func ToValue(v any) (cty.Value, error) {
	switch tv := v.(type) {
	case cty.Value:
		return tv, nil
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	ty, err := gocty.ImpliedType(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("cannot represent %T: %w", v, err)
	}
	val, err := gocty.ToCtyValue(v, ty)
	if err != nil {
		return cty.NilVal, fmt.Errorf("cannot represent %T: %w", v, err)
	}
	return val, nil
}

// FromValue stores val into the Go value target points to, converting val
// to the type the target implies first.
func FromValue(val cty.Value, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer, got %T", target)
	}
	return assign(val, rv.Elem())
}

// FromValueTo returns val converted to a new value of type t.
func FromValueTo(val cty.Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	if err := assign(val, out); err != nil {
		return reflect.Value{}, err
	}
	return out, nil
}

func assign(val cty.Value, dst reflect.Value) error {
	if dst.Type() == ctyValueType {
		dst.Set(reflect.ValueOf(val))
		return nil
	}
	if dst.Kind() == reflect.Interface && dst.NumMethod() == 0 {
		goVal, err := Native(val)
		if err != nil {
			return err
		}
		if goVal != nil {
			dst.Set(reflect.ValueOf(goVal))
		}
		return nil
	}

	ty, err := gocty.ImpliedType(dst.Interface())
	if err != nil {
		return fmt.Errorf("cannot store into %s: %w", dst.Type(), err)
	}
	converted, err := convert.Convert(val, ty)
	if err != nil {
		return fmt.Errorf("cannot convert %s to %s: %w", val.Type().FriendlyName(), dst.Type(), err)
	}
	return gocty.FromCtyValue(converted, dst.Addr().Interface())
}

// Native returns the natural Go representation of val: float64 for numbers,
// string, bool, []any for lists, sets and tuples, map[string]any for maps and
// objects, and nil for null.
func Native(val cty.Value) (any, error) {
	if val.Type() == cty.NilType || val.IsNull() {
		return nil, nil
	}
	if !val.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsListType(), ty.IsSetType(), ty.IsTupleType():
		out := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			gv, err := Native(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case ty.IsMapType(), ty.IsObjectType():
		out := make(map[string]any, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			gv, err := Native(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
