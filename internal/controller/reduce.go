package controller

import (
	"fmt"

	"github.com/specialistvlad/pmigo/internal/capability"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/invocation"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// reduce combines the replies of a collective operation. replies are ordered
// by rank.
func reduce(r capability.Reduction, authoritative int, replies []*invocation.Reply) (cty.Value, error) {
	switch r {
	case capability.ReductionNone:
		return cty.NilVal, nil

	case capability.ReductionFirstRankOnly:
		for _, rep := range replies {
			if rep.Rank == authoritative {
				if !rep.HasValue {
					return cty.NilVal, nil
				}
				return rep.Value, nil
			}
		}
		return cty.NilVal, failure.Protocol("no reply from authoritative rank %d", authoritative)

	case capability.ReductionGather:
		if len(replies) == 0 {
			return cty.EmptyTupleVal, nil
		}
		vals := make([]cty.Value, len(replies))
		for i, rep := range replies {
			vals[i] = cty.NullVal(cty.DynamicPseudoType)
			if rep.HasValue {
				vals[i] = rep.Value
			}
		}
		return cty.TupleVal(vals), nil

	case capability.ReductionSum:
		var acc cty.Value
		for i, rep := range replies {
			if !rep.HasValue {
				return cty.NilVal, &failure.Error{Kind: failure.KindNative, Rank: rep.Rank, Msg: "sum reduction got no value"}
			}
			if i == 0 {
				acc = rep.Value
				continue
			}
			next, err := sum(acc, rep.Value)
			if err != nil {
				return cty.NilVal, &failure.Error{Kind: failure.KindNative, Rank: rep.Rank, Msg: "sum reduction", Err: err}
			}
			acc = next
		}
		return acc, nil
	}
	return cty.NilVal, failure.Configuration("unsupported reduction %s", r)
}

// sum adds two numbers, or two lists or tuples of numbers element-wise.
func sum(a, b cty.Value) (cty.Value, error) {
	if a.IsNull() || b.IsNull() {
		return cty.NilVal, fmt.Errorf("cannot add null values")
	}
	if !a.IsKnown() || !b.IsKnown() {
		return cty.NilVal, fmt.Errorf("cannot add unknown values")
	}
	at, bt := a.Type(), b.Type()
	switch {
	case at.Equals(cty.Number) && bt.Equals(cty.Number):
		return a.Add(b), nil

	case sequence(at) && sequence(bt):
		if a.LengthInt() != b.LengthInt() {
			return cty.NilVal, fmt.Errorf("cannot add sequences of length %d and %d", a.LengthInt(), b.LengthInt())
		}
		if a.LengthInt() == 0 {
			return a, nil
		}
		as, bs := a.AsValueSlice(), b.AsValueSlice()
		out := make([]cty.Value, len(as))
		for i := range as {
			v, err := sum(as[i], bs[i])
			if err != nil {
				return cty.NilVal, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = v
		}
		if at.IsListType() {
			return cty.ListVal(out), nil
		}
		return cty.TupleVal(out), nil
	}
	return cty.NilVal, fmt.Errorf("cannot add %s and %s", at.FriendlyName(), bt.FriendlyName())
}

func sequence(ty cty.Type) bool {
	return ty.IsListType() || ty.IsTupleType()
}

// convertValue converts v to ty, leaving it alone when ty is dynamic. Known
// lists and sets are accepted for tuple types, element by element, since Go
// slices arrive as lists.
func convertValue(v cty.Value, ty cty.Type) (cty.Value, error) {
	if ty == cty.DynamicPseudoType {
		return v, nil
	}
	vt := v.Type()
	if ty.IsTupleType() && (vt.IsListType() || vt.IsSetType()) && v.IsWhollyKnown() && !v.IsNull() {
		if n := v.LengthInt(); n != len(ty.TupleElementTypes()) {
			return cty.NilVal, fmt.Errorf("%s needs %d elements, got %d", ty.FriendlyName(), len(ty.TupleElementTypes()), n)
		}
		v = cty.TupleVal(v.AsValueSlice())
	}
	return convert.Convert(v, ty)
}
