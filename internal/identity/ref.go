package identity

import (
	"math/big"

	"github.com/zclconf/go-cty/cty"
)

// refAttr is the single attribute of a handle reference object.
const refAttr = "pmi_handle"

// RefType is the cty type used to carry a handle inside an argument list. An
// argument of this type is resolved to the locally bound instance before the
// native operation runs.
var RefType = cty.Object(map[string]cty.Type{refAttr: cty.Number})

// RefVal returns the reference value for h.
func RefVal(h Handle) cty.Value {
	return cty.ObjectVal(map[string]cty.Value{
		refAttr: cty.NumberUIntVal(uint64(h)),
	})
}

// RefFromValue extracts the handle from a reference value. It reports false
// for any value that is not a known, non-null reference.
func RefFromValue(v cty.Value) (Handle, bool) {
	if v.Type() == cty.NilType || !v.IsKnown() || v.IsNull() || !v.Type().Equals(RefType) {
		return None, false
	}
	n := v.GetAttr(refAttr)
	if n.IsNull() {
		return None, false
	}
	u, acc := n.AsBigFloat().Uint64()
	if acc != big.Exact {
		return None, false
	}
	return Handle(u), true
}
