package capability

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/typeexpr"
	"github.com/specialistvlad/pmigo/internal/identity"
	"github.com/zclconf/go-cty/cty"
)

// handleKeyword is the type keyword for arguments that refer to another
// proxied object.
const handleKeyword = "handle"

// typeFromExpr converts an HCL type expression (e.g. `number`,
// `list(number)`, `tuple([number, number, number])`, `any` or `handle`) into a
// cty.Type.
func typeFromExpr(expr hcl.Expression) (cty.Type, hcl.Diagnostics) {
	// `handle` is not part of the HCL type language, so it is recognised
	// before delegating to typeexpr.
	if traversal, diags := hcl.AbsTraversalForExpr(expr); !diags.HasErrors() && len(traversal) == 1 {
		if traversal.RootName() == handleKeyword {
			return identity.RefType, nil
		}
	}

	ty, diags := typeexpr.TypeConstraint(expr)
	if diags.HasErrors() {
		return cty.NilType, diags
	}
	return ty, nil
}
