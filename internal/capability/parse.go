// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file decodes `class` blocks from HCL into Spec values.
//
// Decoding is done in two passes, the same way runner manifests are decoded:
// gohcl pulls out the labelled top-level blocks, then each body is walked with
// an explicit hcl.BodySchema so that missing or misspelled attributes produce
// diagnostics that point at the offending line.
package capability

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/specialistvlad/pmigo/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
)

// classRootSchema defines the top-level structure of a capability file.
type classRootSchema struct {
	Classes []*hclClass `hcl:"class,block"`
}

// hclClass is a single `class` block, kept raw for the second pass.
type hclClass struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

var classBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "description"},
		{Name: "authoritative_rank"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "constructor"},
		{Type: "property", LabelNames: []string{"name"}},
		{Type: "call", LabelNames: []string{"name"}},
	},
}

var constructorBodySchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "arg", LabelNames: []string{"name"}},
	},
}

var propertyBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "type"},
		{Name: "description"},
		{Name: "readonly"},
		{Name: "local"},
		{Name: "reduction"},
	},
}

var callBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "description"},
		{Name: "collective"},
		{Name: "reduction"},
		{Name: "returns"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "arg", LabelNames: []string{"name"}},
	},
}

var argBodySchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "type"},
		{Name: "default"},
	},
}

// ParseFile decodes every `class` block in an already parsed HCL file.
func ParseFile(ctx context.Context, file *hcl.File, filename string) ([]*Spec, hcl.Diagnostics) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Parsing capability definitions from file", "file_path", filename)

	var allDiags hcl.Diagnostics
	if file == nil {
		allDiags = append(allDiags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "HCL file is nil",
		})
		return nil, allDiags
	}

	root := &classRootSchema{}
	diags := gohcl.DecodeBody(file.Body, nil, root)
	allDiags = append(allDiags, diags...)
	if diags.HasErrors() {
		return nil, allDiags
	}

	specs := make([]*Spec, 0, len(root.Classes))
	for _, class := range root.Classes {
		spec, classDiags := parseClass(class, filename)
		allDiags = append(allDiags, classDiags...)
		if spec != nil {
			specs = append(specs, spec)
		}
	}

	if allDiags.HasErrors() {
		return nil, allDiags
	}

	logger.Debug("Successfully parsed capability definitions", "count", len(specs))
	return specs, allDiags
}

func parseClass(class *hclClass, filename string) (*Spec, hcl.Diagnostics) {
	content, diags := class.Body.Content(classBodySchema)
	if diags.HasErrors() {
		return nil, diags
	}

	spec := &Spec{
		ClassName:  class.Name,
		Properties: make(map[string]*PropertySpec),
		Calls:      make(map[string]*CallSpec),
		Source:     filename,
	}

	if attr, ok := content.Attributes["description"]; ok {
		diags = append(diags, gohcl.DecodeExpression(attr.Expr, nil, &spec.Description)...)
	}
	if attr, ok := content.Attributes["authoritative_rank"]; ok {
		diags = append(diags, gohcl.DecodeExpression(attr.Expr, nil, &spec.AuthoritativeRank)...)
	}

	ctorBlocks := content.Blocks.OfType("constructor")
	if len(ctorBlocks) > 1 {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Duplicate \"constructor\" block",
			Detail:   fmt.Sprintf("Class '%s' may only have one constructor block.", class.Name),
			Subject:  &ctorBlocks[1].DefRange,
		})
	} else if len(ctorBlocks) == 1 {
		ctorContent, ctorDiags := ctorBlocks[0].Body.Content(constructorBodySchema)
		diags = append(diags, ctorDiags...)
		if !ctorDiags.HasErrors() {
			var argDiags hcl.Diagnostics
			spec.Constructor, argDiags = parseArgs(ctorContent.Blocks)
			diags = append(diags, argDiags...)
		}
	}

	for _, block := range content.Blocks.OfType("property") {
		name := block.Labels[0]
		if dupDiag := duplicateMember(spec, name, block); dupDiag != nil {
			diags = append(diags, dupDiag)
			continue
		}
		prop, propDiags := parseProperty(name, block)
		diags = append(diags, propDiags...)
		if prop != nil {
			spec.Properties[name] = prop
		}
	}

	for _, block := range content.Blocks.OfType("call") {
		name := block.Labels[0]
		if dupDiag := duplicateMember(spec, name, block); dupDiag != nil {
			diags = append(diags, dupDiag)
			continue
		}
		call, callDiags := parseCall(name, block)
		diags = append(diags, callDiags...)
		if call != nil {
			spec.Calls[name] = call
		}
	}

	if diags.HasErrors() {
		return nil, diags
	}
	return spec, diags
}

func duplicateMember(spec *Spec, name string, block *hcl.Block) *hcl.Diagnostic {
	_, isProp := spec.Properties[name]
	_, isCall := spec.Calls[name]
	if !isProp && !isCall {
		return nil
	}
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  "Duplicate member definition",
		Detail:   fmt.Sprintf("A member named '%s' has already been declared on class '%s'.", name, spec.ClassName),
		Subject:  &block.DefRange,
	}
}

func parseProperty(name string, block *hcl.Block) (*PropertySpec, hcl.Diagnostics) {
	content, diags := block.Body.Content(propertyBodySchema)
	if diags.HasErrors() {
		return nil, diags
	}

	typeAttr, ok := content.Attributes["type"]
	if !ok {
		missing := block.Body.MissingItemRange()
		return nil, append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing 'type' attribute",
			Detail:   "The 'type' attribute is required for all property blocks.",
			Subject:  &missing,
		})
	}
	ty, typeDiags := typeFromExpr(typeAttr.Expr)
	diags = append(diags, typeDiags...)
	if typeDiags.HasErrors() {
		return nil, diags
	}

	prop := &PropertySpec{
		Name:      name,
		Type:      ty,
		Reduction: ReductionFirstRankOnly,
	}
	if attr, ok := content.Attributes["description"]; ok {
		diags = append(diags, gohcl.DecodeExpression(attr.Expr, nil, &prop.Description)...)
	}
	if attr, ok := content.Attributes["readonly"]; ok {
		diags = append(diags, gohcl.DecodeExpression(attr.Expr, nil, &prop.ReadOnly)...)
	}
	if attr, ok := content.Attributes["local"]; ok {
		diags = append(diags, gohcl.DecodeExpression(attr.Expr, nil, &prop.Local)...)
	}
	if attr, ok := content.Attributes["reduction"]; ok {
		r, rDiags := decodeReduction(attr)
		diags = append(diags, rDiags...)
		prop.Reduction = r
	}
	return prop, diags
}

func parseCall(name string, block *hcl.Block) (*CallSpec, hcl.Diagnostics) {
	content, diags := block.Body.Content(callBodySchema)
	if diags.HasErrors() {
		return nil, diags
	}

	call := &CallSpec{
		Name:       name,
		Collective: true,
		Reduction:  ReductionFirstRankOnly,
		Returns:    cty.NilType,
	}
	if attr, ok := content.Attributes["description"]; ok {
		diags = append(diags, gohcl.DecodeExpression(attr.Expr, nil, &call.Description)...)
	}
	if attr, ok := content.Attributes["collective"]; ok {
		diags = append(diags, gohcl.DecodeExpression(attr.Expr, nil, &call.Collective)...)
	}
	if attr, ok := content.Attributes["reduction"]; ok {
		r, rDiags := decodeReduction(attr)
		diags = append(diags, rDiags...)
		call.Reduction = r
	}
	if attr, ok := content.Attributes["returns"]; ok {
		ty, typeDiags := typeFromExpr(attr.Expr)
		diags = append(diags, typeDiags...)
		call.Returns = ty
	}

	var argDiags hcl.Diagnostics
	call.Args, argDiags = parseArgs(content.Blocks)
	diags = append(diags, argDiags...)
	return call, diags
}

// parseArgs decodes `arg` blocks in declaration order.
func parseArgs(blocks hcl.Blocks) ([]ArgSpec, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	args := make([]ArgSpec, 0, len(blocks))
	seen := make(map[string]struct{})

	for _, block := range blocks.OfType("arg") {
		name := block.Labels[0]
		if _, dup := seen[name]; dup {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate argument definition",
				Detail:   fmt.Sprintf("An argument named '%s' has already been defined.", name),
				Subject:  &block.DefRange,
			})
			continue
		}
		seen[name] = struct{}{}

		content, contentDiags := block.Body.Content(argBodySchema)
		diags = append(diags, contentDiags...)
		if contentDiags.HasErrors() {
			continue
		}

		typeAttr, ok := content.Attributes["type"]
		if !ok {
			missing := block.Body.MissingItemRange()
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Missing 'type' attribute",
				Detail:   "The 'type' attribute is required for all arg blocks.",
				Subject:  &missing,
			})
			continue
		}
		ty, typeDiags := typeFromExpr(typeAttr.Expr)
		diags = append(diags, typeDiags...)
		if typeDiags.HasErrors() {
			continue
		}

		arg := ArgSpec{Name: name, Type: ty}
		if defAttr, ok := content.Attributes["default"]; ok {
			// Defaults must be literal values, so there is no eval context.
			val, valDiags := defAttr.Expr.Value(nil)
			diags = append(diags, valDiags...)
			if valDiags.HasErrors() {
				continue
			}
			arg.Default = &val
		}
		args = append(args, arg)
	}
	return args, diags
}

func decodeReduction(attr *hcl.Attribute) (Reduction, hcl.Diagnostics) {
	var raw string
	diags := gohcl.DecodeExpression(attr.Expr, nil, &raw)
	if diags.HasErrors() {
		return ReductionNone, diags
	}
	r, err := ParseReduction(raw)
	if err != nil {
		return ReductionNone, append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid reduction",
			Detail:   err.Error(),
			Subject:  attr.Expr.Range().Ptr(),
		})
	}
	return r, diags
}
