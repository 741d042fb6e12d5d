// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the in-memory shape of a capability spec and its
// structural validation. Validation is independent of the HCL loader so that
// specs assembled in Go are held to the same rules as specs read from disk.
package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/identity"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Reduction says how the per-worker results of a collective operation are
// combined before they are handed back to the caller.
type Reduction uint8

const (
	// ReductionNone discards the results; the caller only learns that every
	// worker completed.
	ReductionNone Reduction = iota
	// ReductionGather returns every worker's value, ordered by rank.
	ReductionGather
	// ReductionSum adds the values. Numbers are added; lists and tuples of
	// numbers are added element-wise.
	ReductionSum
	// ReductionFirstRankOnly returns the authoritative rank's value.
	ReductionFirstRankOnly
)

var reductionNames = map[Reduction]string{
	ReductionNone:          "none",
	ReductionGather:        "gather",
	ReductionSum:           "sum",
	ReductionFirstRankOnly: "first_rank_only",
}

// String returns the manifest spelling of the reduction.
func (r Reduction) String() string {
	if name, ok := reductionNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reduction(%d)", uint8(r))
}

// ParseReduction parses the manifest spelling of a reduction.
func ParseReduction(s string) (Reduction, error) {
	for r, name := range reductionNames {
		if name == s {
			return r, nil
		}
	}
	return ReductionNone, fmt.Errorf("unknown reduction %q (expected one of: none, gather, sum, first_rank_only)", s)
}

// ArgSpec declares one positional argument of a constructor or call.
type ArgSpec struct {
	Name string
	Type cty.Type
	// Default is used when the caller omits the argument. Nil means required.
	Default *cty.Value
}

// IsHandle reports whether the argument refers to another proxied object.
func (a ArgSpec) IsHandle() bool {
	return a.Type.Equals(identity.RefType)
}

// PropertySpec declares a remotely readable (and usually writable) attribute.
type PropertySpec struct {
	Name        string
	Description string
	Type        cty.Type
	ReadOnly    bool
	// Local properties live on one worker only (the authoritative rank); reads
	// and writes are addressed to that worker alone.
	Local     bool
	Reduction Reduction
}

// CallSpec declares a remotely callable method.
type CallSpec struct {
	Name        string
	Description string
	Collective  bool
	Reduction   Reduction
	// Returns is the declared result type, or cty.NilType if undeclared.
	Returns cty.Type
	Args    []ArgSpec
}

// Spec is the capability declaration of one class.
type Spec struct {
	ClassName         string
	Description       string
	AuthoritativeRank int
	Constructor       []ArgSpec
	Properties        map[string]*PropertySpec
	Calls             map[string]*CallSpec
	// Source is the file the class was declared in, if any.
	Source string
}

// Property returns the named property declaration.
func (s *Spec) Property(name string) (*PropertySpec, bool) {
	p, ok := s.Properties[name]
	return p, ok
}

// Call returns the named call declaration.
func (s *Spec) Call(name string) (*CallSpec, bool) {
	c, ok := s.Calls[name]
	return c, ok
}

// PropertyNames returns the exposed property names in lexical order.
func (s *Spec) PropertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallNames returns the exposed call names in lexical order.
func (s *Spec) CallNames() []string {
	names := make([]string, 0, len(s.Calls))
	for name := range s.Calls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the class declaration for structural errors. All problems are collected
// into a single configuration error.
func (s *Spec) Validate() error {
	var errs []string
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if s.ClassName == "" {
		addf("class name must not be empty")
	}
	if s.AuthoritativeRank < 0 {
		addf("authoritative_rank must not be negative, got %d", s.AuthoritativeRank)
	}

	errs = append(errs, validateArgs("constructor", s.Constructor)...)

	for name, p := range s.Properties {
		if name == "" || p.Name != name {
			addf("property %q: name does not match its key", name)
		}
		if p.Type == cty.NilType {
			addf("property %q: type is required", name)
		}
		if _, clash := s.Calls[name]; clash {
			addf("%q is declared both as a property and as a call", name)
		}
		switch {
		case p.Reduction == ReductionNone:
			addf("property %q: reduction \"none\" would discard the value being read", name)
		case p.Local && p.Reduction != ReductionFirstRankOnly:
			addf("property %q: local properties live on one rank and cannot use reduction %q", name, p.Reduction)
		case p.Reduction == ReductionSum && !summable(p.Type):
			addf("property %q: reduction \"sum\" needs a numeric type, got %s", name, p.Type.FriendlyName())
		}
	}

	for name, c := range s.Calls {
		if name == "" || c.Name != name {
			addf("call %q: name does not match its key", name)
		}
		if !c.Collective && (c.Reduction == ReductionSum || c.Reduction == ReductionGather) {
			addf("call %q: reduction %q requires collective = true", name, c.Reduction)
		}
		if c.Reduction == ReductionSum && c.Returns != cty.NilType && !summable(c.Returns) {
			addf("call %q: reduction \"sum\" needs a numeric result, got %s", name, c.Returns.FriendlyName())
		}
		errs = append(errs, validateArgs(fmt.Sprintf("call %q", name), c.Args)...)
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return failure.Configuration("class %q is malformed:\n- %s", s.ClassName, strings.Join(errs, "\n- "))
	}
	return nil
}

func validateArgs(owner string, args []ArgSpec) []string {
	var errs []string
	seen := make(map[string]struct{}, len(args))
	sawDefault := false
	for i, a := range args {
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("%s: argument %d has no name", owner, i))
		}
		if _, dup := seen[a.Name]; dup {
			errs = append(errs, fmt.Sprintf("%s: duplicate argument %q", owner, a.Name))
		}
		seen[a.Name] = struct{}{}
		if a.Type == cty.NilType {
			errs = append(errs, fmt.Sprintf("%s: argument %q has no type", owner, a.Name))
			continue
		}
		if a.Default != nil {
			sawDefault = true
			if a.IsHandle() {
				errs = append(errs, fmt.Sprintf("%s: handle argument %q cannot have a default", owner, a.Name))
			} else if _, err := convert.Convert(*a.Default, a.Type); err != nil {
				errs = append(errs, fmt.Sprintf("%s: default for %q does not conform to %s: %v", owner, a.Name, a.Type.FriendlyName(), err))
			}
		} else if sawDefault {
			errs = append(errs, fmt.Sprintf("%s: required argument %q follows an argument with a default", owner, a.Name))
		}
	}
	return errs
}

// summable reports whether values of ty can be combined by ReductionSum.
func summable(ty cty.Type) bool {
	switch {
	case ty == cty.DynamicPseudoType, ty.Equals(cty.Number):
		return true
	case ty.IsListType():
		return summable(ty.ElementType())
	case ty.IsTupleType():
		for _, et := range ty.TupleElementTypes() {
			if !summable(et) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
