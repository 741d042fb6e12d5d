package capability

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/pmigo/internal/ctxlog"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/fsutil"
	"github.com/zclconf/go-cty/cty"
)

// Set is an immutable collection of validated specs, keyed by class name.
type Set struct {
	specs map[string]*Spec
}

// NewSet validates every spec and collects them into a Set. Duplicate class
// names are a configuration error.
func NewSet(specs ...*Spec) (*Set, error) {
	s := &Set{specs: make(map[string]*Spec, len(specs))}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if prev, dup := s.specs[spec.ClassName]; dup {
			return nil, failure.Configuration("class %q is declared twice (%s and %s)", spec.ClassName, sourceOf(prev), sourceOf(spec))
		}
		s.specs[spec.ClassName] = spec
	}
	return s, nil
}

func sourceOf(s *Spec) string {
	if s.Source == "" {
		return "<inline>"
	}
	return s.Source
}

// Load discovers every .hcl file under the given paths and loads the classes
// they declare.
func Load(ctx context.Context, paths ...string) (*Set, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading capability definitions...", "paths", paths)

	files, err := fsutil.FindFilesByExtension(".hcl", paths...)
	if err != nil {
		return nil, failure.Configuration("failed to scan capability paths %v: %v", paths, err)
	}
	if len(files) == 0 {
		logger.Warn("No .hcl capability files found", "paths", paths)
	}

	parser := hclparse.NewParser()
	var specs []*Spec
	for _, path := range files {
		file, diags := parser.ParseHCLFile(path)
		if diags.HasErrors() {
			return nil, failure.Configuration("failed to parse HCL file %s: %s", path, diags.Error())
		}
		fileSpecs, diags := ParseFile(ctx, file, path)
		if diags.HasErrors() {
			return nil, failure.Configuration("failed to process capability definitions in %s: %s", path, diags.Error())
		}
		specs = append(specs, fileSpecs...)
	}

	set, err := NewSet(specs...)
	if err != nil {
		return nil, err
	}
	logger.Info("Capabilities loaded.", "classes", len(set.specs), "files", len(files))
	return set, nil
}

// Parse loads the classes declared in an in-memory HCL source.
func Parse(ctx context.Context, src []byte, filename string) (*Set, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, failure.Configuration("failed to parse HCL %s: %s", filename, diags.Error())
	}
	specs, diags := ParseFile(ctx, file, filename)
	if diags.HasErrors() {
		return nil, failure.Configuration("failed to process capability definitions in %s: %s", filename, diags.Error())
	}
	return NewSet(specs...)
}

// Merge returns a Set holding the classes of both sets.
func (s *Set) Merge(other *Set) (*Set, error) {
	specs := make([]*Spec, 0, len(s.specs)+len(other.specs))
	for _, name := range s.Classes() {
		specs = append(specs, s.specs[name])
	}
	for _, name := range other.Classes() {
		specs = append(specs, other.specs[name])
	}
	return NewSet(specs...)
}

// Lookup returns the declaration of className. An unknown class is a configuration
// error.
func (s *Set) Lookup(className string) (*Spec, error) {
	spec, ok := s.specs[className]
	if !ok {
		return nil, failure.Configuration("class %q is not exposed (known classes: %s)", className, strings.Join(s.Classes(), ", "))
	}
	return spec, nil
}

// Classes returns the declared class names in lexical order.
func (s *Set) Classes() []string {
	names := make([]string, 0, len(s.specs))
	for name := range s.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of classes.
func (s *Set) Len() int {
	return len(s.specs)
}

// Describe writes a human readable listing of every class.
func (s *Set) Describe(w io.Writer) error {
	for i, name := range s.Classes() {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if err := describeSpec(w, s.specs[name]); err != nil {
			return err
		}
	}
	return nil
}

func describeSpec(w io.Writer, spec *Spec) error {
	var b strings.Builder
	fmt.Fprintf(&b, "class %s", spec.ClassName)
	if spec.Description != "" {
		fmt.Fprintf(&b, " - %s", spec.Description)
	}
	fmt.Fprintf(&b, "\n  authoritative rank: %d\n", spec.AuthoritativeRank)
	fmt.Fprintf(&b, "  constructor(%s)\n", formatArgs(spec.Constructor))
	for _, name := range spec.PropertyNames() {
		p := spec.Properties[name]
		var flags []string
		if p.ReadOnly {
			flags = append(flags, "readonly")
		}
		if p.Local {
			flags = append(flags, "local")
		}
		flags = append(flags, "reduction="+p.Reduction.String())
		fmt.Fprintf(&b, "  property %s %s [%s]\n", name, p.Type.FriendlyName(), strings.Join(flags, ", "))
	}
	for _, name := range spec.CallNames() {
		c := spec.Calls[name]
		mode := "single-target"
		if c.Collective {
			mode = "collective"
		}
		returns := "-"
		if c.Returns != cty.NilType {
			returns = c.Returns.FriendlyName()
		}
		fmt.Fprintf(&b, "  call %s(%s) -> %s [%s, reduction=%s]\n", name, formatArgs(c.Args), returns, mode, c.Reduction)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func formatArgs(args []ArgSpec) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		typeName := a.Type.FriendlyName()
		if a.IsHandle() {
			typeName = handleKeyword
		}
		part := a.Name + " " + typeName
		if a.Default != nil {
			part += " = " + formatValue(*a.Default)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}

func formatValue(v cty.Value) string {
	switch {
	case v.IsNull():
		return "null"
	case v.Type() == cty.String:
		return fmt.Sprintf("%q", v.AsString())
	case v.Type() == cty.Number:
		return v.AsBigFloat().Text('g', -1)
	case v.Type() == cty.Bool:
		return fmt.Sprintf("%t", v.True())
	default:
		return v.GoString()
	}
}
