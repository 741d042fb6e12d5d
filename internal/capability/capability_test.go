package capability

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const feneHCL = `
class "FENE" {
  description = "FENE bond potential"

  constructor {
    arg "K" {
      type    = number
      default = 1
    }
    arg "r0" {
      type    = number
      default = 0
    }
  }

  property "K" {
    type = number
  }

  property "localCount" {
    type      = number
    readonly  = true
    reduction = "sum"
  }

  call "computeEnergy" {
    returns = number
    arg "r" {
      type = number
    }
  }

  call "forces" {
    reduction = "gather"
    returns   = list(number)
  }

  call "debugDump" {
    collective = false
    reduction  = "none"
  }
}

class "VerletList" {
  authoritative_rank = 1

  constructor {
    arg "storage" {
      type = handle
    }
    arg "cutoff" {
      type = number
    }
  }

  call "totalSize" {
    reduction = "sum"
    returns   = number
  }
}
`

func parseSet(t *testing.T, src string) (*Set, error) {
	t.Helper()
	return Parse(context.Background(), []byte(src), "test.hcl")
}

var typeComparer = cmp.Comparer(func(a, b cty.Type) bool { return a.Equals(b) })

func TestParse_FullClass(t *testing.T) {
	set, err := parseSet(t, feneHCL)
	require.NoError(t, err)
	assert.Equal(t, []string{"FENE", "VerletList"}, set.Classes())

	fene, err := set.Lookup("FENE")
	require.NoError(t, err)

	assert.Equal(t, "FENE bond potential", fene.Description)
	assert.Equal(t, 0, fene.AuthoritativeRank)
	assert.Equal(t, []string{"K", "localCount"}, fene.PropertyNames())
	assert.Equal(t, []string{"computeEnergy", "debugDump", "forces"}, fene.CallNames())

	wantK := &PropertySpec{Name: "K", Type: cty.Number, Reduction: ReductionFirstRankOnly}
	if diff := cmp.Diff(wantK, fene.Properties["K"], typeComparer); diff != "" {
		t.Errorf("property K mismatch (-want +got):\n%s", diff)
	}

	count := fene.Properties["localCount"]
	assert.True(t, count.ReadOnly)
	assert.Equal(t, ReductionSum, count.Reduction)

	energy := fene.Calls["computeEnergy"]
	assert.True(t, energy.Collective)
	assert.Equal(t, ReductionFirstRankOnly, energy.Reduction)
	assert.True(t, energy.Returns.Equals(cty.Number))
	require.Len(t, energy.Args, 1)
	assert.Equal(t, "r", energy.Args[0].Name)

	forces := fene.Calls["forces"]
	assert.Equal(t, ReductionGather, forces.Reduction)
	assert.True(t, forces.Returns.Equals(cty.List(cty.Number)))

	dump := fene.Calls["debugDump"]
	assert.False(t, dump.Collective)
	assert.Equal(t, ReductionNone, dump.Reduction)
	assert.Equal(t, cty.NilType, dump.Returns)

	wantCtor := []ArgSpec{
		{Name: "K", Type: cty.Number, Default: ptr(cty.NumberIntVal(1))},
		{Name: "r0", Type: cty.Number, Default: ptr(cty.NumberIntVal(0))},
	}
	valueComparer := cmp.Comparer(func(a, b cty.Value) bool { return a.RawEquals(b) })
	if diff := cmp.Diff(wantCtor, fene.Constructor, typeComparer, valueComparer); diff != "" {
		t.Errorf("constructor mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_HandleArguments(t *testing.T) {
	set, err := parseSet(t, feneHCL)
	require.NoError(t, err)

	vl, err := set.Lookup("VerletList")
	require.NoError(t, err)

	assert.Equal(t, 1, vl.AuthoritativeRank)
	require.Len(t, vl.Constructor, 2)
	assert.True(t, vl.Constructor[0].IsHandle())
	assert.True(t, vl.Constructor[0].Type.Equals(identity.RefType))
	assert.False(t, vl.Constructor[1].IsHandle())
}

func TestParse_ComplexTypes(t *testing.T) {
	set, err := parseSet(t, `
class "Particle" {
  property "pos" {
    type = tuple([number, number, number])
  }
  property "tags" {
    type = list(string)
  }
  property "anything" {
    type = any
  }
}`)
	require.NoError(t, err)
	p, err := set.Lookup("Particle")
	require.NoError(t, err)

	assert.True(t, p.Properties["pos"].Type.Equals(cty.Tuple([]cty.Type{cty.Number, cty.Number, cty.Number})))
	assert.True(t, p.Properties["tags"].Type.Equals(cty.List(cty.String)))
	assert.True(t, p.Properties["anything"].Type.Equals(cty.DynamicPseudoType))
}

func TestParse_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name: "unknown reduction",
			src: `class "A" {
  call "f" {
    reduction = "max"
  }
}`,
			wantErr: "unknown reduction",
		},
		{
			name: "sum on non-collective call",
			src: `class "A" {
  call "f" {
    collective = false
    reduction  = "sum"
  }
}`,
			wantErr: "requires collective = true",
		},
		{
			name: "member declared twice",
			src: `class "A" {
  property "x" {
    type = number
  }
  call "x" {}
}`,
			wantErr: "Duplicate member definition",
		},
		{
			name: "property without type",
			src: `class "A" {
  property "x" {}
}`,
			wantErr: "Missing 'type' attribute",
		},
		{
			name: "default does not conform",
			src: `class "A" {
  constructor {
    arg "n" {
      type    = number
      default = "many"
    }
  }
}`,
			wantErr: "does not conform",
		},
		{
			name: "required after default",
			src: `class "A" {
  constructor {
    arg "a" {
      type    = number
      default = 1
    }
    arg "b" {
      type = number
    }
  }
}`,
			wantErr: "follows an argument with a default",
		},
		{
			name: "local property with reduction",
			src: `class "A" {
  property "x" {
    type      = number
    local     = true
    reduction = "sum"
  }
}`,
			wantErr: "local properties",
		},
		{
			name: "sum over strings",
			src: `class "A" {
  property "x" {
    type      = string
    reduction = "sum"
  }
}`,
			wantErr: "needs a numeric type",
		},
		{
			name:    "negative authoritative rank",
			src:     `class "A" { authoritative_rank = -1 }`,
			wantErr: "must not be negative",
		},
		{
			name:    "unknown attribute",
			src:     `class "A" { colour = "blue" }`,
			wantErr: "Unsupported argument",
		},
		{
			name: "invalid type keyword",
			src: `class "A" {
  property "x" {
    type = banana
  }
}`,
			wantErr: "banana",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSet(t, tt.src)
			require.Error(t, err)
			assert.ErrorIs(t, err, failure.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewSet_DuplicateClass(t *testing.T) {
	a := &Spec{ClassName: "A", Source: "one.hcl"}
	b := &Spec{ClassName: "A", Source: "two.hcl"}

	_, err := NewSet(a, b)
	require.ErrorIs(t, err, failure.ErrConfiguration)
	assert.Contains(t, err.Error(), "one.hcl and two.hcl")
}

func TestLookup_UnknownClass(t *testing.T) {
	set, err := parseSet(t, feneHCL)
	require.NoError(t, err)

	_, err = set.Lookup("Nope")
	require.ErrorIs(t, err, failure.ErrConfiguration)
	assert.Contains(t, err.Error(), "FENE, VerletList")
}

func TestLoad_FromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "fene.hcl"), []byte(feneHCL), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "counter.hcl"), []byte(`
class "Counter" {
  property "value" {
    type = number
  }
}`), 0644))

	set, err := Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Counter", "FENE", "VerletList"}, set.Classes())

	counter, err := set.Lookup("Counter")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "counter.hcl"), counter.Source)
}

func TestLoad_InvalidSyntax(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.hcl"), []byte(`class "A" {`), 0644))

	_, err := Load(context.Background(), dir)
	require.ErrorIs(t, err, failure.ErrConfiguration)
	assert.Contains(t, err.Error(), "failed to parse HCL file")
}

func TestMerge(t *testing.T) {
	a, err := parseSet(t, `class "A" {}`)
	require.NoError(t, err)
	b, err := parseSet(t, `class "B" {}`)
	require.NoError(t, err)

	merged, err := a.Merge(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, merged.Classes())

	_, err = merged.Merge(a)
	assert.ErrorIs(t, err, failure.ErrConfiguration)
}

func TestDescribe(t *testing.T) {
	set, err := parseSet(t, feneHCL)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, set.Describe(&buf))
	out := buf.String()

	assert.Contains(t, out, "class FENE - FENE bond potential")
	assert.Contains(t, out, "constructor(K number = 1, r0 number = 0)")
	assert.Contains(t, out, "property localCount number [readonly, reduction=sum]")
	assert.Contains(t, out, "call computeEnergy(r number) -> number [collective, reduction=first_rank_only]")
	assert.Contains(t, out, "call debugDump() -> - [single-target, reduction=none]")
	assert.Contains(t, out, "constructor(storage handle, cutoff number)")
}

func TestParseReduction(t *testing.T) {
	for r, name := range reductionNames {
		got, err := ParseReduction(name)
		require.NoError(t, err)
		assert.Equal(t, r, got)
		assert.Equal(t, name, r.String())
	}
}

func TestSpec_ValidateCollectsAllProblems(t *testing.T) {
	spec := &Spec{
		ClassName: "Broken",
		Properties: map[string]*PropertySpec{
			"a": {Name: "a", Reduction: ReductionNone},
		},
		Calls: map[string]*CallSpec{
			"a": {Name: "a", Collective: false, Reduction: ReductionGather},
		},
	}

	err := spec.Validate()
	require.ErrorIs(t, err, failure.ErrConfiguration)
	msg := err.Error()
	assert.Contains(t, msg, `property "a": type is required`)
	assert.Contains(t, msg, `"a" is declared both as a property and as a call`)
	assert.Contains(t, msg, `reduction "none" would discard`)
	assert.Contains(t, msg, `requires collective = true`)
}

func ptr[T any](v T) *T { return &v }
