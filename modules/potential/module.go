// Package potential provides pair potentials that can be evaluated on every
// worker.
package potential

import (
	_ "embed"
	"errors"
	"fmt"
	"math"

	"github.com/specialistvlad/pmigo/internal/native"
	"github.com/specialistvlad/pmigo/modules/storage"
)

// Manifest is the capability declaration of the classes in this package.
//
//go:embed potential.hcl
var Manifest []byte

// Module implements the native.Module interface for this package.
type Module struct{}

// Register registers the classes of this package.
func (m *Module) Register(r *native.Registry) {
	r.RegisterClass("FENE", NewFENE)
	r.RegisterClass("FixedPairListFENE", NewFixedPairListFENE)
	r.RegisterClass("LennardJones", NewLennardJones)
}

// FENE is the finitely extensible nonlinear elastic bond potential.
type FENE struct {
	K    float64 `pmi:"K"`
	R0   float64 `pmi:"r0"`
	RMax float64 `pmi:"rMax"`
}

// NewFENE creates a FENE potential.
func NewFENE(k, r0, rMax float64) (*FENE, error) {
	if rMax <= 0 {
		return nil, fmt.Errorf("rMax must be positive, got %g", rMax)
	}
	return &FENE{K: k, R0: r0, RMax: rMax}, nil
}

// ComputeEnergy returns the bond energy at separation r. A bond stretched to
// rMax or beyond has no finite energy and is an error.
func (f *FENE) ComputeEnergy(r float64) (float64, error) {
	x := (r - f.R0) / f.RMax
	if math.Abs(x) >= 1 {
		return 0, fmt.Errorf("bond length %g is outside the FENE range (r0=%g, rMax=%g)", r, f.R0, f.RMax)
	}
	return -0.5 * f.K * f.RMax * f.RMax * math.Log(1-x*x), nil
}

// ComputeForce returns the force on the first particle of a bond whose
// separation vector is dist. Coincident particles feel no force.
func (f *FENE) ComputeForce(dist []float64) ([]float64, error) {
	if len(dist) != 3 {
		return nil, fmt.Errorf("separation must have 3 components, got %d", len(dist))
	}
	r := math.Sqrt(dist[0]*dist[0] + dist[1]*dist[1] + dist[2]*dist[2])
	if r == 0 {
		return []float64{0, 0, 0}, nil
	}
	d := r - f.R0
	x := d / f.RMax
	if math.Abs(x) >= 1 {
		return nil, fmt.Errorf("bond length %g is outside the FENE range (r0=%g, rMax=%g)", r, f.R0, f.RMax)
	}
	ffactor := -f.K * d / (1 - x*x) / r
	return []float64{dist[0] * ffactor, dist[1] * ffactor, dist[2] * ffactor}, nil
}

// BondEnergy sums the energy of bonds between consecutive local particles.
func (f *FENE) BondEnergy(s *storage.Storage) (float64, error) {
	ps := s.Particles()
	var total float64
	for i := 1; i < len(ps); i++ {
		e, err := f.ComputeEnergy(math.Abs(ps[i][0] - ps[i-1][0]))
		if err != nil {
			return 0, fmt.Errorf("bond %d: %w", i, err)
		}
		total += e
	}
	return total, nil
}

// FixedPairListFENE applies a FENE potential to the bonds of a storage.
type FixedPairListFENE struct {
	storage   *storage.Storage
	potential *FENE
}

// NewFixedPairListFENE binds potential to the bonds of s.
func NewFixedPairListFENE(s *storage.Storage, potential *FENE) (*FixedPairListFENE, error) {
	if s == nil {
		return nil, errors.New("storage is required")
	}
	fp := &FixedPairListFENE{storage: s}
	if err := fp.SetPotential(potential); err != nil {
		return nil, err
	}
	return fp, nil
}

// SetPotential replaces the potential applied to the bonds.
func (fp *FixedPairListFENE) SetPotential(potential *FENE) error {
	if potential == nil {
		return errors.New("potential is required")
	}
	fp.potential = potential
	return nil
}

// ComputeEnergy returns the bond energy of the local particles.
func (fp *FixedPairListFENE) ComputeEnergy() (float64, error) {
	return fp.potential.BondEnergy(fp.storage)
}

// LennardJones is the 12-6 Lennard-Jones potential, truncated at Cutoff.
type LennardJones struct {
	Epsilon float64 `pmi:"epsilon"`
	Sigma   float64 `pmi:"sigma"`
	Cutoff  float64 `pmi:"cutoff"`
}

// NewLennardJones creates a Lennard-Jones potential.
func NewLennardJones(epsilon, sigma, cutoff float64) *LennardJones {
	return &LennardJones{Epsilon: epsilon, Sigma: sigma, Cutoff: cutoff}
}

// ComputeEnergy returns the energy at separation r, or 0 beyond the cutoff.
func (lj *LennardJones) ComputeEnergy(r float64) (float64, error) {
	if r <= 0 {
		return 0, fmt.Errorf("separation must be positive, got %g", r)
	}
	if r >= lj.Cutoff {
		return 0, nil
	}
	sr6 := math.Pow(lj.Sigma/r, 6)
	return 4 * lj.Epsilon * (sr6*sr6 - sr6), nil
}
