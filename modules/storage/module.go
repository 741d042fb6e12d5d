// Package storage provides per-worker particle storage and a neighbour list
// built on top of it.
//
// Each worker holds its own slice of the particles. Properties declared with
// the sum reduction therefore report job-wide totals to the controller.
package storage

import (
	"context"
	_ "embed"
	"errors"
	"math"

	"github.com/specialistvlad/pmigo/internal/native"
)

// Manifest is the capability declaration of the classes in this package.
//
//go:embed storage.hcl
var Manifest []byte

// Module implements the native.Module interface for this package.
type Module struct{}

// Register registers the Storage and VerletList classes.
func (m *Module) Register(r *native.Registry) {
	r.RegisterClass("Storage", NewStorage)
	r.RegisterClass("VerletList", NewVerletList)
}

// Storage holds the particles owned by one worker.
type Storage struct {
	Spacing float64 `pmi:"spacing"`
	Size    int     `pmi:"size"`
	Label   string  `pmi:"label"`

	particles [][3]float64
}

// NewStorage places perRank particles on a line, offset by rank so that no
// two workers hold the same position.
func NewStorage(ctx context.Context, perRank int, spacing float64) (*Storage, error) {
	if perRank < 0 {
		return nil, errors.New("perRank must not be negative")
	}
	if spacing <= 0 {
		return nil, errors.New("spacing must be positive")
	}
	env := native.EnvFrom(ctx)
	s := &Storage{Spacing: spacing}
	for i := 0; i < perRank; i++ {
		x := float64(env.Rank*perRank+i) * spacing
		s.particles = append(s.particles, [3]float64{x, 0, 0})
	}
	s.Size = len(s.particles)
	return s, nil
}

// AddParticle appends a particle.
func (s *Storage) AddParticle(pos []float64) error {
	if len(pos) != 3 {
		return errors.New("a position has three coordinates")
	}
	s.particles = append(s.particles, [3]float64{pos[0], pos[1], pos[2]})
	s.Size = len(s.particles)
	return nil
}

// CentroidSum returns the per-axis sum of positions.
func (s *Storage) CentroidSum() []float64 {
	sum := make([]float64, 3)
	for _, p := range s.particles {
		for axis := range p {
			sum[axis] += p[axis]
		}
	}
	return sum
}

// Counts returns the number of local particles.
func (s *Storage) Counts() int {
	return len(s.particles)
}

// Particles returns a copy of the local positions.
func (s *Storage) Particles() [][3]float64 {
	out := make([][3]float64, len(s.particles))
	copy(out, s.particles)
	return out
}

// VerletList counts the local particle pairs closer than Cutoff.
type VerletList struct {
	Cutoff    float64 `pmi:"cutoff"`
	TotalSize int     `pmi:"totalSize"`

	storage *Storage
}

// NewVerletList builds the list for the particles of storage.
func NewVerletList(storage *Storage, cutoff float64) (*VerletList, error) {
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	if cutoff <= 0 {
		return nil, errors.New("cutoff must be positive")
	}
	vl := &VerletList{Cutoff: cutoff, storage: storage}
	vl.Rebuild()
	return vl, nil
}

// Rebuild recounts the pairs with the current cutoff.
func (vl *VerletList) Rebuild() {
	ps := vl.storage.particles
	pairs := 0
	for i := range ps {
		for j := i + 1; j < len(ps); j++ {
			if distance(ps[i], ps[j]) < vl.Cutoff {
				pairs++
			}
		}
	}
	vl.TotalSize = pairs
}

func distance(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
