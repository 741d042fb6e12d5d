// Package host exposes facts about the process each worker runs in.
package host

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/specialistvlad/pmigo/internal/native"
)

// Manifest is the capability declaration of the Host class.
//
//go:embed host.hcl
var Manifest []byte

// Module implements the native.Module interface for this package.
type Module struct{}

// Register registers the Host class.
func (m *Module) Register(r *native.Registry) {
	r.RegisterClass("Host", NewHost)
}

// Host is a snapshot of the worker process taken at construction.
type Host struct {
	Rank     int    `pmi:"rank"`
	Hostname string `pmi:"hostname"`
	PID      int    `pmi:"pid"`
}

// NewHost records the rank, hostname and pid of the calling worker.
func NewHost(ctx context.Context) (*Host, error) {
	name, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("reading hostname: %w", err)
	}
	return &Host{
		Rank:     native.EnvFrom(ctx).Rank,
		Hostname: name,
		PID:      os.Getpid(),
	}, nil
}

// Env returns the value of the named variable, or "" when it is unset.
func (h *Host) Env(name string) string {
	return os.Getenv(name)
}

// Environ returns the process environment as a map.
func (h *Host) Environ() map[string]string {
	env := make(map[string]string)
	for _, e := range os.Environ() {
		pair := strings.SplitN(e, "=", 2)
		if len(pair) == 2 {
			env[pair[0]] = pair[1]
		}
	}
	return env
}
