package app

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/specialistvlad/pmigo/internal/lifecycle"
)

// DefaultScript is the built-in script the controller runs when none is
// named.
const DefaultScript = "demo"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Role    string // "controller" or "worker"; ignored with Local
	Local   bool   // controller and workers in this process
	Rank    int
	Workers int

	Listen        string // controller: address workers connect to
	ControllerURL string // worker: ws://host:port/pmi
	JobID         string

	CapabilitiesPath string // extra .hcl files, on top of the built-in modules
	Script           string
	Compress         bool
	Describe         bool

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

// NewConfig validates cfg and fills in derived fields. A controller without a
// job id gets a fresh one; workers must be told it.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.Script == "" {
		cfg.Script = DefaultScript
	}
	if cfg.Describe || cfg.Local {
		return &cfg, nil
	}

	role, err := lifecycle.ParseRole(cfg.Role)
	if err != nil {
		return nil, err
	}
	switch role {
	case lifecycle.RoleController:
		if cfg.Listen == "" {
			return nil, errors.New("a controller needs a listen address")
		}
		if cfg.JobID == "" {
			cfg.JobID = uuid.NewString()
		}
	case lifecycle.RoleWorker:
		if cfg.ControllerURL == "" {
			return nil, errors.New("a worker needs the controller URL")
		}
		if cfg.JobID == "" {
			return nil, errors.New("a worker needs the job id printed by the controller")
		}
		if _, err := uuid.Parse(cfg.JobID); err != nil {
			return nil, fmt.Errorf("job id %q is not a UUID: %w", cfg.JobID, err)
		}
		if cfg.Rank < 0 || cfg.Rank >= cfg.Workers {
			return nil, fmt.Errorf("rank %d is outside the job (0..%d)", cfg.Rank, cfg.Workers-1)
		}
	}
	return &cfg, nil
}

// ExecutionContext returns the lifecycle view of the configuration.
func (c *Config) ExecutionContext() lifecycle.ExecutionContext {
	if c.Local {
		return lifecycle.ExecutionContext{Role: lifecycle.RoleController, Workers: c.Workers}
	}
	role, _ := lifecycle.ParseRole(c.Role)
	return lifecycle.ExecutionContext{Role: role, Rank: c.Rank, Workers: c.Workers}
}
