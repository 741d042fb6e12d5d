package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/specialistvlad/pmigo/internal/capability"
	"github.com/specialistvlad/pmigo/internal/ctxlog"
	"github.com/specialistvlad/pmigo/internal/invocation"
	"github.com/specialistvlad/pmigo/internal/lifecycle"
	"github.com/specialistvlad/pmigo/internal/metrics"
	"github.com/specialistvlad/pmigo/internal/native"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx     context.Context
	outW    io.Writer
	logger  *slog.Logger
	config  *Config
	caps    *capability.Set
	natives *native.Registry
	metrics *metrics.Metrics
	scripts map[string]lifecycle.Script

	httpServer *http.Server
	ready      atomic.Bool
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger, capability set
// and native registry.
func NewApp(outW io.Writer, cfg *Config, modules ...Module) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	if len(modules) == 0 {
		modules = coreModules
	}

	// Load the manifests of the compiled-in modules, then any extra ones.
	caps, err := capability.NewSet()
	if err != nil {
		panic(err)
	}
	natives := native.NewRegistry()
	for _, mod := range modules {
		modCaps, err := capability.Parse(ctx, mod.Manifest, mod.Name+".hcl")
		if err != nil {
			// A broken built-in manifest is a programmer error.
			panic(fmt.Errorf("failed to load manifest of module %s: %w", mod.Name, err))
		}
		if caps, err = caps.Merge(modCaps); err != nil {
			panic(err)
		}
		mod.Native.Register(natives)
	}
	logger.Debug("All Go modules registered.", "count", len(modules))

	if cfg.CapabilitiesPath != "" {
		extra, err := capability.Load(ctx, cfg.CapabilitiesPath)
		if err != nil {
			// A failure to load config is a fatal startup error.
			panic(fmt.Errorf("failed to load capabilities: %w", err))
		}
		if caps, err = caps.Merge(extra); err != nil {
			panic(err)
		}
	}
	logger.Debug("Capabilities loaded.", "classes", caps.Classes())

	// Validate the integrity of the registry against the declarations.
	if err := natives.ValidateAgainst(ctx, caps); err != nil {
		// This is a programmer error (mismatch between code and config), so we panic.
		panic(err)
	}
	logger.Debug("Native registry validation passed.")

	return &App{
		ctx:     ctx,
		outW:    outW,
		logger:  logger,
		config:  cfg,
		caps:    caps,
		natives: natives,
		metrics: metrics.New(),
		scripts: map[string]lifecycle.Script{
			"demo": demoScript,
		},
	}
}

// Capabilities returns the loaded declarations. This is primarily for testing.
func (a *App) Capabilities() *capability.Set {
	return a.caps
}

// Natives returns the application's native registry. This is primarily for
// testing.
func (a *App) Natives() *native.Registry {
	return a.natives
}

// RegisterScript makes script available under name.
func (a *App) RegisterScript(name string, script lifecycle.Script) {
	a.scripts[name] = script
}

func (a *App) codec() invocation.Codec {
	return invocation.Codec{Compress: a.config.Compress}
}
