package app

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/pmigo/internal/channel"
	"github.com/specialistvlad/pmigo/internal/controller"
	"github.com/specialistvlad/pmigo/internal/ctxlog"
	"github.com/specialistvlad/pmigo/internal/invocation"
	"github.com/specialistvlad/pmigo/internal/lifecycle"
	"github.com/specialistvlad/pmigo/internal/worker"
)

const (
	// connectTimeout bounds how long the job waits for its processes to find
	// each other.
	connectTimeout = 60 * time.Second
	dialRetryDelay = 250 * time.Millisecond
)

// Run executes the main application logic based on the configuration.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.ctx = ctx
	a.logger.Debug("App.Run method started.")

	if a.config.Describe {
		return a.caps.Describe(a.outW)
	}

	ec := a.config.ExecutionContext()
	script, ok := a.scripts[a.config.Script]
	if !ok && ec.Role == lifecycle.RoleController {
		return fmt.Errorf("unknown script %q", a.config.Script)
	}

	a.healthCheckServer()
	defer a.closeHealthCheckServer()

	var err error
	switch {
	case a.config.Local:
		a.ready.Store(true)
		a.logger.Info("🚀 Starting local job...", "workers", ec.Workers, "script", a.config.Script)
		err = lifecycle.RunLocal(ctx, lifecycle.LocalOptions{
			Workers:      ec.Workers,
			Capabilities: a.caps,
			Natives:      a.natives,
			Codec:        a.codec(),
			Metrics:      a.metrics,
		}, script)
	case ec.Role == lifecycle.RoleController:
		err = a.runController(ctx, ec, script)
	default:
		err = a.runWorker(ctx, ec)
	}
	if err != nil {
		return fmt.Errorf("job failed: %w", err)
	}
	a.logger.Info("🏁 Job finished.")
	return nil
}

func (a *App) runController(ctx context.Context, ec lifecycle.ExecutionContext, script lifecycle.Script) error {
	server := channel.NewServer(ec.Workers, a.config.JobID, a.codec(), a.logger)
	addr, err := channel.Listen(ctx, a.config.Listen, server)
	if err != nil {
		return err
	}
	defer server.Close()
	a.logger.Info("Controller listening.", "url", fmt.Sprintf("ws://%s/pmi", addr), "job_id", a.config.JobID)

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := server.WaitReady(waitCtx); err != nil {
		return err
	}
	a.ready.Store(true)

	ctl := channel.NewController(server,
		channel.WithCodec(a.codec()),
		channel.WithLogger(a.logger),
		channel.WithMetrics(a.metrics),
	)
	d := controller.NewDispatcher(ctl, a.caps, controller.WithLogger(a.logger))
	return lifecycle.RunController(ctx, ec, d, script)
}

func (a *App) runWorker(ctx context.Context, ec lifecycle.ExecutionContext) error {
	client, err := a.dial(ctx, ec.Rank)
	if err != nil {
		return err
	}
	a.ready.Store(true)

	loop := worker.New(channel.NewWorker(client, a.codec()), a.natives, ec.Workers, worker.WithMetrics(a.metrics))
	return lifecycle.RunWorker(ctx, ec, loop)
}

// dial connects to the controller, retrying while it is not up yet.
func (a *App) dial(ctx context.Context, rank int) (*channel.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	hello := invocation.Hello{Rank: rank, JobID: a.config.JobID}
	for attempt := 1; ; attempt++ {
		client, err := channel.Dial(ctx, a.config.ControllerURL, hello, a.codec())
		if err == nil {
			a.logger.Info("Connected to controller.", "url", a.config.ControllerURL, "attempts", attempt)
			return client, nil
		}
		a.logger.Debug("Controller not reachable yet.", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connecting to %s: %w", a.config.ControllerURL, err)
		case <-time.After(dialRetryDelay):
		}
	}
}
