// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package lifecycle starts and stops the two kinds of process in a job.
//
// Every process is told what it is through an ExecutionContext. The
// controller runs the user's script and shuts the workers down exactly once
// when the script ends, however it ends. A worker runs its dispatch loop until
// that shutdown arrives or something fails.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/specialistvlad/pmigo/internal/controller"
	"github.com/specialistvlad/pmigo/internal/ctxlog"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/worker"
)

// DefaultShutdownTimeout bounds how long the controller waits for workers to
// acknowledge shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Role is the part a process plays in a job.
type Role uint8

const (
	RoleController Role = iota + 1
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleController:
		return "controller"
	case RoleWorker:
		return "worker"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole parses "controller" or "worker".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "controller":
		return RoleController, nil
	case "worker":
		return RoleWorker, nil
	}
	return 0, fmt.Errorf("unknown role %q (expected controller or worker)", s)
}

// ExecutionContext tells a process its place in the job.
type ExecutionContext struct {
	Role    Role
	Rank    int
	Workers int
}

// Validate checks that the context describes a possible process.
func (ec ExecutionContext) Validate() error {
	if ec.Workers < 1 {
		return failure.Configuration("a job needs at least one worker, got %d", ec.Workers)
	}
	switch ec.Role {
	case RoleController:
		return nil
	case RoleWorker:
		if ec.Rank < 0 || ec.Rank >= ec.Workers {
			return failure.Configuration("worker rank %d is outside the job (0..%d)", ec.Rank, ec.Workers-1)
		}
		return nil
	}
	return failure.Configuration("execution context has no role")
}

// Script is the controller's program. It drives the workers through d.
type Script func(ctx context.Context, d *controller.Dispatcher) error

// RunWorker runs the dispatch loop of the worker described by ec. It returns
// nil once the controller's shutdown has been acknowledged.
func RunWorker(ctx context.Context, ec ExecutionContext, loop *worker.Loop) error {
	if err := ec.Validate(); err != nil {
		return err
	}
	if ec.Role != RoleWorker {
		return failure.Configuration("RunWorker needs the worker role, got %s", ec.Role)
	}
	if loop.Rank() != ec.Rank {
		return failure.Configuration("worker loop serves rank %d, but this process is rank %d", loop.Rank(), ec.Rank)
	}

	logger := ctxlog.FromContext(ctx)
	logger.Info("Worker started.", "rank", ec.Rank, "workers", ec.Workers)
	if err := loop.Run(ctx); err != nil {
		logger.Error("Worker stopped with an error.", "rank", ec.Rank, "error", err)
		return err
	}
	logger.Info("Worker finished.", "rank", ec.Rank)
	return nil
}

// RunController runs script and then shuts the job down. Shutdown happens
// exactly once whether the script returns, fails or panics, and is not
// affected by ctx being cancelled. A panic is returned as an error after
// shutdown. If the script succeeds but a worker failed along the way, the
// worker's failure is returned.
func RunController(ctx context.Context, ec ExecutionContext, d *controller.Dispatcher, script Script) (err error) {
	if err := ec.Validate(); err != nil {
		return err
	}
	if ec.Role != RoleController {
		return failure.Configuration("RunController needs the controller role, got %s", ec.Role)
	}
	if d.Workers() != ec.Workers {
		return failure.Configuration("dispatcher reaches %d workers, but the job has %d", d.Workers(), ec.Workers)
	}

	logger := ctxlog.FromContext(ctx)
	logger.Info("Controller started.", "workers", ec.Workers)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller script panicked: %v", r)
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
		defer cancel()
		if shutdownErr := d.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("Shutdown did not complete.", "error", shutdownErr)
			if err == nil {
				err = shutdownErr
			}
		}
		if err == nil {
			err = d.Err()
		}
		if err != nil {
			logger.Error("Controller finished with an error.", "error", err)
			return
		}
		logger.Info("Controller finished.", "invocations", d.Sent())
	}()

	return script(ctx, d)
}
