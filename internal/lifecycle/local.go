package lifecycle

import (
	"context"

	"github.com/specialistvlad/pmigo/internal/capability"
	"github.com/specialistvlad/pmigo/internal/channel"
	"github.com/specialistvlad/pmigo/internal/controller"
	"github.com/specialistvlad/pmigo/internal/ctxlog"
	"github.com/specialistvlad/pmigo/internal/invocation"
	"github.com/specialistvlad/pmigo/internal/metrics"
	"github.com/specialistvlad/pmigo/internal/native"
	"github.com/specialistvlad/pmigo/internal/worker"
	"golang.org/x/sync/errgroup"
)

// LocalOptions describes a job run inside one process.
type LocalOptions struct {
	Workers      int
	Capabilities *capability.Set
	Natives      *native.Registry
	Codec        invocation.Codec
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// RunLocal runs a whole job in this process: the controller runs script on
// the calling goroutine and every worker runs its loop on its own goroutine,
// connected by the in-process channel.
func RunLocal(ctx context.Context, opts LocalOptions, script Script) error {
	if err := (ExecutionContext{Role: RoleController, Workers: opts.Workers}).Validate(); err != nil {
		return err
	}
	if err := opts.Natives.ValidateAgainst(ctx, opts.Capabilities); err != nil {
		return err
	}
	logger := ctxlog.FromContext(ctx)

	l := channel.NewLocal(opts.Workers, 0)
	ctl := channel.NewController(l,
		channel.WithCodec(opts.Codec),
		channel.WithLogger(logger),
		channel.WithMetrics(opts.Metrics),
	)
	d := controller.NewDispatcher(ctl, opts.Capabilities, controller.WithLogger(logger))

	// Workers outlive a cancelled ctx so that they still receive the
	// shutdown. Closing the channel ends them if it never arrives.
	workerCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for rank := 0; rank < opts.Workers; rank++ {
		loop := worker.New(channel.NewWorker(l.Endpoint(rank), opts.Codec), opts.Natives, opts.Workers,
			worker.WithMetrics(opts.Metrics))
		ec := ExecutionContext{Role: RoleWorker, Rank: rank, Workers: opts.Workers}
		g.Go(func() error {
			return RunWorker(workerCtx, ec, loop)
		})
	}

	ctrlErr := RunController(ctx, ExecutionContext{Role: RoleController, Workers: opts.Workers}, d, script)
	workerErr := g.Wait()
	if ctrlErr != nil {
		return ctrlErr
	}
	return workerErr
}
