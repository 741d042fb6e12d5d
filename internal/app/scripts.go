package app

import (
	"context"

	"github.com/specialistvlad/pmigo/internal/controller"
	"github.com/specialistvlad/pmigo/internal/ctxlog"
)

// demoScript lists the worker hosts, builds particle storage on every worker,
// bonds the particles with a FENE potential and reports job-wide totals.
func demoScript(ctx context.Context, d *controller.Dispatcher) error {
	logger := ctxlog.FromContext(ctx).With("script", "demo")

	hostClass, err := d.Class("Host")
	if err != nil {
		return err
	}
	storage, err := d.Class("Storage")
	if err != nil {
		return err
	}
	verlet, err := d.Class("VerletList")
	if err != nil {
		return err
	}
	fene, err := d.Class("FENE")
	if err != nil {
		return err
	}

	host, err := hostClass.New(ctx)
	if err != nil {
		return err
	}
	hostnames, err := controller.As[[]string](host.Get(ctx, "hostname"))
	if err != nil {
		return err
	}
	logger.Info("Workers reporting.", "hosts", hostnames)

	system, err := storage.New(ctx, controller.Kwargs{"perRank": 8, "spacing": 0.97})
	if err != nil {
		return err
	}
	size, err := controller.As[int](system.Get(ctx, "size"))
	if err != nil {
		return err
	}
	counts, err := controller.As[[]int](system.Call(ctx, "counts"))
	if err != nil {
		return err
	}
	logger.Info("Particles placed.", "total", size, "per_rank", counts)

	vl, err := verlet.New(ctx, system, 1.5)
	if err != nil {
		return err
	}
	pairs, err := controller.As[int](vl.Get(ctx, "totalSize"))
	if err != nil {
		return err
	}
	logger.Info("Verlet list built.", "pairs", pairs, "cutoff", 1.5)

	bond, err := fene.New(ctx, controller.Kwargs{"K": 30.0, "r0": 0.0, "rMax": 1.5})
	if err != nil {
		return err
	}
	if err := bond.Set(ctx, "K", 25.0); err != nil {
		return err
	}
	energy, err := controller.As[float64](bond.Call(ctx, "bondEnergy", system))
	if err != nil {
		return err
	}
	single, err := controller.As[float64](bond.Call(ctx, "computeEnergy", 0.97))
	if err != nil {
		return err
	}
	logger.Info("Bond energy computed.", "total", energy, "single_bond", single)

	if err := vl.Release(ctx); err != nil {
		return err
	}
	return nil
}
