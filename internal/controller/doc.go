// Package controller turns capability declarations into proxies that the
// controller's script drives.
//
// A Dispatcher owns the controller end of the invocation channel. For each
// declared class it builds a ProxyClass once, with one PropertyStub per
// exposed property and one MethodStub per exposed call. Using a stub sends
// an invocation to the workers; collective stubs wait for every worker and
// combine their results with the declared reduction.
//
//	fene, err := d.Class("FENE")
//	pot, err := fene.New(ctx, controller.Kwargs{"K": 30.0, "rMax": 1.5})
//	err = pot.Set(ctx, "K", 25)
//	e, err := controller.As[float64](pot.Call(ctx, "computeEnergy", 1.1))
//
// Every argument is checked against the declaration before anything is sent,
// so a misspelled member or a mistyped argument is a configuration error that
// never reaches the workers.
package controller
