package native

import "context"

// Env describes the worker a native operation runs on.
type Env struct {
	Rank    int
	Workers int
}

type envKey struct{}

// WithEnv returns a context carrying env.
func WithEnv(ctx context.Context, env Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// EnvFrom returns the Env carried by ctx. Outside a worker it reports rank 0
// of a single-worker job.
func EnvFrom(ctx context.Context) Env {
	if env, ok := ctx.Value(envKey{}).(Env); ok {
		return env
	}
	return Env{Rank: 0, Workers: 1}
}
