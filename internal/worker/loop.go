// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package worker implements the dispatch loop every worker process runs.
//
// The loop consumes invocations in sequence order and performs each one on
// the worker's local objects. It never skips ahead and never continues after
// an error: the first failure is reported to the controller and ends the
// loop, because any later invocation could depend on the one that failed.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/specialistvlad/pmigo/internal/channel"
	"github.com/specialistvlad/pmigo/internal/ctxlog"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/identity"
	"github.com/specialistvlad/pmigo/internal/invocation"
	"github.com/specialistvlad/pmigo/internal/metrics"
	"github.com/specialistvlad/pmigo/internal/native"
	"github.com/zclconf/go-cty/cty"
)

// failureReportTimeout bounds the best-effort report sent when the loop
// fails.
const failureReportTimeout = 5 * time.Second

// State is the position of a Loop in its life cycle.
type State uint8

const (
	StateIdle State = iota
	StateReceiving
	StateDispatching
	StateShutdown
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:        "idle",
	StateReceiving:   "receiving",
	StateDispatching: "dispatching",
	StateShutdown:    "shutdown",
	StateFailed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateShutdown || s == StateFailed
}

// Loop is one worker's dispatch loop. It is not safe for concurrent use.
type Loop struct {
	ch      *channel.Worker
	natives *native.Registry
	objects *identity.Registry
	workers int
	metrics *metrics.Metrics

	state State
}

// Option configures a Loop.
type Option func(*Loop)

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// New creates a loop for the worker behind ch. workers is the size of the
// job, reported to native code through native.Env.
func New(ch *channel.Worker, natives *native.Registry, workers int, opts ...Option) *Loop {
	l := &Loop{
		ch:      ch,
		natives: natives,
		objects: identity.NewRegistry(),
		workers: workers,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current state.
func (l *Loop) State() State {
	return l.state
}

// Rank returns the rank the loop serves.
func (l *Loop) Rank() int {
	return l.ch.Rank()
}

// Object returns the local object bound to h.
func (l *Loop) Object(h identity.Handle) (native.Object, error) {
	v, err := l.objects.Resolve(h)
	if err != nil {
		return nil, err
	}
	return v.(native.Object), nil
}

// Run consumes invocations until a shutdown invocation has been acknowledged
// (returning nil) or something fails (returning the failure). Either way the
// loop ends in a terminal state and closes its channel endpoint.
func (l *Loop) Run(ctx context.Context) error {
	if l.state.Terminal() {
		return fmt.Errorf("worker loop already finished in state %s", l.state)
	}
	defer l.ch.Close()

	rank := l.ch.Rank()
	ctx, logger := ctxlog.With(ctx, "rank", rank)
	ctx = native.WithEnv(ctx, native.Env{Rank: rank, Workers: l.workers})
	logger.Debug("Worker loop started.")

	for {
		l.state = StateReceiving
		inv, err := l.ch.Next(ctx)
		if err != nil {
			seq := l.ch.Last() + 1
			if inv != nil {
				seq = inv.Seq
			}
			return l.fail(ctx, logger, seq, err)
		}

		l.state = StateDispatching
		done, err := l.dispatch(ctx, logger, inv)
		if err != nil {
			return l.fail(ctx, logger, inv.Seq, failure.WithOp(inv.String(), err))
		}
		if done {
			l.state = StateShutdown
			logger.Debug("Worker loop finished.", "invocations", inv.Seq)
			return nil
		}
		l.state = StateIdle
	}
}

// dispatch performs one invocation. It reports true once shutdown has been
// acknowledged.
func (l *Loop) dispatch(ctx context.Context, logger *slog.Logger, inv *invocation.Invocation) (bool, error) {
	rank := l.ch.Rank()
	logger.Debug("Dispatching invocation.", "invocation", inv.String())
	l.metrics.Dispatched(inv.Op.String())

	switch inv.Op {
	case invocation.OpShutdown:
		return true, l.ch.Reply(ctx, invocation.Success(inv.Seq, rank, cty.NilVal))

	case invocation.OpConstruct:
		args, err := l.resolveArgs(inv)
		if err != nil {
			return false, err
		}
		obj, err := l.natives.Construct(ctx, inv.Class, args)
		if err != nil {
			return false, err
		}
		if err := l.objects.Bind(inv.Handle, obj); err != nil {
			return false, err
		}
		l.metrics.SetBound(l.objects.Len())
		return false, nil

	case invocation.OpRelease:
		if err := l.objects.Release(inv.Handle); err != nil {
			return false, err
		}
		l.metrics.SetBound(l.objects.Len())
		return false, nil
	}

	// Get, Set and Call address an existing object. The handle is resolved
	// even when this rank is not addressed, so divergence shows up at once.
	obj, err := l.Object(inv.Handle)
	if err != nil {
		return false, err
	}
	if !inv.AddressedTo(rank) {
		return false, nil
	}

	var result cty.Value
	switch inv.Op {
	case invocation.OpGet:
		result, err = native.Get(ctx, obj, inv.Member)
	case invocation.OpSet:
		if len(inv.Args) != 1 {
			return false, failure.Protocol("set %s.%s carries %d values, expected 1", inv.Class, inv.Member, len(inv.Args))
		}
		err = native.Set(ctx, obj, inv.Member, inv.Args[0])
	case invocation.OpCall:
		var args native.Args
		args, err = l.resolveArgs(inv)
		if err == nil {
			result, err = native.Call(ctx, obj, inv.Member, args)
		}
	default:
		return false, failure.Protocol("unsupported op %s", inv.Op)
	}
	if err != nil {
		return false, err
	}

	if inv.Replies(rank) {
		return false, l.ch.Reply(ctx, invocation.Success(inv.Seq, rank, result))
	}
	return false, nil
}

// resolveArgs replaces the arguments marked as handle references with the Go
// values of the local objects they are bound to. Unmarked arguments are
// passed through as data, whatever their shape.
func (l *Loop) resolveArgs(inv *invocation.Invocation) (native.Args, error) {
	args := make(native.Args, len(inv.Args))
	for i, v := range inv.Args {
		if !inv.IsRef(i) {
			args[i] = v
			continue
		}
		h, ok := identity.RefFromValue(v)
		if !ok {
			return nil, failure.Protocol("argument %d is marked as a handle but carries %s", i, v.Type().FriendlyName())
		}
		obj, err := l.Object(h)
		if err != nil {
			return nil, failure.Protocol("argument %d refers to handle %s, which is not bound", i, h)
		}
		args[i] = native.Unwrap(obj)
	}
	return args, nil
}

// fail moves the loop to StateFailed and reports err to the controller. The
// report is best effort: the channel itself may be what failed.
func (l *Loop) fail(ctx context.Context, logger *slog.Logger, seq uint64, err error) error {
	l.state = StateFailed
	l.metrics.Failure(failure.KindOf(err).String())
	logger.Error("Worker loop failed.", "seq", seq, "error", err)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureReportTimeout)
	defer cancel()
	if replyErr := l.ch.Reply(reportCtx, invocation.Failure(seq, l.ch.Rank(), err)); replyErr != nil {
		logger.Warn("Could not report failure to the controller.", "error", replyErr)
	}
	return err
}
