package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/invocation"
	"github.com/specialistvlad/pmigo/internal/metrics"
)

// Controller is the producing side of the channel. It is safe for concurrent
// use, but callers that need a request/response pair to be atomic (send then
// await) must serialise themselves.
type Controller struct {
	transport Transport
	codec     invocation.Codec
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	seq      uint64
	closed   bool
	firstErr error
	failed   map[int]error

	sent         atomic.Uint64
	shutdownOnce sync.Once
	shutdownErr  error
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithCodec sets the frame codec.
func WithCodec(c invocation.Codec) ControllerOption {
	return func(ctl *Controller) { ctl.codec = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(ctl *Controller) { ctl.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) ControllerOption {
	return func(ctl *Controller) { ctl.metrics = m }
}

// NewController wraps a transport.
func NewController(t Transport, opts ...ControllerOption) *Controller {
	c := &Controller{
		transport: t,
		logger:    slog.Default(),
		failed:    make(map[int]error),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "channel", "role", "controller")
	return c
}

// Size is the number of workers.
func (c *Controller) Size() int {
	return c.transport.Size()
}

// Sent returns the number of invocations broadcast so far.
func (c *Controller) Sent() uint64 {
	return c.sent.Load()
}

// Err returns the first failure reported by any worker, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.drainLocked()
	}
	return c.firstErr
}

// Send assigns inv the next sequence number and broadcasts it. It fails fast
// if a worker has already failed, and with ErrClosed after Shutdown.
func (c *Controller) Send(ctx context.Context, inv *invocation.Invocation) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, failure.Transport("send", ErrClosed)
	}
	c.drainLocked()
	if c.firstErr != nil {
		return 0, c.firstErr
	}
	return c.sendLocked(ctx, inv)
}

func (c *Controller) sendLocked(ctx context.Context, inv *invocation.Invocation) (uint64, error) {
	inv.Seq = c.seq + 1
	frame, err := c.codec.EncodeInvocation(inv)
	if err != nil {
		return 0, failure.Configuration("cannot encode %s: %v", inv, err)
	}
	if err := c.transport.Broadcast(ctx, frame); err != nil {
		err = c.classify("broadcast", err)
		c.recordLocked(failure.NoRank, err)
		return 0, err
	}
	c.seq = inv.Seq
	c.sent.Add(1)
	c.metrics.InvocationSent(inv.Op.String(), len(frame))
	c.logger.Debug("Invocation sent.", "invocation", inv.String(), "bytes", len(frame))
	return inv.Seq, nil
}

// Await blocks until every rank in ranks has replied to seq, and returns the
// replies ordered by rank. The first failure reply from any rank ends the
// wait with that failure.
func (c *Controller) Await(ctx context.Context, seq uint64, ranks []int) ([]*invocation.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.firstErr != nil {
		return nil, c.firstErr
	}

	start := time.Now()
	defer func() { c.metrics.ObserveWait(time.Since(start)) }()

	want := make(map[int]struct{}, len(ranks))
	for _, r := range ranks {
		want[r] = struct{}{}
	}
	got := make(map[int]*invocation.Reply, len(ranks))

	for len(got) < len(want) {
		var in Inbound
		select {
		case in = <-c.transport.Replies():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		reply, err := c.acceptLocked(in)
		if err != nil {
			return nil, err
		}
		if reply.Seq != seq {
			err := failure.Protocol("rank %d answered invocation #%d while #%d was pending", reply.Rank, reply.Seq, seq)
			c.recordLocked(reply.Rank, err)
			return nil, err
		}
		if _, ok := want[reply.Rank]; !ok {
			err := failure.Protocol("unexpected reply to #%d from rank %d", seq, reply.Rank)
			c.recordLocked(reply.Rank, err)
			return nil, err
		}
		got[reply.Rank] = reply
	}

	out := make([]*invocation.Reply, 0, len(got))
	for _, r := range got {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// Shutdown broadcasts the shutdown invocation once and waits for every worker
// that has not failed to acknowledge it. Later calls return the first result.
// After Shutdown every Send fails with ErrClosed.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown(ctx)
	})
	return c.shutdownErr
}

func (c *Controller) shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.transport.Close()

	c.drainLocked()
	c.closed = true

	inv := &invocation.Invocation{Op: invocation.OpShutdown, Collective: true, Target: invocation.AllWorkers}
	seq, err := c.sendLocked(ctx, inv)
	if err != nil {
		return err
	}

	pending := make(map[int]struct{})
	for rank := 0; rank < c.transport.Size(); rank++ {
		if _, gone := c.failed[rank]; !gone {
			pending[rank] = struct{}{}
		}
	}
	c.logger.Debug("Shutdown sent, waiting for acknowledgements.", "seq", seq, "workers", len(pending))

	for len(pending) > 0 {
		var in Inbound
		select {
		case in = <-c.transport.Replies():
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d shutdown acknowledgements: %w", len(pending), ctx.Err())
		}
		if _, waiting := pending[in.Rank]; !waiting {
			// A rank that already acknowledged may hang up before the others do.
			continue
		}
		reply, err := c.acceptLocked(in)
		if err != nil {
			// The failing rank has stopped and will not acknowledge.
			delete(pending, in.Rank)
			continue
		}
		if reply.Seq == seq {
			delete(pending, reply.Rank)
		}
	}
	c.logger.Debug("All workers acknowledged shutdown.")
	return nil
}

// acceptLocked decodes one inbound frame. A failure reply, a decode error or
// a dropped connection is recorded and returned as an error.
func (c *Controller) acceptLocked(in Inbound) (*invocation.Reply, error) {
	if in.Err != nil {
		err := c.classify("receive", in.Err)
		err = &failure.Error{Kind: failure.KindOf(err), Rank: in.Rank, Msg: "worker connection lost", Err: err}
		c.recordLocked(in.Rank, err)
		return nil, err
	}
	reply, err := c.codec.DecodeReply(in.Frame)
	if err != nil {
		err = fmt.Errorf("reply from rank %d: %w", in.Rank, err)
		c.recordLocked(in.Rank, err)
		return nil, err
	}
	c.metrics.ReplyReceived(reply.Failed())
	if reply.Failed() {
		err := reply.Err()
		c.recordLocked(reply.Rank, err)
		return nil, err
	}
	return reply, nil
}

// drainLocked consumes replies that are already waiting without blocking,
// so that failures of fire-and-forget invocations surface at the next send.
func (c *Controller) drainLocked() {
	for {
		select {
		case in := <-c.transport.Replies():
			reply, err := c.acceptLocked(in)
			if err == nil {
				c.recordLocked(reply.Rank, failure.Protocol("unsolicited reply to #%d from rank %d", reply.Seq, reply.Rank))
			}
		default:
			return
		}
	}
}

func (c *Controller) recordLocked(rank int, err error) {
	if rank != failure.NoRank {
		if _, seen := c.failed[rank]; !seen {
			c.failed[rank] = err
		}
	}
	c.metrics.Failure(failure.KindOf(err).String())
	if c.firstErr == nil {
		c.firstErr = err
		c.logger.Error("Job failed.", "rank", rank, "error", err)
	}
}

// classify puts unclassified errors into the transport kind. Context errors
// stay reachable through errors.Is.
func (c *Controller) classify(op string, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	return failure.Transport(op, err)
}
