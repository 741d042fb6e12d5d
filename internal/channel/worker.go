package channel

import (
	"context"

	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/invocation"
)

// Worker is the consuming side of the channel for one rank. It is used by a
// single goroutine.
type Worker struct {
	endpoint Endpoint
	codec    invocation.Codec
	last     uint64
}

// NewWorker wraps an endpoint.
func NewWorker(ep Endpoint, codec invocation.Codec) *Worker {
	return &Worker{endpoint: ep, codec: codec}
}

// Rank is the rank of this worker.
func (w *Worker) Rank() int {
	return w.endpoint.Rank()
}

// Last returns the sequence number of the last invocation received.
func (w *Worker) Last() uint64 {
	return w.last
}

// Next blocks until the next invocation arrives. An invocation whose
// sequence number does not follow the previous one is a protocol error.
func (w *Worker) Next(ctx context.Context) (*invocation.Invocation, error) {
	frame, err := w.endpoint.Receive(ctx)
	if err != nil {
		return nil, err
	}
	inv, err := w.codec.DecodeInvocation(frame)
	if err != nil {
		return nil, err
	}
	if inv.Seq != w.last+1 {
		return inv, failure.Protocol("expected invocation #%d, received #%d", w.last+1, inv.Seq)
	}
	w.last = inv.Seq
	return inv, nil
}

// Reply sends r to the controller.
func (w *Worker) Reply(ctx context.Context, r *invocation.Reply) error {
	frame, err := w.codec.EncodeReply(r)
	if err != nil {
		return err
	}
	return w.endpoint.Reply(ctx, frame)
}

// Close releases the endpoint.
func (w *Worker) Close() error {
	return w.endpoint.Close()
}
