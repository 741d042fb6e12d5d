package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/specialistvlad/pmigo/internal/failure"
)

// DefaultLocalBuffer is the per-worker frame buffer of a Local transport.
const DefaultLocalBuffer = 1024

// Local is an in-process transport. Every rank is served by a buffered Go
// channel; replies share one channel.
type Local struct {
	endpoints []*localEndpoint
	replies   chan Inbound
	closed    chan struct{}
	closeOnce sync.Once
}

type localEndpoint struct {
	rank     int
	owner    *Local
	inbox    chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

// NewLocal creates an in-process transport for size workers.
func NewLocal(size, buffer int) *Local {
	if size < 1 {
		panic(fmt.Sprintf("channel: local transport needs at least one worker, got %d", size))
	}
	if buffer <= 0 {
		buffer = DefaultLocalBuffer
	}
	l := &Local{
		endpoints: make([]*localEndpoint, size),
		replies:   make(chan Inbound, buffer),
		closed:    make(chan struct{}),
	}
	for rank := range l.endpoints {
		l.endpoints[rank] = &localEndpoint{
			rank:  rank,
			owner: l,
			inbox: make(chan []byte, buffer),
			done:  make(chan struct{}),
		}
	}
	return l
}

// Endpoint returns the worker end for rank.
func (l *Local) Endpoint(rank int) Endpoint {
	return l.endpoints[rank]
}

func (l *Local) Size() int {
	return len(l.endpoints)
}

// Broadcast implements Transport. A worker that has closed its endpoint is
// skipped: it has already reported why it stopped.
func (l *Local) Broadcast(ctx context.Context, frame []byte) error {
	select {
	case <-l.closed:
		return failure.Transport("broadcast", ErrClosed)
	default:
	}
	for _, ep := range l.endpoints {
		select {
		case ep.inbox <- frame:
		case <-ep.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *Local) Replies() <-chan Inbound {
	return l.replies
}

// Close stops delivery in both directions. Frames already buffered for a
// worker can still be received.
func (l *Local) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (e *localEndpoint) Rank() int {
	return e.rank
}

func (e *localEndpoint) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-e.inbox:
		return frame, nil
	default:
	}
	select {
	case frame := <-e.inbox:
		return frame, nil
	case <-e.done:
		return nil, failure.Transport("receive", ErrClosed)
	case <-e.owner.closed:
		// Drain anything that raced with Close.
		select {
		case frame := <-e.inbox:
			return frame, nil
		default:
			return nil, failure.Transport("receive", ErrClosed)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *localEndpoint) Reply(ctx context.Context, frame []byte) error {
	select {
	case e.owner.replies <- Inbound{Rank: e.rank, Frame: frame}:
		return nil
	case <-e.owner.closed:
		return failure.Transport("reply", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *localEndpoint) Close() error {
	e.doneOnce.Do(func() { close(e.done) })
	return nil
}
