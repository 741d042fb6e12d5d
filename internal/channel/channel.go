// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package channel carries invocations from the controller to its workers and
// replies back.
//
// A Transport moves opaque frames. The Controller and Worker types on top of
// it own the protocol: the controller numbers every invocation, broadcasts it
// to all workers and collects replies; a worker checks that the numbers it
// receives advance by exactly one. Two transports are provided: an in-process
// one for tests and single-process jobs, and a websocket one for jobs that
// span processes.
package channel

import (
	"context"
	"errors"
)

// ErrClosed is returned for any send attempted after the channel has been
// shut down, and by endpoints whose transport went away.
var ErrClosed = errors.New("invocation channel is shut down")

// Inbound is a frame received from one worker, or the reason that worker's
// connection ended.
type Inbound struct {
	Rank  int
	Frame []byte
	Err   error
}

// Transport is the controller's end of the channel.
type Transport interface {
	// Size is the number of workers.
	Size() int
	// Broadcast delivers frame to every worker. Frames are delivered to each
	// worker in the order Broadcast was called.
	Broadcast(ctx context.Context, frame []byte) error
	// Replies yields frames sent back by workers.
	Replies() <-chan Inbound
	Close() error
}

// Endpoint is one worker's end of the channel.
type Endpoint interface {
	Rank() int
	// Receive blocks until the next frame arrives.
	Receive(ctx context.Context) ([]byte, error)
	Reply(ctx context.Context, frame []byte) error
	Close() error
}
