// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package invocation defines the records exchanged between the controller and
// its workers, and the codec that puts them on the wire.
//
// An Invocation travels from the controller to every worker. A Reply travels
// from one worker back to the controller. Every invocation is delivered to
// every worker in Seq order, including invocations addressed to a single
// rank, so that each worker consumes the identical prefix of the sequence.
package invocation

import (
	"fmt"

	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/identity"
	"github.com/zclconf/go-cty/cty"
)

// AllWorkers is the Target of an invocation every worker executes.
const AllWorkers = -1

// Op is the kind of operation an invocation asks a worker to perform.
type Op uint8

const (
	OpUnknown Op = iota
	OpConstruct
	OpGet
	OpSet
	OpCall
	OpRelease
	OpShutdown
)

var opNames = [...]string{
	OpUnknown:   "unknown",
	OpConstruct: "construct",
	OpGet:       "get",
	OpSet:       "set",
	OpCall:      "call",
	OpRelease:   "release",
	OpShutdown:  "shutdown",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	return o > OpUnknown && o <= OpShutdown
}

// Invocation is one unit of remote work.
type Invocation struct {
	// Seq is the position of the invocation in the job's total order. The
	// first invocation of a job has Seq 1.
	Seq    uint64
	Handle identity.Handle
	Op     Op
	Class  string
	Member string
	Args   []cty.Value
	// Refs lists the positions in Args that hold handle references. Only
	// these are resolved to local objects; every other argument is data.
	Refs []int
	// Collective invocations are executed by every worker and the controller
	// waits for all of them.
	Collective bool
	// Target is AllWorkers or the single rank that executes the invocation.
	Target int
}

// AddressedTo reports whether the worker at rank executes inv.
func (inv *Invocation) AddressedTo(rank int) bool {
	return inv.Target == AllWorkers || inv.Target == rank
}

// Replies reports whether a worker at rank answers inv when it succeeds.
// Construct, Set and Release are fire-and-forget; a failure is reported
// regardless.
func (inv *Invocation) Replies(rank int) bool {
	switch inv.Op {
	case OpGet, OpCall, OpShutdown:
		return inv.AddressedTo(rank)
	default:
		return false
	}
}

func (inv *Invocation) String() string {
	switch inv.Op {
	case OpConstruct:
		return fmt.Sprintf("#%d construct %s as %s", inv.Seq, inv.Class, inv.Handle)
	case OpShutdown:
		return fmt.Sprintf("#%d shutdown", inv.Seq)
	case OpRelease:
		return fmt.Sprintf("#%d release %s", inv.Seq, inv.Handle)
	default:
		target := "all"
		if inv.Target != AllWorkers {
			target = fmt.Sprintf("rank %d", inv.Target)
		}
		return fmt.Sprintf("#%d %s %s.%s on %s (%s)", inv.Seq, inv.Op, inv.Class, inv.Member, inv.Handle, target)
	}
}

// IsRef reports whether argument i is a handle reference.
func (inv *Invocation) IsRef(i int) bool {
	for _, r := range inv.Refs {
		if r == i {
			return true
		}
	}
	return false
}

// Reply is a worker's answer to one invocation.
type Reply struct {
	Seq  uint64
	Rank int
	// Value is the result, meaningful only when HasValue is set.
	Value    cty.Value
	HasValue bool
	// FailKind is failure.KindUnknown for a successful reply.
	FailKind failure.Kind
	FailMsg  string
}

// Success builds a reply carrying v. A cty.NilVal v means no value.
func Success(seq uint64, rank int, v cty.Value) *Reply {
	r := &Reply{Seq: seq, Rank: rank}
	if v.Type() != cty.NilType {
		r.Value = v
		r.HasValue = true
	}
	return r
}

// Failure builds a reply reporting err.
func Failure(seq uint64, rank int, err error) *Reply {
	return &Reply{
		Seq:      seq,
		Rank:     rank,
		FailKind: failure.KindOf(err),
		FailMsg:  failure.Detail(err),
	}
}

// Failed reports whether the reply carries a failure.
func (r *Reply) Failed() bool {
	return r.FailKind != failure.KindUnknown
}

// Err reconstructs the worker's error, or returns nil for a success.
func (r *Reply) Err() error {
	if !r.Failed() {
		return nil
	}
	return failure.FromRank(r.Rank, r.FailKind, r.FailMsg)
}

// Hello is the first frame a worker sends over a network transport.
type Hello struct {
	Rank  int
	JobID string
}
