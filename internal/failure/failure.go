// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package failure defines the error taxonomy shared by the controller and the
// workers.
//
// Every error that crosses a component boundary in this module is classified
// into exactly one Kind. The kind decides how far the error travels:
//
//   - Configuration errors are raised on the controller before anything is
//     sent, and only affect the caller.
//   - Protocol errors mean a worker fell out of step with the controller's
//     invocation sequence. They end the job.
//   - Native errors come out of the objects being driven. They end the job.
//   - Transport errors come out of the invocation channel. They end the job.
//
// Kinds travel over the wire as their numeric value, so a worker's error can
// be rebuilt on the controller with the rank it came from.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error.
type Kind uint8

const (
	// KindUnknown is never produced deliberately; it marks a decoded reply
	// that carried a kind this build does not know.
	KindUnknown Kind = iota
	KindConfiguration
	KindProtocol
	KindNative
	KindTransport
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindConfiguration: "configuration",
	KindProtocol:      "protocol",
	KindNative:        "native",
	KindTransport:     "transport",
}

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration, Rank: NoRank, Msg: "configuration error"}
	ErrProtocol      = &Error{Kind: KindProtocol, Rank: NoRank, Msg: "protocol error"}
	ErrNative        = &Error{Kind: KindNative, Rank: NoRank, Msg: "native operation error"}
	ErrTransport     = &Error{Kind: KindTransport, Rank: NoRank, Msg: "transport error"}
)

// NoRank marks an error that did not originate on a worker.
const NoRank = -1

// Error is a classified error. Rank is the worker it came from, or NoRank.
type Error struct {
	Kind Kind
	Rank int
	Op   string
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Rank != NoRank {
		prefix = fmt.Sprintf("%s (rank %d)", prefix, e.Rank)
	}
	if e.Op != "" {
		prefix = fmt.Sprintf("%s %s", prefix, e.Op)
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.Msg)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Configuration builds a configuration error.
func Configuration(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Rank: NoRank, Msg: fmt.Sprintf(format, args...)}
}

// Protocol builds a protocol error.
func Protocol(format string, args ...any) error {
	return &Error{Kind: KindProtocol, Rank: NoRank, Msg: fmt.Sprintf(format, args...)}
}

// Native wraps an error raised by a native operation.
func Native(op string, err error) error {
	return &Error{Kind: KindNative, Rank: NoRank, Op: op, Err: err}
}

// Transport wraps an error raised by the invocation channel.
func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Rank: NoRank, Op: op, Err: err}
}

// KindOf returns the kind of err. Errors that are not classified are reported
// as native errors, since anything unclassified comes out of user code.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNative
}

// FromRank rebuilds an error reported by a worker.
func FromRank(rank int, kind Kind, msg string) error {
	return &Error{Kind: kind, Rank: rank, Msg: msg}
}

// Detail returns the text of err without the kind and rank prefix, for
// errors that are about to be rebuilt elsewhere with FromRank.
func Detail(err error) string {
	fe, ok := err.(*Error)
	if !ok {
		return err.Error()
	}
	var parts []string
	if fe.Op != "" {
		parts = append(parts, fe.Op)
	}
	if fe.Msg != "" {
		parts = append(parts, fe.Msg)
	}
	if fe.Err != nil {
		parts = append(parts, fe.Err.Error())
	}
	return strings.Join(parts, ": ")
}

// WithOp prefixes the operation of err with op, keeping its kind. Errors
// that are not classified become native errors.
func WithOp(op string, err error) error {
	fe, ok := err.(*Error)
	if !ok {
		var inner *Error
		if errors.As(err, &inner) {
			return &Error{Kind: inner.Kind, Rank: inner.Rank, Op: op, Err: err}
		}
		return Native(op, err)
	}
	out := *fe
	if out.Op != "" {
		out.Op = op + ": " + out.Op
	} else {
		out.Op = op
	}
	return &out
}
