/*
MIT License

Copyright (c) 2024 pafd authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package xerrors provides the four error kinds the daemon distinguishes:
// protocol errors (malformed wire messages), transaction failures (reported
// to the client as a "fail" frame with a reason string), transport errors
// (socket/IO failures) and internal errors (bugs, resource exhaustion not
// tied to a single transaction).
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for logging and dispatch purposes.
type Kind uint8

const (
	KindInternal Kind = iota
	KindProtocol
	KindTransaction
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTransaction:
		return "transaction"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Reason is a registered wire-level fail-reason code. The full
// vocabulary is fixed by spec.md §6; these are the exact strings put
// on the wire in a FAIL frame's fail-reason field.
type Reason string

const (
	ReasonNoHello                    Reason = "no-hello"
	ReasonClientIDExists             Reason = "client-id-exists"
	ReasonTrackExists                Reason = "track-exists"
	ReasonInvalidFilter              Reason = "invalid-filter-syntax"
	ReasonSubscriptionIDExists       Reason = "subscription-id-exists"
	ReasonNoSuchSubscription         Reason = "non-existent-subscription-id"
	ReasonNoSuchService              Reason = "non-existent-service-id"
	ReasonUnsupportedProtocol        Reason = "unsupported-protocol-version"
	ReasonPermissionDenied           Reason = "permission-denied"
	ReasonOldGeneration              Reason = "old-generation"
	ReasonSameGenerationButDifferent Reason = "same-generation-but-different"
	ReasonInsufficientResources      Reason = "insufficient-resources"
)

// Error is the concrete error type returned by every package in this
// repository. It carries a Kind, an optional wire Reason (set only for
// KindTransaction errors) and a wrapped cause.
type Error struct {
	kind   Kind
	reason Reason
	msg    string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Kind() Kind { return e.kind }

// WireReason returns the fail-reason string to put on the wire. Only
// meaningful for KindTransaction errors; empty otherwise.
func (e *Error) WireReason() string { return string(e.reason) }

func new_(kind Kind, reason Reason, cause error, format string, args ...interface{}) *Error {
	return &Error{kind: kind, reason: reason, msg: fmt.Sprintf(format, args...), cause: cause}
}

func Internal(cause error, format string, args ...interface{}) *Error {
	return new_(KindInternal, "", cause, format, args...)
}

func Protocol(cause error, format string, args ...interface{}) *Error {
	return new_(KindProtocol, "", cause, format, args...)
}

func Transport(cause error, format string, args ...interface{}) *Error {
	return new_(KindTransport, "", cause, format, args...)
}

// Transaction builds a transaction-failure error carrying a wire reason.
func Transaction(reason Reason, format string, args ...interface{}) *Error {
	return new_(KindTransaction, reason, nil, format, args...)
}

// As is re-exported for callers that want errors.As semantics without a
// second import.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is re-exported for callers that want errors.Is semantics without a
// second import.
func Is(err, target error) bool { return errors.Is(err, target) }
