// Package gwerrors defines the gateway's error taxonomy (spec §7) and the
// mapping from internal error kinds to JSON-RPC error codes. Recoverable
// kinds (UpstreamTimeout, UpstreamTransport) are meant to be handled
// locally by the router's retry loop; the rest flow up to the JSON-RPC
// envelope unchanged.
package gwerrors

import (
	"encoding/json"
	"fmt"
)

// Kind enumerates the taxonomy from spec.md §7.
type Kind int

const (
	Internal Kind = iota
	InvalidRequest
	NotSynced
	NoBackendsAvailable
	UpstreamTimeout
	UpstreamTransport
	UpstreamJsonRpcError
	RateLimited
)

func (k Kind) String() string {
	switch k {
	case InvalidRequest:
		return "InvalidRequest"
	case NotSynced:
		return "NotSynced"
	case NoBackendsAvailable:
		return "NoBackendsAvailable"
	case UpstreamTimeout:
		return "UpstreamTimeout"
	case UpstreamTransport:
		return "UpstreamTransport"
	case UpstreamJsonRpcError:
		return "UpstreamJsonRpcError"
	case RateLimited:
		return "RateLimited"
	default:
		return "Internal"
	}
}

// JSONRPCCode returns the wire error code this kind is surfaced as.
// UpstreamJsonRpcError is special-cased by callers: it carries its own
// authoritative code from the upstream and never passes through here.
func (k Kind) JSONRPCCode() int {
	switch k {
	case InvalidRequest:
		return -32600
	case NotSynced:
		return -32000
	case NoBackendsAvailable:
		return -32001
	case UpstreamTimeout:
		return -32002
	case UpstreamTransport:
		return -32003
	case RateLimited:
		return -32005
	default:
		return -32603
	}
}

// Recoverable reports whether the router should try the next candidate
// connection rather than surfacing the error to the client.
func (k Kind) Recoverable() bool {
	return k == UpstreamTimeout || k == UpstreamTransport
}

// Error wraps an underlying cause with a Kind, following the teacher's own
// convention of contextual fmt.Errorf wrapping (e.g. rpcroute's
// `fmt.Errorf("%T{%q}.DialWS(): %v", ...)`.
type Error struct {
	Kind    Kind
	Op      string
	Conn    string
	Message string
	Err     error

	// Code and Data carry an upstream JSON-RPC error's own code/data
	// verbatim when Kind == UpstreamJsonRpcError (spec.md §4.1/§7: such
	// errors are authoritative and must reach the client unchanged).
	Code int
	Data json.RawMessage
}

func (e *Error) Error() string {
	if e.Conn != "" {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Op, e.Conn, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given kind.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// WithConn attaches the originating connection name for diagnostics.
func (e *Error) WithConn(name string) *Error {
	e.Conn = name
	return e
}

// KindOf extracts the Kind from err, defaulting to Internal if err is not
// (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var ge *Error
	if asError(err, &ge) {
		return ge.Kind
	}
	return Internal
}

// As extracts the *Error from err, following the same unwrap chain as
// KindOf, so callers that need the full upstream code/data (not just the
// Kind) don't have to re-implement the walk.
func As(err error) (*Error, bool) {
	var ge *Error
	return ge, asError(err, &ge)
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
