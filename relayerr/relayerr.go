// Package relayerr groups the seven error kinds the circuit engine
// propagates, and the reason codes attached to DESTROY/END cells.
package relayerr

import "fmt"

// Kind classifies an error by how the scheduler should react to it.
type Kind int

const (
	// TransientIO is recovered locally; the event loop retries.
	TransientIO Kind = iota
	// LinkFailure tears down every circuit routed over the link.
	LinkFailure
	// ProtocolViolation tears the offending circuit down with reason torprotocol.
	ProtocolViolation
	// PolicyDenied ends the offending stream with reason exit_policy.
	PolicyDenied
	// ResourceExhausted back-pressures the caller; no teardown.
	ResourceExhausted
	// Timeout is treated as the corresponding failure reason.
	Timeout
	// Fatal means an invariant was broken; the process aborts.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case LinkFailure:
		return "link_failure"
	case ProtocolViolation:
		return "protocol_violation"
	case PolicyDenied:
		return "policy_denied"
	case ResourceExhausted:
		return "resource_exhausted"
	case Timeout:
		return "timeout"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the kind and reason used to pick a
// DESTROY/END reason code.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Destroy reason codes, carried end-to-end on a DESTROY cell.
const (
	ReasonNone           = "none"
	ReasonProtocol       = "torprotocol"
	ReasonConnectFailed  = "connect_failed"
	ReasonOrIdentity     = "or_identity"
	ReasonOrConnClosed   = "or_conn_closed"
	ReasonRequested      = "requested"
	ReasonResourceLimit  = "resourcelimit"
	ReasonTimeout        = "timeout"
	ReasonExtendFailed   = "connectfailed"
)

// RELAY_END reason codes.
const (
	ReasonExitPolicy     = "exit_policy"
	ReasonResolveFailed  = "resolve_failed"
	ReasonConnectRefused = "connect_refused"
	ReasonEndTimeout     = "timeout"
	ReasonMisc           = "misc"
	ReasonDone           = "done"
	ReasonDestroy        = "destroy"
)
