// Package errors provides the error kinds used across ajpd.
//
// Protocol failures are connection-scoped: each one names a distinct
// kind (framing, decoding, body bookkeeping, stream state) and carries
// enough context (package kind, cycle sequence number) to reproduce
// the failure from a log line.  None of them is fatal to the process.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

// Protocol error kinds.  Each one is distinct; callers match them with
// [Is] regardless of how much context has been wrapped around them.
var (
	ErrFraming                = errors.New("framing error")
	ErrMagicNotANumber        = errors.New("magic is not a number")
	ErrTypeNotANumber         = errors.New("package type is not a number")
	ErrLengthNotANumber       = errors.New("length is not a number")
	ErrUnknownPackageType     = errors.New("unknown package type")
	ErrMissingPayload         = errors.New("missing payload")
	ErrContentLengthOverrun   = errors.New("content length overrun")
	ErrContentLengthShortfall = errors.New("content length shortfall")
	ErrStreamTerminated       = errors.New("stream terminated")
	ErrSuspendTimeout         = errors.New("body wait timed out")
)

// Lifecycle and transport errors.
var (
	ErrServerClosed = errors.New("server closed")
	ErrShutdown     = errors.New("shutdown requested by peer")
	ErrTunnelClosed = errors.New("tunnel is closed")
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("operation timed out")
)

// protocolKinds lists the kinds reported by [KindOf], in match order.
var protocolKinds = []error{
	ErrFraming,
	ErrMagicNotANumber,
	ErrTypeNotANumber,
	ErrLengthNotANumber,
	ErrUnknownPackageType,
	ErrMissingPayload,
	ErrContentLengthOverrun,
	ErrContentLengthShortfall,
	ErrStreamTerminated,
	ErrSuspendTimeout,
}

// ── Structured error types ───────────────────────────────────────────

// ProtocolError is a connection-scoped protocol failure.
type ProtocolError struct {
	Kind    error  // one of the protocol sentinels
	Package string // package kind being processed, "" when not yet known
	Seq     int    // cycle sequence number of the offending package
	Err     error  // detail (optional)
}

func (e *ProtocolError) Error() string {
	s := "ajp"
	if e.Package != "" {
		s += " " + e.Package
	}
	s += fmt.Sprintf(" seq=%d: %v", e.Seq, e.Kind)
	if e.Err != nil && e.Err != e.Kind {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is reports whether target is the kind of this error.
func (e *ProtocolError) Is(target error) bool { return target == e.Kind }

func (e *ProtocolError) Unwrap() error { return e.Err }

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Protocol builds a ProtocolError.  If err already is a ProtocolError
// it is returned unchanged so the innermost context wins.
func Protocol(kind error, pkg string, seq int, err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProtocolError{Kind: kind, Package: pkg, Seq: seq, Err: err}
}

// Classify wraps err in a ProtocolError using the protocol kind found
// in its chain.  Errors without a protocol kind are returned as is.
func Classify(err error, pkg string, seq int) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == nil {
		return err
	}
	return Protocol(kind, pkg, seq, err)
}

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// KindOf returns the protocol kind in err's chain, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range protocolKinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsTemporary reports whether err represents a temporary condition.
func IsTemporary(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }
