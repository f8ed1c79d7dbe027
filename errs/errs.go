// Package errs defines the error-kind taxonomy spec.md §7 requires:
// which failures are transport-shaped and thus retried by Send, and
// which are surfaced to the caller untouched.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// TransportError wraps a byte-layer connect/send/recv/close failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error  { return e.Err }

func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&TransportError{Op: op, Err: err})
}

// Timeout reports a result slot that was never signaled within
// WAIT_TIMEOUT, or a stale caller released by stop().
type Timeout struct {
	MsgID int64
}

func (e *Timeout) Error() string { return fmt.Sprintf("timeout waiting for msg_id %d", e.MsgID) }

// InternalServerError is the subset of RpcError indicating a server
// 5xx-equivalent condition; it is retried exactly like TransportError
// and Timeout.
type InternalServerError struct {
	Code    int
	Message string
}

func (e *InternalServerError) Error() string {
	return fmt.Sprintf("internal server error %d: %s", e.Code, e.Message)
}

// RpcError is the domain-level error the server attached to a
// request, tagged with the kind of request that produced it.
type RpcError struct {
	Code        int
	Message     string
	RequestKind string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d (%s) for %s", e.Code, e.Message, e.RequestKind)
}

// IsInternalServerError reports whether an RpcError's code/message
// indicates a server-side 5xx-equivalent condition that should be
// retried rather than surfaced.
func (e *RpcError) IsInternalServerError() bool {
	return e.Code >= 500 && e.Code < 600
}

// BadMsgError is a protocol violation or clock-skew notification; it
// carries the descriptive text from the bad-msg table (spec.md §4.9)
// and is never auto-retried.
type BadMsgError struct {
	Code        int
	Description string
}

func (e *BadMsgError) Error() string { return e.Description }

// badMsgDescriptions is the table from spec.md §4.9.
var badMsgDescriptions = map[int]string{
	16: "msg_id too low; clock skew",
	17: "msg_id too high; clock skew",
	18: "msg_id not divisible by 4",
	19: "container msg_id duplicates a prior one",
	20: "message too old to verify",
	32: "seq_no too low",
	33: "seq_no too high",
	34: "expected even seq_no",
	35: "expected odd seq_no",
	48: "bad server salt",
	64: "invalid container",
}

// NewBadMsgError builds a BadMsgError from a raw error_code, looking
// up its description in the table; unknown codes get "Error code N".
func NewBadMsgError(code int) *BadMsgError {
	desc, ok := badMsgDescriptions[code]
	if !ok {
		desc = fmt.Sprintf("Error code %d", code)
	}
	return &BadMsgError{Code: code, Description: desc}
}

// Codec errors: surfaced from mtsession/codec.Unpack, logged and
// dropped by the worker — never propagated to a caller.
type (
	AuthKeyMismatchError  struct{}
	SessionIdMismatchError struct{}
	MsgKeyMismatchError   struct{}
	BadMsgIdError         struct{}
)

func (*AuthKeyMismatchError) Error() string  { return "auth_key_id mismatch" }
func (*SessionIdMismatchError) Error() string { return "session_id mismatch" }
func (*MsgKeyMismatchError) Error() string   { return "msg_key mismatch" }
func (*BadMsgIdError) Error() string         { return "msg_id low bit is not server-origin" }

// IsRetryable reports whether err is transport-shaped per spec.md §7's
// retry policy: TransportError, Timeout, InternalServerError.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var to *Timeout
	if errors.As(err, &to) {
		return true
	}
	var ise *InternalServerError
	if errors.As(err, &ise) {
		return true
	}
	var rpc *RpcError
	if errors.As(err, &rpc) && rpc.IsInternalServerError() {
		return true
	}
	return false
}
