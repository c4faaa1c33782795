package protocol

import (
	"encoding/json"
	"fmt"
)

// RPCError is satisfied by every typed error kind the engine produces.
// Code follows the JSON-RPC taxonomy: one of the five fixed protocol
// codes, or an application code. StateError, TimeoutError and
// CancelError use -32001, -32002 and -32003, just below
// CodeServerErrorFloor inside the JSON-RPC server-error band.
type RPCError interface {
	error
	Code() int
	Data() any
}

type baseError struct {
	code    int
	message string
	data    any
}

func (e *baseError) Error() string  { return fmt.Sprintf("%d: %s", e.code, e.message) }
func (e *baseError) Code() int      { return e.code }
func (e *baseError) Data() any      { return e.data }
func (e *baseError) WireError() *WireError {
	we := &WireError{Code: e.code, Message: e.message}
	if e.data != nil {
		if raw, err := json.Marshal(e.data); err == nil {
			we.Data = raw
		}
	}
	return we
}

// ParseError: the byte payload was not a valid JSON-RPC envelope.
type ParseError struct{ baseError }

func NewParseError(message string) *ParseError {
	return &ParseError{baseError{code: CodeParseError, message: message}}
}

// ProtocolError: a structural violation - unknown method, malformed
// params, bad version, or invalid params that failed a user-supplied
// schema. The possible wire codes (-32600 invalid request, -32601
// method not found and -32602 invalid params) are distinguished by
// Code().
type ProtocolError struct{ baseError }

func NewInvalidRequestError(message string) *ProtocolError {
	return &ProtocolError{baseError{code: CodeInvalidRequest, message: message}}
}

func NewInvalidParamsError(message string) *ProtocolError {
	return &ProtocolError{baseError{code: CodeInvalidParams, message: message}}
}

func NewMethodNotFoundError(method string) *ProtocolError {
	return &ProtocolError{baseError{code: CodeMethodNotFound, message: fmt.Sprintf("Method not found: %s", method)}}
}

// NewProtocolResultError reports a response whose result failed the
// caller-supplied schema.
func NewProtocolResultError(message string) *ProtocolError {
	return &ProtocolError{baseError{code: CodeInvalidParams, message: message}}
}

// CapabilityError: local or remote lacks a capability an operation
// requires. Side names which peer ("local" or "remote") was found
// lacking, and Method names the method being gated.
type CapabilityError struct {
	baseError
	Side   string
	Method string
}

func NewCapabilityError(side, method, message string) *CapabilityError {
	return &CapabilityError{
		baseError: baseError{code: CodeInvalidRequest, message: message},
		Side:      side,
		Method:    method,
	}
}

// StateError: an operation was invoked in the wrong lifecycle state,
// e.g. registering capabilities after connect.
type StateError struct{ baseError }

func NewStateError(message string) *StateError {
	return &StateError{baseError{code: CodeServerErrorFloor - 1, message: message}}
}

// TimeoutError: a soft or hard deadline elapsed.
type TimeoutError struct{ baseError }

func NewTimeoutError(message string) *TimeoutError {
	return &TimeoutError{baseError{code: CodeServerErrorFloor - 2, message: message}}
}

// CancelError: a request or task was cancelled. Source distinguishes
// "local" (caller-initiated abort) from "remote" (peer sent
// notifications/cancelled).
type CancelError struct {
	baseError
	Source string
	Reason string
}

func NewCancelError(source, reason string) *CancelError {
	return &CancelError{
		baseError: baseError{code: CodeServerErrorFloor - 3, message: reason},
		Source:    source,
		Reason:    reason,
	}
}

// TaskError: unknown task, or a terminal-task mutation was attempted.
type TaskError struct{ baseError }

func NewTaskError(message string) *TaskError {
	return &TaskError{baseError{code: CodeInvalidParams, message: message}}
}

// ApplicationError wraps an arbitrary error raised by a user handler so
// it can pass through the error interceptor and be rendered on the
// wire with a stable application code.
type ApplicationError struct{ baseError }

func NewApplicationError(code int, message string, data any) *ApplicationError {
	return &ApplicationError{baseError{code: code, message: message, data: data}}
}

// toWireError converts any error into the JSON-RPC wire representation,
// defaulting to an internal error for errors the engine doesn't
// recognize (e.g. a plain error{} returned by a user handler that
// didn't go through NewApplicationError).
func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	type wireErrorer interface{ WireError() *WireError }
	if we, ok := err.(wireErrorer); ok {
		return we.WireError()
	}
	return &WireError{Code: CodeInternalError, Message: err.Error()}
}
