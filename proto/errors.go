package proto

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	ErrorCodeInvocationFailed = "invocation-failed"
	ErrorCodeInternal         = "internal-error"
)

var ErrShutdown = errors.New("connection is shut down")

// Error is the DDP error object carried by result and nosub messages.
type Error struct {
	Code      ErrorCode `json:"error"`
	Reason    string    `json:"reason,omitempty"`
	Details   string    `json:"details,omitempty"`
	Message   string    `json:"message,omitempty"`
	ErrorType string    `json:"errorType,omitempty"`
}

func NewError(code, reason string) *Error {
	return &Error{Code: ErrorCode(code), Reason: reason, ErrorType: "Meteor.Error"}
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s [%s]", e.Reason, e.Code)
	}
	return fmt.Sprintf("[%s]", e.Code)
}

// ErrorCode is the "error" field of an Error. Servers send either numbers
// or strings.
type ErrorCode string

func (c *ErrorCode) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		*c = ErrorCode(t)
	case float64:
		*c = ErrorCode(strconv.FormatFloat(t, 'f', -1, 64))
	case nil:
		*c = ""
	default:
		return errors.Errorf("unexpected error code %v", v)
	}
	return nil
}

// ProtocolError reports a server message that contradicts the client
// state. It cannot be repaired without a new session.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "ddp protocol violation: " + e.Msg
}

func NewProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// ConnectionError reports a connection dropped by the client.
type ConnectionError struct {
	Msg string
}

func (e *ConnectionError) Error() string {
	return e.Msg
}
