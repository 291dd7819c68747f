package bridge

import (
	"errors"
	"fmt"

	"github.com/srg/hrlink/internal/session"
)

// Error codes reported to callers across the boundary
const (
	CodeNoDeviceFound             = "NO_DEVICE_FOUND"
	CodeConnectFailed             = "CONNECT_FAILED"
	CodeAlreadyConnected          = "ALREADY_CONNECTED"
	CodeTimeout                   = "TIMEOUT"
	CodeNotConnected              = "NOT_CONNECTED"
	CodeSettingsNegotiationFailed = "SETTINGS_NEGOTIATION_FAILED"
	CodeStreamError               = "STREAM_ERROR"
	CodeInvalidArgument           = "INVALID_ARGUMENT"
	CodeNotImplemented            = "NOT_IMPLEMENTED"
)

// MethodError is the error result of a method call
type MethodError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *MethodError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is allows errors.Is to compare MethodError values by Code
func (e *MethodError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*MethodError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func invalidArgument(format string, args ...any) *MethodError {
	return &MethodError{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// ToMethodError translates a session error into its boundary code.
// Errors outside the session taxonomy become STREAM_ERROR.
func ToMethodError(err error) *MethodError {
	if err == nil {
		return nil
	}

	var merr *MethodError
	if errors.As(err, &merr) {
		return merr
	}

	code := CodeStreamError
	var cerr *session.ConnectError
	var serr *session.StreamError
	switch {
	case errors.As(err, &cerr):
		switch cerr.Kind {
		case session.NoDeviceFound:
			code = CodeNoDeviceFound
		case session.ConnectFailed:
			code = CodeConnectFailed
		case session.AlreadyConnected:
			code = CodeAlreadyConnected
		case session.ConnectTimeout:
			code = CodeTimeout
		}
	case errors.As(err, &serr):
		switch serr.Kind {
		case session.NotConnected:
			code = CodeNotConnected
		case session.SettingsNegotiationFailed:
			code = CodeSettingsNegotiationFailed
		case session.StreamErrorOccurred:
			code = CodeStreamError
		case session.StreamTimeout:
			code = CodeTimeout
		}
	}
	return &MethodError{Code: code, Message: err.Error()}
}
