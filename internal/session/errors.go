package session

import (
	"errors"
	"fmt"

	"github.com/srg/hrlink/internal/device"
)

// ConnectErrorKind classifies a failed connect request
type ConnectErrorKind string

const (
	NoDeviceFound    ConnectErrorKind = "no_device_found"
	ConnectFailed    ConnectErrorKind = "connect_failed"
	AlreadyConnected ConnectErrorKind = "already_connected"
	ConnectTimeout   ConnectErrorKind = "timeout"
)

// ConnectError is returned by DiscoverAndConnect
type ConnectError struct {
	Kind     ConnectErrorKind
	DeviceID string
	Err      error
}

func (e *ConnectError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.DeviceID != "" {
		msg = fmt.Sprintf("%s (device %s)", msg, e.DeviceID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare ConnectError values by Kind
func (e *ConnectError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// StreamErrorKind classifies a failed stream request or a terminated stream
type StreamErrorKind string

const (
	NotConnected              StreamErrorKind = "not_connected"
	SettingsNegotiationFailed StreamErrorKind = "settings_negotiation_failed"
	StreamErrorOccurred       StreamErrorKind = "stream_error"
	StreamTimeout             StreamErrorKind = "timeout"
)

// StreamError carries the stream kind and operation a failure belongs to
type StreamError struct {
	Kind   StreamErrorKind
	Stream device.StreamKind
	Op     string // "start", "negotiate", "open", "fetch", "stream"
	Err    error
}

func (e *StreamError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Stream, e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *StreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare StreamError values by Kind
func (e *StreamError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StreamError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for errors.Is checks
var (
	ErrNoDeviceFound    = &ConnectError{Kind: NoDeviceFound}
	ErrConnectFailed    = &ConnectError{Kind: ConnectFailed}
	ErrAlreadyConnected = &ConnectError{Kind: AlreadyConnected}
	ErrConnectTimeout   = &ConnectError{Kind: ConnectTimeout}

	ErrNotConnected              = &StreamError{Kind: NotConnected}
	ErrSettingsNegotiationFailed = &StreamError{Kind: SettingsNegotiationFailed}
	ErrStreamErrorOccurred       = &StreamError{Kind: StreamErrorOccurred}
	ErrFetchTimeout              = &StreamError{Kind: StreamTimeout}
)

// ErrNoSample is the cause reported when a one-shot stream ends before delivering anything
var ErrNoSample = errors.New("stream ended before delivering a sample")

func streamErr(kind StreamErrorKind, stream device.StreamKind, op string, err error) *StreamError {
	return &StreamError{Kind: kind, Stream: stream, Op: op, Err: err}
}

// IsTimeout reports whether err is a connect or fetch timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrConnectTimeout) || errors.Is(err, ErrFetchTimeout)
}
