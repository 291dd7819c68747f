package device

import (
	"errors"
	"fmt"
)

// NotFoundError represents an error when a GATT resource the link depends on is missing
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// LinkState represents the specific kind of link state failure
type LinkState string

const (
	LinkNotConnected     LinkState = "not_connected"
	LinkAlreadyConnected LinkState = "already_connected"
	LinkNotInitialized   LinkState = "not_initialized"
)

// LinkError represents a link-level connection problem
type LinkError struct {
	State LinkState
	Msg   string
}

// Error implements the error interface
func (e *LinkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare LinkError values by State
func (e *LinkError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrLinkNotConnected     = &LinkError{State: LinkNotConnected}
	ErrLinkAlreadyConnected = &LinkError{State: LinkAlreadyConnected}
	ErrLinkNotInitialized   = &LinkError{State: LinkNotInitialized}
)

var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrUnsupported  = errors.New("unsupported")
	ErrMalformed    = errors.New("malformed frame")
	ErrRejected     = errors.New("request rejected by device")
)

// IsLinkState reports whether err is a LinkError with the given state
func IsLinkState(err error, state LinkState) bool {
	var lerr *LinkError
	if errors.As(err, &lerr) {
		return lerr.State == state
	}
	return false
}
