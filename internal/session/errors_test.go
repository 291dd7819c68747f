package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/hrlink/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestConnectError(t *testing.T) {
	cause := errors.New("le-connection-abort-by-local")
	err := fmt.Errorf("wrapped: %w", &ConnectError{Kind: ConnectFailed, DeviceID: "A17", Err: cause})

	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNoDeviceFound)
	assert.NotErrorIs(t, err, ErrFetchTimeout)
	assert.EqualError(t, errors.Unwrap(err), "connect_failed (device A17): le-connection-abort-by-local")
	assert.Equal(t, "already_connected", ErrAlreadyConnected.Error())
}

func TestStreamError(t *testing.T) {
	cause := errors.New("boom")
	err := streamErr(SettingsNegotiationFailed, device.ECG, "negotiate", cause)

	assert.ErrorIs(t, err, ErrSettingsNegotiationFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotConnected)
	assert.EqualError(t, err, "ECG negotiate: settings_negotiation_failed: boom")
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(&ConnectError{Kind: ConnectTimeout}))
	assert.True(t, IsTimeout(streamErr(StreamTimeout, device.HR, "fetch", nil)))
	assert.False(t, IsTimeout(ErrNotConnected))
	assert.False(t, IsTimeout(nil))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "negotiating", Negotiating.String())
	assert.Equal(t, "SupervisorState(9)", SupervisorState(9).String())
	assert.Equal(t, "connecting", ConnectionState{Phase: Connecting}.String())
}
