package main

import (
	"errors"
	"fmt"

	"github.com/srg/hrlink/bridge"
	"github.com/srg/hrlink/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the device went away while a command was still using it
	ErrConnectionLost = errors.New("connection lost")
)

var userHints = map[string]string{
	bridge.CodeNoDeviceFound:             "no matching device found; make sure the sensor is worn and not paired to another app",
	bridge.CodeConnectFailed:             "could not connect to the device",
	bridge.CodeTimeout:                   "the device did not answer in time",
	bridge.CodeNotConnected:              "the device is not connected",
	bridge.CodeSettingsNegotiationFailed: "the device refused the measurement settings",
}

// FormatUserError turns err into a single line suitable for the terminal
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, device.ErrBluetoothOff) {
		return "Bluetooth is turned off or unavailable"
	}
	if errors.Is(err, device.ErrUnsupported) {
		return "Bluetooth is not supported on this platform"
	}

	var merr *bridge.MethodError
	if errors.As(err, &merr) {
		if hint, ok := userHints[merr.Code]; ok {
			return fmt.Sprintf("%s (%s)", hint, merr.Message)
		}
		return merr.Message
	}
	return err.Error()
}
