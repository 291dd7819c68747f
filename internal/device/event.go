package device

// Event is an asynchronous notification from the device link.
// The set of implementations is closed; receivers switch on the concrete type.
type Event interface {
	isEvent()
}

// PowerStateChanged reports the host Bluetooth radio being switched on or off
type PowerStateChanged struct {
	Powered bool
}

type DeviceConnecting struct {
	ID string
}

type DeviceConnected struct {
	ID string
}

// DeviceDisconnected reports loss of the connection. Err is nil for a requested disconnect.
type DeviceDisconnected struct {
	ID  string
	Err error
}

// FeatureReady reports that a device capability (e.g. "hr", "pmd") can be used
type FeatureReady struct {
	ID      string
	Feature string
}

type BatteryLevel struct {
	ID    string
	Level int
}

// DeviceInfoReceived carries one Device Information Service field
type DeviceInfoReceived struct {
	ID    string
	Key   string
	Value string
}

func (PowerStateChanged) isEvent()  {}
func (DeviceConnecting) isEvent()   {}
func (DeviceConnected) isEvent()    {}
func (DeviceDisconnected) isEvent() {}
func (FeatureReady) isEvent()       {}
func (BatteryLevel) isEvent()       {}
func (DeviceInfoReceived) isEvent() {}
