package session

import "github.com/srg/hrlink/internal/device"

// Sink receives samples and terminal notifications for one stream kind.
// Calls are made from the dispatcher goroutine, never from device callbacks,
// and are serialized: a sink never sees two calls at once. OnSample must not stop
// the stream it is being fed from; stop it from another goroutine instead.
type Sink interface {
	OnSample(sample device.Sample)

	// OnClosed is called once per subscription after its last sample.
	// err is nil when the stream was stopped or ended cleanly.
	OnClosed(kind device.StreamKind, err error)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are ignored.
type SinkFuncs struct {
	Sample func(device.Sample)
	Closed func(device.StreamKind, error)
}

func (f SinkFuncs) OnSample(sample device.Sample) {
	if f.Sample != nil {
		f.Sample(sample)
	}
}

func (f SinkFuncs) OnClosed(kind device.StreamKind, err error) {
	if f.Closed != nil {
		f.Closed(kind, err)
	}
}
