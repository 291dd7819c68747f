package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/groutine"
	"github.com/srg/hrlink/internal/metrics"
	"go.uber.org/multierr"
)

// DefaultDeliveryBuffer is the sample ring size used when Options leaves it unset
const DefaultDeliveryBuffer uint32 = 1024

// Options tunes a Manager. Zero timeouts disable the corresponding deadline.
type Options struct {
	ConnectTimeout time.Duration
	FetchTimeout   time.Duration
	DeliveryBuffer uint32
	Metrics        *metrics.Collectors
}

// Manager is the single entry point of the session core. It owns the connection
// lifecycle, routes stream requests to per-kind supervisors and reacts to device events.
// All methods are safe for concurrent use.
type Manager struct {
	link       device.Link
	opts       Options
	state      *State
	dispatcher *Dispatcher
	metrics    *metrics.Collectors
	logger     *logrus.Logger

	closeOnce sync.Once
}

// NewManager creates a manager on top of link and starts sample delivery
func NewManager(link device.Link, opts Options, logger *logrus.Logger) (*Manager, error) {
	if link == nil {
		return nil, fmt.Errorf("device link cannot be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.DeliveryBuffer == 0 {
		opts.DeliveryBuffer = DefaultDeliveryBuffer
	}

	dispatcher, err := NewDispatcher(opts.DeliveryBuffer, opts.Metrics, logger)
	if err != nil {
		return nil, err
	}
	if err := dispatcher.Start(); err != nil {
		return nil, err
	}

	m := &Manager{
		link:       link,
		opts:       opts,
		state:      newState(),
		dispatcher: dispatcher,
		metrics:    opts.Metrics,
		logger:     logger,
	}
	m.metrics.SetConnectionState(int(Disconnected))
	link.SetEventHandler(m.HandleEvent)
	return m, nil
}

// ----------------------------
// Connection
// ----------------------------

// DiscoverAndConnect runs one discovery round, connects to the first device reported
// and returns its id. Later descriptors of the same round are ignored.
func (m *Manager) DiscoverAndConnect(ctx context.Context) (string, error) {
	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}
	attemptCtx, abort := context.WithCancel(ctx)
	defer abort()

	if cur, ok := m.state.beginConnect(abort); !ok {
		m.logger.WithField("state", cur).Debug("Connect rejected, session is not disconnected")
		return "", &ConnectError{Kind: AlreadyConnected, DeviceID: cur.DeviceID}
	}
	m.metrics.SetConnectionState(int(Connecting))
	m.logger.Info("Searching for device...")

	desc, err := m.discoverFirst(attemptCtx, ctx)
	if err != nil {
		m.state.failConnect()
		m.metrics.SetConnectionState(int(Disconnected))
		m.logger.WithError(err).Warn("Discovery failed")
		return "", err
	}

	logger := m.logger.WithFields(logrus.Fields{
		"device_id": desc.ID,
		"name":      desc.DisplayName,
	})
	logger.Info("Device found, connecting...")

	if err := m.link.Connect(attemptCtx, desc.ID); err != nil {
		m.state.failConnect()
		m.metrics.SetConnectionState(int(Disconnected))
		logger.WithError(err).Warn("Connect failed")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &ConnectError{Kind: ConnectTimeout, DeviceID: desc.ID, Err: err}
		}
		return "", &ConnectError{Kind: ConnectFailed, DeviceID: desc.ID, Err: err}
	}

	if !m.state.finishConnect(desc.ID) {
		// Disconnect was requested while the link was connecting. The link is released
		// before the state leaves Connecting so a waiting Disconnect sees it gone.
		if derr := m.link.Disconnect(context.Background(), desc.ID); derr != nil {
			logger.WithError(derr).Debug("Releasing aborted connection failed")
		}
		m.state.failConnect()
		m.metrics.SetConnectionState(int(Disconnected))
		return "", &ConnectError{Kind: ConnectFailed, DeviceID: desc.ID, Err: context.Canceled}
	}

	m.metrics.SetConnectionState(int(Connected))
	logger.Info("Connected")
	return desc.ID, nil
}

// discoverFirst returns the first descriptor reported and cancels discovery right after it.
// attemptCtx is the cancellable attempt; parent carries the connect deadline.
func (m *Manager) discoverFirst(attemptCtx, parent context.Context) (device.Descriptor, error) {
	scanCtx, stopScan := context.WithCancel(attemptCtx)
	defer stopScan()

	found := make(chan device.Descriptor, 1)
	errc := make(chan error, 1)
	var once sync.Once

	groutine.Go(scanCtx, "discovery", func(ctx context.Context) {
		errc <- m.link.Discover(scanCtx, func(d device.Descriptor) {
			once.Do(func() {
				found <- d
				stopScan()
			})
		})
	})

	select {
	case d := <-found:
		return d, nil
	case err := <-errc:
		select {
		case d := <-found:
			return d, nil
		default:
		}
		if cerr := m.attemptErr(attemptCtx, parent); cerr != nil {
			return device.Descriptor{}, cerr
		}
		return device.Descriptor{}, &ConnectError{Kind: NoDeviceFound, Err: err}
	case <-attemptCtx.Done():
		return device.Descriptor{}, m.attemptErr(attemptCtx, parent)
	}
}

// attemptErr maps a finished attempt context to a ConnectError, or nil when it is still live
func (m *Manager) attemptErr(attemptCtx, parent context.Context) error {
	if attemptCtx.Err() == nil {
		return nil
	}
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		return &ConnectError{Kind: ConnectTimeout, Err: parent.Err()}
	}
	return &ConnectError{Kind: ConnectFailed, Err: context.Canceled}
}

// Disconnect tears down every stream, then releases the device link.
// It aborts an in-flight connect and waits, bounded by ctx, until that attempt has
// unwound. It is a no-op when already disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	prev, attempt, ok := m.state.beginTeardown("")
	if attempt != nil {
		m.logger.Info("Aborting in-flight connect")
		select {
		case <-attempt.Abort():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("aborted connect did not unwind: %w", ctx.Err())
		}
	}
	if !ok {
		m.logger.WithField("state", prev).Debug("Disconnect is a no-op")
		return nil
	}

	logger := m.logger.WithField("device_id", prev.DeviceID)
	logger.Info("Disconnecting...")

	err := m.teardownStreams(nil)
	if lerr := m.link.Disconnect(ctx, prev.DeviceID); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to disconnect %s: %w", prev.DeviceID, lerr))
	}
	m.state.markDisconnected()
	m.metrics.SetConnectionState(int(Disconnected))

	if err != nil {
		logger.WithError(err).Warn("Disconnected with errors")
		return err
	}
	logger.Info("Disconnected")
	return nil
}

// teardownStreams cancels every supervisor and transient subscription.
// Cancellation always precedes releasing the link.
func (m *Manager) teardownStreams(cause error) error {
	sups, transients := m.state.drainSubscriptions()

	var err error
	for _, sup := range sups {
		err = multierr.Append(err, sup.Teardown(cause))
	}
	for _, sub := range transients {
		err = multierr.Append(err, sub.Cancel())
	}
	return err
}

// ----------------------------
// Streams
// ----------------------------

// StartStream starts kind on the connected device. It is idempotent: a stream that
// is already negotiating or streaming is left alone.
func (m *Manager) StartStream(ctx context.Context, kind device.StreamKind) error {
	if !kind.Valid() {
		return streamErr(StreamErrorOccurred, kind, "start", device.ErrUnsupported)
	}

	sup, deviceID, ok := m.state.supervisorFor(kind, func() *Supervisor {
		return newSupervisor(kind, m.link, m.dispatcher, m.metrics, m.logger)
	})
	if !ok {
		return streamErr(NotConnected, kind, "start", device.ErrLinkNotConnected)
	}
	return sup.Start(ctx, deviceID)
}

// StopStream stops kind. Stopping an idle or unknown stream is a no-op.
func (m *Manager) StopStream(kind device.StreamKind) {
	sup, ok := m.state.supervisor(kind)
	if !ok {
		return
	}
	if err := sup.Stop(); err != nil {
		m.logger.WithError(err).WithField("kind", kind).Warn("Stream stop reported an error")
	}
}

// FetchOneSample opens a transient HR stream, returns the first sample and cancels the stream
func (m *Manager) FetchOneSample(ctx context.Context) (device.HrSample, error) {
	deviceID, ok := m.state.connectedDevice()
	if !ok {
		return device.HrSample{}, streamErr(NotConnected, device.HR, "fetch", device.ErrLinkNotConnected)
	}

	if m.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.FetchTimeout)
		defer cancel()
	}

	stream, err := m.link.OpenStream(ctx, deviceID, device.HR, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return device.HrSample{}, streamErr(StreamTimeout, device.HR, "fetch", err)
		}
		return device.HrSample{}, streamErr(StreamErrorOccurred, device.HR, "open", err)
	}

	sub := newSubscription(device.HR, deviceID, stream)
	if !m.state.addTransient(sub) {
		_ = sub.Cancel()
		return device.HrSample{}, streamErr(NotConnected, device.HR, "fetch", device.ErrLinkNotConnected)
	}
	m.metrics.SubscriptionOpened(device.HR)
	defer func() {
		m.state.removeTransient(sub)
		if cerr := sub.Cancel(); cerr != nil {
			m.logger.WithError(cerr).Debug("Closing one-shot stream failed")
		}
		m.metrics.SubscriptionClosed(device.HR)
	}()

	select {
	case sample, ok := <-stream.Samples():
		if !ok {
			if !sub.Active() {
				return device.HrSample{}, streamErr(NotConnected, device.HR, "fetch", device.ErrLinkNotConnected)
			}
			cause := stream.Err()
			if cause == nil {
				cause = ErrNoSample
			}
			return device.HrSample{}, streamErr(StreamErrorOccurred, device.HR, "fetch", cause)
		}
		hr, isHR := sample.(device.HrSample)
		if !isHR {
			return device.HrSample{}, streamErr(StreamErrorOccurred, device.HR, "fetch",
				fmt.Errorf("unexpected %s sample on HR stream", sample.Kind()))
		}
		m.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"hr":        hr.BPM,
		}).Debug("One-shot HR sample received")
		return hr, nil

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return device.HrSample{}, streamErr(StreamTimeout, device.HR, "fetch", ctx.Err())
		}
		return device.HrSample{}, streamErr(StreamErrorOccurred, device.HR, "fetch", ctx.Err())
	}
}

// RegisterSink routes kind samples to sink, replacing any previous sink for kind.
// Deliveries already queued go to the previous sink.
func (m *Manager) RegisterSink(kind device.StreamKind, sink Sink) {
	m.dispatcher.SetSink(kind, sink)
}

// UnregisterSink detaches the sink of kind after everything already queued for it,
// including the closed notice of a stream stopped just before.
func (m *Manager) UnregisterSink(kind device.StreamKind) {
	m.dispatcher.SetSink(kind, nil)
}

// ----------------------------
// Events and queries
// ----------------------------

// HandleEvent applies a device event to the session. It is installed as the link's event handler.
func (m *Manager) HandleEvent(ev device.Event) {
	switch e := ev.(type) {
	case device.DeviceDisconnected:
		m.handleDeviceLost(e)

	case device.BatteryLevel:
		if cur := m.state.Connection(); cur.Phase == Connected && cur.DeviceID != e.ID {
			m.logger.WithField("device_id", e.ID).Debug("Ignoring battery level of foreign device")
			return
		}
		m.state.setBattery(e.Level)
		m.logger.WithFields(logrus.Fields{
			"device_id": e.ID,
			"level":     e.Level,
		}).Debug("Battery level updated")

	case device.PowerStateChanged:
		m.logger.WithField("powered", e.Powered).Info("Bluetooth power state changed")

	case device.DeviceConnecting:
		m.logger.WithField("device_id", e.ID).Debug("Device connecting")

	case device.DeviceConnected:
		m.logger.WithField("device_id", e.ID).Debug("Device connected")

	case device.FeatureReady:
		m.logger.WithFields(logrus.Fields{
			"device_id": e.ID,
			"feature":   e.Feature,
		}).Debug("Device feature ready")

	case device.DeviceInfoReceived:
		m.logger.WithFields(logrus.Fields{
			"device_id": e.ID,
			"key":       e.Key,
			"value":     e.Value,
		}).Debug("Device information received")

	default:
		m.logger.WithField("event", fmt.Sprintf("%T", ev)).Debug("Ignoring unhandled device event")
	}
}

// handleDeviceLost tears the session down after an unrequested disconnect.
// Events for another device, or for a teardown already in progress, are ignored.
func (m *Manager) handleDeviceLost(e device.DeviceDisconnected) {
	prev, _, ok := m.state.beginTeardown(e.ID)
	if !ok {
		m.logger.WithFields(logrus.Fields{
			"device_id": e.ID,
			"state":     prev,
		}).Debug("Ignoring disconnect event")
		return
	}

	logger := m.logger.WithField("device_id", e.ID)
	if e.Err != nil {
		logger = logger.WithError(e.Err)
	}
	logger.Warn("Device disconnected unexpectedly, tearing down streams")

	cause := e.Err
	if cause == nil {
		cause = device.ErrLinkNotConnected
	}
	if err := m.teardownStreams(cause); err != nil {
		logger.WithError(err).Debug("Teardown after device loss reported errors")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.link.Disconnect(ctx, e.ID); err != nil && !errors.Is(err, device.ErrLinkNotConnected) {
		logger.WithError(err).Debug("Releasing lost device failed")
	}

	m.state.markDisconnected()
	m.metrics.SetConnectionState(int(Disconnected))
}

func (m *Manager) State() ConnectionState {
	return m.state.Connection()
}

// StreamState reports the supervisor state of kind; Idle when it was never started
func (m *Manager) StreamState(kind device.StreamKind) SupervisorState {
	sup, ok := m.state.supervisor(kind)
	if !ok {
		return Idle
	}
	return sup.State()
}

// BatteryLevel returns the last reported battery level of the connected device
func (m *Manager) BatteryLevel() (int, bool) {
	return m.state.Battery()
}

// Close disconnects and stops sample delivery after flushing pending notifications
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		err = multierr.Combine(m.Disconnect(ctx), m.dispatcher.Stop())
	})
	return err
}
