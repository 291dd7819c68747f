package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/groutine"
	"go.uber.org/multierr"
)

// ----------------------------
// Configuration Constants
// ----------------------------

const (
	// DefaultNamePrefix restricts discovery to Polar sensors
	DefaultNamePrefix = "Polar"

	// DefaultStreamBuffer is the default per-stream sample buffer
	DefaultStreamBuffer = 128

	// DefaultControlTimeout bounds a single PMD control point exchange
	DefaultControlTimeout = 5 * time.Second
)

// Options configures a Link
type Options struct {
	// NamePrefix filters advertisements by local name; empty accepts every device
	NamePrefix     string
	StreamBuffer   int
	ControlTimeout time.Duration
}

// ----------------------------
// Link
// ----------------------------

// Link is the go-ble implementation of device.Link for Polar heart rate sensors.
// It holds at most one connection.
type Link struct {
	opts   Options
	logger *logrus.Logger

	handlerMu sync.RWMutex
	handler   device.EventHandler

	devMu sync.Mutex
	dev   ble.Device

	mu   sync.Mutex
	conn *connection
}

var _ device.Link = (*Link)(nil)

// NewLink creates a link. The BLE device is created on first use.
func NewLink(opts Options, logger *logrus.Logger) *Link {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = DefaultStreamBuffer
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = DefaultControlTimeout
	}
	return &Link{opts: opts, logger: logger}
}

func (l *Link) SetEventHandler(h device.EventHandler) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.handler = h
}

func (l *Link) emit(ev device.Event) {
	l.handlerMu.RLock()
	h := l.handler
	l.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// bleDevice returns the shared ble.Device, creating it on first use
func (l *Link) bleDevice() (ble.Device, error) {
	l.devMu.Lock()
	defer l.devMu.Unlock()
	if l.dev != nil {
		return l.dev, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		err = NormalizeError(err)
		l.logger.WithError(err).Error("Failed to create BLE device")
		l.reportRadio(err)
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	l.dev = dev
	return dev, nil
}

// reportRadio turns a bluetooth-off failure into a power state event
func (l *Link) reportRadio(err error) {
	if errors.Is(err, device.ErrBluetoothOff) {
		l.emit(device.PowerStateChanged{Powered: false})
	}
}

// Discover scans for advertisements whose local name carries the configured prefix.
// Each address is reported once. Cancellation of ctx is a normal end.
func (l *Link) Discover(ctx context.Context, found func(device.Descriptor)) error {
	dev, err := l.bleDevice()
	if err != nil {
		return err
	}

	l.logger.WithField("name_prefix", l.opts.NamePrefix).Info("Scanning for devices...")

	var mu sync.Mutex
	seen := make(map[string]bool)
	err = dev.Scan(ctx, false, func(adv ble.Advertisement) {
		name := adv.LocalName()
		if l.opts.NamePrefix != "" && !strings.HasPrefix(name, l.opts.NamePrefix) {
			return
		}
		id := adv.Addr().String()

		mu.Lock()
		dup := seen[id]
		seen[id] = true
		mu.Unlock()
		if dup {
			return
		}

		l.logger.WithFields(logrus.Fields{
			"device_id": id,
			"name":      name,
			"rssi":      adv.RSSI(),
		}).Debug("Device discovered")
		found(device.Descriptor{ID: id, DisplayName: name})
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		err = NormalizeError(err)
		l.reportRadio(err)
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

// Connect dials id, discovers its profile, subscribes the PMD control point and
// reports battery and device information.
func (l *Link) Connect(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("device address is empty")
	}

	l.mu.Lock()
	busy := l.conn != nil
	l.mu.Unlock()
	if busy {
		l.logger.WithField("device_id", id).Warn("Connection attempt while already connected")
		return device.ErrLinkAlreadyConnected
	}

	if _, err := l.bleDevice(); err != nil {
		return err
	}

	logger := l.logger.WithField("device_id", id)
	logger.Info("Connecting to BLE device...")
	l.emit(device.DeviceConnecting{ID: id})

	client, err := ble.Dial(ctx, ble.NewAddr(id))
	if err != nil {
		err = NormalizeError(err)
		logger.WithError(err).Error("Failed to dial BLE device")
		l.reportRadio(err)
		return fmt.Errorf("failed to connect to device with address %q: %w", id, err)
	}

	logger.Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		logger.WithError(err).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	c := newConnection(id, client, profile, l.opts, logger)
	if err := l.adopt(c); err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection")
		}
		return err
	}

	logger.WithField("services", len(profile.Services)).Info("BLE device connected successfully")
	l.emit(device.DeviceConnected{ID: id})
	l.announce(c)
	return nil
}

// adopt subscribes the control channels of c, installs it as the current connection
// and starts the disconnect monitor
func (l *Link) adopt(c *connection) error {
	if err := c.subscribeControl(); err != nil {
		c.cancel(err)
		return err
	}

	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		c.cancel(device.ErrLinkAlreadyConnected)
		return device.ErrLinkAlreadyConnected
	}
	l.conn = c
	l.mu.Unlock()

	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		select {
		case <-c.client.Disconnected():
			l.connectionLost(c)
		case <-c.ctx.Done():
		}
	})
	return nil
}

// announce reports the capabilities of a fresh connection
func (l *Link) announce(c *connection) {
	if c.hrChar != nil {
		l.emit(device.FeatureReady{ID: c.id, Feature: "hr"})
	}
	if c.pmdControl != nil && c.pmdData != nil {
		l.emit(device.FeatureReady{ID: c.id, Feature: "pmd"})
	}
	if hasService(c.profile, deviceInfoServiceUUID) {
		for _, f := range deviceInfoFields {
			char := findCharacteristic(c.profile, deviceInfoServiceUUID, f.uuid)
			if char == nil {
				continue
			}
			data, err := c.client.ReadCharacteristic(char)
			if err != nil {
				c.logger.WithError(err).WithField("field", f.key).Debug("Device information read failed")
				continue
			}
			l.emit(device.DeviceInfoReceived{ID: c.id, Key: f.key, Value: strings.TrimRight(string(data), "\x00 ")})
		}
	}
	if c.batteryChar != nil {
		data, err := c.client.ReadCharacteristic(c.batteryChar)
		if err != nil || len(data) == 0 {
			c.logger.WithError(err).Debug("Battery level read failed")
		} else {
			l.emit(device.BatteryLevel{ID: c.id, Level: int(data[0])})
		}
		if c.batteryChar.Property&ble.CharNotify != 0 {
			err := c.subscribe(c.batteryChar, false, func(data []byte) {
				if len(data) > 0 {
					l.emit(device.BatteryLevel{ID: c.id, Level: int(data[0])})
				}
			})
			if err != nil {
				c.logger.WithError(err).Debug("Battery notifications unavailable")
			}
		}
	}
}

// connectionLost handles a disconnect the device reported on its own
func (l *Link) connectionLost(c *connection) {
	l.mu.Lock()
	if l.conn != c {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.mu.Unlock()

	cause := fmt.Errorf("%w: device dropped the connection", device.ErrLinkNotConnected)
	c.logger.Warn("BLE device reported disconnection")
	c.cancel(cause)
	n := c.router.failAll(cause)
	c.logger.WithField("streams", n).Debug("Streams terminated by disconnection")

	l.emit(device.DeviceDisconnected{ID: c.id, Err: cause})
}

// Disconnect releases the connection to id. Unknown or already released ids are a no-op.
func (l *Link) Disconnect(ctx context.Context, id string) error {
	l.mu.Lock()
	c := l.conn
	if c == nil || (id != "" && c.id != id) {
		l.mu.Unlock()
		l.logger.WithField("device_id", id).Debug("Disconnect called but already disconnected")
		return nil
	}
	l.conn = nil
	l.mu.Unlock()

	c.logger.Info("Disconnecting BLE device...")
	c.cancel(nil)
	c.router.failAll(nil)

	if uerr := c.unsubscribeAll(); uerr != nil {
		c.logger.WithError(uerr).Warn("Failed to unsubscribe from some characteristics during disconnect")
	}
	err := NormalizeError(c.client.CancelConnection())

	select {
	case <-c.client.Disconnected():
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	case <-time.After(l.opts.ControlTimeout):
		c.logger.Warn("Timed out waiting for the device to confirm disconnection")
	}

	if err != nil {
		c.logger.WithError(err).Warn("BLE device disconnected with errors")
	} else {
		c.logger.Info("BLE device disconnected successfully")
	}
	l.emit(device.DeviceDisconnected{ID: c.id})
	return err
}

// Close disconnects and stops the BLE device
func (l *Link) Close(ctx context.Context) error {
	err := l.Disconnect(ctx, "")

	l.devMu.Lock()
	dev := l.dev
	l.dev = nil
	l.devMu.Unlock()
	if dev != nil {
		err = multierr.Append(err, NormalizeError(dev.Stop()))
	}
	return err
}

func (l *Link) connection(id string) (*connection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || l.conn.id != id {
		return nil, device.ErrLinkNotConnected
	}
	return l.conn, nil
}

// NegotiateSettings asks the device which ECG or ACC settings it offers and picks the highest of each
func (l *Link) NegotiateSettings(ctx context.Context, id string, kind device.StreamKind) (device.StreamSettings, error) {
	if !kind.RequiresSettings() {
		return device.StreamSettings{}, nil
	}
	c, err := l.connection(id)
	if err != nil {
		return nil, err
	}
	return c.negotiate(ctx, kind)
}

// OpenStream attaches a new stream of kind. The first HR stream subscribes to heart rate
// notifications; the first ECG or ACC stream starts the measurement with settings.
func (l *Link) OpenStream(ctx context.Context, id string, kind device.StreamKind, settings device.StreamSettings) (device.Stream, error) {
	c, err := l.connection(id)
	if err != nil {
		return nil, err
	}
	return c.open(ctx, kind, settings)
}
