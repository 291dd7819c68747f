package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"go.uber.org/multierr"
)

// gattClient is the part of ble.Client a connection uses
type gattClient interface {
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// ----------------------------
// Connection
// ----------------------------

// connection is one live GATT connection and the streams attached to it
type connection struct {
	id      string
	client  gattClient
	profile *ble.Profile
	opts    Options
	logger  *logrus.Entry

	hrChar      *ble.Characteristic
	batteryChar *ble.Characteristic
	pmdControl  *ble.Characteristic
	pmdData     *ble.Characteristic

	ctx    context.Context
	cancel context.CancelCauseFunc

	router *router

	// streamMu serializes attach+subscribe against detach+unsubscribe
	streamMu sync.Mutex

	// controlMu allows one control point exchange at a time
	controlMu sync.Mutex
	responses chan []byte

	subMu      sync.Mutex
	subscribed map[*ble.Characteristic]bool // value: indication
}

func newConnection(id string, client gattClient, profile *ble.Profile, opts Options, logger *logrus.Entry) *connection {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &connection{
		id:          id,
		client:      client,
		profile:     profile,
		opts:        opts,
		logger:      logger,
		hrChar:      findCharacteristic(profile, heartRateServiceUUID, heartRateMeasurementUUID),
		batteryChar: findCharacteristic(profile, batteryServiceUUID, batteryLevelUUID),
		pmdControl:  findCharacteristic(profile, pmdServiceUUID, pmdControlUUID),
		pmdData:     findCharacteristic(profile, pmdServiceUUID, pmdDataUUID),
		ctx:         ctx,
		cancel:      cancel,
		router:      newRouter(),
		responses:   make(chan []byte, 8),
		subscribed:  make(map[*ble.Characteristic]bool),
	}
}

func (c *connection) subscribe(char *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	if err := c.client.Subscribe(char, ind, h); err != nil {
		return NormalizeError(err)
	}
	c.subMu.Lock()
	c.subscribed[char] = ind
	c.subMu.Unlock()
	return nil
}

func (c *connection) unsubscribe(char *ble.Characteristic) error {
	c.subMu.Lock()
	ind, ok := c.subscribed[char]
	delete(c.subscribed, char)
	c.subMu.Unlock()
	if !ok {
		return nil
	}
	return NormalizeError(c.client.Unsubscribe(char, ind))
}

// subscribeControl enables PMD control point indications and data notifications when the
// device offers the measurement data service
func (c *connection) subscribeControl() error {
	if c.pmdControl == nil || c.pmdData == nil {
		c.logger.Debug("Measurement data service not offered, ECG and ACC unavailable")
		return nil
	}
	if err := c.subscribe(c.pmdControl, true, c.onControlResponse); err != nil {
		return fmt.Errorf("failed to subscribe measurement control point: %w", err)
	}
	if err := c.subscribe(c.pmdData, false, c.onMeasurementData); err != nil {
		return fmt.Errorf("failed to subscribe measurement data: %w", err)
	}
	return nil
}

// ----------------------------
// Notification handlers
// ----------------------------

func (c *connection) onHeartRate(data []byte) {
	sample, err := DecodeHeartRate(data)
	if err != nil {
		c.logger.WithError(err).Debug("Dropping malformed heart rate measurement")
		return
	}
	c.router.deliver(device.HR, sample)
}

func (c *connection) onMeasurementData(data []byte) {
	frame, err := DecodePMDFrame(data)
	if err != nil {
		c.logger.WithError(err).Debug("Dropping measurement frame")
		return
	}
	c.router.deliver(frame.Kind, frame.Samples...)
}

func (c *connection) onControlResponse(data []byte) {
	buf := append([]byte(nil), data...)
	select {
	case c.responses <- buf:
	default:
		c.logger.WithField("response", fmt.Sprintf("% x", buf)).Warn("Dropping unsolicited control point response")
	}
}

// ----------------------------
// Control point
// ----------------------------

// control writes req to the PMD control point and waits for the matching response.
// Multi-part responses are joined into one.
func (c *connection) control(ctx context.Context, req []byte) (pmdResponse, error) {
	if c.pmdControl == nil {
		return pmdResponse{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{pmdServiceUUID.String(), pmdControlUUID.String()}}
	}

	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	for drained := false; !drained; {
		select {
		case <-c.responses:
		default:
			drained = true
		}
	}

	if err := c.client.WriteCharacteristic(c.pmdControl, req, false); err != nil {
		return pmdResponse{}, fmt.Errorf("control point write failed: %w", NormalizeError(err))
	}

	timeout := time.NewTimer(c.opts.ControlTimeout)
	defer timeout.Stop()

	var joined pmdResponse
	started := false
	for {
		select {
		case data := <-c.responses:
			resp, err := parsePMDResponse(data)
			if err != nil {
				return pmdResponse{}, err
			}
			if resp.Op != req[0] || resp.MeasurementType != req[1] {
				c.logger.WithField("response", fmt.Sprintf("% x", data)).Debug("Ignoring response to another request")
				continue
			}
			if !started {
				joined = resp
				started = true
			} else {
				joined.Params = append(joined.Params, resp.Params...)
				joined.More = resp.More
			}
			if !resp.More {
				return joined, nil
			}
		case <-ctx.Done():
			return pmdResponse{}, ctx.Err()
		case <-c.ctx.Done():
			return pmdResponse{}, device.ErrLinkNotConnected
		case <-timeout.C:
			return pmdResponse{}, fmt.Errorf("control point response: %w", context.DeadlineExceeded)
		}
	}
}

func (c *connection) negotiate(ctx context.Context, kind device.StreamKind) (device.StreamSettings, error) {
	mt, err := pmdMeasurementType(kind)
	if err != nil {
		return nil, err
	}
	resp, err := c.control(ctx, encodeSettingsRequest(mt))
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	offered, err := parseSettings(resp.Params)
	if err != nil {
		return nil, err
	}
	settings := selectSettings(offered)
	c.logger.WithFields(logrus.Fields{
		"kind":     kind,
		"settings": settings,
	}).Debug("Measurement settings negotiated")
	return settings, nil
}

// ----------------------------
// Streams
// ----------------------------

func (c *connection) open(ctx context.Context, kind device.StreamKind, settings device.StreamSettings) (device.Stream, error) {
	if c.ctx.Err() != nil {
		return nil, device.ErrLinkNotConnected
	}

	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	s := newLinkStream(kind, c.opts.StreamBuffer, c.release)
	first := c.router.attach(s)
	if !first {
		return s, nil
	}

	var err error
	switch kind {
	case device.HR:
		if c.hrChar == nil {
			err = &device.NotFoundError{Resource: "characteristic", UUIDs: []string{heartRateServiceUUID.String(), heartRateMeasurementUUID.String()}}
		} else if subErr := c.subscribe(c.hrChar, false, c.onHeartRate); subErr != nil {
			err = fmt.Errorf("failed to subscribe heart rate: %w", subErr)
		}
	case device.ECG, device.ACC:
		err = c.startMeasurement(ctx, kind, settings)
	default:
		err = fmt.Errorf("%s: %w", kind, device.ErrUnsupported)
	}
	if err != nil {
		c.router.detach(s)
		return nil, err
	}

	c.logger.WithField("kind", kind).Info("Stream opened")
	return s, nil
}

func (c *connection) startMeasurement(ctx context.Context, kind device.StreamKind, settings device.StreamSettings) error {
	if c.pmdData == nil {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{pmdServiceUUID.String(), pmdDataUUID.String()}}
	}
	mt, err := pmdMeasurementType(kind)
	if err != nil {
		return err
	}
	req, err := encodeStart(mt, settings)
	if err != nil {
		return err
	}
	resp, err := c.control(ctx, req)
	if err != nil {
		return err
	}
	return resp.Err()
}

// release detaches s; the last stream of a kind stops its notification source
func (c *connection) release(s *linkStream) error {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	last, found := c.router.detach(s)
	if !found || !last || c.ctx.Err() != nil {
		return nil
	}

	logger := c.logger.WithField("kind", s.kind)
	switch s.kind {
	case device.HR:
		if err := c.unsubscribe(c.hrChar); err != nil {
			logger.WithError(err).Warn("Failed to unsubscribe heart rate")
			return err
		}
	case device.ECG, device.ACC:
		mt, _ := pmdMeasurementType(s.kind)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ControlTimeout)
		defer cancel()
		resp, err := c.control(ctx, encodeStop(mt))
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			logger.WithError(err).Warn("Failed to stop measurement")
			return err
		}
	}
	logger.Info("Stream closed")
	return nil
}

// unsubscribeAll drops every notification subscription still in place
func (c *connection) unsubscribeAll() error {
	c.subMu.Lock()
	chars := make([]*ble.Characteristic, 0, len(c.subscribed))
	for char := range c.subscribed {
		chars = append(chars, char)
	}
	c.subMu.Unlock()

	var err error
	for _, char := range chars {
		if uerr := c.unsubscribe(char); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", char.UUID, uerr))
		}
	}
	return err
}
