package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
)

// DefaultDisconnectTimeout bounds the disconnect issued when a bridge shuts down
const DefaultDisconnectTimeout = 5 * time.Second

// Bridge is a connected session with its enabled streams running
type Bridge interface {
	GetAdapter() *Adapter
	GetDeviceID() string
	GetKinds() []device.StreamKind
}

// BridgeOptions contains all the configuration for running a bridge
type BridgeOptions struct {
	Kinds             []device.StreamKind             // Streams started once connected
	SinkFor           func(device.StreamKind) EventSink // Listener factory for Kinds (required when Kinds is not empty)
	DisconnectTimeout time.Duration                   // Bound for the final disconnect (0 = use default)
	Logger            *logrus.Logger                  // Logger instance
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// BridgeCallback is executed with the running bridge
type BridgeCallback[R any] func(Bridge) (R, error)

type bridgeImpl struct {
	adapter  *Adapter
	deviceID string
	kinds    []device.StreamKind
}

func (b *bridgeImpl) GetAdapter() *Adapter {
	return b.adapter
}

func (b *bridgeImpl) GetDeviceID() string {
	return b.deviceID
}

func (b *bridgeImpl) GetKinds() []device.StreamKind {
	return b.kinds
}

// RunSessionBridge connects s to the first device found, starts the enabled streams and
// executes the callback with the bridge. Streams are cancelled and the device is
// disconnected once the callback returns or a setup step fails.
func RunSessionBridge[R any](
	ctx context.Context,
	s Session,
	opts *BridgeOptions,
	progressCallback ProgressCallback,
	callback BridgeCallback[R],
) (R, error) {
	var zero R

	if s == nil {
		return zero, fmt.Errorf("failed to execute bridge: session is required")
	}
	if opts == nil {
		opts = &BridgeOptions{}
	}
	if len(opts.Kinds) > 0 && opts.SinkFor == nil {
		return zero, fmt.Errorf("failed to execute bridge: a sink factory is required for %d enabled stream(s)", len(opts.Kinds))
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}
	disconnectTimeout := opts.DisconnectTimeout
	if disconnectTimeout == 0 {
		disconnectTimeout = DefaultDisconnectTimeout
	}

	adapter := NewAdapter(s, logger)

	progressCallback("Connecting")
	id, err := s.DiscoverAndConnect(ctx)
	if err != nil {
		progressCallback("Failed")
		return zero, ToMethodError(err)
	}

	defer func() {
		for _, kind := range opts.Kinds {
			adapter.Cancel(kind)
		}

		// The caller context is usually done by now
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := s.Disconnect(dctx); err != nil {
			logger.WithError(err).WithField("device", id).Warn("Failed to disconnect")
		}
	}()

	progressCallback("Connected")
	logger.WithField("device", id).Info("Connected")

	if len(opts.Kinds) > 0 {
		progressCallback("Starting streams")
		if err := adapter.StartEnabled(ctx, opts.Kinds, opts.SinkFor); err != nil {
			progressCallback("Failed")
			return zero, err
		}
	}

	progressCallback("Running")

	return callback(&bridgeImpl{
		adapter:  adapter,
		deviceID: id,
		kinds:    opts.Kinds,
	})
}
