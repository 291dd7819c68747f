package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/hrlink/internal/device"
	goble "github.com/srg/hrlink/internal/device/go-ble"
	"github.com/srg/hrlink/internal/metrics"
	"github.com/srg/hrlink/internal/session"
	"github.com/srg/hrlink/pkg/config"
)

// shutdownTimeout bounds the final disconnect of a command
const shutdownTimeout = 5 * time.Second

// newLink builds the device link the commands drive. Tests replace it with a fake.
var newLink = func(cfg *config.Config, logger *logrus.Logger) device.Link {
	return goble.NewLink(goble.Options{
		NamePrefix:   cfg.NamePrefix,
		StreamBuffer: cfg.StreamBuffer,
	}, logger)
}

// runtime is everything a command needs to talk to a device
type runtime struct {
	cfg      *config.Config
	logger   *logrus.Logger
	link     device.Link
	mgr      *session.Manager
	registry *prometheus.Registry
}

// newRuntime loads the configuration and wires a session manager on top of a fresh link.
// The registry is only created when withMetrics is set.
func newRuntime(cmd *cobra.Command, withMetrics bool) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger}

	var collectors *metrics.Collectors
	if withMetrics {
		rt.registry = prometheus.NewRegistry()
		if collectors, err = metrics.New(rt.registry); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	rt.link = newLink(cfg, logger)
	rt.mgr, err = session.NewManager(rt.link, session.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		FetchTimeout:   cfg.FetchTimeout,
		DeliveryBuffer: cfg.DeliveryBuffer,
		Metrics:        collectors,
	}, logger)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Close disconnects and releases the radio within shutdownTimeout
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := rt.mgr.Close(ctx); err != nil {
		rt.logger.WithError(err).Warn("Session close reported an error")
	}
	if closer, ok := rt.link.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			rt.logger.WithError(err).Debug("Link close reported an error")
		}
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context, logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
