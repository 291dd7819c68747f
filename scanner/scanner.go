// Package scanner lists the sensors advertising nearby, without connecting to any of them.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// Discoverer is the part of device.Link a scan needs
type Discoverer interface {
	Discover(ctx context.Context, found func(device.Descriptor)) error
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration  time.Duration `default:"10s"`
	AllowList []string
	BlockList []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	opts := &ScanOptions{}
	defaults.SetDefaults(opts)
	return opts
}

// DeviceEntry is one discovered sensor
type DeviceEntry struct {
	Device    device.Descriptor `json:"device"`
	FirstSeen time.Time         `json:"firstSeen"`
}

// Scanner handles sensor discovery
type Scanner struct {
	link   Discoverer
	logger *logrus.Logger
	now    func() time.Time
}

// NewScanner creates a scanner on top of link
func NewScanner(link Discoverer, logger *logrus.Logger) (*Scanner, error) {
	if link == nil {
		return nil, fmt.Errorf("discoverer cannot be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{link: link, logger: logger, now: time.Now}, nil
}

// Scan discovers devices until the duration elapses or ctx is cancelled and returns them
// sorted by id. A zero duration scans until ctx is cancelled.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]DeviceEntry, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	devices := hashmap.New[string, DeviceEntry]()

	s.logger.WithField("duration", opts.Duration).Info("Starting scan...")
	progressCallback("Scanning")

	err := s.link.Discover(ctx, func(d device.Descriptor) {
		if !included(d.ID, opts) {
			return
		}
		if _, existing := devices.GetOrInsert(d.ID, DeviceEntry{Device: d, FirstSeen: s.now()}); existing {
			return
		}
		s.logger.WithFields(logrus.Fields{
			"device":  d.DisplayName,
			"address": d.ID,
		}).Info("Discovered new device")
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", devices.Len()).Info("Scan completed")
	progressCallback("Processing results")

	entries := make([]DeviceEntry, 0, devices.Len())
	devices.Range(func(_ string, e DeviceEntry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Device.ID < entries[j].Device.ID
	})
	return entries, nil
}

// included applies the allow and block lists
func included(id string, opts *ScanOptions) bool {
	for _, blocked := range opts.BlockList {
		if id == blocked {
			return false
		}
	}
	if len(opts.AllowList) == 0 {
		return true
	}
	for _, allowed := range opts.AllowList {
		if id == allowed {
			return true
		}
	}
	return false
}
