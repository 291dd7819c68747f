package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/groutine"
	"github.com/srg/hrlink/internal/metrics"
)

const (
	DispatcherStateNotRunning uint32 = iota
	DispatcherStateRunning
	DispatcherStateStopping

	// MaxDeliveryBuffer caps the sample ring to guard against accidental misconfiguration
	MaxDeliveryBuffer uint32 = 1024 * 1024
)

// seq orders samples and controls across the two lanes
type delivery struct {
	seq    uint64
	sub    *Subscription
	sample device.Sample
}

type controlOp int

const (
	opClosed controlOp = iota
	opSetSink
)

// control is a closed notice or a sink change for one kind
type control struct {
	seq  uint64
	op   controlOp
	kind device.StreamKind
	err  error
	sink Sink
}

// Dispatcher moves samples from stream pumps to consumer sinks on a single goroutine.
//
// Samples go through a bounded ring that overwrites the oldest entry when the consumer
// falls behind. Closed notifications and sink changes use a separate unbounded lane so
// they are never lost. Both lanes share one sequence, so a control takes effect after
// every sample posted before it and before every sample posted after it.
type Dispatcher struct {
	seq     atomic.Uint64
	samples mpmc.RichOverlappedRingBuffer[delivery]

	controlMu sync.Mutex
	controls  []control

	// sinks is owned by the delivery goroutine
	sinks map[device.StreamKind]Sink

	wake  chan struct{}
	stop  chan struct{}
	done  <-chan struct{}
	state uint32

	metrics *metrics.Collectors
	logger  *logrus.Logger
}

// NewDispatcher creates a dispatcher whose sample ring holds bufferSize entries
func NewDispatcher(bufferSize uint32, m *metrics.Collectors, logger *logrus.Logger) (*Dispatcher, error) {
	if bufferSize == 0 {
		return nil, fmt.Errorf("delivery buffer size must be > 0")
	}
	if bufferSize > MaxDeliveryBuffer {
		return nil, fmt.Errorf("delivery buffer size %d exceeds maximum %d", bufferSize, MaxDeliveryBuffer)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Dispatcher{
		samples: mpmc.NewOverlappedRingBuffer[delivery](bufferSize),
		sinks:   make(map[device.StreamKind]Sink),
		wake:    make(chan struct{}, 1),
		metrics: m,
		logger:  logger,
		state:   DispatcherStateNotRunning,
	}, nil
}

// Start launches the delivery goroutine
func (d *Dispatcher) Start() error {
	if !atomic.CompareAndSwapUint32(&d.state, DispatcherStateNotRunning, DispatcherStateRunning) {
		switch atomic.LoadUint32(&d.state) {
		case DispatcherStateRunning:
			return fmt.Errorf("dispatcher is already running")
		case DispatcherStateStopping:
			return fmt.Errorf("dispatcher is stopping, wait for it to finish")
		default:
			return fmt.Errorf("dispatcher is in unknown state %d", atomic.LoadUint32(&d.state))
		}
	}

	d.stop = make(chan struct{})
	stop := d.stop
	d.done = groutine.Go(context.Background(), "sample-dispatcher", func(ctx context.Context) {
		defer atomic.StoreUint32(&d.state, DispatcherStateNotRunning)
		d.run(stop)
	})
	return nil
}

// Stop flushes everything already posted and stops the delivery goroutine
func (d *Dispatcher) Stop() error {
	if !atomic.CompareAndSwapUint32(&d.state, DispatcherStateRunning, DispatcherStateStopping) {
		if atomic.LoadUint32(&d.state) == DispatcherStateNotRunning {
			return nil
		}
	} else {
		close(d.stop)
	}

	select {
	case <-d.done:
		return nil
	case <-time.After(5 * time.Second):
		<-d.done
		return fmt.Errorf("dispatcher stop exceeded 5s timeout (slow sink?)")
	}
}

// SetSink installs sink for kind; a nil sink removes the current one.
// The change is ordered with posted deliveries: anything posted before SetSink still
// goes to the previous sink. Samples of a kind with no sink are dropped.
func (d *Dispatcher) SetSink(kind device.StreamKind, sink Sink) {
	d.postControl(control{op: opSetSink, kind: kind, sink: sink})
}

// Post queues a sample for delivery. It never blocks the caller.
func (d *Dispatcher) Post(sub *Subscription, sample device.Sample) {
	overwrites, err := d.samples.EnqueueM(delivery{seq: d.seq.Add(1), sub: sub, sample: sample})
	if err != nil {
		d.logger.WithError(err).WithField("kind", sub.Kind).Error("Failed to queue sample")
		d.metrics.SampleDropped(sub.Kind, metrics.DropOverflow)
		return
	}
	for i := uint32(0); i < overwrites; i++ {
		d.metrics.SampleDropped(sub.Kind, metrics.DropOverflow)
	}
	d.signal()
}

// PostClosed queues a terminal notification for kind
func (d *Dispatcher) PostClosed(kind device.StreamKind, err error) {
	d.postControl(control{op: opClosed, kind: kind, err: err})
}

func (d *Dispatcher) postControl(c control) {
	d.controlMu.Lock()
	c.seq = d.seq.Add(1)
	d.controls = append(d.controls, c)
	d.controlMu.Unlock()
	d.signal()
}

func (d *Dispatcher) takeControls() []control {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()
	notices := d.controls
	d.controls = nil
	return notices
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(stop <-chan struct{}) {
	d.logger.Debug("Dispatcher goroutine started")
	defer d.logger.Debug("Dispatcher goroutine exiting")

	for {
		select {
		case <-stop:
			d.drain()
			return
		case <-d.wake:
			d.drain()
		}
	}
}

// drain delivers both lanes in sequence order until they are empty
func (d *Dispatcher) drain() {
	var pending []control
	for {
		if d.samples.IsEmpty() {
			pending = append(pending, d.takeControls()...)
			if len(pending) == 0 {
				return
			}
			for _, c := range pending {
				d.apply(c)
			}
			pending = nil
			continue
		}

		item, err := d.samples.Dequeue()
		if err != nil {
			d.logger.WithError(err).Error("Sample ring dequeue failed")
			for _, c := range append(pending, d.takeControls()...) {
				d.apply(c)
			}
			return
		}

		// Controls are collected after the dequeue so any control posted before item is visible
		pending = append(pending, d.takeControls()...)
		next := 0
		for next < len(pending) && pending[next].seq < item.seq {
			d.apply(pending[next])
			next++
		}
		pending = pending[next:]
		d.deliverSample(item)
	}
}

func (d *Dispatcher) deliverSample(item delivery) {
	kind := item.sub.Kind
	// Cancel waits for the read lock to be released
	item.sub.deliverMu.RLock()
	defer item.sub.deliverMu.RUnlock()
	if !item.sub.Active() {
		d.metrics.SampleDropped(kind, metrics.DropCancelled)
		return
	}
	sink := d.sinks[kind]
	if sink == nil {
		d.metrics.SampleDropped(kind, metrics.DropNoSink)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"panic": r,
				"kind":  kind,
			}).Error("Sink panicked while handling sample")
		}
	}()
	sink.OnSample(item.sample)
	d.metrics.SampleDelivered(kind)
}

func (d *Dispatcher) apply(c control) {
	switch c.op {
	case opSetSink:
		if c.sink == nil {
			delete(d.sinks, c.kind)
			return
		}
		d.sinks[c.kind] = c.sink
	default:
		d.deliverClosed(c)
	}
}

func (d *Dispatcher) deliverClosed(n control) {
	sink := d.sinks[n.kind]
	if sink == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"panic": r,
				"kind":  n.kind,
			}).Error("Sink panicked while handling stream close")
		}
	}()
	sink.OnClosed(n.kind, n.err)
}
