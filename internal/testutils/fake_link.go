//go:build test

package testutils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/hrlink/internal/device"
	"github.com/stretchr/testify/mock"
)

// FakeLink is a testify mock of device.Link.
//
// Expectations are set with the usual On(...) calls or with the Expect* helpers.
// OpenStream returning (nil, nil) from its expectation creates a FakeStream that the
// test can drive through Stream(kind).
//
//	link := testutils.NewFakeLink()
//	link.ExpectDiscover(device.Descriptor{ID: "A17"})
//	link.On("Connect", mock.Anything, "A17").Return(nil)
//	link.On("OpenStream", mock.Anything, "A17", device.HR, mock.Anything).Return(nil, nil)
type FakeLink struct {
	mock.Mock

	mu      sync.Mutex
	handler device.EventHandler
	streams map[device.StreamKind][]*FakeStream

	discovered atomic.Int32
}

func NewFakeLink() *FakeLink {
	return &FakeLink{streams: make(map[device.StreamKind][]*FakeStream)}
}

func (f *FakeLink) SetEventHandler(h device.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// Emit delivers ev to the installed event handler on the calling goroutine
func (f *FakeLink) Emit(ev device.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *FakeLink) Discover(ctx context.Context, found func(device.Descriptor)) error {
	return f.Called(ctx, found).Error(0)
}

func (f *FakeLink) Connect(ctx context.Context, id string) error {
	return f.Called(ctx, id).Error(0)
}

func (f *FakeLink) Disconnect(ctx context.Context, id string) error {
	return f.Called(ctx, id).Error(0)
}

func (f *FakeLink) NegotiateSettings(ctx context.Context, id string, kind device.StreamKind) (device.StreamSettings, error) {
	args := f.Called(ctx, id, kind)
	settings, _ := args.Get(0).(device.StreamSettings)
	return settings, args.Error(1)
}

func (f *FakeLink) OpenStream(ctx context.Context, id string, kind device.StreamKind, settings device.StreamSettings) (device.Stream, error) {
	args := f.Called(ctx, id, kind, settings)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	stream, ok := args.Get(0).(*FakeStream)
	if !ok || stream == nil {
		stream = NewFakeStream(kind)
	}
	f.mu.Lock()
	f.streams[kind] = append(f.streams[kind], stream)
	f.mu.Unlock()
	return stream, nil
}

// ExpectDiscover reports descs in order, stopping as soon as the discovery context is cancelled
func (f *FakeLink) ExpectDiscover(descs ...device.Descriptor) *mock.Call {
	return f.On("Discover", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		found := args.Get(1).(func(device.Descriptor))
		for _, d := range descs {
			if ctx.Err() != nil {
				return
			}
			f.discovered.Add(1)
			found(d)
		}
	}).Return(nil)
}

// ExpectDiscoverBlocking reports nothing and returns only when the discovery context ends
func (f *FakeLink) ExpectDiscoverBlocking() *mock.Call {
	return f.On("Discover", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.Canceled)
}

// DiscoveredCount is the number of descriptors ExpectDiscover actually reported
func (f *FakeLink) DiscoveredCount() int {
	return int(f.discovered.Load())
}

// ExpectConnected sets up discovery of a single device and a successful connect to it
func (f *FakeLink) ExpectConnected(id string) {
	f.ExpectDiscover(device.Descriptor{ID: id, DisplayName: "Polar H10 " + id})
	f.On("Connect", mock.Anything, id).Return(nil)
	f.On("Disconnect", mock.Anything, id).Return(nil).Maybe()
}

// Streams returns every stream opened for kind, oldest first
func (f *FakeLink) Streams(kind device.StreamKind) []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeStream(nil), f.streams[kind]...)
}

// Stream returns the most recently opened stream for kind, or nil
func (f *FakeLink) Stream(kind device.StreamKind) *FakeStream {
	streams := f.Streams(kind)
	if len(streams) == 0 {
		return nil
	}
	return streams[len(streams)-1]
}

// WaitStream waits until at least n streams of kind were opened and returns the last one
func (f *FakeLink) WaitStream(kind device.StreamKind, n int, timeout time.Duration) *FakeStream {
	deadline := time.Now().Add(timeout)
	for {
		if streams := f.Streams(kind); len(streams) >= n {
			return streams[len(streams)-1]
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ----------------------------
// FakeStream
// ----------------------------

// ErrStreamClosed is returned by FakeStream.Emit after the stream has terminated
var ErrStreamClosed = errors.New("fake stream closed")

// FakeStream is a device.Stream driven by the test
type FakeStream struct {
	kind device.StreamKind
	ch   chan device.Sample

	mu       sync.Mutex
	closed   bool
	err      error
	closeErr error

	closeCalls atomic.Int32
}

func NewFakeStream(kind device.StreamKind) *FakeStream {
	return &FakeStream{kind: kind, ch: make(chan device.Sample, 256)}
}

// WithCloseError makes Close return err
func (s *FakeStream) WithCloseError(err error) *FakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
	return s
}

func (s *FakeStream) Kind() device.StreamKind {
	return s.kind
}

func (s *FakeStream) Samples() <-chan device.Sample {
	return s.ch
}

func (s *FakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FakeStream) Close() error {
	s.closeCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.closeErr
}

// Emit pushes samples in order. It fails once the stream has terminated.
func (s *FakeStream) Emit(samples ...device.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range samples {
		if s.closed {
			return ErrStreamClosed
		}
		select {
		case s.ch <- sample:
		case <-time.After(time.Second):
			return errors.New("fake stream consumer is stuck")
		}
	}
	return nil
}

// Fail terminates the stream from the device side with err
func (s *FakeStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.ch)
}

// End terminates the stream cleanly from the device side
func (s *FakeStream) End() {
	s.Fail(nil)
}

// CloseCalls is the number of times Close was invoked
func (s *FakeStream) CloseCalls() int {
	return int(s.closeCalls.Load())
}

func (s *FakeStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
