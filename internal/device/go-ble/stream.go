package goble

import (
	"sync"
	"sync/atomic"

	"github.com/srg/hrlink/internal/device"
)

// ----------------------------
// Link stream
// ----------------------------

// linkStream is a device.Stream fed by characteristic notifications.
// Pushes never block the go-ble notification goroutine: a full buffer drops the sample.
type linkStream struct {
	kind    device.StreamKind
	samples chan device.Sample

	mu   sync.Mutex
	done bool
	err  error

	dropped atomic.Uint64

	closeOnce sync.Once
	release   func(*linkStream) error
}

func newLinkStream(kind device.StreamKind, buffer int, release func(*linkStream) error) *linkStream {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &linkStream{
		kind:    kind,
		samples: make(chan device.Sample, buffer),
		release: release,
	}
}

func (s *linkStream) Samples() <-chan device.Sample {
	return s.samples
}

func (s *linkStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the stream from its notification source and ends it cleanly.
// Only the first call does any work.
func (s *linkStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.release != nil {
			err = s.release(s)
		}
		s.terminate(nil)
	})
	return err
}

// Dropped reports how many samples were lost to a full buffer
func (s *linkStream) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *linkStream) push(sample device.Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	select {
	case s.samples <- sample:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// terminate ends the stream with err. Later calls are ignored.
func (s *linkStream) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.samples)
}

// ----------------------------
// Router
// ----------------------------

// router fans notifications of one kind out to every attached stream.
// HR is shared by a long-lived stream and one-shot fetches; PMD data carries ECG and ACC
// frames on one characteristic.
type router struct {
	mu      sync.Mutex
	streams map[device.StreamKind][]*linkStream
}

func newRouter() *router {
	return &router{streams: make(map[device.StreamKind][]*linkStream)}
}

// attach adds s and reports whether it is the first stream of its kind
func (r *router) attach(s *linkStream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := len(r.streams[s.kind]) == 0
	r.streams[s.kind] = append(r.streams[s.kind], s)
	return first
}

// detach removes s and reports whether it was the last stream of its kind
func (r *router) detach(s *linkStream) (last bool, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.streams[s.kind]
	for i, cur := range list {
		if cur == s {
			list = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false, false
	}
	if len(list) == 0 {
		delete(r.streams, s.kind)
		return true, true
	}
	r.streams[s.kind] = list
	return false, true
}

func (r *router) count(kind device.StreamKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams[kind])
}

// deliver pushes samples to every stream of kind in order
func (r *router) deliver(kind device.StreamKind, samples ...device.Sample) {
	r.mu.Lock()
	targets := append([]*linkStream(nil), r.streams[kind]...)
	r.mu.Unlock()

	for _, s := range targets {
		for _, sample := range samples {
			s.push(sample)
		}
	}
}

// failAll terminates and forgets every attached stream
func (r *router) failAll(err error) int {
	r.mu.Lock()
	all := r.streams
	r.streams = make(map[device.StreamKind][]*linkStream)
	r.mu.Unlock()

	n := 0
	for _, list := range all {
		for _, s := range list {
			s.terminate(err)
			n++
		}
	}
	return n
}
