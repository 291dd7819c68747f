package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/srg/hrlink/internal/device"
)

// pumpExitTimeout bounds how long a cancel waits for the pump goroutine to notice the closed stream
var pumpExitTimeout = 2 * time.Second

// Subscription is a cancellable handle on one open device stream
type Subscription struct {
	ID       uuid.UUID
	Kind     device.StreamKind
	DeviceID string

	stream    device.Stream
	cancelled atomic.Bool
	once      sync.Once
	closeErr  error

	// deliverMu is read-held by the dispatcher while a sample is handed to a sink
	deliverMu sync.RWMutex

	// done is closed when the pump goroutine exits; nil for one-shot subscriptions
	done <-chan struct{}
}

func newSubscription(kind device.StreamKind, deviceID string, stream device.Stream) *Subscription {
	return &Subscription{
		ID:       uuid.New(),
		Kind:     kind,
		DeviceID: deviceID,
		stream:   stream,
	}
}

// Active reports whether the subscription has not been cancelled yet
func (s *Subscription) Active() bool {
	return !s.cancelled.Load()
}

// Cancel marks the subscription cancelled and closes the device stream.
// It returns after any sample delivery in progress has finished, so no sample of s
// reaches a sink once Cancel returned. A sink must therefore not stop its own stream
// from inside OnSample. Only the first call closes the stream; later calls return the
// same result.
func (s *Subscription) Cancel() error {
	s.once.Do(func() {
		s.cancelled.Store(true)
		s.deliverMu.Lock()
		s.deliverMu.Unlock() //nolint:staticcheck // waits out an in-flight delivery
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}

// waitPump blocks until the pump goroutine exits or the timeout elapses
func (s *Subscription) waitPump() bool {
	if s.done == nil {
		return true
	}
	select {
	case <-s.done:
		return true
	case <-time.After(pumpExitTimeout):
		return false
	}
}
