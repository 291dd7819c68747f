package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/srg/hrlink/internal/device"
)

// ConnectionPhase is the coarse connection lifecycle
type ConnectionPhase int

const (
	Disconnected ConnectionPhase = iota
	Connecting
	Connected
)

func (p ConnectionPhase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionPhase(%d)", int(p))
	}
}

// ConnectionState is a snapshot of the connection. DeviceID is set only when Connected.
type ConnectionState struct {
	Phase    ConnectionPhase
	DeviceID string
}

func (c ConnectionState) String() string {
	if c.Phase == Connected {
		return fmt.Sprintf("connected(%s)", c.DeviceID)
	}
	return c.Phase.String()
}

// connectAttempt is an in-flight DiscoverAndConnect
type connectAttempt struct {
	abort   context.CancelFunc
	aborted bool
	// done is closed once the attempt left Connecting, whichever way
	done chan struct{}
}

// Abort cancels the attempt and returns a channel closed once it has unwound
func (a *connectAttempt) Abort() <-chan struct{} {
	a.abort()
	return a.done
}

// State is the session bookkeeping: connection phase, per-kind supervisors,
// transient one-shot subscriptions and the in-flight connect attempt.
// Only the Manager mutates it.
type State struct {
	mu        sync.Mutex
	conn      ConnectionState
	closing   bool
	attempt   *connectAttempt
	transient map[*Subscription]struct{}

	// supervisors is read without mu by StreamState; writes happen under mu
	supervisors *hashmap.Map[string, *Supervisor]

	battery      int
	batteryKnown bool
}

func newState() *State {
	return &State{
		transient:   make(map[*Subscription]struct{}),
		supervisors: hashmap.New[string, *Supervisor](),
	}
}

func (s *State) Connection() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// beginConnect moves Disconnected to Connecting. It returns the current state when
// the transition is not allowed.
func (s *State) beginConnect(abort context.CancelFunc) (ConnectionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.Phase != Disconnected {
		return s.conn, false
	}
	s.conn = ConnectionState{Phase: Connecting}
	s.attempt = &connectAttempt{abort: abort, done: make(chan struct{})}
	return s.conn, true
}

// endAttempt must be called with s.mu held
func (s *State) endAttempt() {
	if s.attempt != nil {
		close(s.attempt.done)
		s.attempt = nil
	}
}

// finishConnect moves Connecting to Connected(id). It fails when the attempt was
// aborted by a disconnect in the meantime.
func (s *State) finishConnect(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.Phase != Connecting || s.attempt == nil || s.attempt.aborted {
		return false
	}
	s.conn = ConnectionState{Phase: Connected, DeviceID: id}
	s.endAttempt()
	s.closing = false
	return true
}

// failConnect returns a Connecting state to Disconnected
func (s *State) failConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.Phase == Connecting {
		s.conn = ConnectionState{Phase: Disconnected}
	}
	s.endAttempt()
}

// beginTeardown claims the teardown of the current connection. Exactly one caller
// wins per connection; the others get ok == false. A non-empty deviceID restricts the
// claim to that device. For a Connecting state and an empty deviceID the in-flight
// attempt is marked aborted and returned instead; it can no longer reach Connected.
func (s *State) beginTeardown(deviceID string) (prev ConnectionState, attempt *connectAttempt, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev = s.conn
	switch s.conn.Phase {
	case Connecting:
		if deviceID != "" || s.attempt == nil {
			return prev, nil, false
		}
		s.attempt.aborted = true
		return prev, s.attempt, false
	case Connected:
		if s.closing || (deviceID != "" && deviceID != s.conn.DeviceID) {
			return prev, nil, false
		}
		s.closing = true
		return prev, nil, true
	default:
		return prev, nil, false
	}
}

// drainSubscriptions removes every supervisor and transient subscription.
// It must follow a successful beginTeardown.
func (s *State) drainSubscriptions() ([]*Supervisor, []*Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sups := make([]*Supervisor, 0, s.supervisors.Len())
	s.supervisors.Range(func(key string, sup *Supervisor) bool {
		sups = append(sups, sup)
		return true
	})
	for _, sup := range sups {
		s.supervisors.Del(sup.Kind().String())
	}

	subs := make([]*Subscription, 0, len(s.transient))
	for sub := range s.transient {
		subs = append(subs, sub)
	}
	s.transient = make(map[*Subscription]struct{})
	return sups, subs
}

// markDisconnected completes a teardown
func (s *State) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = ConnectionState{Phase: Disconnected}
	s.closing = false
	s.batteryKnown = false
}

// connectedDevice returns the device id when connected and not tearing down
func (s *State) connectedDevice() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.Phase != Connected || s.closing {
		return "", false
	}
	return s.conn.DeviceID, true
}

// supervisorFor returns the supervisor for kind, creating it on first use.
// It fails when there is no usable connection.
func (s *State) supervisorFor(kind device.StreamKind, create func() *Supervisor) (*Supervisor, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.Phase != Connected || s.closing {
		return nil, "", false
	}
	if sup, ok := s.supervisors.Get(kind.String()); ok {
		return sup, s.conn.DeviceID, true
	}
	sup, _ := s.supervisors.GetOrInsert(kind.String(), create())
	return sup, s.conn.DeviceID, true
}

func (s *State) supervisor(kind device.StreamKind) (*Supervisor, bool) {
	return s.supervisors.Get(kind.String())
}

// addTransient registers a one-shot subscription so teardown can cancel it
func (s *State) addTransient(sub *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.Phase != Connected || s.closing || s.conn.DeviceID != sub.DeviceID {
		return false
	}
	s.transient[sub] = struct{}{}
	return true
}

func (s *State) removeTransient(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transient, sub)
}

func (s *State) setBattery(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.battery = level
	s.batteryKnown = true
}

func (s *State) Battery() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery, s.batteryKnown
}
