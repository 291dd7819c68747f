package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/groutine"
	"github.com/srg/hrlink/internal/metrics"
)

// SupervisorState is the lifecycle phase of one stream kind
type SupervisorState int

const (
	Idle SupervisorState = iota
	// Negotiating covers both settings negotiation and opening the stream
	Negotiating
	Streaming
	Stopping
)

func (s SupervisorState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("SupervisorState(%d)", int(s))
	}
}

// startAttempt tracks one in-flight Start so Stop and Teardown can abort it
type startAttempt struct {
	cancel   context.CancelFunc
	finished chan struct{}
}

// Supervisor owns the lifecycle of a single stream kind on the connected device.
//
// It guarantees at most one live subscription for its kind: concurrent Start calls
// collapse into one negotiation, Stop is idempotent, and a terminal stream error
// returns the supervisor to Idle after exactly one cancel and one closed notification.
type Supervisor struct {
	kind       device.StreamKind
	link       device.Link
	dispatcher *Dispatcher
	metrics    *metrics.Collectors
	logger     *logrus.Logger

	mu      sync.Mutex
	state   SupervisorState
	retired bool
	attempt *startAttempt
	sub     *Subscription
	idle    chan struct{} // closed when Stopping ends
}

func newSupervisor(kind device.StreamKind, link device.Link, dispatcher *Dispatcher, m *metrics.Collectors, logger *logrus.Logger) *Supervisor {
	return &Supervisor{
		kind:       kind,
		link:       link,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		state:      Idle,
	}
}

func (s *Supervisor) Kind() device.StreamKind {
	return s.kind
}

func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start brings the stream to Streaming. It returns nil immediately when the stream
// is already negotiating or streaming, and waits out a Stopping phase first.
func (s *Supervisor) Start(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	for s.state == Stopping {
		idle := s.idle
		s.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return streamErr(StreamErrorOccurred, s.kind, "start", ctx.Err())
		}
		s.mu.Lock()
	}

	if s.retired {
		s.mu.Unlock()
		return streamErr(NotConnected, s.kind, "start", device.ErrLinkNotConnected)
	}
	if s.state == Negotiating || s.state == Streaming {
		state := s.state
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"kind":  s.kind,
			"state": state,
		}).Debug("Stream already active, start is a no-op")
		return nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	attempt := &startAttempt{cancel: cancel, finished: make(chan struct{})}
	s.attempt = attempt
	s.state = Negotiating
	s.mu.Unlock()

	defer close(attempt.finished)
	defer cancel()

	logger := s.logger.WithFields(logrus.Fields{
		"kind":      s.kind,
		"device_id": deviceID,
	})

	var settings device.StreamSettings
	if s.kind.RequiresSettings() {
		var err error
		settings, err = s.link.NegotiateSettings(attemptCtx, deviceID, s.kind)
		if err != nil {
			if aborted, retired := s.failAttempt(attempt); aborted {
				return s.abortedErr(retired)
			}
			logger.WithError(err).Warn("Settings negotiation failed")
			return streamErr(SettingsNegotiationFailed, s.kind, "negotiate", err)
		}
		logger.WithField("settings", settings.String()).Debug("Settings negotiated")
	}

	stream, err := s.link.OpenStream(attemptCtx, deviceID, s.kind, settings)
	if err != nil {
		if aborted, retired := s.failAttempt(attempt); aborted {
			return s.abortedErr(retired)
		}
		logger.WithError(err).Warn("Failed to open stream")
		return streamErr(StreamErrorOccurred, s.kind, "open", err)
	}

	s.mu.Lock()
	if s.attempt != attempt {
		retired := s.retired
		s.mu.Unlock()
		// Stopped or torn down while opening: the stream was never handed out
		if cerr := stream.Close(); cerr != nil {
			logger.WithError(cerr).Debug("Closing aborted stream failed")
		}
		return s.abortedErr(retired)
	}

	sub := newSubscription(s.kind, deviceID, stream)
	s.attempt = nil
	s.sub = sub
	s.state = Streaming
	sub.done = groutine.Go(context.Background(), "pump-"+s.kind.String(), func(ctx context.Context) {
		s.pump(sub)
	})
	s.mu.Unlock()

	s.metrics.SubscriptionOpened(s.kind)
	logger.WithField("subscription", sub.ID).Info("Stream started")
	return nil
}

// failAttempt returns the supervisor to Idle after a failed attempt.
// aborted is true when Stop or Teardown already took the attempt over.
func (s *Supervisor) failAttempt(attempt *startAttempt) (aborted bool, retired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != attempt {
		return true, s.retired
	}
	s.attempt = nil
	s.state = Idle
	return false, false
}

func (s *Supervisor) abortedErr(retired bool) error {
	if retired {
		return streamErr(NotConnected, s.kind, "start", device.ErrLinkNotConnected)
	}
	return streamErr(StreamErrorOccurred, s.kind, "start", context.Canceled)
}

// Stop cancels the live subscription or in-flight start. Safe to call in any state.
func (s *Supervisor) Stop() error {
	return s.shutdown(false, nil)
}

// Teardown stops the stream permanently; later Start calls fail with NotConnected.
// cause is reported to the sink as the closing error of a live stream.
func (s *Supervisor) Teardown(cause error) error {
	return s.shutdown(true, cause)
}

func (s *Supervisor) shutdown(retire bool, cause error) error {
	s.mu.Lock()
	if retire {
		s.retired = true
	}

	switch s.state {
	case Idle:
		s.mu.Unlock()
		return nil

	case Stopping:
		idle := s.idle
		s.mu.Unlock()
		<-idle
		return nil

	case Negotiating:
		attempt := s.attempt
		s.attempt = nil
		s.enterStopping()
		s.mu.Unlock()

		attempt.cancel()
		select {
		case <-attempt.finished:
		case <-time.After(pumpExitTimeout):
			s.logger.WithField("kind", s.kind).Warn("Start attempt did not finish after cancel")
		}
		s.leaveStopping()
		s.logger.WithField("kind", s.kind).Debug("Start attempt aborted")
		return nil

	default: // Streaming
		sub := s.sub
		s.sub = nil
		s.enterStopping()
		s.mu.Unlock()

		err := sub.Cancel()
		if !sub.waitPump() {
			s.logger.WithFields(logrus.Fields{
				"kind":         s.kind,
				"subscription": sub.ID,
			}).Warn("Stream pump did not exit after cancel")
		}

		s.metrics.SubscriptionClosed(s.kind)
		var closeErr error
		if cause != nil {
			closeErr = streamErr(NotConnected, s.kind, "stream", cause)
		}
		// The notice is queued before a restart can post samples of a new subscription
		s.dispatcher.PostClosed(s.kind, closeErr)
		s.leaveStopping()
		s.logger.WithFields(logrus.Fields{
			"kind":         s.kind,
			"subscription": sub.ID,
		}).Info("Stream stopped")

		if err != nil {
			return fmt.Errorf("failed to close %s stream: %w", s.kind, err)
		}
		return nil
	}
}

// enterStopping must be called with s.mu held
func (s *Supervisor) enterStopping() {
	s.state = Stopping
	s.idle = make(chan struct{})
}

func (s *Supervisor) leaveStopping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	close(s.idle)
	s.idle = nil
}

// pump forwards samples from the device stream to the dispatcher until the stream closes
func (s *Supervisor) pump(sub *Subscription) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"panic":        r,
				"kind":         s.kind,
				"subscription": sub.ID,
			}).Error("Stream pump panicked")
			s.streamEnded(sub, fmt.Errorf("stream pump panicked: %v", r))
		}
	}()

	for sample := range sub.stream.Samples() {
		if !sub.Active() {
			s.metrics.SampleDropped(s.kind, metrics.DropCancelled)
			continue
		}
		s.dispatcher.Post(sub, sample)
	}
	s.streamEnded(sub, sub.stream.Err())
}

// streamEnded handles a stream that finished on its own. It does nothing when
// Stop or Teardown already claimed the subscription. The supervisor stays Stopping
// until the closed notice is queued.
func (s *Supervisor) streamEnded(sub *Subscription, err error) {
	s.mu.Lock()
	if s.sub != sub {
		s.mu.Unlock()
		return
	}
	s.sub = nil
	s.enterStopping()
	s.mu.Unlock()
	defer s.leaveStopping()

	if cerr := sub.Cancel(); cerr != nil {
		s.logger.WithError(cerr).WithField("kind", s.kind).Debug("Closing ended stream failed")
	}
	s.metrics.SubscriptionClosed(s.kind)

	logger := s.logger.WithFields(logrus.Fields{
		"kind":         s.kind,
		"subscription": sub.ID,
	})
	var closeErr error
	if err != nil && !errors.Is(err, context.Canceled) {
		s.metrics.StreamError(s.kind)
		closeErr = streamErr(StreamErrorOccurred, s.kind, "stream", err)
		logger.WithError(err).Warn("Stream terminated with error")
	} else {
		logger.Info("Stream ended")
	}
	s.dispatcher.PostClosed(s.kind, closeErr)
}
