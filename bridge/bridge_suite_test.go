//go:build test

package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/session"
	"github.com/srg/hrlink/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	testDeviceID = "A17"
	waitTimeout  = 2 * time.Second
)

// BridgeSuite drives an Adapter over a real session.Manager backed by a FakeLink
type BridgeSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	link    *testutils.FakeLink
	mgr     *session.Manager
	adapter *Adapter
}

func (s *BridgeSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.link = testutils.NewFakeLink()

	mgr, err := session.NewManager(s.link, session.Options{
		ConnectTimeout: waitTimeout,
		FetchTimeout:   waitTimeout,
		DeliveryBuffer: 64,
	}, s.helper.Logger)
	s.Require().NoError(err, "manager creation MUST succeed")
	s.mgr = mgr
	s.adapter = NewAdapter(mgr, s.helper.Logger)
}

func (s *BridgeSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_ = s.mgr.Close(ctx)
}

func (s *BridgeSuite) connect() {
	s.link.ExpectConnected(testDeviceID)
	_, err := s.adapter.Handle(context.Background(), MethodCall{Method: MethodConnect})
	s.Require().NoError(err, "connect MUST succeed")
}

func (s *BridgeSuite) expectOpen(kind device.StreamKind) {
	if kind.RequiresSettings() {
		s.link.On("NegotiateSettings", mock.Anything, testDeviceID, kind).
			Return(device.StreamSettings{device.SettingSampleRate: 130}, nil)
	}
	s.link.On("OpenStream", mock.Anything, testDeviceID, kind, mock.Anything).Return(nil, nil)
}

func (s *BridgeSuite) requireCode(err error, code string) {
	s.Require().Error(err)
	merr, ok := err.(*MethodError)
	s.Require().True(ok, "adapter errors MUST be *MethodError, got %T", err)
	s.Equal(code, merr.Code)
}

func (s *BridgeSuite) jsonAsserter() *testutils.JSONAsserter {
	return testutils.NewJSONAsserter(s.T()).WithOptions(testutils.WithIgnoreExtraKeys(false))
}

// recordingEventSink keeps every boundary event as a JSON document
type recordingEventSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEventSink) record(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(data))
}

func (r *recordingEventSink) Success(payload *Payload) {
	r.record(map[string]any{"success": payload})
}

func (r *recordingEventSink) Error(code, message string) {
	r.record(map[string]any{"error": map[string]string{"code": code, "message": message}})
}

func (r *recordingEventSink) EndOfStream() {
	r.record(map[string]any{"end": true})
}

func (r *recordingEventSink) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingEventSink) WaitEvents(n int, timeout time.Duration) []string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if events := r.Events(); len(events) >= n {
			return events
		}
		time.Sleep(2 * time.Millisecond)
	}
	return r.Events()
}
