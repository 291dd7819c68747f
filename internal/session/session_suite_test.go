//go:build test

package session

import (
	"context"
	"time"

	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	testDeviceID = "A17"
	waitTimeout  = 2 * time.Second
)

// SessionSuite wires a Manager to a FakeLink with one recording sink per stream kind
type SessionSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	link   *testutils.FakeLink
	mgr    *Manager
	sinks  map[device.StreamKind]*testutils.RecordingSink
	opts   Options
}

func (s *SessionSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.link = testutils.NewFakeLink()
	if s.opts == (Options{}) {
		s.opts = Options{
			ConnectTimeout: waitTimeout,
			FetchTimeout:   waitTimeout,
			DeliveryBuffer: 256,
		}
	}
	s.mgr = s.newManager(s.opts)
}

func (s *SessionSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_ = s.mgr.Close(ctx)
	s.opts = Options{}
}

func (s *SessionSuite) newManager(opts Options) *Manager {
	mgr, err := NewManager(s.link, opts, s.helper.Logger)
	s.Require().NoError(err, "manager creation MUST succeed")

	s.sinks = make(map[device.StreamKind]*testutils.RecordingSink)
	for _, kind := range device.AllStreamKinds {
		sink := testutils.NewRecordingSink()
		s.sinks[kind] = sink
		mgr.RegisterSink(kind, sink)
	}
	return mgr
}

// replaceManager swaps the suite manager for one built with opts
func (s *SessionSuite) replaceManager(opts Options) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_ = s.mgr.Close(ctx)
	s.mgr = s.newManager(opts)
}

// connect performs a successful discover-and-connect to testDeviceID
func (s *SessionSuite) connect() {
	s.link.ExpectConnected(testDeviceID)
	id, err := s.mgr.DiscoverAndConnect(context.Background())
	s.Require().NoError(err, "connect MUST succeed")
	s.Require().Equal(testDeviceID, id)
}

// expectOpen lets kind be opened any number of times, negotiating settings when required
func (s *SessionSuite) expectOpen(kind device.StreamKind) {
	if kind.RequiresSettings() {
		s.link.On("NegotiateSettings", mock.Anything, testDeviceID, kind).
			Return(device.StreamSettings{device.SettingSampleRate: 130}, nil)
	}
	s.link.On("OpenStream", mock.Anything, testDeviceID, kind, mock.Anything).Return(nil, nil)
}

// startStreaming starts kind and returns the fake stream that backs it
func (s *SessionSuite) startStreaming(kind device.StreamKind) *testutils.FakeStream {
	s.expectOpen(kind)
	s.Require().NoError(s.mgr.StartStream(context.Background(), kind), "%s start MUST succeed", kind)
	s.Require().Equal(Streaming, s.mgr.StreamState(kind))
	stream := s.link.Stream(kind)
	s.Require().NotNil(stream, "%s stream MUST be opened", kind)
	return stream
}

func (s *SessionSuite) eventually(cond func() bool, msg string) {
	s.helper.Eventually(cond, waitTimeout, msg)
}
