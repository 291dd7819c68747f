//go:build test

package bridge

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/srg/hrlink/internal/device"
	"github.com/stretchr/testify/suite"
)

type ServerTestSuite struct {
	BridgeSuite
	httpServer *httptest.Server
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	s.BridgeSuite.SetupTest()
	s.httpServer = httptest.NewServer(NewServer(s.adapter, s.helper.Logger))
}

func (s *ServerTestSuite) TearDownTest() {
	s.httpServer.Close()
	s.BridgeSuite.TearDownTest()
}

func (s *ServerTestSuite) dial() *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err, "websocket dial MUST succeed")
	s.T().Cleanup(func() { _ = conn.Close() })
	return conn
}

// call sends req and reads frames until the matching response, returning it with
// every event frame seen on the way
func (s *ServerTestSuite) call(conn *websocket.Conn, req Request) (string, []string) {
	s.Require().NoError(conn.WriteJSON(req))
	var events []string
	for {
		frame := s.read(conn)
		if strings.Contains(frame, `"event"`) {
			events = append(events, frame)
			continue
		}
		return frame, events
	}
}

func (s *ServerTestSuite) read(conn *websocket.Conn) string {
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, data, err := conn.ReadMessage()
	s.Require().NoError(err, "server MUST answer in time")
	return string(data)
}

func (s *ServerTestSuite) TestMethodCall_RoundTrip() {
	// GOAL: Verify requests are answered with their id and a result or an error object

	s.link.ExpectConnected(testDeviceID)
	conn := s.dial()
	ja := s.jsonAsserter()

	resp, _ := s.call(conn, Request{ID: 1, Method: MethodConnect})
	ja.Assert(resp, `{"id":1,"result":{"deviceId":"A17"}}`)

	resp, _ = s.call(conn, Request{ID: 2, Method: MethodConnect})
	ja.Assert(resp, `{"id":2,"error":{"code":"ALREADY_CONNECTED","message":"<<PRESENCE>>"}}`)

	resp, _ = s.call(conn, Request{ID: 3, Method: MethodStartStream, Args: map[string]any{"kind": "ppg"}})
	ja.Assert(resp, `{"id":3,"error":{"code":"INVALID_ARGUMENT","message":"<<PRESENCE>>"}}`)
}

func (s *ServerTestSuite) TestListen_PushesEvents() {
	// GOAL: Verify a listening client receives sample and end events for its kind
	//
	// TEST SCENARIO: connect → listen acc → device emits one sample → device ends the stream

	s.connect()
	s.expectOpen(device.ACC)
	conn := s.dial()
	ja := s.jsonAsserter()

	resp, _ := s.call(conn, Request{ID: 7, Method: MethodListen, Args: map[string]any{"kind": "acc"}})
	ja.Assert(resp, `{"id":7}`)

	stream := s.link.Stream(device.ACC)
	s.Require().NotNil(stream)
	s.Require().NoError(stream.Emit(device.AccSample{X: 3, Y: 4, Z: 1000}))
	ja.Assert(s.read(conn), `{"event":"sample","kind":"ACC","data":{"x":3,"y":4,"z":1000}}`)

	stream.End()
	ja.Assert(s.read(conn), `{"event":"end","kind":"ACC"}`)
}

func (s *ServerTestSuite) TestCancel_SendsEndEvent() {
	// GOAL: Verify a client cancelling a live stream is told the stream ended

	s.connect()
	s.expectOpen(device.HR)
	conn := s.dial()
	ja := s.jsonAsserter()

	resp, _ := s.call(conn, Request{ID: 1, Method: MethodListen, Args: map[string]any{"kind": "hr"}})
	ja.Assert(resp, `{"id":1}`)

	resp, events := s.call(conn, Request{ID: 2, Method: MethodCancel, Args: map[string]any{"kind": "hr"}})
	ja.Assert(resp, `{"id":2}`)
	if len(events) == 0 {
		// The end event may trail the response
		events = append(events, s.read(conn))
	}
	s.Require().Len(events, 1)
	ja.Assert(events[0], `{"event":"end","kind":"HR"}`)
}

func (s *ServerTestSuite) TestSingleClient() {
	// GOAL: Verify a second client is refused while the first is attached

	s.dial()

	url := "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	s.Require().Error(err, "second client MUST be refused")
	s.Require().NotNil(resp)
	s.Equal(http.StatusConflict, resp.StatusCode)
}

func (s *ServerTestSuite) TestDetach_CancelsListeners() {
	// GOAL: Verify a client going away stops the streams it was listening to

	s.connect()
	s.expectOpen(device.HR)
	conn := s.dial()

	resp, _ := s.call(conn, Request{ID: 1, Method: MethodListen, Args: map[string]any{"kind": "hr"}})
	s.jsonAsserter().Assert(resp, `{"id":1}`)
	stream := s.link.Stream(device.HR)
	s.Require().NotNil(stream)

	s.Require().NoError(conn.Close())

	s.helper.Eventually(stream.IsClosed, waitTimeout, "detached client MUST cancel its streams")
}

func (s *ServerTestSuite) TestServe_StopsOnContextCancel() {
	// GOAL: Verify Serve returns cleanly once its context is cancelled

	srv := NewServer(s.adapter, s.helper.Logger)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		s.NoError(err, "a cancelled server MUST stop without error")
	case <-time.After(waitTimeout):
		s.Fail("Serve MUST return after cancel")
	}
}
