//go:build test

package main

import (
	"errors"
	"testing"

	"github.com/srg/hrlink/bridge"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type StreamCommandTestSuite struct {
	CommandTestSuite
}

func TestStreamCommandTestSuite(t *testing.T) {
	suite.Run(t, new(StreamCommandTestSuite))
}

func (s *StreamCommandTestSuite) TestStream_PrintsUntilEnd() {
	// GOAL: Verify samples are printed in order and the command returns once every stream ended
	//
	// TEST SCENARIO: --kinds ecg → two samples then a clean end → plain text lines, no color

	s.link.ExpectConnected(testDeviceID)
	s.ExpectStream(device.ECG, true,
		device.EcgSample{Microvolts: -120},
		device.EcgSample{Microvolts: 85},
	)

	out, _, err := s.ExecuteCommand("stream", "--kinds", "ecg")

	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, `
[ECG] microvolts=-120
[ECG] microvolts=85
[ECG] stream ended
`)
}

func (s *StreamCommandTestSuite) TestStream_JSON() {
	s.link.ExpectConnected(testDeviceID)
	s.ExpectStream(device.ACC, true, device.AccSample{X: 1, Y: 2, Z: 3})

	out, _, err := s.ExecuteCommand("stream", "--kinds", "acc", "--json")

	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, `
{"event":"sample","kind":"ACC","data":{"x":1,"y":2,"z":3}}
{"event":"end","kind":"ACC"}
`)
}

func (s *StreamCommandTestSuite) TestStream_FailureIsReturned() {
	// GOAL: Verify a stream terminated by a device error ends the command with STREAM_ERROR

	s.link.ExpectConnected(testDeviceID)
	stream := s.ExpectStream(device.HR, false)
	stream.Fail(errors.New("hr: malformed measurement"))

	_, _, err := s.ExecuteCommand("stream", "--kinds", "hr")

	s.ErrorIs(err, &bridge.MethodError{Code: bridge.CodeStreamError})
}

func (s *StreamCommandTestSuite) TestStream_DurationElapses() {
	s.link.ExpectConnected(testDeviceID)
	s.ExpectStream(device.HR, false, device.HrSample{BPM: 66})

	out, _, err := s.ExecuteCommand("stream", "--kinds", "hr", "--duration", "100ms")

	s.Require().NoError(err)
	s.Contains(out, "[HR] hr=66 rr=[]")
}

func (s *StreamCommandTestSuite) TestStream_RejectsBadKinds() {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown", []string{"stream", "--kinds", "ppg"}, "invalid stream kind"},
		{"duplicate", []string{"stream", "--kinds", "hr,HR"}, "duplicate stream kind"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resetCommandFlags()
			_, _, err := s.ExecuteCommand(tt.args...)
			s.ErrorContains(err, tt.want)
		})
	}
	s.link.AssertNotCalled(s.T(), "Discover", testifyAny, testifyAny)
}
