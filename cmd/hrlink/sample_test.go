//go:build test

package main

import (
	"testing"

	"github.com/srg/hrlink/bridge"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type SampleCommandTestSuite struct {
	CommandTestSuite
}

func TestSampleCommandTestSuite(t *testing.T) {
	suite.Run(t, new(SampleCommandTestSuite))
}

func (s *SampleCommandTestSuite) TestSample_PrintsHeartRate() {
	// GOAL: Verify the sample command prints the first HR reading and its RR intervals

	s.link.ExpectConnected(testDeviceID)
	s.ExpectStream(device.HR, false, device.HrSample{BPM: 72, RRIntervalsMs: []int{812, 790}})

	out, _, err := s.ExecuteCommand("sample")

	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, `
HR: 72 bpm
RR: [812 790] ms
`)
	s.link.AssertCalled(s.T(), "Disconnect", testifyAny, testDeviceID)
}

func (s *SampleCommandTestSuite) TestSample_JSON() {
	s.link.ExpectConnected(testDeviceID)
	s.ExpectStream(device.HR, false, device.HrSample{BPM: 58})

	out, _, err := s.ExecuteCommand("sample", "--json")

	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(out, `{"hr":58,"rr":[]}`)
}

func (s *SampleCommandTestSuite) TestSample_NoDevice() {
	// GOAL: Verify an empty discovery fails with NO_DEVICE_FOUND and a readable message

	s.link.ExpectDiscover()

	_, _, err := s.ExecuteCommand("sample")

	s.Require().Error(err)
	s.ErrorIs(err, &bridge.MethodError{Code: bridge.CodeNoDeviceFound})
	s.Contains(FormatUserError(err), "no matching device found")
}

func (s *SampleCommandTestSuite) TestSample_StreamEndsEarly() {
	// GOAL: Verify a stream that closes before any sample is reported as a stream error

	s.link.ExpectConnected(testDeviceID)
	s.ExpectStream(device.HR, true)

	_, _, err := s.ExecuteCommand("sample")

	s.ErrorIs(err, &bridge.MethodError{Code: bridge.CodeStreamError})
}

func (s *SampleCommandTestSuite) TestSample_InvalidLogLevel() {
	_, _, err := s.ExecuteCommand("sample", "--log-level", "loud")

	s.ErrorContains(err, "invalid log level")
	s.link.AssertNotCalled(s.T(), "Discover", testifyAny, testifyAny)
}
