//go:build test

package main

import (
	"bytes"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/testutils"
	"github.com/srg/hrlink/pkg/config"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const testDeviceID = "A17"

// testifyAny matches any argument in mock assertions
var testifyAny = mock.Anything

// CommandTestSuite runs commands against a FakeLink installed through newLink.
// All cmd/hrlink test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
	link         *testutils.FakeLink
	originalLink func(*config.Config, *logrus.Logger) device.Link
}

func (s *CommandTestSuite) SetupTest() {
	s.link = testutils.NewFakeLink()
	s.originalLink = newLink
	newLink = func(*config.Config, *logrus.Logger) device.Link { return s.link }
	resetCommandFlags()
}

func (s *CommandTestSuite) TearDownTest() {
	newLink = s.originalLink
}

// ExpectStream makes the next OpenStream of kind return a stream preloaded with samples.
// When end is set the stream terminates cleanly after them.
func (s *CommandTestSuite) ExpectStream(kind device.StreamKind, end bool, samples ...device.Sample) *testutils.FakeStream {
	stream := testutils.NewFakeStream(kind)
	s.Require().NoError(stream.Emit(samples...))
	if end {
		stream.End()
	}
	if kind.RequiresSettings() {
		s.link.On("NegotiateSettings", mock.Anything, testDeviceID, kind).
			Return(device.StreamSettings{device.SettingSampleRate: 130}, nil)
	}
	s.link.On("OpenStream", mock.Anything, testDeviceID, kind, mock.Anything).Return(stream, nil).Once()
	return stream
}

// ExecuteCommand runs the root command with args and returns stdout, stderr and the error
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// resetCommandFlags restores every flag variable, since cobra commands are package globals
func resetCommandFlags() {
	sampleJSON = false
	streamKinds = nil
	streamJSON = false
	streamDuration = 0
	streamNoColor = false
	serveListenAddr = ""
	serveMetricsAddr = ""
	scanDuration = 10 * time.Second
	scanFormat = "table"
	scanAllowList = nil
	scanBlockList = nil
	for _, name := range []string{"config", "log-level"} {
		_ = rootCmd.PersistentFlags().Set(name, "")
	}
	_ = rootCmd.PersistentFlags().Set("verbose", "false")
}
