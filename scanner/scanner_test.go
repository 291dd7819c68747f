//go:build test

package scanner_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/testutils"
	"github.com/srg/hrlink/scanner"
	"github.com/stretchr/testify/mock"
	suitelib "github.com/stretchr/testify/suite"
)

type ScannerTestSuite struct {
	suitelib.Suite
	helper *testutils.TestHelper
	link   *testutils.FakeLink

	dev1, dev2, dev3 device.Descriptor
}

func TestScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerTestSuite))
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.link = testutils.NewFakeLink()
	suite.dev1 = device.Descriptor{ID: "AA:BB:CC:DD:EE:FF", DisplayName: "Polar H10 AABBCCDD"}
	suite.dev2 = device.Descriptor{ID: "11:22:33:44:55:66", DisplayName: "Polar Verity Sense 11223344"}
	suite.dev3 = device.Descriptor{ID: "99:88:77:66:55:44", DisplayName: "Polar OH1 99887766"}
}

func (suite *ScannerTestSuite) TestNewScanner() {
	suite.Run("creates scanner with nil logger", func() {
		s, err := scanner.NewScanner(suite.link, nil)

		suite.NoError(err)
		suite.NotNil(s)
	})

	suite.Run("rejects nil discoverer", func() {
		_, err := scanner.NewScanner(nil, suite.helper.Logger)

		suite.Error(err)
	})
}

func (suite *ScannerTestSuite) TestDefaultScanOptions() {
	opts := scanner.DefaultScanOptions()

	suite.Equal(10*time.Second, opts.Duration)
	suite.Nil(opts.AllowList)
	suite.Nil(opts.BlockList)
}

func (suite *ScannerTestSuite) TestScan_CollectsAndSorts() {
	// GOAL: Verify every reported device is returned once, sorted by id
	//
	// TEST SCENARIO: discovery reports dev1, dev2, dev1 again, dev3 → three entries ordered by address

	suite.link.ExpectDiscover(suite.dev1, suite.dev2, suite.dev1, suite.dev3)
	s, err := scanner.NewScanner(suite.link, suite.helper.Logger)
	suite.Require().NoError(err)

	var phases []string
	entries, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: time.Second}, func(phase string) {
		phases = append(phases, phase)
	})

	suite.Require().NoError(err)
	suite.Require().Len(entries, 3, "duplicates MUST be collapsed")
	suite.Equal([]device.Descriptor{suite.dev2, suite.dev3, suite.dev1},
		[]device.Descriptor{entries[0].Device, entries[1].Device, entries[2].Device})
	suite.Equal([]string{"Scanning", "Processing results"}, phases)
}

func (suite *ScannerTestSuite) TestScan_Filters() {
	tests := []struct {
		name string
		opts *scanner.ScanOptions
		want []string
	}{
		{
			name: "allow list",
			opts: &scanner.ScanOptions{AllowList: []string{"AA:BB:CC:DD:EE:FF"}},
			want: []string{"AA:BB:CC:DD:EE:FF"},
		},
		{
			name: "block list",
			opts: &scanner.ScanOptions{BlockList: []string{"11:22:33:44:55:66"}},
			want: []string{"99:88:77:66:55:44", "AA:BB:CC:DD:EE:FF"},
		},
		{
			name: "block wins over allow",
			opts: &scanner.ScanOptions{
				AllowList: []string{"AA:BB:CC:DD:EE:FF"},
				BlockList: []string{"AA:BB:CC:DD:EE:FF"},
			},
			want: []string{},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			link := testutils.NewFakeLink()
			link.ExpectDiscover(suite.dev1, suite.dev2, suite.dev3)
			s, err := scanner.NewScanner(link, suite.helper.Logger)
			suite.Require().NoError(err)

			entries, err := s.Scan(context.Background(), tt.opts, nil)

			suite.Require().NoError(err)
			ids := make([]string, 0, len(entries))
			for _, e := range entries {
				ids = append(ids, e.Device.ID)
			}
			suite.Equal(tt.want, ids)
		})
	}
}

func (suite *ScannerTestSuite) TestScan_StopsAtDuration() {
	// GOAL: Verify a blocking discovery is bounded by the scan duration and is not an error

	suite.link.ExpectDiscoverBlocking()
	s, err := scanner.NewScanner(suite.link, suite.helper.Logger)
	suite.Require().NoError(err)

	start := time.Now()
	entries, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: 50 * time.Millisecond}, nil)

	suite.NoError(err, "an elapsed scan MUST not be reported as an error")
	suite.Empty(entries)
	suite.Less(time.Since(start), time.Second)
}

func (suite *ScannerTestSuite) TestScan_Failure() {
	suite.link.On("Discover", mock.Anything, mock.Anything).Return(device.ErrBluetoothOff)
	s, err := scanner.NewScanner(suite.link, suite.helper.Logger)
	suite.Require().NoError(err)

	_, err = s.Scan(context.Background(), nil, nil)

	suite.ErrorIs(err, device.ErrBluetoothOff)
}
