package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/hrlink/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby sensors",
	Long: `Scans for sensors whose advertised name matches the configured prefix and lists them
without connecting.

Examples:
  hrlink scan
  hrlink scan --duration 5s --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	rt, err := newRuntime(cmd, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context(), rt.logger)
	defer cancel()

	s, err := scanner.NewScanner(rt.link, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to create scanner: %w", err)
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for sensors", "Scanning", "Processing results")
	progress.Start()
	defer progress.Stop()

	entries, err := s.Scan(ctx, &scanner.ScanOptions{
		Duration:  scanDuration,
		AllowList: scanAllowList,
		BlockList: scanBlockList,
	}, progress.Callback())
	if err != nil {
		return err
	}

	if scanFormat == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}
	return displayDevicesTable(cmd.OutOrStdout(), entries)
}

func displayDevicesTable(out io.Writer, entries []scanner.DeviceEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "No devices discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS")
	for _, e := range entries {
		name := e.Device.DisplayName
		if len(name) > 28 {
			name = name[:25] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\n", name, e.Device.ID)
	}
	return w.Flush()
}
