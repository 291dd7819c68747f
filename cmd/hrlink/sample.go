package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/hrlink/bridge"
)

// sampleCmd represents the sample command
var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Fetch a single heart rate reading",
	Long: `Connects to the first matching sensor, waits for one heart rate measurement
and prints it together with its RR intervals.

Examples:
  hrlink sample
  hrlink sample --json`,
	Args: cobra.NoArgs,
	RunE: runSample,
}

var sampleJSON bool

func init() {
	sampleCmd.Flags().BoolVar(&sampleJSON, "json", false, "Print the sample as JSON")
}

func runSample(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime(cmd, false)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context(), rt.logger)
	defer cancel()
	defer rt.Close()

	adapter := bridge.NewAdapter(rt.mgr, rt.logger)

	result, err := adapter.Handle(ctx, bridge.MethodCall{Method: bridge.MethodConnect})
	if err != nil {
		return err
	}
	rt.logger.WithField("device", result).Debug("Connected")

	sample, err := rt.mgr.FetchOneSample(ctx)
	if err != nil {
		return bridge.ToMethodError(err)
	}

	out := cmd.OutOrStdout()
	if sampleJSON {
		data, err := json.Marshal(bridge.EncodeSample(sample))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	_, err = fmt.Fprintf(out, "HR: %d bpm\nRR: %v ms\n", sample.BPM, rrOrEmpty(sample.RRIntervalsMs))
	return err
}

func rrOrEmpty(rr []int) []int {
	if rr == nil {
		return []int{}
	}
	return rr
}
