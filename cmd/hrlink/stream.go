package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/hrlink/bridge"
	"github.com/srg/hrlink/internal/device"
	"golang.org/x/term"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream sensor samples to the terminal",
	Long: `Connects to the first matching sensor, starts the requested streams and prints
every sample until interrupted, the duration elapses or a stream fails.

ECG and ACC streams negotiate the highest sample rate and resolution the sensor offers.

Examples:
  hrlink stream
  hrlink stream --kinds hr,ecg
  hrlink stream --kinds acc --json --duration 30s`,
	Args: cobra.NoArgs,
	RunE: runStream,
}

var (
	streamKinds    []string
	streamJSON     bool
	streamDuration time.Duration
	streamNoColor  bool
)

func init() {
	streamCmd.Flags().StringSliceVar(&streamKinds, "kinds", nil, "Streams to start: hr, ecg, acc (default: enabled_kinds from the config)")
	streamCmd.Flags().BoolVar(&streamJSON, "json", false, "Print one JSON object per sample")
	streamCmd.Flags().DurationVar(&streamDuration, "duration", 0, "Stop after this long (0 = until interrupted)")
	streamCmd.Flags().BoolVar(&streamNoColor, "no-color", false, "Disable colored output")
}

var kindColors = map[device.StreamKind]color.Attribute{
	device.HR:  color.FgRed,
	device.ECG: color.FgGreen,
	device.ACC: color.FgCyan,
}

// terminalSink prints one stream kind. Writes from every kind share one lock.
type terminalSink struct {
	out   io.Writer
	mu    *sync.Mutex
	kind  device.StreamKind
	json  bool
	label *color.Color
	ended chan<- error
}

func (s *terminalSink) Success(payload *bridge.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.json {
		s.printJSON(bridge.Event{Event: bridge.EventSample, Kind: s.kind.String(), Data: payload})
		return
	}

	fields := make([]string, 0, payload.Len())
	for pair := payload.Oldest(); pair != nil; pair = pair.Next() {
		fields = append(fields, fmt.Sprintf("%s=%v", pair.Key, pair.Value))
	}
	fmt.Fprintf(s.out, "%s %s\n", s.label.Sprintf("[%s]", s.kind), strings.Join(fields, " "))
}

func (s *terminalSink) Error(code, message string) {
	err := &bridge.MethodError{Code: code, Message: message}
	if code == bridge.CodeNotConnected {
		s.finish(fmt.Errorf("%w: %s", ErrConnectionLost, message))
		return
	}
	s.finish(err)
}

func (s *terminalSink) EndOfStream() {
	s.mu.Lock()
	if s.json {
		s.printJSON(bridge.Event{Event: bridge.EventEnd, Kind: s.kind.String()})
	} else {
		fmt.Fprintf(s.out, "%s stream ended\n", s.label.Sprintf("[%s]", s.kind))
	}
	s.mu.Unlock()
	s.finish(nil)
}

// printJSON must be called with s.mu held
func (s *terminalSink) printJSON(ev bridge.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintln(s.out, string(data))
}

func (s *terminalSink) finish(err error) {
	select {
	case s.ended <- err:
	default:
	}
}

func useColor(out io.Writer) bool {
	if streamNoColor || streamJSON {
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runStream(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime(cmd, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	names := streamKinds
	if len(names) == 0 {
		names = rt.cfg.EnabledKinds
	}
	kinds, err := device.ParseStreamKinds(names)
	if err != nil {
		return err
	}
	if len(kinds) == 0 {
		return fmt.Errorf("no stream kinds selected")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context(), rt.logger)
	defer cancel()

	out := cmd.OutOrStdout()
	colored := useColor(out)
	var writeMu sync.Mutex
	ended := make(chan error, len(kinds))
	sinkFor := func(kind device.StreamKind) bridge.EventSink {
		label := color.New(kindColors[kind], color.Bold)
		if colored {
			label.EnableColor()
		} else {
			label.DisableColor()
		}
		return &terminalSink{out: out, mu: &writeMu, kind: kind, json: streamJSON, label: label, ended: ended}
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Starting stream", "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	_, err = bridge.RunSessionBridge(ctx, rt.mgr, &bridge.BridgeOptions{
		Kinds:   kinds,
		SinkFor: sinkFor,
		Logger:  rt.logger,
	}, progress.Callback(), func(b bridge.Bridge) (any, error) {
		rt.logger.WithFields(logrus.Fields{
			"device": b.GetDeviceID(),
			"kinds":  b.GetKinds(),
		}).Info("Streaming")

		var timeout <-chan time.Time
		if streamDuration > 0 {
			timer := time.NewTimer(streamDuration)
			defer timer.Stop()
			timeout = timer.C
		}

		remaining := len(kinds)
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timeout:
				return nil, nil
			case err := <-ended:
				if err != nil {
					return nil, err
				}
				if remaining--; remaining == 0 {
					return nil, nil
				}
			}
		}
	})
	return err
}
