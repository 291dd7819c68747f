package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/hrlink/bridge"
	"github.com/srg/hrlink/internal/groutine"
	"golang.org/x/sync/errgroup"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sensor session over a websocket",
	Long: `Starts a websocket endpoint that accepts JSON method calls and pushes stream events.
One client is served at a time.

Requests:  {"id": 1, "method": "connect"}
           {"id": 2, "method": "listen", "args": {"kind": "hr"}}
Responses: {"id": 1, "result": {"deviceId": "..."}} or {"id": 1, "error": {"code": "...", "message": "..."}}
Events:    {"event": "sample" | "error" | "end", "kind": "HR", "data": {...}}

Methods: connect, disconnect, startStream, stopStream, fetchOneSample, state, listen, cancel.

Examples:
  hrlink serve
  hrlink serve --listen 127.0.0.1:8765 --metrics-addr :9100`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveListenAddr  string
	serveMetricsAddr string
)

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "Websocket listen address (default: listen_addr from the config)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Prometheus metrics listen address (default: metrics_addr from the config, empty disables)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	listenAddr := rt.cfg.ListenAddr
	if serveListenAddr != "" {
		listenAddr = serveListenAddr
	}
	metricsAddr := rt.cfg.MetricsAddr
	if serveMetricsAddr != "" {
		metricsAddr = serveMetricsAddr
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context(), rt.logger)
	defer cancel()

	server := bridge.NewServer(bridge.NewAdapter(rt.mgr, rt.logger), rt.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, listenAddr)
	})
	if metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, metricsAddr, rt.registry, rt.logger)
		})
	}

	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// serveMetrics exposes reg on /metrics until ctx is cancelled
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := groutine.Go(ctx, "metrics-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	logger.WithField("addr", addr).Info("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}
