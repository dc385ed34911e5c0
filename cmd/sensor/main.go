// Package main implements twinlogy-sensor, a simulated sensor network that
// posts random readings from 31 Indonesian cities to a twinlogy server.
//
// Example usage:
//
//	# One reading every 5 seconds to a local server
//	./twinlogy-sensor
//
//	# Ten readings, one per second, to an HTTPS server with a self-signed cert
//	./twinlogy-sensor --server https://localhost:3443 --insecure --interval 1s --count 10
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/twinlogy/internal/client"
	"github.com/dreamware/twinlogy/internal/config"
	"github.com/dreamware/twinlogy/internal/logging"
)

type options struct {
	server   string
	interval time.Duration
	count    int
	startID  int
	seed     uint64
	insecure bool
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "twinlogy-sensor",
		Short:        "Simulated sensor network for a twinlogy server",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(".env"); err != nil {
				return err
			}
			if v, ok := os.LookupEnv("TWIN_SERVER"); ok && !cmd.Flags().Changed("server") {
				opts.server = v
			}
			if opts.interval <= 0 {
				return fmt.Errorf("interval must be positive, got %s", opts.interval)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(opts.logLevel, logging.FormatText, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runSensor(cmd.Context(), opts, logger)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:3000", "server base URL (env TWIN_SERVER)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 5*time.Second, "time between readings")
	cmd.Flags().IntVar(&opts.count, "count", 0, "stop after this many readings, 0 runs until interrupted")
	cmd.Flags().IntVar(&opts.startID, "start-id", 1000, "first sensor number")
	cmd.Flags().Uint64Var(&opts.seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	cmd.Flags().BoolVar(&opts.insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func runSensor(ctx context.Context, opts *options, logger *slog.Logger) error {
	hc := &http.Client{Timeout: client.DefaultTimeout}
	if opts.insecure {
		hc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed development certificates
		}
	}

	target := strings.TrimRight(opts.server, "/") + "/ingest"
	logger.Info("sensor network starting", "target", target, "interval", opts.interval, "cities", len(cities))

	sim := newSimulator(opts.seed, opts.startID)
	send := func(ctx context.Context, smp sample) error {
		var ack client.IngestResponse
		if err := client.PostJSON(ctx, hc, target, smp, &ack); err != nil {
			return err
		}
		if ack.Status != "ok" {
			return fmt.Errorf("unexpected status %q", ack.Status)
		}
		return nil
	}

	sent := sim.run(ctx, opts.interval, opts.count, send, logger)
	logger.Info("sensor network stopped", "sent", sent)
	return nil
}
