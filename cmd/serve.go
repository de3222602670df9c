package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/callcapture/internal/observe"
	"github.com/audiolibrelab/callcapture/internal/server"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the CallCapture web server to control recording via HTTP.
Lifecycle events and amplitude are streamed on /ws/state and /ws/amplitude,
metrics are exposed on /metrics.

The server will display the local network URL for easy access from other devices.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := servePort
		if port == "" {
			port = cfg.Server.Port
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{})
		if err != nil {
			return fmt.Errorf("failed to init metrics: %w", err)
		}
		defer func() {
			if err := shutdownMetrics(context.Background()); err != nil {
				slog.Warn("Metrics shutdown failed", "error", err)
			}
		}()

		svc, err := newService(observe.DefaultMetrics())
		if err != nil {
			return err
		}

		srv := server.New(svc, nil, port)
		slog.Info("CallCapture web server starting", "port", port, "config", cfgFile)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			// Finalise an active recording before exiting.
			return svc.Close()
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "port for the web server (default from server.port)")
}
