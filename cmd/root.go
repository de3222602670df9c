package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/callcapture/internal/audio"
	"github.com/audiolibrelab/callcapture/internal/config"
	"github.com/audiolibrelab/callcapture/internal/observe"
	"github.com/audiolibrelab/callcapture/internal/service"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "callcapture",
	Short: "Record the microphone and call audio into a single file",
	Long: `CallCapture records voice audio from the microphone, optionally mixed with
the audio other applications play (the remote side of a call), and stores
the result as a single M4A or WAV file.

Capturing other applications requires explicit consent, see 'record --dual'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel, nil)

		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Logging.File != "" {
			setupLogging(verboseLevel, &cfg.Logging)
		}
		slog.Debug("Configuration loaded", "file", cfgFile, "profile", cfg.ActiveProfile, "format", cfg.Output.Format)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/callcapture.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(recordingsCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level. When logCfg is
// set, records are also written to a rotating log file.
func setupLogging(level int, logCfg *config.LoggingConfig) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if logCfg != nil {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAgeDays,
		})
	}

	// Configure text handler for clean terminal output
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: slogLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// newService builds the capture service over the configured backend.
func newService(metrics *observe.Metrics) (*service.CaptureService, error) {
	backend, err := audio.NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	return service.New(cfg, cfgFile, backend, nil, metrics), nil
}
