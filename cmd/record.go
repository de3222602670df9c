package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/callcapture/internal/recorder"
)

var (
	recordDual    bool
	recordConsent bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the microphone, optionally mixed with call audio",
	Long: `Record audio until Ctrl+C is pressed, then print the recording metadata.

With --dual the microphone is mixed with the audio played by other
applications. This requires loopback support on this platform and your
consent, given with --consent.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := recorder.ModeMicOnly
		if recordDual {
			mode = recorder.ModeDualStream
		}
		slog.Info("Record command started", "mode", mode)

		svc, err := newService(nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		if recordConsent {
			svc.GrantConsent()
		}

		events, unsubscribe := svc.SubscribeState(16)
		defer unsubscribe()

		if err := svc.StartSession(mode); err != nil {
			return fmt.Errorf("failed to start recording (%s): %w", recorder.Code(err), err)
		}
		fmt.Printf("Recording %s to %s - press Ctrl+C to stop\n", mode, svc.GetConfig().Output.Directory)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if reason := waitForStop(ctx, events); reason != "" {
			return fmt.Errorf("recording aborted: %s", reason)
		}

		slog.Info("Stopping recording...")
		rec, err := svc.StopSession()
		if err != nil {
			return fmt.Errorf("failed to stop recording (%s): %w", recorder.Code(err), err)
		}

		fmt.Printf("\nSaved %s\n", rec.FileName)
		fmt.Printf("  id:       %s\n", rec.ID)
		fmt.Printf("  path:     %s\n", rec.FilePath)
		fmt.Printf("  duration: %s\n", rec.Duration())
		fmt.Printf("  size:     %s\n", rec.Size())
		return nil
	},
}

// waitForStop blocks until ctx is done or the session fails on its own. It
// returns the failure reason, or "" when the user asked to stop.
func waitForStop(ctx context.Context, events <-chan recorder.Event) string {
	for {
		select {
		case <-ctx.Done():
			return ""
		case ev, ok := <-events:
			if !ok {
				slog.Warn("Lost the session event stream, waiting for Ctrl+C")
				events = nil
				continue
			}
			if ev.State != recorder.StateError {
				continue
			}
			if ev.Reason != nil {
				return *ev.Reason
			}
			return "unknown error"
		}
	}
}

func init() {
	recordCmd.Flags().BoolVar(&recordDual, "dual", false, "mix the microphone with other applications' audio")
	recordCmd.Flags().BoolVar(&recordConsent, "consent", false, "consent to capturing other applications' audio for this session")
}
