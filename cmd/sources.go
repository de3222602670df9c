package cmd

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/callcapture/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long: `List the microphones and, where loopback capture is supported, the playback
devices whose audio can be recorded. Use the names for audio.mic_device and
audio.loopback_device.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		caps := svc.GetCapabilities()
		fmt.Printf("Audio Sources (%s, %s backend)\n\n", runtime.GOOS, caps.Backend)

		mics, err := svc.ListSources(audio.KindMic)
		if err != nil {
			return fmt.Errorf("failed to list microphones: %w", err)
		}
		printSources("MICROPHONES", mics)

		if !caps.SupportsLoopback {
			fmt.Printf("Loopback capture is not supported on %s; only micOnly recording is available.\n", runtime.GOOS)
			return nil
		}
		outputs, err := svc.ListSources(audio.KindLoopback)
		if err != nil {
			slog.Warn("Failed to list loopback devices", "error", err)
			return nil
		}
		printSources("LOOPBACK (playback devices)", outputs)
		return nil
	},
}

func printSources(title string, names []string) {
	fmt.Printf("%s (%d found):\n", title, len(names))
	for i, name := range names {
		fmt.Printf("  %d. %s\n", i+1, name)
	}
	fmt.Println()
}
