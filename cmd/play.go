package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [recording-id]",
	Short: "Play a recording",
	Long: `Play a recording with the first available player (VLC, mpv, ffplay or aplay).
Use 'callcapture recordings' to find the id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		svc, err := newService(nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		fmt.Printf("Playing recording: %s\n", id)
		if err := svc.Play(id); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
