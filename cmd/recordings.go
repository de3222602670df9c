package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/callcapture/internal/library"
)

var recordingsCmd = &cobra.Command{
	Use:     "recordings",
	Aliases: []string{"ls"},
	Short:   "List recordings, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		recordings, err := svc.ListRecordings()
		if err != nil {
			return fmt.Errorf("failed to list recordings: %w", err)
		}
		if len(recordings) == 0 {
			fmt.Printf("No recordings in %s\n", cfg.Output.Directory)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED\tDURATION\tSIZE")
		for _, rec := range recordings {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.ID, library.FormatTime(rec.CreatedAt), rec.Duration(), rec.Size())
		}
		return w.Flush()
	},
}
