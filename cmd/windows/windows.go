package windows

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-pipeline/internal/chunker"
	"github.com/tphakala/birdnet-pipeline/internal/conf"
)

// Command creates the command that prints the analysis windows of a chunk.
func Command(settings *conf.Settings) *cobra.Command {
	var window, overlap time.Duration

	cmd := &cobra.Command{
		Use:   "windows <duration>",
		Short: "Print the analysis windows for a chunk duration",
		Example: "  birdnet-pipeline windows 60s\n" +
			"  birdnet-pipeline windows 10s --window 3s --overlap 1.5s",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", args[0], err)
			}
			cfg := chunker.Config{Window: settings.Analysis.Window, Overlap: settings.Analysis.Overlap}
			if cmd.Flags().Changed("window") {
				cfg.Window = window
			}
			if cmd.Flags().Changed("overlap") {
				cfg.Overlap = overlap
			}
			s, err := chunker.New(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tSTART\tEND\tLENGTH\tOVERLAPPED")
			for i, win := range s.Split(d) {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", i, win.Offset, win.End(), win.Length, win.Overlapped)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&window, "window", 0, "Window length, overrides analysis.window")
	cmd.Flags().DurationVar(&overlap, "overlap", 0, "Window overlap, overrides analysis.overlap")
	return cmd
}
