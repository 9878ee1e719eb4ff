package scan

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/pipeline"
)

// Command creates the command that processes existing chunks once.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [dir]",
		Short: "Process the chunks already in a directory",
		Long: "Analyze every unclaimed chunk in dir, or in the configured recording directory, " +
			"then exit. Recorders are not started.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				settings.Recorder.Dir = args[0]
			}
			p, err := pipeline.New(settings, pipeline.WithoutRecorders())
			if err != nil {
				return err
			}
			n, scanErr := p.ScanOnce(cmd.Context())
			closeErr := p.Close()

			stats := p.Orchestrator.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d chunks: %d detections, %d quarantined, %d failed\n",
				n, stats.Detections, stats.ChunksQuarantined, stats.ChunksFailed)
			if scanErr != nil {
				return scanErr
			}
			return closeErr
		},
	}
}
