package run

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/pipeline"
)

// Command creates the command that runs the full pipeline.
func Command(settings *conf.Settings, version string) *cobra.Command {
	var metricsListen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture, analyze and store bird audio",
		Long: "Start recorders for every configured source, analyze chunks as they appear, " +
			"persist detections and manage clip storage until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				settings.Metrics.Enabled = true
				settings.Metrics.Listen = metricsListen
			}
			p, err := pipeline.New(settings, pipeline.WithVersion(version))
			if err != nil {
				return err
			}
			return p.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&metricsListen, "listen", "", "Serve /metrics and /healthz on this address")
	return cmd
}
