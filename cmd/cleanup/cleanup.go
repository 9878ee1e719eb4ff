package cleanup

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/datastore"
	"github.com/tphakala/birdnet-pipeline/internal/diskmanager"
)

// Command creates the command that runs one storage eviction cycle.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one clip eviction cycle",
		Long: "Evict the oldest unprotected detections and their clips until disk usage " +
			"is at or below the low watermark. Nothing is evicted below the high watermark.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := datastore.New(settings)
			if err != nil {
				return err
			}
			if err := store.Open(); err != nil {
				return err
			}
			defer store.Close()

			m, err := diskmanager.New(store, diskmanager.ConfigFromSettings(settings))
			if err != nil {
				return err
			}
			res, err := m.RunCycle(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%s: usage %.1f%% -> %.1f%%, evicted %d detections (%d files), %d failures\n",
				res.Result, res.StartUsage, res.EndUsage, res.Evicted, res.FilesDeleted, res.Failures)
			return err
		},
	}
}
