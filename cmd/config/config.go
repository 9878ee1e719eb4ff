package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
)

// Command creates the command that prints or writes the effective config.
func Command(settings *conf.Settings) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: "Print the configuration after defaults, config file and environment overrides " +
			"are applied. Credentials are masked unless --output writes the file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" {
				if err := conf.SaveYAMLConfig(output, settings); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", output)
				return nil
			}
			data, err := yaml.Marshal(settings.Redacted())
			if err != nil {
				return fmt.Errorf("error marshaling settings to YAML: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the effective configuration to this file")
	return cmd
}
