package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-pipeline/cmd/cleanup"
	"github.com/tphakala/birdnet-pipeline/cmd/config"
	"github.com/tphakala/birdnet-pipeline/cmd/run"
	"github.com/tphakala/birdnet-pipeline/cmd/scan"
	"github.com/tphakala/birdnet-pipeline/cmd/windows"
	"github.com/tphakala/birdnet-pipeline/internal/buildinfo"
	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/telemetry"
)

const telemetryFlushTimeout = 2 * time.Second

// App holds state shared by every subcommand. Settings is filled in by the
// root command before any subcommand runs.
type App struct {
	Build    *buildinfo.Context
	Settings *conf.Settings

	configFile string
	debug      bool
	central    *logger.CentralLogger
}

// NewApp returns an App with empty settings.
func NewApp(build *buildinfo.Context) *App {
	return &App{Build: build, Settings: &conf.Settings{}}
}

// RootCommand creates and returns the root command
func RootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "birdnet-pipeline",
		Short:         "Bird audio capture and analysis pipeline",
		Version:       app.Build.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&app.configFile, "config", "c", "", "Path to config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&app.debug, "debug", "d", false, "Enable debug output")

	rootCmd.AddCommand(
		run.Command(app.Settings, app.Build.GetVersion()),
		scan.Command(app.Settings),
		windows.Command(app.Settings),
		cleanup.Command(app.Settings),
		config.Command(app.Settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return app.initialize()
	}

	return rootCmd
}

// initialize loads configuration and sets up logging and telemetry. It is
// called before any subcommand runs.
func (app *App) initialize() error {
	settings, err := conf.Load(app.configFile)
	if err != nil {
		return err
	}
	if app.debug {
		settings.Debug = true
	}
	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}
	*app.Settings = *settings

	central, err := logger.NewCentralLogger(&app.Settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)
	app.central = central

	if _, err := telemetry.InitSentry(app.Settings, telemetry.Options{Version: app.Build.GetVersion()}); err != nil {
		logger.Global().Module("main").Warn("telemetry disabled", logger.Error(err))
	}

	logger.Global().Module("main").Debug("configuration loaded",
		logger.String("config_file", app.Settings.ConfigFile()),
		logger.String("version", app.Build.GetVersion()),
		logger.String("build_date", app.Build.GetBuildDate()))
	return nil
}

// Close flushes telemetry and closes log outputs.
func (app *App) Close() {
	telemetry.Flush(telemetryFlushTimeout)
	if app.central != nil {
		_ = app.central.Flush()
		_ = app.central.Close()
	}
}
