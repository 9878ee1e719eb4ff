// config.go: settings struct for the pipeline and functions to load and save it.
package conf

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/birdnet-pipeline/internal/logger"
)

//go:embed config.yaml
var defaultConfigYAML []byte

// Source backend types
const (
	SourceStream = "stream"
	SourceRTSP   = "rtsp"
	SourceLocal  = "local"
)

// AudioSettings describes the PCM format every chunk must carry.
type AudioSettings struct {
	SampleRate int    `yaml:"samplerate" validate:"oneof=16000 22050 24000 32000 44100 48000"`
	Channels   int    `yaml:"channels" validate:"min=1,max=2"`
	BitDepth   int    `yaml:"bitdepth" validate:"oneof=16 24 32"`
	FfmpegPath string `yaml:"ffmpegpath"` // empty means look up ffmpeg in PATH
	SoxPath    string `yaml:"soxpath"`    // empty means look up sox in PATH
}

// BackoffSettings controls restart delays after a capture failure.
type BackoffSettings struct {
	Initial    time.Duration `yaml:"initial" validate:"gt=0"`
	Max        time.Duration `yaml:"max" validate:"gt=0"`
	Multiplier float64       `yaml:"multiplier" validate:"gte=1"`
}

// SourceSettings configures one capture source.
type SourceSettings struct {
	ID        string `yaml:"id" validate:"required,excludesall=/\\ "`
	Type      string `yaml:"type" validate:"oneof=stream rtsp local"`
	URL       string `yaml:"url"`
	Transport string `yaml:"transport" validate:"omitempty,oneof=tcp udp"` // rtsp only
	Device    string `yaml:"device"`                                      // local only, audio server source name
	Socket    string `yaml:"socket"`                                      // local only, audio server socket path
}

// RecorderSettings configures capture supervision.
type RecorderSettings struct {
	Dir           string           `yaml:"dir" validate:"required"`
	ChunkDuration time.Duration    `yaml:"chunkduration" validate:"gt=0"`
	StallTimeout  time.Duration    `yaml:"stalltimeout" validate:"gt=0"`
	HealthTimeout time.Duration    `yaml:"healthtimeout" validate:"gt=0"`
	Backoff       BackoffSettings  `yaml:"backoff"`
	MaxRetries    int              `yaml:"maxretries" validate:"min=0"` // 0 = unbounded
	Sources       []SourceSettings `yaml:"sources" validate:"dive"`
}

// SpeciesSettings filters and tunes detections per species. Names match
// either the common or the scientific name, case-insensitively.
type SpeciesSettings struct {
	Include    []string           `yaml:"include"`
	Exclude    []string           `yaml:"exclude"`
	Thresholds map[string]float64 `yaml:"thresholds" validate:"dive,gte=0,lte=1"`
}

// ArchiveSettings moves processed chunks instead of deleting them.
type ArchiveSettings struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
}

// AnalysisSettings configures the chunk orchestrator.
type AnalysisSettings struct {
	Window            time.Duration   `yaml:"window"`
	Overlap           time.Duration   `yaml:"overlap"`
	MinConfidence     float64         `yaml:"minconfidence" validate:"gte=0,lte=1"`
	Workers           int             `yaml:"workers" validate:"min=1"`
	ScanInterval      time.Duration   `yaml:"scaninterval" validate:"gt=0"`
	StaleClaimTimeout time.Duration   `yaml:"staleclaimtimeout" validate:"gt=0"`
	ShutdownGrace     time.Duration   `yaml:"shutdowngrace" validate:"gte=0"`
	QuarantineDir     string          `yaml:"quarantinedir" validate:"required"`
	Archive           ArchiveSettings `yaml:"archive"`
	Species           SpeciesSettings `yaml:"species"`
}

// InferenceSettings configures the classification service client.
type InferenceSettings struct {
	Endpoint       string        `yaml:"endpoint" validate:"required,url"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries     int           `yaml:"maxretries" validate:"min=0"`
	BackoffInitial time.Duration `yaml:"backoffinitial" validate:"gt=0"`
	BackoffMax     time.Duration `yaml:"backoffmax" validate:"gt=0"`
	MaxConcurrent  int           `yaml:"maxconcurrent" validate:"min=1"`
	RateLimit      float64       `yaml:"ratelimit" validate:"gte=0"` // requests per second, 0 = unlimited
}

// ClipSettings configures per-detection audio clips.
type ClipSettings struct {
	Dir         string        `yaml:"dir" validate:"required"`
	PrePadding  time.Duration `yaml:"prepadding" validate:"gte=0"`
	PostPadding time.Duration `yaml:"postpadding" validate:"gte=0"`
}

// SpectrogramSettings configures sox spectrogram rendering.
type SpectrogramSettings struct {
	Enabled bool `yaml:"enabled"`
	Width   int  `yaml:"width" validate:"min=100,max=4000"`
}

// StorageSettings configures watermark-driven clip eviction.
type StorageSettings struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval" validate:"gt=0"`
	HighWatermark float64       `yaml:"highwatermark" validate:"gt=0,lte=100"`
	LowWatermark  float64       `yaml:"lowwatermark" validate:"gte=0,lt=100"`
	Protected     []string      `yaml:"protected"`
	BatchSize     int           `yaml:"batchsize" validate:"min=1"`
}

// SQLiteSettings configures the SQLite backend.
type SQLiteSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// MySQLSettings configures the MySQL backend.
type MySQLSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host" validate:"required_if=Enabled true"`
	Port     int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username string `yaml:"username" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	Database string `yaml:"database" validate:"required_if=Enabled true"`
}

// OutputSettings selects the detection store.
type OutputSettings struct {
	SQLite SQLiteSettings `yaml:"sqlite"`
	MySQL  MySQLSettings  `yaml:"mysql"`
}

// MQTTSettings configures detection publishing.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker" validate:"required_if=Enabled true"`
	Topic    string `yaml:"topic" validate:"required_if=Enabled true"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Retain   bool   `yaml:"retain"`
}

// NotificationSettings configures shoutrrr alerts for watched species.
type NotificationSettings struct {
	Enabled bool     `yaml:"enabled"`
	URLs    []string `yaml:"urls" validate:"required_if=Enabled true"`
	Species []string `yaml:"species"` // empty means every detection
	// Cooldown suppresses repeat alerts for the same species.
	Cooldown time.Duration `yaml:"cooldown" validate:"gte=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// EnrichmentSettings configures sound level and sun phase annotation.
type EnrichmentSettings struct {
	Enabled   bool    `yaml:"enabled"`
	Latitude  float64 `yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `yaml:"longitude" validate:"gte=-180,lte=180"`
}

// MetricsSettings configures the operations endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"required_if=Enabled true"`
}

// SentrySettings configures optional error telemetry.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn" validate:"required_if=Enabled true"`
}

// Settings is the root configuration.
type Settings struct {
	Debug bool `yaml:"debug"`

	Main struct {
		Name string `yaml:"name"`
	} `yaml:"main"`

	Logging      logger.LoggingConfig `yaml:"logging"`
	Audio        AudioSettings        `yaml:"audio"`
	Recorder     RecorderSettings     `yaml:"recorder"`
	Analysis     AnalysisSettings     `yaml:"analysis"`
	Inference    InferenceSettings    `yaml:"inference"`
	Clips        ClipSettings         `yaml:"clips"`
	Spectrogram  SpectrogramSettings  `yaml:"spectrogram"`
	Storage      StorageSettings      `yaml:"storage"`
	Output       OutputSettings       `yaml:"output"`
	MQTT         MQTTSettings         `yaml:"mqtt"`
	Notification NotificationSettings `yaml:"notification"`
	Enrichment   EnrichmentSettings   `yaml:"enrichment"`
	Metrics      MetricsSettings      `yaml:"metrics"`
	Sentry       SentrySettings       `yaml:"sentry"`

	configFile string
}

// ConfigFile returns the path the settings were read from, empty when only
// defaults and environment were used.
func (s *Settings) ConfigFile() string {
	return s.configFile
}

// Load reads configuration from configFile, or from the first config.yaml in
// the default search paths when configFile is empty. Environment variables
// prefixed with BIRDNET_ override file values. When no file exists in the
// search paths a default config.yaml is written to the first one.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaultConfig(v)
	configureEnvironmentVariables(v)

	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		configPaths, err := GetDefaultConfigPaths()
		if err != nil {
			return nil, err
		}
		for _, path := range configPaths {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		path, werr := createDefaultConfig()
		if werr != nil {
			GetLogger().Warn("could not write default config", logger.Error(werr))
		} else {
			GetLogger().Info("created default config", logger.String("path", path))
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	settings.configFile = v.ConfigFileUsed()

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// createDefaultConfig writes the embedded default config to the first
// search path and returns its location.
func createDefaultConfig() (string, error) {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return "", fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := writeFileAtomic(configPath, defaultConfigYAML); err != nil {
		return "", err
	}
	return configPath, nil
}

// Redacted returns a copy of s with credentials masked, for display.
func (s *Settings) Redacted() *Settings {
	c := *s
	mask := func(v string) string {
		if v == "" {
			return v
		}
		return "********"
	}
	c.Output.MySQL.Password = mask(c.Output.MySQL.Password)
	c.MQTT.Password = mask(c.MQTT.Password)
	c.Sentry.DSN = mask(c.Sentry.DSN)
	c.Inference.Endpoint = logger.SanitizeURL(c.Inference.Endpoint)

	c.Recorder.Sources = make([]SourceSettings, len(s.Recorder.Sources))
	for i, src := range s.Recorder.Sources {
		src.URL = logger.SanitizeURL(src.URL)
		c.Recorder.Sources[i] = src
	}
	c.Notification.URLs = make([]string, len(s.Notification.URLs))
	for i, u := range s.Notification.URLs {
		scheme, _, _ := strings.Cut(u, "://")
		c.Notification.URLs[i] = scheme + "://********"
	}
	return &c
}

// SaveYAMLConfig writes settings to configPath. Comments and ordering of an
// existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return writeFileAtomic(configPath, yamlData)
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place, falling back to copy when rename crosses devices.
func writeFileAtomic(path string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml.temp")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, path); err != nil {
		if err := moveFile(tempFileName, path); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}
	return nil
}
