// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers a default for every key. Keys without a default
// are invisible to environment overrides.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("main.name", "birdnet-pipeline")

	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.defaultlevel", "info")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.fileoutput.enabled", true)
	v.SetDefault("logging.fileoutput.path", "logs/pipeline.log")
	v.SetDefault("logging.fileoutput.level", "info")
	v.SetDefault("logging.fileoutput.maxsize", 100)
	v.SetDefault("logging.fileoutput.maxage", 30)
	v.SetDefault("logging.fileoutput.maxrotatedfiles", 10)
	v.SetDefault("logging.fileoutput.compress", false)

	v.SetDefault("audio.samplerate", 48000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.bitdepth", 16)
	v.SetDefault("audio.ffmpegpath", "")
	v.SetDefault("audio.soxpath", "")

	v.SetDefault("recorder.dir", "data/chunks")
	v.SetDefault("recorder.chunkduration", 60*time.Second)
	v.SetDefault("recorder.stalltimeout", 30*time.Second)
	v.SetDefault("recorder.healthtimeout", 10*time.Second)
	v.SetDefault("recorder.backoff.initial", 5*time.Second)
	v.SetDefault("recorder.backoff.max", 2*time.Minute)
	v.SetDefault("recorder.backoff.multiplier", 2.0)
	v.SetDefault("recorder.maxretries", 0)
	v.SetDefault("recorder.sources", []map[string]any{})

	v.SetDefault("analysis.window", 3*time.Second)
	v.SetDefault("analysis.overlap", time.Duration(0))
	v.SetDefault("analysis.minconfidence", 0.8)
	v.SetDefault("analysis.workers", 2)
	v.SetDefault("analysis.scaninterval", 10*time.Second)
	v.SetDefault("analysis.staleclaimtimeout", 60*time.Minute)
	v.SetDefault("analysis.shutdowngrace", 30*time.Second)
	v.SetDefault("analysis.quarantinedir", "data/quarantine")
	v.SetDefault("analysis.archive.enabled", false)
	v.SetDefault("analysis.archive.dir", "data/archive")
	v.SetDefault("analysis.species.include", []string{})
	v.SetDefault("analysis.species.exclude", []string{})
	v.SetDefault("analysis.species.thresholds", map[string]float64{})

	v.SetDefault("inference.endpoint", "http://localhost:8080/v1/analyze")
	v.SetDefault("inference.timeout", 10*time.Second)
	v.SetDefault("inference.maxretries", 3)
	v.SetDefault("inference.backoffinitial", 500*time.Millisecond)
	v.SetDefault("inference.backoffmax", 10*time.Second)
	v.SetDefault("inference.maxconcurrent", 2)
	v.SetDefault("inference.ratelimit", 0.0)

	v.SetDefault("clips.dir", "data/clips")
	v.SetDefault("clips.prepadding", time.Duration(0))
	v.SetDefault("clips.postpadding", time.Duration(0))

	v.SetDefault("spectrogram.enabled", true)
	v.SetDefault("spectrogram.width", 800)

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.interval", 5*time.Minute)
	v.SetDefault("storage.highwatermark", 90.0)
	v.SetDefault("storage.lowwatermark", 70.0)
	v.SetDefault("storage.protected", []string{})
	v.SetDefault("storage.batchsize", 50)

	v.SetDefault("output.sqlite.enabled", true)
	v.SetDefault("output.sqlite.path", "data/birdnet.db")
	v.SetDefault("output.mysql.enabled", false)
	v.SetDefault("output.mysql.host", "localhost")
	v.SetDefault("output.mysql.port", 3306)
	v.SetDefault("output.mysql.username", "")
	v.SetDefault("output.mysql.password", "")
	v.SetDefault("output.mysql.database", "birdnet")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "birdnet/detections")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.urls", []string{})
	v.SetDefault("notification.species", []string{})
	v.SetDefault("notification.cooldown", 15*time.Minute)
	v.SetDefault("notification.timeout", 10*time.Second)

	v.SetDefault("enrichment.enabled", true)
	v.SetDefault("enrichment.latitude", 0.0)
	v.SetDefault("enrichment.longitude", 0.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":8090")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
}
