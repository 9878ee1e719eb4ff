// Package conf provides configuration management for the pipeline.
package conf

import "github.com/tphakala/birdnet-pipeline/internal/logger"

// GetLogger returns the config package logger. It is fetched from the global
// logger on each call since the central logger is configured after Load.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
