// Package datastore persists detections through GORM on SQLite or MySQL.
package datastore

import "github.com/tphakala/birdnet-pipeline/internal/logger"

// GetLogger returns the datastore module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("datastore")
}
