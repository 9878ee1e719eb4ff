package diskmanager

import "github.com/tphakala/birdnet-pipeline/internal/logger"

// GetLogger returns the diskmanager module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("diskmanager")
}
