package observability

import "github.com/tphakala/birdnet-pipeline/internal/logger"

func getLogger() logger.Logger {
	return logger.Global().Module("observability")
}
