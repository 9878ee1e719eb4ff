// Package notification sends alerts for watched species through shoutrrr
// service URLs.
package notification

import (
	"io"
	"log"
	"net/url"
	"slices"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
)

// Sender delivers one message to every configured service. The returned
// slice holds one entry per service, nil on success.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// NewShoutrrrSender builds a router for urls. URL parse errors never echo
// the URL itself since it usually embeds a token.
func NewShoutrrrSender(urls []string, timeout time.Duration) (Sender, error) {
	if len(urls) == 0 {
		return nil, errors.Newf("at least one notification URL is required").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.Newf("invalid notification URL: %s", logger.RedactSensitiveData(err.Error())).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return sender, nil
}

// serviceNames returns the scheme of each URL, used as metric label.
func serviceNames(urls []string) []string {
	names := make([]string, 0, len(urls))
	for _, raw := range urls {
		name := "unknown"
		if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
			name = u.Scheme
		}
		names = append(names, name)
	}
	return slices.Clip(names)
}

func getLogger() logger.Logger {
	return logger.Global().Module("notification")
}
