package recorder

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
)

// localBackend captures from a PulseAudio or PipeWire server over its unix
// socket.
type localBackend struct {
	src conf.SourceSettings
}

func newLocalBackend(src conf.SourceSettings) *localBackend {
	return &localBackend{src: src}
}

func (b *localBackend) Type() string { return conf.SourceLocal }

func (b *localBackend) Validate() error {
	if err := conf.ValidateSource(&b.src); err != nil {
		return configError(err, b.src)
	}
	return nil
}

// HealthCheck requires the audio server socket to exist. A missing socket
// is transient: the server may not be up yet.
func (b *localBackend) HealthCheck(context.Context) error {
	if b.src.Socket == "" {
		return nil
	}
	info, err := os.Stat(b.src.Socket)
	if err != nil {
		return errors.New(err).
			Component("recorder").
			Category(errors.CategoryAudioSource).
			Context("operation", "stat_socket").
			Context("source_id", b.src.ID).
			Context("socket", b.src.Socket).
			Build()
	}
	if info.Mode().Type() != fs.ModeSocket {
		return errors.New(fmt.Errorf("%s is not a unix socket", b.src.Socket)).
			Component("recorder").
			Category(errors.CategoryAudioSource).
			Context("source_id", b.src.ID).
			Build()
	}
	return nil
}

func (b *localBackend) Args() []string {
	args := []string{"-f", "pulse"}
	if b.src.Socket != "" {
		args = append(args, "-server", "unix:"+b.src.Socket)
	}
	return append(args, "-i", b.src.Device)
}

func (b *localBackend) Classify(a Attempt) FailureClass {
	if !a.Started {
		return FailureUnavailable
	}
	return FailureProcessExit
}
