// Package spectrogram renders PNG spectrograms of detection clips with sox.
package spectrogram

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/myaudio"
)

const (
	// defaultGenerationTimeout bounds a single sox run. Slow SD cards under
	// I/O pressure need the headroom.
	defaultGenerationTimeout = 90 * time.Second

	defaultDynamicRange = "100"

	// heightRatio is the divisor for calculating spectrogram height from width
	heightRatio = 2

	durationRoundingOffset = 0.5

	outputDirPermissions = 0o755

	osWindows = "windows"

	soxResampleRate = "24k"
)

// Runner executes binary with args, feeding stdin, and returns combined output.
type Runner func(ctx context.Context, binary string, args []string, stdin []byte) ([]byte, error)

// Config configures the generator.
type Config struct {
	SoxPath string
	Width   int
	Timeout time.Duration
}

// Generator renders spectrograms from in-memory PCM.
type Generator struct {
	cfg    Config
	run    Runner
	logger logger.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithRunner replaces the command runner, used by tests.
func WithRunner(r Runner) Option {
	return func(g *Generator) { g.run = r }
}

// WithLogger sets the generator logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// NewGenerator creates a generator. A nil logger falls back to the global one.
func NewGenerator(cfg Config, opts ...Option) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGenerationTimeout
	}
	g := &Generator{
		cfg:    cfg,
		run:    runCommand,
		logger: logger.Global().Module("spectrogram"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Render writes a spectrogram of s to outputPath. The image is produced under
// outputPath+".temp" and renamed into place when sox succeeds.
func (g *Generator) Render(ctx context.Context, s *myaudio.Samples, outputPath string) error {
	start := time.Now()

	if outputPath == "" {
		return validationError("output path is empty", "render")
	}
	if g.cfg.Width <= 0 {
		return errors.Newf("width must be positive").
			Component("spectrogram").
			Category(errors.CategoryValidation).
			Context("operation", "render").
			Context("width", g.cfg.Width).
			Build()
	}
	if s == nil || len(s.Data) == 0 {
		return validationError("PCM data is empty", "render")
	}
	if g.cfg.SoxPath == "" {
		return errors.Newf("sox binary not configured").
			Component("spectrogram").
			Category(errors.CategoryConfiguration).
			Context("operation", "render").
			Build()
	}

	outputDir := filepath.Dir(outputPath)
	if err := os.MkdirAll(outputDir, outputDirPermissions); err != nil {
		return errors.New(err).
			Component("spectrogram").
			Category(errors.CategoryFileIO).
			Context("operation", "ensure_output_directory").
			Context("output_dir", outputDir).
			Build()
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	mono := s.ToMono()
	tempPath := outputPath + myaudio.TempSuffix
	args := g.soxArgs(mono, tempPath)

	output, err := g.run(ctx, g.cfg.SoxPath, args, mono.EncodeS16LE())
	if err != nil {
		_ = os.Remove(tempPath)
		return errors.New(err).
			Component("spectrogram").
			Category(errors.CategoryCommandExecution).
			Timing("generate_with_sox_pcm", time.Since(start)).
			Context("output_path", outputPath).
			Context("sox_output", string(output)).
			Build()
	}

	if err := os.Rename(tempPath, outputPath); err != nil {
		_ = os.Remove(tempPath)
		return errors.New(err).
			Component("spectrogram").
			Category(errors.CategoryFileIO).
			Context("operation", "finalize_spectrogram").
			Context("output_path", outputPath).
			Build()
	}

	g.logger.Debug("spectrogram rendered",
		logger.String("output_path", outputPath),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

// soxArgs builds the sox command line for raw s16le PCM on stdin. The -d
// duration must always be given, otherwise sox reads -x as seconds of audio.
func (g *Generator) soxArgs(s *myaudio.Samples, outputPath string) []string {
	seconds := s.Duration().Seconds()
	return []string{
		"-t", "raw",
		"-r", strconv.Itoa(s.SampleRate),
		"-e", "signed",
		"-b", "16",
		"-c", "1",
		"-",
		"-n",
		"rate", soxResampleRate,
		"spectrogram",
		"-x", strconv.Itoa(g.cfg.Width),
		"-y", strconv.Itoa(g.cfg.Width / heightRatio),
		"-d", strconv.Itoa(max(1, int(seconds+durationRoundingOffset))),
		"-z", defaultDynamicRange,
		"-o", outputPath,
	}
}

func validationError(msg, operation string) error {
	return errors.Newf("%s", msg).
		Component("spectrogram").
		Category(errors.CategoryValidation).
		Context("operation", operation).
		Build()
}

// runCommand runs the binary at low priority on non-Windows systems.
func runCommand(ctx context.Context, binary string, args []string, stdin []byte) ([]byte, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == osWindows {
		cmd = exec.CommandContext(ctx, binary, args...) // #nosec G204 - binary resolved by conf.ValidateToolPath
	} else {
		cmd = exec.CommandContext(ctx, "nice", append([]string{"-n", "19", binary}, args...)...) // #nosec G204
	}
	cmd.Stdin = bytes.NewReader(stdin)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	return output.Bytes(), err
}
