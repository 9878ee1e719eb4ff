package recorder

import (
	"bufio"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
)

// stderrTailSize bounds the retained subprocess error output.
const stderrTailSize = 4096

// Process is a running capture subprocess.
type Process interface {
	// Segments yields the paths of completed segments. It is closed when the
	// process closes its output.
	Segments() <-chan string
	// Done is closed after the process has exited and Segments is closed.
	Done() <-chan struct{}
	// Err returns the exit error once Done is closed.
	Err() error
	// Stderr returns the tail of the error output.
	Stderr() string
	// Kill terminates the process and its children.
	Kill() error
	// PID returns the process id, 0 when unknown.
	PID() int
}

// Launcher starts capture subprocesses.
type Launcher interface {
	Launch(ctx context.Context, name string, args []string, dir string) (Process, error)
}

// ExecLauncher runs real subprocesses.
type ExecLauncher struct{}

// Launch starts name with args. Relative segment paths printed on stdout
// are resolved against dir.
func (ExecLauncher) Launch(ctx context.Context, name string, args []string, dir string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // G204: binary resolved from validated settings, args built internally
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	p := &execProcess{
		cmd:      cmd,
		stderr:   newTailWriter(stderrTailSize),
		segments: make(chan string, 16),
		done:     make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.New(err).
			Component("recorder").
			Category(errors.CategorySystem).
			Context("operation", "stdout_pipe").
			Build()
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.New(err).
			Component("recorder").
			Category(errors.CategoryCommandExecution).
			Context("operation", "start_process").
			Context("binary", name).
			Build()
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !filepath.IsAbs(line) {
				line = filepath.Join(dir, line)
			}
			p.segments <- line
		}
		close(p.segments)
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	stderr   *tailWriter
	segments chan string
	done     chan struct{}
	err      error
}

func (p *execProcess) Segments() <-chan string { return p.segments }
func (p *execProcess) Done() <-chan struct{}   { return p.done }
func (p *execProcess) Stderr() string          { return p.stderr.String() }

func (p *execProcess) Err() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	return killProcessGroup(p.cmd)
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// tailWriter keeps the last bytes written to it.
type tailWriter struct {
	mu sync.Mutex
	rb *ringbuffer.RingBuffer
}

func newTailWriter(size int) *tailWriter {
	return &tailWriter{rb: ringbuffer.New(size)}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	if capacity := w.rb.Capacity(); len(p) >= capacity {
		w.rb.Reset()
		p = p[len(p)-capacity:]
	} else if free := w.rb.Free(); free < len(p) {
		discard := make([]byte, len(p)-free)
		_, _ = w.rb.Read(discard)
	}
	if _, err := w.rb.Write(p); err != nil {
		return 0, err
	}
	return n, nil
}

// String returns the retained output without consuming it.
func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, w.rb.Length())
	n, _ := w.rb.Read(buf)
	_, _ = w.rb.Write(buf[:n])
	return strings.TrimSpace(string(buf[:n]))
}
