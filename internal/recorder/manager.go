package recorder

import (
	"context"
	"sync"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
)

// Manager runs one recorder per configured source and stops them together.
type Manager struct {
	recorders []*Recorder
	wg        sync.WaitGroup
	logger    logger.Logger
}

// NewManager builds recorders for every source in settings. Invalid
// sources fail here, before any subprocess starts.
func NewManager(settings *conf.Settings, opts ...Option) (*Manager, error) {
	m := &Manager{logger: logger.Global().Module("recorder")}
	seen := make(map[string]struct{}, len(settings.Recorder.Sources))

	for _, src := range settings.Recorder.Sources {
		if _, dup := seen[src.ID]; dup {
			return nil, errors.Newf("duplicate source id %q", src.ID).
				Component("recorder").
				Category(errors.CategoryConfiguration).
				Build()
		}
		seen[src.ID] = struct{}{}

		backend, err := NewBackend(src, settings.Recorder.HealthTimeout)
		if err != nil {
			return nil, err
		}
		if err := backend.Validate(); err != nil {
			return nil, err
		}
		m.recorders = append(m.recorders, New(ConfigFromSettings(settings, src), backend, opts...))
	}
	return m, nil
}

// NewManagerWith wraps already constructed recorders.
func NewManagerWith(recorders ...*Recorder) *Manager {
	return &Manager{recorders: recorders, logger: logger.Global().Module("recorder")}
}

// Start runs every recorder in its own goroutine. Persistent failures are
// logged; the other recorders keep running.
func (m *Manager) Start(ctx context.Context) {
	for _, r := range m.recorders {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := r.Run(ctx); err != nil {
				m.logger.Error("recorder stopped with persistent error",
					logger.String("source_id", r.SourceID()),
					logger.Error(err))
			}
		}()
	}
	m.logger.Info("recorders started", logger.Int("count", len(m.recorders)))
}

// Stop stops every recorder and waits for their goroutines.
func (m *Manager) Stop() {
	var wg sync.WaitGroup
	for _, r := range m.recorders {
		wg.Go(r.Stop)
	}
	wg.Wait()
	m.wg.Wait()
}

// Statuses returns the status of every recorder in configuration order.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.recorders))
	for _, r := range m.recorders {
		out = append(out, r.Status())
	}
	return out
}

// Healthy reports whether no recorder is in the error state.
func (m *Manager) Healthy() bool {
	for _, r := range m.recorders {
		if r.State() == StateError {
			return false
		}
	}
	return true
}

// Len returns the number of recorders.
func (m *Manager) Len() int { return len(m.recorders) }
