package analysis

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
)

// ErrClaimed is returned by ProcessChunk when another worker or process
// holds the chunk.
var ErrClaimed = errors.NewStd("chunk is claimed by another worker")

// claim takes exclusive ownership of the chunk at path. It returns false
// when the chunk is in flight here, claimed elsewhere, already done or gone.
func (o *Orchestrator) claim(path string) bool {
	o.mu.Lock()
	if _, busy := o.inflight[path]; busy {
		o.mu.Unlock()
		return false
	}
	o.inflight[path] = struct{}{}
	o.mu.Unlock()

	if !o.tryClaim(path) {
		o.forget(path)
		return false
	}
	if o.metrics != nil {
		o.metrics.InFlightChunks.Inc()
	}
	return true
}

func (o *Orchestrator) tryClaim(path string) bool {
	if exists(path + DoneSuffix) {
		return false
	}

	created, err := o.createMarker(path + ClaimSuffix)
	if err != nil {
		o.logger.Warn("failed to create claim marker",
			logger.String("chunk", path),
			logger.Error(err))
		return false
	}
	if !created {
		if !o.reclaimStale(path + ClaimSuffix) {
			return false
		}
		if created, err = o.createMarker(path + ClaimSuffix); err != nil || !created {
			return false
		}
	}

	// the chunk may have been retired between listing and claiming
	if !exists(path) {
		_ = os.Remove(path + ClaimSuffix)
		return false
	}
	return true
}

// createMarker creates marker exclusively. It reports false without error
// when the marker already exists.
func (o *Orchestrator) createMarker(marker string) (bool, error) {
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:gosec // G304: marker paths derive from scanned chunks
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	_, werr := fmt.Fprintf(f, "%s %d %s\n", o.hostname, os.Getpid(), o.now().UTC().Format(time.RFC3339))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(marker)
		return false, werr
	}
	return true, nil
}

// reclaimStale removes marker if it is older than the stale claim timeout.
// The marker is renamed to a unique tombstone first so only one contender
// wins; a marker that turns out to be fresh after the rename is restored.
func (o *Orchestrator) reclaimStale(marker string) bool {
	if !o.isStale(marker) {
		return false
	}

	tomb := marker + ".stale-" + uuid.NewString()
	if err := os.Rename(marker, tomb); err != nil {
		return false
	}
	if !o.isStale(tomb) {
		// lost a race with a fresh claim
		_ = os.Rename(tomb, marker)
		return false
	}
	if err := os.Remove(tomb); err != nil {
		o.logger.Warn("failed to remove stale claim tombstone",
			logger.String("path", tomb),
			logger.Error(err))
	}

	o.stats.staleReclaimed.Add(1)
	if o.metrics != nil {
		o.metrics.StaleClaimsRevived.Inc()
	}
	o.logger.Info("reclaimed stale chunk claim",
		logger.String("marker", marker),
		logger.Duration("timeout", o.cfg.StaleClaimTimeout))
	return true
}

func (o *Orchestrator) isStale(marker string) bool {
	info, err := os.Stat(marker)
	if err != nil {
		return false
	}
	return o.now().Sub(info.ModTime()) > o.cfg.StaleClaimTimeout
}

// keepClaim refreshes the claim marker's modification time until the
// returned stop function is called, so a chunk that takes longer than the
// stale claim timeout is not reclaimed by another process.
func (o *Orchestrator) keepClaim(path string) (stop func()) {
	interval := max(o.cfg.StaleClaimTimeout/4, 10*time.Millisecond)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				now := o.now()
				if err := os.Chtimes(path+ClaimSuffix, now, now); err != nil && !os.IsNotExist(err) {
					o.logger.Warn("failed to refresh claim marker",
						logger.String("chunk", path),
						logger.Error(err))
				}
			}
		}
	})
	return func() {
		close(done)
		wg.Wait()
	}
}

// release removes the claim marker and forgets the chunk.
func (o *Orchestrator) release(path string) {
	if err := os.Remove(path + ClaimSuffix); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("failed to remove claim marker",
			logger.String("chunk", path),
			logger.Error(err))
	}
	o.forget(path)
	if o.metrics != nil {
		o.metrics.InFlightChunks.Dec()
	}
}

// markDone turns the claim into a done marker so the chunk is never
// reprocessed, even though it could not be retired.
func (o *Orchestrator) markDone(path string) {
	if err := os.Rename(path+ClaimSuffix, path+DoneSuffix); err != nil {
		o.logger.Error("failed to write done marker, chunk may be reprocessed",
			logger.String("chunk", path),
			logger.Error(err))
	}
	o.forget(path)
	if o.metrics != nil {
		o.metrics.InFlightChunks.Dec()
	}
}

func (o *Orchestrator) forget(path string) {
	o.mu.Lock()
	delete(o.inflight, path)
	o.mu.Unlock()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
