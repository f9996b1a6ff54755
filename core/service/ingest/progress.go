// Package ingest drives the populate_database pipeline and its progress
// reporting side-channel.
package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	in "mailarchive/core/port/in"
	out "mailarchive/core/port/out"
)

// ProgressReporter polls PatchRepository.CountPatches on a fixed interval
// and reports delta-from-initial progress through a callback, entirely
// independent of the writer's own transaction.
type ProgressReporter struct {
	patches  out.PatchRepository
	interval time.Duration
	log      zerolog.Logger
}

func NewProgressReporter(patches out.PatchRepository, interval time.Duration, log zerolog.Logger) *ProgressReporter {
	return &ProgressReporter{
		patches:  patches,
		interval: interval,
		log:      log.With().Str("component", "progress_reporter").Logger(),
	}
}

// Start begins ticking in a background goroutine and returns a stop
// function the caller must invoke exactly once, whether or not the
// reporter has already self-terminated. initial is the row count observed
// before ingestion began; total is the number of new rows expected.
func (r *ProgressReporter) Start(ctx context.Context, initial, total int64, progress in.ProgressFunc) func() {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		if total <= 0 {
			return
		}

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				current, err := r.patches.CountPatches(runCtx)
				if err != nil {
					r.log.Debug().Err(err).Msg("progress poll failed, skipping tick")
					continue
				}

				delta := current - initial
				if progress != nil {
					progress(in.ProgressEvent{Current: delta, Total: total, Message: "ingesting patches"})
				}
				if delta >= total {
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
