package main

import (
	"context"
	"time"

	"github.com/livinglabs/livelab/internal/pkg/errors"
	"github.com/livinglabs/livelab/internal/pkg/logger"
	"github.com/livinglabs/livelab/internal/retention"
	"github.com/livinglabs/livelab/internal/store"
)

// sweeper runs a sweep over an explicit window.
type sweeper interface {
	SweepWindow(ctx context.Context, w retention.Window) (*retention.SweepReport, error)
}

// scheduler runs sweeps periodically on a single goroutine. Each sweep
// covers the window from the end of the previous one to the current tick,
// so consecutive windows never overlap or leave gaps. The end of every
// successful window is written to the checkpoint, and Run resumes from it,
// so a restart neither repeats a window nor drops the span the daemon was
// down for. A slow sweep delays the next tick instead of running
// concurrently with it.
type scheduler struct {
	sweeper    sweeper
	checkpoint store.Checkpoint
	interval   time.Duration
	log      *logger.Logger
	now      func() time.Time
}

func newScheduler(s sweeper, cp store.Checkpoint, interval time.Duration, log *logger.Logger) *scheduler {
	if log == nil {
		log = logger.Discard()
	}
	return &scheduler{sweeper: s, checkpoint: cp, interval: interval, log: log, now: time.Now}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *scheduler) Run(ctx context.Context) error {
	s.log.Info("Retention scheduler starting", "interval", s.interval)

	last := s.start(ctx)
	last = s.tick(ctx, last)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Retention scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			last = s.tick(ctx, last)
		}
	}
}

// start returns the end of the last persisted window, or one interval
// before now when nothing has been persisted yet.
func (s *scheduler) start(ctx context.Context) time.Time {
	end, err := s.checkpoint.LastSweepEnd(ctx)
	if err != nil {
		s.log.Error("Reading sweep checkpoint failed", "error", err)
	}
	if err != nil || end.IsZero() {
		return s.now().Add(-s.interval)
	}
	s.log.Info("Resuming from sweep checkpoint", "last_end", end)
	return end
}

// tick sweeps (last, now] and returns the new window end. A failed sweep
// leaves last unchanged so the next tick covers the missed span.
func (s *scheduler) tick(ctx context.Context, last time.Time) time.Time {
	now := s.now()
	if !now.After(last) {
		return last
	}
	if _, err := s.sweeper.SweepWindow(ctx, retention.Window{From: last, To: now}); err != nil {
		if errors.IsRetryable(err) {
			s.log.Warn("Sweep failed, retrying next tick", "error", err)
		} else {
			s.log.Error("Sweep failed", "error", err)
		}
		return last
	}
	if err := s.checkpoint.SetLastSweepEnd(ctx, now); err != nil {
		s.log.Error("Saving sweep checkpoint failed", "error", err, "window_end", now)
	}
	return now
}
