package storage

import (
	"context"
	"log/slog"
	"time"
)

// StagingSweeper is implemented by backends that can leave abandoned
// in-progress writes behind after a crash.
type StagingSweeper interface {
	SweepStaging(ctx context.Context, maxAge time.Duration) (int, error)
}

// CleanupService periodically removes abandoned staging files so the keys
// they claim become allocatable again.
type CleanupService struct {
	store    StagingSweeper
	interval time.Duration
	maxAge   time.Duration
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(store StagingSweeper, interval, maxAge time.Duration) *CleanupService {
	return &CleanupService{
		store:    store,
		interval: interval,
		maxAge:   maxAge,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval, "max_age", cs.maxAge)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.runCleanup(ctx)

		for {
			select {
			case <-ticker.C:
				cs.runCleanup(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) runCleanup(ctx context.Context) {
	removed, err := cs.store.SweepStaging(ctx, cs.maxAge)
	if err != nil {
		slog.Error("staging sweep failed", "removed", removed, "error", err)
		return
	}
	if removed > 0 {
		slog.Info("removed abandoned staging files", "count", removed)
		return
	}
	slog.Debug("no abandoned staging files")
}
