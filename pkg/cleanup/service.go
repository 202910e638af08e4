// Package cleanup provides the retention sweep for finished-run state.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/atelierhq/atelier/pkg/config"
)

// FinishedRunPruner drops in-memory results older than ttl.
type FinishedRunPruner interface {
	PruneFinished(ttl time.Duration) int
}

// JournalPruner removes on-disk journal files older than the TTL.
type JournalPruner interface {
	PruneJournals(olderThan time.Duration) (int, error)
}

// Service periodically enforces run retention:
//   - Drops finished-run artifacts held by the run manager
//   - Removes journal files past their TTL (active runs are spared)
//
// All operations are idempotent; a failed sweep is retried on the next tick.
type Service struct {
	config   config.RetentionConfig
	runs     FinishedRunPruner
	journals JournalPruner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service over the run manager and trace bus.
func NewService(cfg config.RetentionConfig, runs FinishedRunPruner, journals JournalPruner) *Service {
	return &Service{
		config:   cfg,
		runs:     runs,
		journals: journals,
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	if s.config.SweepInterval <= 0 || s.config.RunTTL <= 0 {
		slog.Info("Retention disabled",
			"run_ttl", s.config.RunTTL, "interval", s.config.SweepInterval)
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"run_ttl", s.config.RunTTL,
		"interval", s.config.SweepInterval)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneFinishedRuns(ctx)
	s.pruneJournals(ctx)
}

func (s *Service) pruneFinishedRuns(_ context.Context) {
	count := s.runs.PruneFinished(s.config.RunTTL)
	if count > 0 {
		slog.Info("Retention: dropped finished runs", "count", count)
	}
}

func (s *Service) pruneJournals(_ context.Context) {
	count, err := s.journals.PruneJournals(s.config.RunTTL)
	if err != nil {
		slog.Error("Retention: journal prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned journal files", "count", count)
	}
}
