// Package maintenance runs the periodic retention jobs over the queue,
// the delivery log, and the rate counters.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ienone/VaultStream-sub000/internal/storage"
)

// Service prunes aged records on a cron schedule.
type Service struct {
	store     storage.Storage
	log       *slog.Logger
	retention time.Duration
	cron      *cron.Cron
}

// New creates the retention service. retention bounds how long terminal
// queue items, push records, and spent rate windows are kept.
func New(store storage.Storage, log *slog.Logger, retention time.Duration) *Service {
	return &Service{
		store:     store,
		log:       log,
		retention: retention,
		cron:      cron.New(),
	}
}

// Start schedules the hourly prune pass.
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc("@hourly", s.prune); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running job to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Service) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.retention)

	items, err := s.store.PruneTerminalItems(ctx, cutoff)
	if err != nil {
		s.log.Error("prune terminal items", "error", err)
	}
	records, err := s.store.PrunePushRecords(ctx, cutoff)
	if err != nil {
		s.log.Error("prune push records", "error", err)
	}
	windows, err := s.store.PruneRateWindows(ctx, cutoff.Unix())
	if err != nil {
		s.log.Error("prune rate windows", "error", err)
	}

	if items > 0 || records > 0 || windows > 0 {
		s.log.Info("retention pass", "items", items, "records", records, "windows", windows)
	}
}
