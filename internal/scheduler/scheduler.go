// Package scheduler runs the periodic background jobs: restart
// failed supervisors, snapshot per-room stats, purge old data, and the
// one-shot auto-start of persistent rooms at boot. Jobs are driven by a
// robfig/cron instance with @every schedules derived from the configured
// intervals.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/roomwatch/monitor/internal/core"
	"github.com/roomwatch/monitor/internal/logging"
	"github.com/roomwatch/monitor/internal/manager"
	"github.com/roomwatch/monitor/internal/metrics"
	"github.com/roomwatch/monitor/internal/models"
	"github.com/roomwatch/monitor/internal/processor"
)

// Rooms is the slice of the Room Manager the Scheduler drives.
type Rooms interface {
	RestartFailed(ctx context.Context)
	EachMonitored(fn func(roomID int64, identifier string, stats processor.RollingStats))
	StartRoom(ctx context.Context, identifier string) error
}

// Scheduler owns the cron instance and its four jobs.
type Scheduler struct {
	core  *core.Core
	rooms Rooms
	cron  *cron.Cron
}

// New builds a Scheduler over the shared Core and the Manager's Rooms
// surface.
func New(c *core.Core, rooms Rooms) *Scheduler {
	return &Scheduler{
		core:  c,
		rooms: rooms,
		cron:  cron.New(),
	}
}

// Start runs the one-shot auto-start of persistent rooms, registers the
// periodic jobs, and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.AutoStartPersistent(ctx)

	jobs := []struct {
		name     string
		every    string
		run      func()
		disabled bool
	}{
		{
			name:  "restart_failed",
			every: fmt.Sprintf("@every %s", s.core.Config.RestartFailedInterval),
			run:   s.RestartFailed,
		},
		{
			name:  "snapshot_stats",
			every: fmt.Sprintf("@every %s", s.core.Config.StatsSnapshotInterval),
			run:   s.SnapshotStats,
		},
		{
			name:     "purge_old",
			every:    fmt.Sprintf("@every %s", s.core.Config.PurgeInterval),
			run:      s.PurgeOld,
			disabled: s.core.Config.DataRetentionDays == 0,
		},
	}
	for _, job := range jobs {
		if job.disabled {
			logging.Info(ctx, "scheduler job disabled", zap.String("job", job.name))
			continue
		}
		if _, err := s.cron.AddFunc(job.every, job.run); err != nil {
			return fmt.Errorf("register %s: %w", job.name, err)
		}
	}

	s.cron.Start()
	logging.Info(ctx, "scheduler started")
	return nil
}

// Stop halts the cron loop and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// AutoStartPersistent ensures every persistent Room has a registered,
// started Supervisor. Runs once at boot.
func (s *Scheduler) AutoStartPersistent(ctx context.Context) {
	rooms, err := s.core.Gateway.ListPersistentRooms(ctx)
	if err != nil {
		logging.Error(ctx, "list persistent rooms failed", zap.Error(err))
		return
	}
	for _, room := range rooms {
		rctx := logging.WithRoom(ctx, room.Identifier)
		switch err := s.rooms.StartRoom(rctx, room.Identifier); err {
		case nil:
			logging.Info(rctx, "auto-started persistent room")
		case manager.ErrRoomAlreadyActive:
		default:
			logging.Warn(rctx, "auto-start failed", zap.Error(err))
		}
	}
}

// RestartFailed delegates to the Manager's registry sweep.
func (s *Scheduler) RestartFailed() {
	s.rooms.RestartFailed(context.Background())
}

// SnapshotStats samples the rolling counters of every streaming room and
// appends a RoomStatsSnapshot, logging a per-room status line at debug.
func (s *Scheduler) SnapshotStats() {
	ctx := context.Background()
	now := s.core.Clock.WallNow()
	s.rooms.EachMonitored(func(roomID int64, identifier string, stats processor.RollingStats) {
		rctx := logging.WithRoom(ctx, identifier)
		snap := models.RoomStatsSnapshot{
			RoomID:            roomID,
			CurrentViewers:    stats.CurrentViewers,
			CumulativeViewers: stats.CumulativeViewers,
			TotalIncome:       stats.TotalIncome,
			ContributorCount:  stats.ContributorCount,
			Timestamp:         now,
		}
		if err := s.core.Gateway.AppendStatsSnapshot(rctx, snap); err != nil {
			logging.Error(rctx, "append stats snapshot failed", zap.Error(err))
			return
		}
		metrics.SnapshotsProduced.WithLabelValues(identifier).Inc()
		logging.Debug(rctx, "room status",
			zap.Int64("current_viewers", stats.CurrentViewers),
			zap.Int64("cumulative_viewers", stats.CumulativeViewers),
			zap.Int64("total_income", stats.TotalIncome),
			zap.Int64("contributors", stats.ContributorCount),
		)
	})
}

// PurgeOld deletes chats, gifts, snapshots and system events older than the
// retention window.
func (s *Scheduler) PurgeOld() {
	ctx := context.Background()
	cutoff := s.core.Clock.WallNow().AddDate(0, 0, -s.core.Config.DataRetentionDays)
	n, err := s.core.Gateway.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		logging.Error(ctx, "purge failed", zap.Error(err))
		return
	}
	metrics.PurgedRows.Add(float64(n))
	if n > 0 {
		logging.Info(ctx, "purged old rows", zap.Int64("rows", n))
	}
}
