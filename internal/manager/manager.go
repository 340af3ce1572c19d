// Package manager implements the Room Manager: the registry of per-room
// Supervisors, the operator command surface (add/start/stop/remove/update),
// start-up reconciliation of stale persisted state, and process-wide
// shutdown. Registry mutations are serialized by one mutex; Supervisors do
// their state-machine work outside it and reach back in only through the
// Storage Gateway.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomwatch/monitor/internal/core"
	"github.com/roomwatch/monitor/internal/logging"
	"github.com/roomwatch/monitor/internal/metrics"
	"github.com/roomwatch/monitor/internal/models"
	"github.com/roomwatch/monitor/internal/processor"
	"github.com/roomwatch/monitor/internal/storage"
	"github.com/roomwatch/monitor/internal/supervisor"
)

// Operator command errors.
var (
	ErrRoomAlreadyActive = errors.New("manager: room already active")
	ErrInvalidMode       = errors.New("manager: invalid monitor mode")
	ErrShuttingDown      = errors.New("manager: shutting down")
)

// shutdownGrace bounds how long Shutdown waits for each Supervisor before
// logging a forced exit and moving on.
const shutdownGrace = 10 * time.Second

// Manager owns the identifier -> Supervisor registry.
type Manager struct {
	core *core.Core
	cfg  supervisor.Config

	mu           sync.Mutex
	supervisors  map[string]*supervisor.Supervisor
	shutdownCh   chan struct{}
	shuttingDown bool
}

// New builds a Manager over the shared Core context.
func New(c *core.Core) *Manager {
	return &Manager{
		core: c,
		cfg: supervisor.Config{
			MaxRetries:         c.Config.MaxRetries,
			ReconnectDelay:     c.Config.ReconnectDelay,
			PollInterval:       c.Config.PollInterval,
			MaxPollAttempts:    c.Config.MaxPollAttempts,
			TraceCacheCapacity: c.Config.TraceCacheCapacity,
		},
		supervisors: make(map[string]*supervisor.Supervisor),
		shutdownCh:  make(chan struct{}),
	}
}

func validMode(mode models.MonitorMode) bool {
	return mode == models.ModeManual || mode == models.ModePersistent
}

// Reconcile runs the start-up janitor: closes sessions left
// live past the staleness threshold and resets every Room persisted as
// monitoring that has no in-memory Supervisor, so the status column can be
// trusted by the dashboard from the first request on.
func (m *Manager) Reconcile(ctx context.Context) error {
	threshold := m.core.Clock.WallNow().Add(-time.Duration(m.core.Config.StaleSessionHours) * time.Hour)
	closed, err := m.core.Gateway.CloseStaleSessions(ctx, threshold)
	if err != nil {
		return fmt.Errorf("close stale sessions: %w", err)
	}
	if closed > 0 {
		logging.Info(ctx, "closed stale sessions", zap.Int("count", closed))
	}

	rooms, err := m.core.Gateway.ListRooms(ctx, storage.RoomFilter{Status: string(models.RoomMonitoring)})
	if err != nil {
		return fmt.Errorf("list monitoring rooms: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, room := range rooms {
		if _, active := m.supervisors[room.Identifier]; active {
			continue
		}
		rctx := logging.WithRoom(ctx, room.Identifier)
		if err := m.core.Gateway.UpdateRoomStatus(rctx, room.Identifier, models.RoomStopped, nil); err != nil {
			logging.Error(rctx, "status reset failed", zap.Error(err))
			continue
		}
		if err := m.core.Gateway.AppendSystemEvent(rctx, room.Identifier, models.EventStatusReset, "restart reset", m.core.Clock.WallNow()); err != nil {
			logging.Warn(rctx, "status reset audit failed", zap.Error(err))
		}
		logging.Info(rctx, "reset ghost monitoring room")
	}
	return nil
}

// AddRoom persists a Room if absent and registers a running Supervisor.
func (m *Manager) AddRoom(ctx context.Context, identifier string, mode models.MonitorMode, autoReconnect bool) error {
	if !validMode(mode) {
		return ErrInvalidMode
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return ErrShuttingDown
	}
	if sup, active := m.supervisors[identifier]; active && !exited(sup) {
		return ErrRoomAlreadyActive
	}

	room, err := m.core.Gateway.UpsertRoom(ctx, identifier, storage.RoomFields{
		Mode:          string(mode),
		AutoReconnect: autoReconnect,
	})
	if err != nil {
		return err
	}
	m.spawnLocked(room)
	return nil
}

// StartRoom ensures a Supervisor exists for an already-persisted Room and
// starts it. Returns storage.ErrRoomNotFound for unknown identifiers and
// ErrRoomAlreadyActive when one is already running.
func (m *Manager) StartRoom(ctx context.Context, identifier string) error {
	room, err := m.core.Gateway.GetRoom(ctx, identifier)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return ErrShuttingDown
	}
	if sup, active := m.supervisors[identifier]; active && !exited(sup) {
		return ErrRoomAlreadyActive
	}
	m.spawnLocked(room)
	return nil
}

// StopRoom stops and unregisters the room's Supervisor. Stopping a room
// that is not active is a soft no-op, but a database status stranded at
// monitoring is still reconciled to stopped.
func (m *Manager) StopRoom(ctx context.Context, identifier string) error {
	m.mu.Lock()
	sup := m.supervisors[identifier]
	delete(m.supervisors, identifier)
	metrics.RoomsActive.Set(float64(len(m.supervisors)))
	m.mu.Unlock()

	if sup == nil {
		room, err := m.core.Gateway.GetRoom(ctx, identifier)
		if err == nil && room.Status == models.RoomMonitoring {
			if err := m.core.Gateway.UpdateRoomStatus(ctx, identifier, models.RoomStopped, nil); err != nil {
				return err
			}
		}
		return nil
	}

	sup.Stop()
	select {
	case <-sup.Done():
	case <-time.After(shutdownGrace):
		logging.Warn(logging.WithRoom(ctx, identifier), "supervisor stop exceeded grace period")
	}
	return nil
}

// RemoveRoom stops the Supervisor and deletes the Room, cascading to every
// owned child entity.
func (m *Manager) RemoveRoom(ctx context.Context, identifier string) error {
	if err := m.StopRoom(ctx, identifier); err != nil {
		return err
	}
	return m.core.Gateway.DeleteRoom(ctx, identifier)
}

// UpdateRoomConfig persists operator mode/auto-reconnect changes.
func (m *Manager) UpdateRoomConfig(ctx context.Context, identifier string, mode *models.MonitorMode, autoReconnect *bool) error {
	if mode != nil && !validMode(*mode) {
		return ErrInvalidMode
	}
	if _, err := m.core.Gateway.GetRoom(ctx, identifier); err != nil {
		return err
	}
	return m.core.Gateway.UpdateRoomConfig(ctx, identifier, mode, autoReconnect)
}

// RestartFailed re-starts every registered Supervisor whose goroutine has
// exited and whose Room still has auto-reconnect enabled.
func (m *Manager) RestartFailed(ctx context.Context) {
	m.mu.Lock()
	var stale []string
	for identifier, sup := range m.supervisors {
		if exited(sup) {
			stale = append(stale, identifier)
		}
	}
	m.mu.Unlock()

	for _, identifier := range stale {
		rctx := logging.WithRoom(ctx, identifier)
		room, err := m.core.Gateway.GetRoom(rctx, identifier)
		if err != nil {
			logging.Warn(rctx, "restart lookup failed", zap.Error(err))
			continue
		}
		if !room.AutoReconnect {
			continue
		}

		m.mu.Lock()
		if m.shuttingDown {
			m.mu.Unlock()
			return
		}
		if sup, present := m.supervisors[identifier]; !present || !exited(sup) {
			// Removed or already revived by an operator command.
			m.mu.Unlock()
			continue
		}
		m.spawnLocked(room)
		m.mu.Unlock()
		logging.Info(rctx, "restarted failed supervisor")
	}
}

// EachMonitored visits every room whose Supervisor is currently streaming,
// handing the Scheduler's snapshot job the in-memory rolling counters.
func (m *Manager) EachMonitored(fn func(roomID int64, identifier string, stats processor.RollingStats)) {
	m.mu.Lock()
	sups := make([]*supervisor.Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		sups = append(sups, sup)
	}
	m.mu.Unlock()

	for _, sup := range sups {
		if stats, ok := sup.Stats(); ok {
			fn(sup.RoomID(), sup.Identifier(), stats)
		}
	}
}

// Shutdown broadcasts the process-wide stop signal and awaits every
// Supervisor, bounded by the grace period per room. A Supervisor that fails
// to exit in time is logged with a forced-exit audit and abandoned to
// process teardown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	close(m.shutdownCh)
	sups := make(map[string]*supervisor.Supervisor, len(m.supervisors))
	for identifier, sup := range m.supervisors {
		sups[identifier] = sup
	}
	m.supervisors = make(map[string]*supervisor.Supervisor)
	metrics.RoomsActive.Set(0)
	m.mu.Unlock()

	for identifier, sup := range sups {
		sup.Stop()
		select {
		case <-sup.Done():
		case <-time.After(shutdownGrace):
			rctx := logging.WithRoom(ctx, identifier)
			logging.Error(rctx, "supervisor forced exit at shutdown")
			if err := m.core.Gateway.AppendSystemEvent(rctx, identifier, models.EventError, "forced exit at shutdown", m.core.Clock.WallNow()); err != nil {
				logging.Warn(rctx, "forced exit audit failed", zap.Error(err))
			}
		}
	}
	logging.Info(ctx, "manager shutdown complete", zap.Int("supervisors", len(sups)))
}

// SupervisorExited implements supervisor.Handle. The entry stays registered
// so the restart_failed job can observe and revive it.
func (m *Manager) SupervisorExited(identifier string) {
	logging.Debug(logging.WithRoom(context.Background(), identifier), "supervisor exited")
}

func (m *Manager) spawnLocked(room *models.Room) {
	sup := supervisor.New(room, m.core.Gateway, m.core.Bus, m.core.Clock, m.core.Fetchers.New(), m.cfg, m, m.shutdownCh)
	m.supervisors[room.Identifier] = sup
	metrics.RoomsActive.Set(float64(len(m.supervisors)))
	sup.Start()
}

func exited(sup *supervisor.Supervisor) bool {
	select {
	case <-sup.Done():
		return true
	default:
		return false
	}
}
