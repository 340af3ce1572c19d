// Package storage defines the Storage Gateway: a narrow, strictly typed
// interface over the seven persisted entities. Every operation
// is synchronous and atomic with respect to a single row/entity; on write
// failure the Gateway surfaces the error without retry and lets the caller
// decide recovery.
//
// Rooms are addressed exclusively by their stable external identifier
//: row ids are storage-internal and never cross this interface's
// boundary except as opaque handles returned alongside a model (LiveSession
// IDs, GiftEvent IDs) for later point updates.
package storage

import (
	"context"
	"time"

	"github.com/roomwatch/monitor/internal/models"
)

// RoomFilter narrows ListRooms results. A zero value matches every room.
type RoomFilter struct {
	Mode   string // "" matches any MonitorMode
	Status string // "" matches any RoomStatus
}

// RoomFields are the caller-supplied attributes for a new Room.
type RoomFields struct {
	Mode          string
	AutoReconnect bool
}

// Gateway is the full Storage Gateway contract.
type Gateway interface {
	// Ping verifies connectivity to the backing store, used by health
	// checks.
	Ping(ctx context.Context) error

	// UpsertRoom returns the existing Room for identifier if present,
	// otherwise creates one with the given fields. Never duplicates.
	UpsertRoom(ctx context.Context, identifier string, fields RoomFields) (*models.Room, error)

	// GetRoom returns the Room for identifier, or ErrRoomNotFound.
	GetRoom(ctx context.Context, identifier string) (*models.Room, error)

	// UpdateRoomStatus idempotently writes status and an optional error
	// text (cleared when errText is nil) for the given room.
	UpdateRoomStatus(ctx context.Context, identifier string, status models.RoomStatus, errText *string) error

	// UpdateRoomConnect records a successful connect time and, when anchor
	// is non-nil, refreshes anchor name/id; UpdateRoomDisconnect records a
	// disconnect time. Neither touches the reconnect counter.
	UpdateRoomConnect(ctx context.Context, identifier string, at time.Time, anchor *models.Anchor) error
	UpdateRoomDisconnect(ctx context.Context, identifier string, at time.Time) error

	// IncrementReconnectCount bumps the room's reconnect counter and
	// returns the new value.
	IncrementReconnectCount(ctx context.Context, identifier string) (int, error)

	// ResetReconnectCount sets the reconnect counter back to zero, called
	// on a clean, sustained connection.
	ResetReconnectCount(ctx context.Context, identifier string) error

	// UpdateRoomConfig persists operator-controlled mode/auto-reconnect
	// changes.
	UpdateRoomConfig(ctx context.Context, identifier string, mode *models.MonitorMode, auto *bool) error

	// DeleteRoom removes the Room and cascades to every owned child
	// entity.
	DeleteRoom(ctx context.Context, identifier string) error

	// ListRooms returns every Room matching filter.
	ListRooms(ctx context.Context, filter RoomFilter) ([]*models.Room, error)

	// ListPersistentRooms returns every Room with MonitorMode persistent.
	ListPersistentRooms(ctx context.Context) ([]*models.Room, error)

	// OpenSession creates a new live LiveSession for the room. Fails with
	// ErrConflictingOpenSession if one already exists.
	OpenSession(ctx context.Context, identifier string, anchor *string, startedAt time.Time) (*models.LiveSession, error)

	// CurrentOpenSession returns the room's live session, or
	// ErrNoOpenSession if none exists.
	CurrentOpenSession(ctx context.Context, identifier string) (*models.LiveSession, error)

	// EndSession sets status ended and end time = at. Idempotent:
	// subsequent calls on an already-ended session are no-ops. peakViewers,
	// when non-nil, is written as the session's final peak.
	EndSession(ctx context.Context, sessionID int64, at time.Time, peakViewers *int64) error

	// BumpSession applies additive deltas to a session's totals in a
	// single atomic update.
	BumpSession(ctx context.Context, sessionID int64, deltaIncome, deltaGifts, deltaChats int64) error

	// UpdateSessionPeakViewers raises a session's peak viewer count if v
	// exceeds the stored value.
	UpdateSessionPeakViewers(ctx context.Context, sessionID int64, v int64) error

	// CloseStaleSessions closes every live session whose start time is
	// older than threshold, synthesizing an end time, and returns the
	// count closed. Called by the Manager at start-up.
	CloseStaleSessions(ctx context.Context, threshold time.Time) (int, error)

	// AppendChat inserts a ChatEvent.
	AppendChat(ctx context.Context, ev models.ChatEvent) (*models.ChatEvent, error)

	// AppendGift inserts a GiftEvent. Returns ErrDuplicateTrace if
	// ev.TraceID is non-nil and already persisted.
	AppendGift(ctx context.Context, ev models.GiftEvent) (*models.GiftEvent, error)

	// UpdateGiftTotals collapses combo progress into a single row's count
	// and total value.
	UpdateGiftTotals(ctx context.Context, giftRowID int64, newCount, newTotalValue int64) error

	// RecordContribution applies upsert-with-add semantics: it creates
	// the (room,user) row if absent, otherwise adds
	// the deltas to the existing row and refreshes display name/avatar.
	RecordContribution(ctx context.Context, delta models.ContributionDelta) (*models.UserContribution, error)

	// TopContributions returns the top-N UserContribution rows for a room
	// by total score, descending.
	TopContributions(ctx context.Context, identifier string, n int) ([]*models.UserContribution, error)

	// AppendStatsSnapshot inserts a RoomStatsSnapshot.
	AppendStatsSnapshot(ctx context.Context, s models.RoomStatsSnapshot) error

	// AppendSystemEvent inserts an audit-log SystemEvent.
	AppendSystemEvent(ctx context.Context, identifier string, kind models.SystemEventKind, detail string, at time.Time) error

	// PurgeOlderThan bulk-deletes chats, gifts, snapshots, and system
	// events older than cutoff, returning the number of rows removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
