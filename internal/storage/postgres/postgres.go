// Package postgres implements the Storage Gateway (internal/storage) on top
// of lib/pq, with schema migrations applied by goose. All writes use a
// single SQL statement per entity so each operation stays atomic without a
// surrounding transaction; the additive session bump is a single UPDATE
// with an arithmetic expression.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/roomwatch/monitor/internal/models"
	"github.com/roomwatch/monitor/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Gateway is the Postgres-backed implementation of storage.Gateway.
type Gateway struct {
	db *sql.DB
}

var _ storage.Gateway = (*Gateway)(nil)

// Open connects to dsn with a pre-ping connection pool and returns a ready
// Gateway. It does not run migrations; call Migrate separately.
func Open(dsn string) (*Gateway, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Gateway{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB, used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

// Migrate applies every pending goose migration.
func (g *Gateway) Migrate() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(g.db, "migrations")
}

func (g *Gateway) Close() error { return g.db.Close() }

func (g *Gateway) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

func (g *Gateway) UpsertRoom(ctx context.Context, identifier string, fields storage.RoomFields) (*models.Room, error) {
	row := g.db.QueryRowContext(ctx, `
		INSERT INTO rooms (identifier, mode, auto_reconnect)
		VALUES ($1, $2, $3)
		ON CONFLICT (identifier) DO UPDATE SET identifier = rooms.identifier
		RETURNING id, identifier, anchor_name, anchor_id, mode, auto_reconnect,
		          status, reconnect_count, last_connect_at, last_disconnect_at,
		          last_error, created_at, updated_at
	`, identifier, nonEmpty(fields.Mode, string(models.ModeManual)), fields.AutoReconnect)

	return scanRoom(row)
}

func (g *Gateway) GetRoom(ctx context.Context, identifier string) (*models.Room, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id, identifier, anchor_name, anchor_id, mode, auto_reconnect,
		       status, reconnect_count, last_connect_at, last_disconnect_at,
		       last_error, created_at, updated_at
		FROM rooms WHERE identifier = $1
	`, identifier)

	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRoomNotFound
	}
	return room, err
}

func (g *Gateway) UpdateRoomStatus(ctx context.Context, identifier string, status models.RoomStatus, errText *string) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE rooms SET status = $1, last_error = $2, updated_at = now()
		WHERE identifier = $3
	`, string(status), errText, identifier)
	return err
}

func (g *Gateway) UpdateRoomConnect(ctx context.Context, identifier string, at time.Time, anchor *models.Anchor) error {
	if anchor != nil {
		_, err := g.db.ExecContext(ctx, `
			UPDATE rooms SET last_connect_at = $1, anchor_name = $2, anchor_id = $3, updated_at = now()
			WHERE identifier = $4
		`, at, anchor.Name, anchor.ID, identifier)
		return err
	}
	_, err := g.db.ExecContext(ctx, `
		UPDATE rooms SET last_connect_at = $1, updated_at = now() WHERE identifier = $2
	`, at, identifier)
	return err
}

func (g *Gateway) UpdateRoomDisconnect(ctx context.Context, identifier string, at time.Time) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE rooms SET last_disconnect_at = $1, updated_at = now() WHERE identifier = $2
	`, at, identifier)
	return err
}

func (g *Gateway) IncrementReconnectCount(ctx context.Context, identifier string) (int, error) {
	var count int
	err := g.db.QueryRowContext(ctx, `
		UPDATE rooms SET reconnect_count = reconnect_count + 1, updated_at = now()
		WHERE identifier = $1
		RETURNING reconnect_count
	`, identifier).Scan(&count)
	return count, err
}

func (g *Gateway) ResetReconnectCount(ctx context.Context, identifier string) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE rooms SET reconnect_count = 0, updated_at = now() WHERE identifier = $1
	`, identifier)
	return err
}

func (g *Gateway) UpdateRoomConfig(ctx context.Context, identifier string, mode *models.MonitorMode, auto *bool) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE rooms SET
			mode = COALESCE($1, mode),
			auto_reconnect = COALESCE($2, auto_reconnect),
			updated_at = now()
		WHERE identifier = $3
	`, modeOrNil(mode), auto, identifier)
	return err
}

func (g *Gateway) DeleteRoom(ctx context.Context, identifier string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM rooms WHERE identifier = $1`, identifier)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrRoomNotFound
	}
	return nil
}

func (g *Gateway) ListRooms(ctx context.Context, filter storage.RoomFilter) ([]*models.Room, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, identifier, anchor_name, anchor_id, mode, auto_reconnect,
		       status, reconnect_count, last_connect_at, last_disconnect_at,
		       last_error, created_at, updated_at
		FROM rooms
		WHERE ($1 = '' OR mode = $1) AND ($2 = '' OR status = $2)
		ORDER BY identifier
	`, filter.Mode, filter.Status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Room
	for rows.Next() {
		room, err := scanRoomRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

func (g *Gateway) ListPersistentRooms(ctx context.Context) ([]*models.Room, error) {
	return g.ListRooms(ctx, storage.RoomFilter{Mode: string(models.ModePersistent)})
}

func (g *Gateway) OpenSession(ctx context.Context, identifier string, anchor *string, startedAt time.Time) (*models.LiveSession, error) {
	var roomID int64
	if err := g.db.QueryRowContext(ctx, `SELECT id FROM rooms WHERE identifier = $1`, identifier).Scan(&roomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRoomNotFound
		}
		return nil, err
	}

	row := g.db.QueryRowContext(ctx, `
		INSERT INTO live_sessions (room_id, started_at, status)
		VALUES ($1, $2, 'live')
		RETURNING id, room_id, started_at, ended_at, status,
		          total_income, total_gift_count, total_chat_count, peak_viewer_count
	`, roomID, startedAt)

	session, err := scanSession(row)
	if isUniqueViolation(err) {
		return nil, storage.ErrConflictingOpenSession
	}
	return session, err
}

func (g *Gateway) CurrentOpenSession(ctx context.Context, identifier string) (*models.LiveSession, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT s.id, s.room_id, s.started_at, s.ended_at, s.status,
		       s.total_income, s.total_gift_count, s.total_chat_count, s.peak_viewer_count
		FROM live_sessions s
		JOIN rooms r ON r.id = s.room_id
		WHERE r.identifier = $1 AND s.status = 'live'
	`, identifier)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNoOpenSession
	}
	return session, err
}

func (g *Gateway) EndSession(ctx context.Context, sessionID int64, at time.Time, peakViewers *int64) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE live_sessions
		SET status = 'ended',
		    ended_at = $1,
		    peak_viewer_count = GREATEST(peak_viewer_count, COALESCE($2, peak_viewer_count))
		WHERE id = $3 AND status = 'live'
	`, at, peakViewers, sessionID)
	return err
}

func (g *Gateway) BumpSession(ctx context.Context, sessionID int64, deltaIncome, deltaGifts, deltaChats int64) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE live_sessions
		SET total_income = total_income + $1,
		    total_gift_count = total_gift_count + $2,
		    total_chat_count = total_chat_count + $3
		WHERE id = $4
	`, deltaIncome, deltaGifts, deltaChats, sessionID)
	return err
}

func (g *Gateway) UpdateSessionPeakViewers(ctx context.Context, sessionID int64, v int64) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE live_sessions SET peak_viewer_count = GREATEST(peak_viewer_count, $1) WHERE id = $2
	`, v, sessionID)
	return err
}

func (g *Gateway) CloseStaleSessions(ctx context.Context, threshold time.Time) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE live_sessions
		SET status = 'ended', ended_at = started_at + interval '2 hours'
		WHERE status = 'live' AND started_at < $1
	`, threshold)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (g *Gateway) AppendChat(ctx context.Context, ev models.ChatEvent) (*models.ChatEvent, error) {
	row := g.db.QueryRowContext(ctx, `
		INSERT INTO chat_events (room_id, session_id, user_id, display_name, user_level, text, is_gift_user, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, room_id, session_id, user_id, display_name, user_level, text, is_gift_user, "timestamp"
	`, ev.RoomID, ev.SessionID, ev.UserID, ev.DisplayName, ev.UserLevel, ev.Text, ev.IsGiftUser, ev.Timestamp)

	out := &models.ChatEvent{}
	err := row.Scan(&out.ID, &out.RoomID, &out.SessionID, &out.UserID, &out.DisplayName,
		&out.UserLevel, &out.Text, &out.IsGiftUser, &out.Timestamp)
	return out, err
}

func (g *Gateway) AppendGift(ctx context.Context, ev models.GiftEvent) (*models.GiftEvent, error) {
	row := g.db.QueryRowContext(ctx, `
		INSERT INTO gift_events (room_id, session_id, user_id, display_name, user_level, gift_id,
		                          gift_name, count, unit_price, total_value, send_mode, group_id, trace_id, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, room_id, session_id, user_id, display_name, user_level, gift_id, gift_name,
		          count, unit_price, total_value, send_mode, group_id, trace_id, "timestamp"
	`, ev.RoomID, ev.SessionID, ev.UserID, ev.DisplayName, ev.UserLevel, ev.GiftID, ev.GiftName,
		ev.Count, ev.UnitPrice, ev.TotalValue, string(ev.SendMode), ev.GroupID, ev.TraceID, ev.Timestamp)

	out := &models.GiftEvent{}
	err := row.Scan(&out.ID, &out.RoomID, &out.SessionID, &out.UserID, &out.DisplayName, &out.UserLevel,
		&out.GiftID, &out.GiftName, &out.Count, &out.UnitPrice, &out.TotalValue, &out.SendMode,
		&out.GroupID, &out.TraceID, &out.Timestamp)
	if isUniqueViolation(err) {
		return nil, storage.ErrDuplicateTrace
	}
	return out, err
}

func (g *Gateway) UpdateGiftTotals(ctx context.Context, giftRowID int64, newCount, newTotalValue int64) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE gift_events SET count = $1, total_value = $2 WHERE id = $3
	`, newCount, newTotalValue, giftRowID)
	return err
}

func (g *Gateway) RecordContribution(ctx context.Context, d models.ContributionDelta) (*models.UserContribution, error) {
	row := g.db.QueryRowContext(ctx, `
		INSERT INTO user_contributions (room_id, user_id, display_name, total_score, gift_count, chat_count, avatar_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			total_score = user_contributions.total_score + EXCLUDED.total_score,
			gift_count = user_contributions.gift_count + EXCLUDED.gift_count,
			chat_count = user_contributions.chat_count + EXCLUDED.chat_count,
			avatar_url = COALESCE(EXCLUDED.avatar_url, user_contributions.avatar_url),
			updated_at = now()
		RETURNING room_id, user_id, display_name, total_score, gift_count, chat_count, avatar_url, created_at, updated_at
	`, d.RoomID, d.UserID, d.DisplayName, d.DeltaScore, d.DeltaGifts, d.DeltaChats, d.AvatarURL)

	out := &models.UserContribution{}
	err := row.Scan(&out.RoomID, &out.UserID, &out.DisplayName, &out.TotalScore, &out.GiftCount,
		&out.ChatCount, &out.AvatarURL, &out.CreatedAt, &out.UpdatedAt)
	return out, err
}

func (g *Gateway) TopContributions(ctx context.Context, identifier string, n int) ([]*models.UserContribution, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT c.room_id, c.user_id, c.display_name, c.total_score, c.gift_count, c.chat_count,
		       c.avatar_url, c.created_at, c.updated_at
		FROM user_contributions c
		JOIN rooms r ON r.id = c.room_id
		WHERE r.identifier = $1
		ORDER BY c.total_score DESC
		LIMIT $2
	`, identifier, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.UserContribution
	for rows.Next() {
		c := &models.UserContribution{}
		if err := rows.Scan(&c.RoomID, &c.UserID, &c.DisplayName, &c.TotalScore, &c.GiftCount,
			&c.ChatCount, &c.AvatarURL, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (g *Gateway) AppendStatsSnapshot(ctx context.Context, s models.RoomStatsSnapshot) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO room_stats_snapshots (room_id, current_viewers, cumulative_viewers, total_income, contributor_count, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.RoomID, s.CurrentViewers, s.CumulativeViewers, s.TotalIncome, s.ContributorCount, s.Timestamp)
	return err
}

func (g *Gateway) AppendSystemEvent(ctx context.Context, identifier string, kind models.SystemEventKind, detail string, at time.Time) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO system_events (room_id, kind, detail, "timestamp")
		SELECT id, $2, $3, $4 FROM rooms WHERE identifier = $1
	`, identifier, string(kind), detail, at)
	return err
}

func (g *Gateway) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	stmts := []string{
		`DELETE FROM chat_events WHERE "timestamp" < $1`,
		`DELETE FROM gift_events WHERE "timestamp" < $1`,
		`DELETE FROM room_stats_snapshots WHERE "timestamp" < $1`,
		`DELETE FROM system_events WHERE "timestamp" < $1`,
	}
	for _, stmt := range stmts {
		res, err := g.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// --- scanning helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (*models.Room, error) {
	return scanRoomRows(row)
}

func scanRoomRows(row scanner) (*models.Room, error) {
	r := &models.Room{}
	var mode, status string
	err := row.Scan(&r.ID, &r.Identifier, &r.AnchorName, &r.AnchorID, &mode, &r.AutoReconnect,
		&status, &r.ReconnectCount, &r.LastConnectAt, &r.LastDisconnectAt, &r.LastError,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Mode = models.MonitorMode(mode)
	r.Status = models.RoomStatus(status)
	return r, nil
}

func scanSession(row scanner) (*models.LiveSession, error) {
	s := &models.LiveSession{}
	var status string
	err := row.Scan(&s.ID, &s.RoomID, &s.StartedAt, &s.EndedAt, &status,
		&s.Totals.TotalIncome, &s.Totals.TotalGifts, &s.Totals.TotalChats, &s.Totals.PeakViewers)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	return s, nil
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func modeOrNil(m *models.MonitorMode) any {
	if m == nil {
		return nil
	}
	return string(*m)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
