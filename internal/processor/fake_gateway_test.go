package processor

import (
	"context"
	"time"

	"github.com/roomwatch/monitor/internal/models"
	"github.com/roomwatch/monitor/internal/storage"
)

// fakeGateway is an in-memory stand-in for storage.Gateway, exercising only
// the semantics the Processor depends on (session totals, gift rows,
// contribution upserts). It is not a general-purpose test double for the
// Postgres implementation.
type fakeGateway struct {
	sessions       map[int64]*models.LiveSession
	openByRoom     map[int64]int64
	nextSessionID  int64
	chats          []models.ChatEvent
	gifts          []*models.GiftEvent
	nextGiftID     int64
	contributions  map[string]*models.UserContribution
	duplicateTrace map[string]struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions:       make(map[int64]*models.LiveSession),
		openByRoom:     make(map[int64]int64),
		contributions:  make(map[string]*models.UserContribution),
		duplicateTrace: make(map[string]struct{}),
	}
}

func contribKey(roomID int64, userID string) string {
	return userID
}

func (g *fakeGateway) Ping(ctx context.Context) error { return nil }

func (g *fakeGateway) UpsertRoom(ctx context.Context, identifier string, fields storage.RoomFields) (*models.Room, error) {
	return &models.Room{Identifier: identifier}, nil
}

func (g *fakeGateway) GetRoom(ctx context.Context, identifier string) (*models.Room, error) {
	return nil, storage.ErrRoomNotFound
}

func (g *fakeGateway) UpdateRoomStatus(ctx context.Context, identifier string, status models.RoomStatus, errText *string) error {
	return nil
}

func (g *fakeGateway) UpdateRoomConnect(ctx context.Context, identifier string, at time.Time, anchor *models.Anchor) error {
	return nil
}

func (g *fakeGateway) UpdateRoomDisconnect(ctx context.Context, identifier string, at time.Time) error {
	return nil
}

func (g *fakeGateway) IncrementReconnectCount(ctx context.Context, identifier string) (int, error) {
	return 0, nil
}

func (g *fakeGateway) ResetReconnectCount(ctx context.Context, identifier string) error { return nil }

func (g *fakeGateway) UpdateRoomConfig(ctx context.Context, identifier string, mode *models.MonitorMode, auto *bool) error {
	return nil
}

func (g *fakeGateway) DeleteRoom(ctx context.Context, identifier string) error { return nil }

func (g *fakeGateway) ListRooms(ctx context.Context, filter storage.RoomFilter) ([]*models.Room, error) {
	return nil, nil
}

func (g *fakeGateway) ListPersistentRooms(ctx context.Context) ([]*models.Room, error) {
	return nil, nil
}

func (g *fakeGateway) OpenSession(ctx context.Context, identifier string, anchor *string, startedAt time.Time) (*models.LiveSession, error) {
	g.nextSessionID++
	sess := &models.LiveSession{ID: g.nextSessionID, StartedAt: startedAt, Status: models.SessionLive}
	g.sessions[sess.ID] = sess
	g.openByRoom[1] = sess.ID
	return sess, nil
}

func (g *fakeGateway) CurrentOpenSession(ctx context.Context, identifier string) (*models.LiveSession, error) {
	id, ok := g.openByRoom[1]
	if !ok {
		return nil, storage.ErrNoOpenSession
	}
	return g.sessions[id], nil
}

func (g *fakeGateway) EndSession(ctx context.Context, sessionID int64, at time.Time, peakViewers *int64) error {
	sess, ok := g.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	if sess.Status == models.SessionEnded {
		return nil
	}
	sess.Status = models.SessionEnded
	sess.EndedAt = &at
	if peakViewers != nil {
		sess.Totals.PeakViewers = *peakViewers
	}
	delete(g.openByRoom, 1)
	return nil
}

func (g *fakeGateway) BumpSession(ctx context.Context, sessionID int64, deltaIncome, deltaGifts, deltaChats int64) error {
	sess, ok := g.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	sess.Totals.TotalIncome += deltaIncome
	sess.Totals.TotalGifts += deltaGifts
	sess.Totals.TotalChats += deltaChats
	return nil
}

func (g *fakeGateway) UpdateSessionPeakViewers(ctx context.Context, sessionID int64, v int64) error {
	sess, ok := g.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	if v > sess.Totals.PeakViewers {
		sess.Totals.PeakViewers = v
	}
	return nil
}

func (g *fakeGateway) CloseStaleSessions(ctx context.Context, threshold time.Time) (int, error) {
	return 0, nil
}

func (g *fakeGateway) AppendChat(ctx context.Context, ev models.ChatEvent) (*models.ChatEvent, error) {
	g.chats = append(g.chats, ev)
	return &ev, nil
}

func (g *fakeGateway) AppendGift(ctx context.Context, ev models.GiftEvent) (*models.GiftEvent, error) {
	if ev.TraceID != nil {
		if _, dup := g.duplicateTrace[*ev.TraceID]; dup {
			return nil, storage.ErrDuplicateTrace
		}
		g.duplicateTrace[*ev.TraceID] = struct{}{}
	}
	g.nextGiftID++
	row := ev
	row.ID = g.nextGiftID
	g.gifts = append(g.gifts, &row)
	return &row, nil
}

func (g *fakeGateway) UpdateGiftTotals(ctx context.Context, giftRowID int64, newCount, newTotalValue int64) error {
	for _, row := range g.gifts {
		if row.ID == giftRowID {
			row.Count = newCount
			row.TotalValue = newTotalValue
			return nil
		}
	}
	return storage.ErrRoomNotFound
}

func (g *fakeGateway) RecordContribution(ctx context.Context, delta models.ContributionDelta) (*models.UserContribution, error) {
	key := contribKey(delta.RoomID, delta.UserID)
	row, ok := g.contributions[key]
	if !ok {
		row = &models.UserContribution{RoomID: delta.RoomID, UserID: delta.UserID}
		g.contributions[key] = row
	}
	row.DisplayName = delta.DisplayName
	row.TotalScore += delta.DeltaScore
	row.GiftCount += delta.DeltaGifts
	row.ChatCount += delta.DeltaChats
	if delta.AvatarURL != nil {
		row.AvatarURL = delta.AvatarURL
	}
	return row, nil
}

func (g *fakeGateway) TopContributions(ctx context.Context, identifier string, n int) ([]*models.UserContribution, error) {
	out := make([]*models.UserContribution, 0, len(g.contributions))
	for _, row := range g.contributions {
		out = append(out, row)
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (g *fakeGateway) AppendStatsSnapshot(ctx context.Context, s models.RoomStatsSnapshot) error {
	return nil
}

func (g *fakeGateway) AppendSystemEvent(ctx context.Context, identifier string, kind models.SystemEventKind, detail string, at time.Time) error {
	return nil
}

func (g *fakeGateway) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
