// Package storagetest provides an in-memory storage.Gateway used by the
// Supervisor, Manager and Scheduler tests. Unlike the real Gateway it is
// guarded by one mutex, because tests observe state from the test goroutine
// while Supervisors write from theirs.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roomwatch/monitor/internal/models"
	"github.com/roomwatch/monitor/internal/storage"
)

// AuditEntry pairs a SystemEvent with the room identifier it was written
// under, which the real schema resolves to a row id.
type AuditEntry struct {
	Identifier string
	Kind       models.SystemEventKind
	Detail     string
	At         time.Time
}

// Fake is an in-memory storage.Gateway.
type Fake struct {
	mu sync.Mutex

	nextRoomID    int64
	nextSessionID int64
	nextGiftID    int64

	rooms      map[string]*models.Room
	sessions   map[int64]*models.LiveSession
	openByRoom map[string]int64

	chats     []models.ChatEvent
	gifts     []*models.GiftEvent
	contribs  map[string]map[string]*models.UserContribution
	snapshots []models.RoomStatsSnapshot
	audits    []AuditEntry
	traceSeen map[string]struct{}

	// PingErr, when set, is returned by Ping.
	PingErr error
}

var _ storage.Gateway = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		rooms:      make(map[string]*models.Room),
		sessions:   make(map[int64]*models.LiveSession),
		openByRoom: make(map[string]int64),
		contribs:   make(map[string]map[string]*models.UserContribution),
		traceSeen:  make(map[string]struct{}),
	}
}

func (f *Fake) Ping(ctx context.Context) error { return f.PingErr }

func (f *Fake) UpsertRoom(ctx context.Context, identifier string, fields storage.RoomFields) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rooms[identifier]; ok {
		cp := *r
		return &cp, nil
	}
	f.nextRoomID++
	mode := models.MonitorMode(fields.Mode)
	if mode == "" {
		mode = models.ModeManual
	}
	r := &models.Room{
		ID:            f.nextRoomID,
		Identifier:    identifier,
		Mode:          mode,
		AutoReconnect: fields.AutoReconnect,
		Status:        models.RoomStopped,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	f.rooms[identifier] = r
	cp := *r
	return &cp, nil
}

func (f *Fake) GetRoom(ctx context.Context, identifier string) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[identifier]
	if !ok {
		return nil, storage.ErrRoomNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) UpdateRoomStatus(ctx context.Context, identifier string, status models.RoomStatus, errText *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[identifier]
	if !ok {
		return storage.ErrRoomNotFound
	}
	r.Status = status
	r.LastError = errText
	r.UpdatedAt = time.Now()
	return nil
}

func (f *Fake) UpdateRoomConnect(ctx context.Context, identifier string, at time.Time, anchor *models.Anchor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[identifier]
	if !ok {
		return storage.ErrRoomNotFound
	}
	r.LastConnectAt = &at
	if anchor != nil {
		name, id := anchor.Name, anchor.ID
		r.AnchorName = &name
		r.AnchorID = &id
	}
	return nil
}

func (f *Fake) UpdateRoomDisconnect(ctx context.Context, identifier string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[identifier]
	if !ok {
		return storage.ErrRoomNotFound
	}
	r.LastDisconnectAt = &at
	return nil
}

func (f *Fake) IncrementReconnectCount(ctx context.Context, identifier string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[identifier]
	if !ok {
		return 0, storage.ErrRoomNotFound
	}
	r.ReconnectCount++
	return r.ReconnectCount, nil
}

func (f *Fake) ResetReconnectCount(ctx context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[identifier]
	if !ok {
		return storage.ErrRoomNotFound
	}
	r.ReconnectCount = 0
	return nil
}

func (f *Fake) UpdateRoomConfig(ctx context.Context, identifier string, mode *models.MonitorMode, auto *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[identifier]
	if !ok {
		return storage.ErrRoomNotFound
	}
	if mode != nil {
		r.Mode = *mode
	}
	if auto != nil {
		r.AutoReconnect = *auto
	}
	return nil
}

func (f *Fake) DeleteRoom(ctx context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[identifier]
	if !ok {
		return storage.ErrRoomNotFound
	}
	for id, s := range f.sessions {
		if s.RoomID == r.ID {
			delete(f.sessions, id)
		}
	}
	delete(f.openByRoom, identifier)
	delete(f.contribs, identifier)
	delete(f.rooms, identifier)
	return nil
}

func (f *Fake) ListRooms(ctx context.Context, filter storage.RoomFilter) ([]*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Room
	for _, r := range f.rooms {
		if filter.Mode != "" && string(r.Mode) != filter.Mode {
			continue
		}
		if filter.Status != "" && string(r.Status) != filter.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (f *Fake) ListPersistentRooms(ctx context.Context) ([]*models.Room, error) {
	return f.ListRooms(ctx, storage.RoomFilter{Mode: string(models.ModePersistent)})
}

func (f *Fake) OpenSession(ctx context.Context, identifier string, anchor *string, startedAt time.Time) (*models.LiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[identifier]
	if !ok {
		return nil, storage.ErrRoomNotFound
	}
	if _, open := f.openByRoom[identifier]; open {
		return nil, storage.ErrConflictingOpenSession
	}
	f.nextSessionID++
	s := &models.LiveSession{
		ID:        f.nextSessionID,
		RoomID:    r.ID,
		StartedAt: startedAt,
		Status:    models.SessionLive,
	}
	f.sessions[s.ID] = s
	f.openByRoom[identifier] = s.ID
	cp := *s
	return &cp, nil
}

func (f *Fake) CurrentOpenSession(ctx context.Context, identifier string) (*models.LiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.openByRoom[identifier]
	if !ok {
		return nil, storage.ErrNoOpenSession
	}
	cp := *f.sessions[id]
	return &cp, nil
}

func (f *Fake) EndSession(ctx context.Context, sessionID int64, at time.Time, peakViewers *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	if s.Status == models.SessionEnded {
		return nil
	}
	s.Status = models.SessionEnded
	s.EndedAt = &at
	if peakViewers != nil && *peakViewers > s.Totals.PeakViewers {
		s.Totals.PeakViewers = *peakViewers
	}
	for identifier, id := range f.openByRoom {
		if id == sessionID {
			delete(f.openByRoom, identifier)
		}
	}
	return nil
}

func (f *Fake) BumpSession(ctx context.Context, sessionID int64, deltaIncome, deltaGifts, deltaChats int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	s.Totals.TotalIncome += deltaIncome
	s.Totals.TotalGifts += deltaGifts
	s.Totals.TotalChats += deltaChats
	return nil
}

func (f *Fake) UpdateSessionPeakViewers(ctx context.Context, sessionID int64, v int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	if v > s.Totals.PeakViewers {
		s.Totals.PeakViewers = v
	}
	return nil
}

func (f *Fake) CloseStaleSessions(ctx context.Context, threshold time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	closed := 0
	for _, s := range f.sessions {
		if s.Status == models.SessionLive && s.StartedAt.Before(threshold) {
			s.Status = models.SessionEnded
			endedAt := s.StartedAt.Add(2 * time.Hour)
			s.EndedAt = &endedAt
			closed++
			for identifier, id := range f.openByRoom {
				if id == s.ID {
					delete(f.openByRoom, identifier)
				}
			}
		}
	}
	return closed, nil
}

func (f *Fake) AppendChat(ctx context.Context, ev models.ChatEvent) (*models.ChatEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, ev)
	return &ev, nil
}

func (f *Fake) AppendGift(ctx context.Context, ev models.GiftEvent) (*models.GiftEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.TraceID != nil {
		if _, dup := f.traceSeen[*ev.TraceID]; dup {
			return nil, storage.ErrDuplicateTrace
		}
		f.traceSeen[*ev.TraceID] = struct{}{}
	}
	f.nextGiftID++
	row := ev
	row.ID = f.nextGiftID
	f.gifts = append(f.gifts, &row)
	cp := row
	return &cp, nil
}

func (f *Fake) UpdateGiftTotals(ctx context.Context, giftRowID int64, newCount, newTotalValue int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.gifts {
		if row.ID == giftRowID {
			row.Count = newCount
			row.TotalValue = newTotalValue
			return nil
		}
	}
	return storage.ErrSessionNotFound
}

func (f *Fake) RecordContribution(ctx context.Context, d models.ContributionDelta) (*models.UserContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identifier := f.identifierForRoomIDLocked(d.RoomID)
	byUser, ok := f.contribs[identifier]
	if !ok {
		byUser = make(map[string]*models.UserContribution)
		f.contribs[identifier] = byUser
	}
	row, ok := byUser[d.UserID]
	if !ok {
		row = &models.UserContribution{RoomID: d.RoomID, UserID: d.UserID, CreatedAt: time.Now()}
		byUser[d.UserID] = row
	}
	row.DisplayName = d.DisplayName
	row.TotalScore += d.DeltaScore
	row.GiftCount += d.DeltaGifts
	row.ChatCount += d.DeltaChats
	if d.AvatarURL != nil {
		row.AvatarURL = d.AvatarURL
	}
	row.UpdatedAt = time.Now()
	cp := *row
	return &cp, nil
}

func (f *Fake) TopContributions(ctx context.Context, identifier string, n int) ([]*models.UserContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.UserContribution
	for _, row := range f.contribs[identifier] {
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalScore > out[j].TotalScore })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (f *Fake) AppendStatsSnapshot(ctx context.Context, s models.RoomStatsSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, s)
	return nil
}

func (f *Fake) AppendSystemEvent(ctx context.Context, identifier string, kind models.SystemEventKind, detail string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, AuditEntry{Identifier: identifier, Kind: kind, Detail: detail, At: at})
	return nil
}

func (f *Fake) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var purged int64
	keepChats := f.chats[:0]
	for _, c := range f.chats {
		if c.Timestamp.Before(cutoff) {
			purged++
		} else {
			keepChats = append(keepChats, c)
		}
	}
	f.chats = keepChats
	keepGifts := f.gifts[:0]
	for _, g := range f.gifts {
		if g.Timestamp.Before(cutoff) {
			purged++
		} else {
			keepGifts = append(keepGifts, g)
		}
	}
	f.gifts = keepGifts
	keepSnaps := f.snapshots[:0]
	for _, s := range f.snapshots {
		if s.Timestamp.Before(cutoff) {
			purged++
		} else {
			keepSnaps = append(keepSnaps, s)
		}
	}
	f.snapshots = keepSnaps
	keepAudits := f.audits[:0]
	for _, a := range f.audits {
		if a.At.Before(cutoff) {
			purged++
		} else {
			keepAudits = append(keepAudits, a)
		}
	}
	f.audits = keepAudits
	return purged, nil
}

func (f *Fake) identifierForRoomIDLocked(roomID int64) string {
	for identifier, r := range f.rooms {
		if r.ID == roomID {
			return identifier
		}
	}
	return ""
}

// --- test observation helpers ---

// Room returns a copy of the persisted room, or nil.
func (f *Fake) Room(identifier string) *models.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[identifier]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// Sessions returns copies of every session for the room, oldest first.
func (f *Fake) Sessions(identifier string) []*models.LiveSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[identifier]
	if !ok {
		return nil
	}
	var out []*models.LiveSession
	for _, s := range f.sessions {
		if s.RoomID == r.ID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Audits returns the audit entries for the room matching kind; an empty kind
// matches every entry.
func (f *Fake) Audits(identifier string, kind models.SystemEventKind) []AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AuditEntry
	for _, a := range f.audits {
		if a.Identifier != identifier {
			continue
		}
		if kind != "" && a.Kind != kind {
			continue
		}
		out = append(out, a)
	}
	return out
}

// StatsSnapshots returns copies of every persisted stats snapshot.
func (f *Fake) StatsSnapshots() []models.RoomStatsSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RoomStatsSnapshot, len(f.snapshots))
	copy(out, f.snapshots)
	return out
}

// GiftRows returns copies of every persisted gift row.
func (f *Fake) GiftRows() []models.GiftEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.GiftEvent, 0, len(f.gifts))
	for _, g := range f.gifts {
		out = append(out, *g)
	}
	return out
}
