// Package processor implements the Event Processor: the
// per-room ingestion pipeline that turns Fetcher callbacks into persisted
// rows, aggregate deltas, and subscriber publications. Exactly one
// Processor backs one Supervisor's open stream; it owns its in-memory state
// exclusively and is never called from more than one goroutine at a time,
// so none of its state is guarded by a lock.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roomwatch/monitor/internal/bus"
	"github.com/roomwatch/monitor/internal/clock"
	"github.com/roomwatch/monitor/internal/fetcher"
	"github.com/roomwatch/monitor/internal/logging"
	"github.com/roomwatch/monitor/internal/metrics"
	"github.com/roomwatch/monitor/internal/models"
	"github.com/roomwatch/monitor/internal/numeric"
	"github.com/roomwatch/monitor/internal/storage"
	"github.com/roomwatch/monitor/internal/tracing"
)

// warmStartLimit bounds how many persisted UserContribution rows seed the
// in-memory board on a cold stream open. It is independent of
// the stats snapshot's own top-N size.
const warmStartLimit = 200

// statsTopN is the contributor list size published on every stats snapshot.
const statsTopN = 10

// anonymousSentinels are raw wire user ids the platform uses to mean "no
// account" rather than an actual user.
// Applied uniformly to chat and gift ingestion, resolving the source's
// split behavior.
var anonymousSentinels = map[string]struct{}{
	"":  {},
	"0": {},
}

func canonicalizeUserID(rawUserID, displayName string, userLevel int) string {
	if _, anon := anonymousSentinels[rawUserID]; anon {
		return fmt.Sprintf("anon:%s:%d", displayName, userLevel)
	}
	return rawUserID
}

func comboKey(groupID, userID, giftID string) string {
	return groupID + "|" + userID + "|" + giftID
}

type comboEntry struct {
	lastComboCount int64
	rowID          *int64
}

// boardEntry mirrors a persisted UserContribution for the duration of a
// stream; it is resynced from the Gateway's return value on every write so
// a StorageWriteFailure never lets the board drift from storage for long.
type boardEntry struct {
	DisplayName string
	Score       int64
	GiftCount   int64
	ChatCount   int64
	AvatarURL   *string
}

// Config carries the Processor's only tunable.
type Config struct {
	TraceCacheCapacity int
}

// Processor owns one room's per-stream mutable state.
type Processor struct {
	roomID     int64
	identifier string

	gateway storage.Gateway
	bus     *bus.Service
	clock   clock.Clock

	traceSeen *traceCache
	combos    map[string]*comboEntry
	groupSeen map[string]struct{}
	board     map[string]*boardEntry
	giftUsers map[string]struct{}

	sessionID      int64
	currentViewers int64
	maxViewers     int64
	lastCumulative int64
	totals         models.SessionTotals

	rolling rolling

	ended     chan struct{}
	endedOnce sync.Once
}

// rolling mirrors the counters the Scheduler's snapshot job samples. The
// Processor's plain fields are owned by its consumer goroutine; these atomics
// are the one read path that crosses goroutines.
type rolling struct {
	currentViewers    atomic.Int64
	cumulativeViewers atomic.Int64
	totalIncome       atomic.Int64
	contributorCount  atomic.Int64
}

// RollingStats is a point-in-time sample of a Processor's in-memory counters.
type RollingStats struct {
	CurrentViewers    int64
	CumulativeViewers int64
	TotalIncome       int64
	ContributorCount  int64
}

// Stats samples the rolling counters. Safe to call from any goroutine.
func (p *Processor) Stats() RollingStats {
	return RollingStats{
		CurrentViewers:    p.rolling.currentViewers.Load(),
		CumulativeViewers: p.rolling.cumulativeViewers.Load(),
		TotalIncome:       p.rolling.totalIncome.Load(),
		ContributorCount:  p.rolling.contributorCount.Load(),
	}
}

// New constructs a Processor for room, backed by gateway and bus, using clk
// as its time source.
func New(room *models.Room, gateway storage.Gateway, busSvc *bus.Service, clk clock.Clock, cfg Config) *Processor {
	return &Processor{
		roomID:     room.ID,
		identifier: room.Identifier,
		gateway:    gateway,
		bus:        busSvc,
		clock:      clk,
		traceSeen:  newTraceCache(cfg.TraceCacheCapacity),
		combos:     make(map[string]*comboEntry),
		groupSeen:  make(map[string]struct{}),
		board:      make(map[string]*boardEntry),
		giftUsers:  make(map[string]struct{}),
		ended:      make(chan struct{}),
	}
}

var tracer = tracing.Tracer("roomwatch/processor")

func (p *Processor) ctx(ctx context.Context) context.Context {
	ctx = logging.WithRoom(ctx, p.identifier)
	if p.sessionID != 0 {
		ctx = logging.WithSession(ctx, p.sessionID)
	}
	return ctx
}

// startSpan opens a span around one ingest call, tagged with the room and,
// when a session is open, its id.
func (p *Processor) startSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	attrs := []attribute.KeyValue{attribute.String("room_id", p.identifier)}
	if p.sessionID != 0 {
		attrs = append(attrs, attribute.Int64("session_id", p.sessionID))
	}
	return tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Done is closed once a stream_ended control signal has been processed,
// telling the owning Supervisor to leave the streaming state.
func (p *Processor) Done() <-chan struct{} { return p.ended }

// CurrentSessionID returns the session this Processor is currently
// appending to, or 0 if none is open.
func (p *Processor) CurrentSessionID() int64 { return p.sessionID }

// RegisterReplay wires this Processor's current stats snapshot into the bus
// as the replay payload for new subscribers on either topic family: a
// room:<id> join sees the running snapshot once, same as a stats join.
func (p *Processor) RegisterReplay() {
	if p.bus == nil {
		return
	}
	for _, topic := range []string{bus.RoomTopic(p.identifier), bus.StatsTopic(p.identifier)} {
		topic := topic
		p.bus.RegisterReplay(topic, func() (bus.Message, bool) {
			return p.snapshotMessage(topic), true
		})
	}
}

// UnregisterReplay removes the replay hooks, called when the Supervisor's
// stream ends.
func (p *Processor) UnregisterReplay() {
	if p.bus == nil {
		return
	}
	p.bus.UnregisterReplay(bus.RoomTopic(p.identifier))
	p.bus.UnregisterReplay(bus.StatsTopic(p.identifier))
}

func (p *Processor) sessionIDPtr() *int64 {
	if p.sessionID == 0 {
		return nil
	}
	id := p.sessionID
	return &id
}

// OnOpen implements the stream-open bootstrap.
func (p *Processor) OnOpen(ctx context.Context, anchor *fetcher.Anchor) error {
	ctx = p.ctx(ctx)
	ctx, span := p.startSpan(ctx, "processor.on_open")
	defer span.End()
	now := p.clock.WallNow()

	var modelAnchor *models.Anchor
	if anchor != nil {
		modelAnchor = &models.Anchor{Name: anchor.Name, ID: anchor.ID}
	}
	if err := p.gateway.UpdateRoomConnect(ctx, p.identifier, now, modelAnchor); err != nil {
		logging.Warn(ctx, "update room connect failed", zap.Error(err))
	}

	existing, err := p.gateway.CurrentOpenSession(ctx, p.identifier)
	switch {
	case errors.Is(err, storage.ErrNoOpenSession):
		var anchorName *string
		if anchor != nil {
			anchorName = &anchor.Name
		}
		sess, openErr := p.gateway.OpenSession(ctx, p.identifier, anchorName, now)
		if openErr != nil {
			logging.Error(ctx, "open session failed", zap.Error(openErr))
			return openErr
		}
		p.sessionID = sess.ID
		p.resetStreamState()
	case err == nil:
		// Adopt the existing live session after a transient-disconnect
		// rejoin, without clearing an already-warm board.
		p.sessionID = existing.ID
		p.totals = existing.Totals
		p.maxViewers = existing.Totals.PeakViewers
		p.rolling.totalIncome.Store(p.totals.TotalIncome)
		if len(p.board) == 0 {
			p.warmStartBoard(ctx)
		}
		p.rolling.contributorCount.Store(int64(len(p.board)))
	default:
		logging.Error(ctx, "current open session lookup failed", zap.Error(err))
		return err
	}

	if err := p.gateway.UpdateRoomStatus(ctx, p.identifier, models.RoomMonitoring, nil); err != nil {
		logging.Warn(ctx, "update room status failed", zap.Error(err))
	}
	return nil
}

func (p *Processor) resetStreamState() {
	p.combos = make(map[string]*comboEntry)
	p.groupSeen = make(map[string]struct{})
	p.board = make(map[string]*boardEntry)
	p.giftUsers = make(map[string]struct{})
	p.totals = models.SessionTotals{}
	p.maxViewers = 0
	p.currentViewers = 0
	p.lastCumulative = 0
	p.rolling.currentViewers.Store(0)
	p.rolling.cumulativeViewers.Store(0)
	p.rolling.totalIncome.Store(0)
	p.rolling.contributorCount.Store(0)
}

func (p *Processor) warmStartBoard(ctx context.Context) {
	rows, err := p.gateway.TopContributions(ctx, p.identifier, warmStartLimit)
	if err != nil {
		logging.Warn(ctx, "warm start top contributions failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		p.board[row.UserID] = &boardEntry{
			DisplayName: row.DisplayName,
			Score:       row.TotalScore,
			GiftCount:   row.GiftCount,
			ChatCount:   row.ChatCount,
			AvatarURL:   row.AvatarURL,
		}
		if row.GiftCount > 0 {
			p.giftUsers[row.DisplayName] = struct{}{}
		}
	}
}

// OnChat implements chat ingestion.
func (p *Processor) OnChat(ctx context.Context, c fetcher.Chat) error {
	ctx = p.ctx(ctx)
	ctx, span := p.startSpan(ctx, "processor.on_chat")
	defer span.End()
	userID := canonicalizeUserID(c.UserID, c.DisplayName, c.UserLevel)
	_, isGiftUser := p.giftUsers[c.DisplayName]

	ev := models.ChatEvent{
		RoomID:      p.roomID,
		SessionID:   p.sessionIDPtr(),
		UserID:      userID,
		DisplayName: c.DisplayName,
		UserLevel:   c.UserLevel,
		Text:        c.Text,
		IsGiftUser:  isGiftUser,
		Timestamp:   c.Timestamp,
	}
	if _, err := p.gateway.AppendChat(ctx, ev); err != nil {
		metrics.StorageWriteFailures.WithLabelValues("append_chat").Inc()
		logging.Error(ctx, "append chat failed", zap.Error(err))
	}
	metrics.ChatEventsIngested.WithLabelValues(p.identifier).Inc()

	if p.sessionID != 0 {
		if err := p.gateway.BumpSession(ctx, p.sessionID, 0, 0, 1); err != nil {
			metrics.StorageWriteFailures.WithLabelValues("bump_session").Inc()
			logging.Error(ctx, "bump session (chat) failed", zap.Error(err))
		}
	}
	p.totals.TotalChats++

	contrib, err := p.gateway.RecordContribution(ctx, models.ContributionDelta{
		RoomID:      p.roomID,
		UserID:      userID,
		DisplayName: c.DisplayName,
		DeltaChats:  1,
	})
	p.syncBoard(ctx, userID, c.DisplayName, contrib, err, 0, 0, 1)

	p.publish(ctx, bus.RoomTopic(p.identifier), "chat", ev)
	return nil
}

// OnGift implements the combo-merge gift algorithm.
func (p *Processor) OnGift(ctx context.Context, g fetcher.Gift) error {
	ctx = p.ctx(ctx)
	ctx, span := p.startSpan(ctx, "processor.on_gift")
	defer span.End()

	if g.TraceID != nil && p.traceSeen.SeenOrAdd(*g.TraceID) {
		metrics.DuplicateTracesDropped.WithLabelValues(p.identifier).Inc()
		logging.Debug(ctx, "duplicate gift trace dropped", zap.String("trace_id", *g.TraceID))
		return nil
	}

	userID := canonicalizeUserID(g.UserID, g.DisplayName, g.UserLevel)

	var deltaCount, deltaValue int64
	var comboComplete, applied bool

	switch {
	case g.GroupID != nil && g.ComboCount != nil:
		deltaCount, deltaValue, applied = p.applyComboGift(ctx, g, userID)
		comboComplete = g.RepeatEnd

	case g.GroupID != nil:
		key := comboKey(*g.GroupID, userID, g.GiftID)
		if _, seen := p.groupSeen[key]; seen {
			return nil
		}
		deltaCount = g.GroupCount
		deltaValue = g.UnitPrice * deltaCount
		applied = p.insertGiftRow(ctx, g, userID, deltaCount, deltaValue, models.SendNormal)
		p.groupSeen[key] = struct{}{}
		if g.RepeatEnd {
			delete(p.groupSeen, key)
		}
		comboComplete = g.RepeatEnd

	default:
		deltaCount = g.GroupCount
		if deltaCount == 0 {
			deltaCount = 1
		}
		deltaValue = g.UnitPrice * deltaCount
		applied = p.insertGiftRow(ctx, g, userID, deltaCount, deltaValue, models.SendNormal)
	}

	if !applied {
		// Storage rejected the row as a duplicate trace the in-memory cache
		// missed (e.g. after a restart). No aggregate deltas are applied,
		// preserving gift idempotence.
		return nil
	}

	p.giftUsers[g.DisplayName] = struct{}{}
	metrics.GiftEventsIngested.WithLabelValues(p.identifier).Inc()

	if p.sessionID != 0 {
		if err := p.gateway.BumpSession(ctx, p.sessionID, deltaValue, deltaCount, 0); err != nil {
			metrics.StorageWriteFailures.WithLabelValues("bump_session").Inc()
			logging.Error(ctx, "bump session (gift) failed", zap.Error(err))
		}
	}
	p.totals.TotalIncome += deltaValue
	p.totals.TotalGifts += deltaCount
	p.rolling.totalIncome.Store(p.totals.TotalIncome)

	contrib, err := p.gateway.RecordContribution(ctx, models.ContributionDelta{
		RoomID:      p.roomID,
		UserID:      userID,
		DisplayName: g.DisplayName,
		DeltaScore:  deltaValue,
		DeltaGifts:  deltaCount,
		AvatarURL:   g.AvatarURL,
	})
	p.syncBoard(ctx, userID, g.DisplayName, contrib, err, deltaValue, deltaCount, 0)

	p.publish(ctx, bus.RoomTopic(p.identifier), "gift", giftPublished{
		UserID:        userID,
		DisplayName:   g.DisplayName,
		GiftID:        g.GiftID,
		GiftName:      g.GiftName,
		DeltaCount:    deltaCount,
		DeltaValue:    deltaValue,
		ComboComplete: comboComplete,
	})
	return nil
}

// applyComboGift handles the combo-typed sub-case of step 2. applied is
// false only when the tick must not contribute aggregate deltas: a repeat
// of the last observed combo_count, or a first-insert rejected by storage
// as a duplicate trace the in-memory cache missed.
// Any other storage failure still returns applied=true: losing one row is
// preferable to losing the session.
func (p *Processor) applyComboGift(ctx context.Context, g fetcher.Gift, userID string) (deltaCount, deltaValue int64, applied bool) {
	key := comboKey(*g.GroupID, userID, g.GiftID)
	entry, present := p.combos[key]
	if !present {
		entry = &comboEntry{}
		p.combos[key] = entry
	}
	// repeat_end always clears the key, even when the terminal tick repeats
	// the last observed combo_count and contributes no deltas itself.
	if g.RepeatEnd {
		defer delete(p.combos, key)
	}

	comboCount := *g.ComboCount
	if comboCount == entry.lastComboCount {
		logging.Debug(ctx, "repeated combo_count dropped", zap.String("combo_key", key))
		return 0, 0, false
	}

	deltaCombo := comboCount - entry.lastComboCount
	entry.lastComboCount = comboCount
	deltaCount = deltaCombo * g.GroupCount
	deltaValue = g.UnitPrice * deltaCount

	cumulativeCount := comboCount * g.GroupCount
	cumulativeValue := g.UnitPrice * cumulativeCount
	applied = true

	if entry.rowID == nil {
		row, err := p.gateway.AppendGift(ctx, models.GiftEvent{
			RoomID:      p.roomID,
			SessionID:   p.sessionIDPtr(),
			UserID:      userID,
			DisplayName: g.DisplayName,
			UserLevel:   g.UserLevel,
			GiftID:      g.GiftID,
			GiftName:    g.GiftName,
			Count:       cumulativeCount,
			UnitPrice:   g.UnitPrice,
			TotalValue:  cumulativeValue,
			SendMode:    models.SendCombo,
			GroupID:     g.GroupID,
			TraceID:     g.TraceID,
			Timestamp:   g.Timestamp,
		})
		if err != nil {
			if errors.Is(err, storage.ErrDuplicateTrace) {
				logging.Debug(ctx, "duplicate gift trace on combo insert", zap.String("combo_key", key))
				applied = false
			} else {
				metrics.StorageWriteFailures.WithLabelValues("append_gift").Inc()
				logging.Error(ctx, "append combo gift row failed", zap.Error(err))
			}
		} else {
			rowID := row.ID
			entry.rowID = &rowID
		}
	} else if err := p.gateway.UpdateGiftTotals(ctx, *entry.rowID, cumulativeCount, cumulativeValue); err != nil {
		metrics.StorageWriteFailures.WithLabelValues("update_gift_totals").Inc()
		logging.Error(ctx, "update combo gift totals failed", zap.Error(err))
	}

	return deltaCount, deltaValue, applied
}

// insertGiftRow appends a non-combo gift row. It returns false only when
// storage rejects the row as a duplicate trace (no aggregate deltas should
// follow); any other write failure is logged and counted but does not
// suppress the aggregate update.
func (p *Processor) insertGiftRow(ctx context.Context, g fetcher.Gift, userID string, count, totalValue int64, mode models.SendMode) bool {
	_, err := p.gateway.AppendGift(ctx, models.GiftEvent{
		RoomID:      p.roomID,
		SessionID:   p.sessionIDPtr(),
		UserID:      userID,
		DisplayName: g.DisplayName,
		UserLevel:   g.UserLevel,
		GiftID:      g.GiftID,
		GiftName:    g.GiftName,
		Count:       count,
		UnitPrice:   g.UnitPrice,
		TotalValue:  totalValue,
		SendMode:    mode,
		GroupID:     g.GroupID,
		TraceID:     g.TraceID,
		Timestamp:   g.Timestamp,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateTrace) {
			logging.Debug(ctx, "duplicate gift trace on insert")
			return false
		}
		metrics.StorageWriteFailures.WithLabelValues("append_gift").Inc()
		logging.Error(ctx, "append gift row failed", zap.Error(err))
	}
	return true
}

func (p *Processor) syncBoard(ctx context.Context, userID, displayName string, contrib *models.UserContribution, err error, deltaScore, deltaGifts, deltaChats int64) {
	if err != nil {
		metrics.StorageWriteFailures.WithLabelValues("record_contribution").Inc()
		logging.Error(ctx, "record contribution failed", zap.Error(err))
		entry, ok := p.board[userID]
		if !ok {
			entry = &boardEntry{DisplayName: displayName}
			p.board[userID] = entry
		}
		entry.Score += deltaScore
		entry.GiftCount += deltaGifts
		entry.ChatCount += deltaChats
		p.rolling.contributorCount.Store(int64(len(p.board)))
		return
	}
	p.board[userID] = &boardEntry{
		DisplayName: contrib.DisplayName,
		Score:       contrib.TotalScore,
		GiftCount:   contrib.GiftCount,
		ChatCount:   contrib.ChatCount,
		AvatarURL:   contrib.AvatarURL,
	}
	p.rolling.contributorCount.Store(int64(len(p.board)))
}

// OnViewerSeq implements viewer sequence ingestion.
func (p *Processor) OnViewerSeq(ctx context.Context, vs fetcher.ViewerSeq) error {
	ctx = p.ctx(ctx)
	ctx, span := p.startSpan(ctx, "processor.on_viewer_seq")
	defer span.End()
	p.currentViewers = vs.Current
	if vs.Current > p.maxViewers {
		p.maxViewers = vs.Current
		if p.sessionID != 0 {
			if err := p.gateway.UpdateSessionPeakViewers(ctx, p.sessionID, p.maxViewers); err != nil {
				metrics.StorageWriteFailures.WithLabelValues("update_peak_viewers").Inc()
				logging.Error(ctx, "update peak viewers failed", zap.Error(err))
			}
		}
	}
	p.lastCumulative = numeric.ParseCumulative(vs.CumulativeRaw)
	p.rolling.currentViewers.Store(p.currentViewers)
	p.rolling.cumulativeViewers.Store(p.lastCumulative)
	p.publishSnapshot(ctx)
	return nil
}

// OnControl implements control ingestion.
func (p *Processor) OnControl(ctx context.Context, kind fetcher.ControlKind) error {
	ctx = p.ctx(ctx)
	ctx, span := p.startSpan(ctx, "processor.on_control")
	defer span.End()
	span.SetAttributes(attribute.String("control", string(kind)))
	if kind != fetcher.ControlStreamEnded {
		return nil
	}
	if p.sessionID != 0 {
		peak := p.maxViewers
		if err := p.gateway.EndSession(ctx, p.sessionID, p.clock.WallNow(), &peak); err != nil {
			metrics.StorageWriteFailures.WithLabelValues("end_session").Inc()
			logging.Error(ctx, "end session failed", zap.Error(err))
		}
	}
	p.publishSnapshot(ctx)
	p.endedOnce.Do(func() { close(p.ended) })
	return nil
}

type statsSnapshot struct {
	CurrentViewers    int64                      `json:"current_viewers"`
	CumulativeViewers int64                      `json:"cumulative_viewers"`
	TotalIncome       int64                      `json:"total_income"`
	ContributorCount  int64                      `json:"contributor_count"`
	TopContributors   []*models.UserContribution `json:"top_contributors"`
}

type giftPublished struct {
	UserID        string `json:"user_id"`
	DisplayName   string `json:"display_name"`
	GiftID        string `json:"gift_id"`
	GiftName      string `json:"gift_name"`
	DeltaCount    int64  `json:"delta_count"`
	DeltaValue    int64  `json:"delta_value"`
	ComboComplete bool   `json:"combo_complete"`
}

func (p *Processor) buildSnapshot(ctx context.Context) statsSnapshot {
	top, err := p.gateway.TopContributions(ctx, p.identifier, statsTopN)
	if err != nil {
		logging.Warn(ctx, "top contributions lookup failed", zap.Error(err))
		top = nil
	}
	return statsSnapshot{
		CurrentViewers:    p.currentViewers,
		CumulativeViewers: p.lastCumulative,
		TotalIncome:       p.totals.TotalIncome,
		ContributorCount:  int64(len(p.board)),
		TopContributors:   top,
	}
}

func (p *Processor) publishSnapshot(ctx context.Context) {
	p.publish(ctx, bus.StatsTopic(p.identifier), "stats", p.buildSnapshot(ctx))
}

// snapshotMessage builds the replay payload synchronously for a newly
// joining subscriber. It runs on the subscriber's goroutine, so it reads
// only the rolling atomics and the Gateway. It never fails: a marshal error
// falls back to an empty payload rather than blocking the join.
func (p *Processor) snapshotMessage(topic string) bus.Message {
	ctx := context.Background()
	stats := p.Stats()
	top, err := p.gateway.TopContributions(ctx, p.identifier, statsTopN)
	if err != nil {
		logging.Warn(ctx, "top contributions lookup failed", zap.Error(err))
		top = nil
	}
	raw, err := json.Marshal(statsSnapshot{
		CurrentViewers:    stats.CurrentViewers,
		CumulativeViewers: stats.CumulativeViewers,
		TotalIncome:       stats.TotalIncome,
		ContributorCount:  stats.ContributorCount,
		TopContributors:   top,
	})
	if err != nil {
		raw = []byte("{}")
	}
	return bus.NewMessage(topic, "stats", raw)
}

func (p *Processor) publish(ctx context.Context, topic, event string, payload any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, topic, event, payload); err != nil {
		logging.Debug(ctx, "publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
