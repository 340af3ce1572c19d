// Package supervisor implements the per-room Room Supervisor: the finite
// state machine that probes a room's live status, opens and sustains its
// push stream, reconnects with back-off, polls offline rooms, and writes
// the audit trail around every transition. One Supervisor owns one
// background goroutine and one Event Processor; it routes domain events to
// that Processor but never persists them itself.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roomwatch/monitor/internal/bus"
	"github.com/roomwatch/monitor/internal/clock"
	"github.com/roomwatch/monitor/internal/fetcher"
	"github.com/roomwatch/monitor/internal/logging"
	"github.com/roomwatch/monitor/internal/metrics"
	"github.com/roomwatch/monitor/internal/models"
	"github.com/roomwatch/monitor/internal/processor"
	"github.com/roomwatch/monitor/internal/storage"
	"github.com/roomwatch/monitor/internal/tracing"
)

// State names a node of the Supervisor's state machine.
type State string

const (
	StateIdle           State = "Idle"
	StateProbing        State = "Probing"
	StateStreaming      State = "Streaming"
	StateOfflinePolling State = "Offline-Polling"
	StateBackoff        State = "Backoff"
	StateWaiting        State = "Waiting"
	StateTerminated     State = "Terminated"
)

// streamBuffer bounds the inbound event channel between the Fetcher's read
// goroutine and the Supervisor's consumer loop. The Fetcher dispatches from
// a single goroutine, so a full buffer applies back-pressure to the read
// loop rather than reordering or dropping events.
const streamBuffer = 256

// Config carries the reconnect/poll tunables a Supervisor runs with.
type Config struct {
	MaxRetries         int
	ReconnectDelay     time.Duration
	PollInterval       time.Duration
	MaxPollAttempts    int
	TraceCacheCapacity int
}

// Handle is the narrow slice of the Room Manager a Supervisor may call back
// into, breaking the Supervisor <-> Manager cycle. It must not block.
type Handle interface {
	// SupervisorExited is invoked once, after the Supervisor's goroutine
	// has finished its final status write.
	SupervisorExited(identifier string)
}

type eventKind int

const (
	evOpen eventKind = iota
	evChat
	evGift
	evViewer
	evControl
	evClose
	evError
)

// streamEvent is the typed inbound-event channel element carrying one
// Fetcher callback into the Supervisor's single consumer loop.
type streamEvent struct {
	kind    eventKind
	chat    fetcher.Chat
	gift    fetcher.Gift
	viewer  fetcher.ViewerSeq
	control fetcher.ControlKind
	reason  string
	err     error
}

// Supervisor drives one room's monitoring lifecycle.
type Supervisor struct {
	identifier string

	gateway  storage.Gateway
	busSvc   *bus.Service
	clk      clock.Clock
	fetch    fetcher.Fetcher
	cfg      Config
	handle   Handle
	shutdown <-chan struct{}

	mu    sync.Mutex
	room  *models.Room
	proc  *processor.Processor
	state State

	lastAnchor    *fetcher.Anchor
	connectedOnce bool
	retries       int

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// New constructs a Supervisor for room. shutdown is the process-wide signal
// the Manager closes on Shutdown; it is observed at every suspension point.
func New(room *models.Room, gw storage.Gateway, busSvc *bus.Service, clk clock.Clock, fetch fetcher.Fetcher, cfg Config, handle Handle, shutdown <-chan struct{}) *Supervisor {
	return &Supervisor{
		identifier: room.Identifier,
		room:       room,
		gateway:    gw,
		busSvc:     busSvc,
		clk:        clk,
		fetch:      fetch,
		cfg:        cfg,
		handle:     handle,
		shutdown:   shutdown,
		state:      StateIdle,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the state machine goroutine. Idempotent.
func (s *Supervisor) Start() {
	s.startOnce.Do(func() { go s.run() })
}

// Stop requests cooperative termination from any state. Idempotent and safe
// from any goroutine; the caller observes completion via Done.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed once the Supervisor's goroutine has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Identifier returns the room's stable external identifier.
func (s *Supervisor) Identifier() string { return s.identifier }

// RoomID returns the storage-internal room id, used by the Scheduler's
// snapshot job.
func (s *Supervisor) RoomID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.ID
}

// State returns the machine's current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats samples the owned Processor's rolling counters. ok is false when no
// stream is active.
func (s *Supervisor) Stats() (processor.RollingStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.state != StateStreaming {
		return processor.RollingStats{}, false
	}
	return s.proc.Stats(), true
}

var tracer = tracing.Tracer("roomwatch/supervisor")

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		metrics.RoomStateTransitions.WithLabelValues(string(from), string(to)).Inc()
		// A root span per transition; the daemon has no inbound trace
		// context to continue.
		_, span := tracer.Start(context.Background(), "supervisor.transition",
			oteltrace.WithAttributes(
				attribute.String("room_id", s.identifier),
				attribute.String("from", string(from)),
				attribute.String("to", string(to)),
			))
		span.End()
	}
}

func (s *Supervisor) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
	}
	select {
	case <-s.shutdown:
		return true
	default:
	}
	return false
}

func (s *Supervisor) audit(ctx context.Context, kind models.SystemEventKind, detail string) {
	if err := s.gateway.AppendSystemEvent(ctx, s.identifier, kind, detail, s.clk.WallNow()); err != nil {
		logging.Warn(ctx, "append system event failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer func() {
		if s.handle != nil {
			s.handle.SupervisorExited(s.identifier)
		}
	}()

	ctx := logging.WithRoom(context.Background(), s.identifier)
	logging.Info(ctx, "supervisor started")

	state := StateProbing
	for state != StateTerminated {
		if s.stopRequested() {
			state = s.terminate(ctx, models.RoomStopped, nil, "stop requested")
			continue
		}
		switch state {
		case StateProbing:
			state = s.stepProbe(ctx)
		case StateStreaming:
			state = s.stepStream(ctx)
		case StateBackoff:
			state = s.stepBackoff(ctx)
		case StateOfflinePolling:
			state = s.stepPoll(ctx, false)
		case StateWaiting:
			state = s.stepPoll(ctx, true)
		}
	}
	logging.Info(ctx, "supervisor terminated")
}

// refreshRoom re-reads the persisted Room so operator config changes (mode,
// auto-reconnect) made mid-run are honored at the next decision point.
func (s *Supervisor) refreshRoom(ctx context.Context) {
	room, err := s.gateway.GetRoom(ctx, s.identifier)
	if err != nil {
		logging.Warn(ctx, "room refresh failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
}

func (s *Supervisor) persistentAuto() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.Mode == models.ModePersistent && s.room.AutoReconnect
}

func (s *Supervisor) autoReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.AutoReconnect
}

func (s *Supervisor) stepProbe(ctx context.Context) State {
	s.setState(StateProbing)
	s.refreshRoom(ctx)

	res, err := s.fetch.ProbeLive(ctx, s.identifier)
	if err != nil {
		logging.Warn(ctx, "live probe failed", zap.Error(err))
		s.audit(ctx, models.EventError, fmt.Sprintf("probe: %s", err))
		if s.retries < s.cfg.MaxRetries {
			return StateBackoff
		}
		if s.autoReconnect() {
			return StateWaiting
		}
		errText := err.Error()
		return s.terminate(ctx, models.RoomError, &errText, "probe retries exhausted")
	}

	if res.IsLive {
		s.lastAnchor = res.Anchor
		return StateStreaming
	}

	s.audit(ctx, models.EventNotLive, "not broadcasting")
	if s.persistentAuto() {
		return StateOfflinePolling
	}
	return s.terminate(ctx, models.RoomStopped, nil, "not broadcasting")
}

func (s *Supervisor) stepStream(ctx context.Context) State {
	s.setState(StateStreaming)

	s.mu.Lock()
	if s.proc == nil {
		s.proc = processor.New(s.room, s.gateway, s.busSvc, s.clk, processor.Config{
			TraceCacheCapacity: s.cfg.TraceCacheCapacity,
		})
		s.proc.RegisterReplay()
	}
	p := s.proc
	s.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan streamEvent, streamBuffer)
	result := make(chan error, 1)
	go func() {
		result <- s.fetch.OpenStream(streamCtx, s.identifier, s.callbacks(events))
		close(events)
	}()

	var ended, stopping bool
	doneCh := p.Done()
	stopCh := s.stopCh
	shutdownCh := s.shutdown
	inbound := events
	for inbound != nil {
		select {
		case <-stopCh:
			stopCh = nil
			stopping = true
			s.fetch.Stop(s.identifier)
			cancel()
		case <-shutdownCh:
			shutdownCh = nil
			stopping = true
			s.fetch.Stop(s.identifier)
			cancel()
		case <-doneCh:
			doneCh = nil
			ended = true
			s.fetch.Stop(s.identifier)
		case ev, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			s.dispatch(ctx, p, ev)
		}
	}
	streamErr := <-result

	_ = s.gateway.UpdateRoomDisconnect(ctx, s.identifier, s.clk.WallNow())

	switch {
	case stopping:
		s.audit(ctx, models.EventDisconnect, "stopped")
		return s.terminate(ctx, models.RoomStopped, nil, "stopped")

	case ended:
		s.audit(ctx, models.EventDisconnect, "stream ended")
		s.retries = 0
		if err := s.gateway.ResetReconnectCount(ctx, s.identifier); err != nil {
			logging.Warn(ctx, "reset reconnect count failed", zap.Error(err))
		}
		s.releaseProcessor()
		if s.persistentAuto() {
			return StateOfflinePolling
		}
		return s.terminate(ctx, models.RoomStopped, nil, "not broadcasting")

	default:
		detail := "remote close"
		if streamErr != nil {
			detail = streamErr.Error()
		}
		s.audit(ctx, models.EventDisconnect, detail)
		if isGatewayError(streamErr) {
			// 502s from the edge are routine; reconnect without flagging
			// the room as errored.
			logging.Warn(ctx, "transient gateway error", zap.Error(streamErr))
		} else if streamErr != nil {
			errText := detail
			if err := s.gateway.UpdateRoomStatus(ctx, s.identifier, models.RoomError, &errText); err != nil {
				logging.Warn(ctx, "update room status failed", zap.Error(err))
			}
			s.audit(ctx, models.EventError, detail)
		}
		if s.connectedOnce && s.retries < s.cfg.MaxRetries {
			return StateBackoff
		}
		if s.autoReconnect() {
			return StateWaiting
		}
		var errText *string
		status := models.RoomStopped
		if streamErr != nil && !isGatewayError(streamErr) {
			status = models.RoomError
			errText = &detail
		}
		return s.terminate(ctx, status, errText, "retries exhausted")
	}
}

// callbacks bridges the Fetcher's callback surface onto the typed inbound
// channel. The Fetcher invokes these from one goroutine in delivery order;
// a blocking send preserves that order under back-pressure.
func (s *Supervisor) callbacks(events chan<- streamEvent) fetcher.Callbacks {
	return fetcher.Callbacks{
		OnOpen:      func() { events <- streamEvent{kind: evOpen} },
		OnChat:      func(c fetcher.Chat) { events <- streamEvent{kind: evChat, chat: c} },
		OnGift:      func(g fetcher.Gift) { events <- streamEvent{kind: evGift, gift: g} },
		OnViewerSeq: func(v fetcher.ViewerSeq) { events <- streamEvent{kind: evViewer, viewer: v} },
		OnControl:   func(k fetcher.ControlKind) { events <- streamEvent{kind: evControl, control: k} },
		OnClose:     func(reason string) { events <- streamEvent{kind: evClose, reason: reason} },
		OnError:     func(err error) { events <- streamEvent{kind: evError, err: err} },
	}
}

func (s *Supervisor) dispatch(ctx context.Context, p *processor.Processor, ev streamEvent) {
	switch ev.kind {
	case evOpen:
		s.connectedOnce = true
		s.audit(ctx, models.EventConnect, "stream opened")
		if err := p.OnOpen(ctx, s.lastAnchor); err != nil {
			logging.Error(ctx, "stream open bootstrap failed", zap.Error(err))
		}
	case evChat:
		_ = p.OnChat(ctx, ev.chat)
	case evGift:
		_ = p.OnGift(ctx, ev.gift)
	case evViewer:
		_ = p.OnViewerSeq(ctx, ev.viewer)
	case evControl:
		_ = p.OnControl(ctx, ev.control)
	case evClose:
		logging.Info(ctx, "stream closed", zap.String("reason", ev.reason))
	case evError:
		if isGatewayError(ev.err) {
			logging.Warn(ctx, "stream error", zap.Error(ev.err))
		} else {
			logging.Error(ctx, "stream error", zap.Error(ev.err))
		}
	}
}

func (s *Supervisor) stepBackoff(ctx context.Context) State {
	s.setState(StateBackoff)
	select {
	case <-s.stopCh:
		return s.terminate(ctx, models.RoomStopped, nil, "stop requested")
	case <-s.shutdown:
		return s.terminate(ctx, models.RoomStopped, nil, "shutdown")
	case <-s.clk.Sleep(s.cfg.ReconnectDelay):
	}

	s.retries++
	if _, err := s.gateway.IncrementReconnectCount(ctx, s.identifier); err != nil {
		logging.Warn(ctx, "increment reconnect count failed", zap.Error(err))
	}
	metrics.ReconnectAttempts.WithLabelValues(s.identifier).Inc()
	s.audit(ctx, models.EventReconnect, fmt.Sprintf("reconnect(%d)", s.retries))
	return StateProbing
}

// stepPoll implements both Offline-Polling and Waiting: the same probe loop
// entered either because the room was never live (offline) or because the
// reconnect budget ran out (waiting), with distinct status and audit trail.
func (s *Supervisor) stepPoll(ctx context.Context, waiting bool) State {
	status, st := models.RoomOffline, StateOfflinePolling
	if waiting {
		status, st = models.RoomWaiting, StateWaiting
	}
	s.setState(st)
	if err := s.gateway.UpdateRoomStatus(ctx, s.identifier, status, nil); err != nil {
		logging.Warn(ctx, "update room status failed", zap.Error(err))
	}
	if waiting {
		s.audit(ctx, models.EventWaiting, fmt.Sprintf("reconnect budget exhausted after %d attempts", s.retries))
	}

	for attempt := 1; attempt <= s.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-s.stopCh:
			return s.terminate(ctx, models.RoomStopped, nil, "stop requested")
		case <-s.shutdown:
			return s.terminate(ctx, models.RoomStopped, nil, "shutdown")
		case <-s.clk.Sleep(s.cfg.PollInterval):
		}

		res, err := s.fetch.ProbeLive(ctx, s.identifier)
		if err != nil {
			logging.Warn(ctx, "offline probe failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if res.IsLive {
			s.lastAnchor = res.Anchor
			s.retries = 0
			if err := s.gateway.ResetReconnectCount(ctx, s.identifier); err != nil {
				logging.Warn(ctx, "reset reconnect count failed", zap.Error(err))
			}
			s.audit(ctx, models.EventDetected, "broadcast detected")
			return StateStreaming
		}
	}

	s.audit(ctx, models.EventPollTimeout, fmt.Sprintf("no broadcast after %d probes", s.cfg.MaxPollAttempts))
	return s.terminate(ctx, models.RoomStopped, nil, "poll timeout")
}

func (s *Supervisor) terminate(ctx context.Context, status models.RoomStatus, errText *string, detail string) State {
	s.releaseProcessor()
	if err := s.gateway.UpdateRoomStatus(ctx, s.identifier, status, errText); err != nil {
		logging.Warn(ctx, "final status write failed", zap.Error(err))
	}
	logging.Info(ctx, "supervisor terminating", zap.String("reason", detail), zap.String("status", string(status)))
	s.setState(StateTerminated)
	return StateTerminated
}

func (s *Supervisor) releaseProcessor() {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()
	if p != nil {
		p.UnregisterReplay()
	}
}

// isGatewayError classifies 502/bad-gateway transport failures, which are
// warnings rather than room errors.
func isGatewayError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "502") || strings.Contains(msg, "bad gateway")
}
