package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roomwatch/monitor/internal/clock"
	"github.com/roomwatch/monitor/internal/fetcher"
	"github.com/roomwatch/monitor/internal/models"
	"github.com/roomwatch/monitor/internal/storage"
	"github.com/roomwatch/monitor/internal/storage/storagetest"
)

// fakeFetcher scripts probe results and stream behaviors per call index.
type fakeFetcher struct {
	mu          sync.Mutex
	probe       func(call int) (fetcher.ProbeResult, error)
	stream      func(call int, ctx context.Context, cb fetcher.Callbacks) error
	probeCalls  int
	streamCalls int
	cancels     map[string]context.CancelFunc
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{cancels: make(map[string]context.CancelFunc)}
}

func (f *fakeFetcher) ProbeLive(ctx context.Context, id string) (fetcher.ProbeResult, error) {
	f.mu.Lock()
	n := f.probeCalls
	f.probeCalls++
	f.mu.Unlock()
	return f.probe(n)
}

func (f *fakeFetcher) OpenStream(ctx context.Context, id string, cb fetcher.Callbacks) error {
	f.mu.Lock()
	n := f.streamCalls
	f.streamCalls++
	sctx, cancel := context.WithCancel(ctx)
	f.cancels[id] = cancel
	f.mu.Unlock()
	defer cancel()
	return f.stream(n, sctx, cb)
}

func (f *fakeFetcher) Stop(id string) {
	f.mu.Lock()
	cancel := f.cancels[id]
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *fakeFetcher) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls
}

func fastConfig() Config {
	return Config{
		MaxRetries:         3,
		ReconnectDelay:     5 * time.Millisecond,
		PollInterval:       5 * time.Millisecond,
		MaxPollAttempts:    2,
		TraceCacheCapacity: 100,
	}
}

func addRoom(t *testing.T, gw *storagetest.Fake, id string, mode models.MonitorMode, auto bool) *models.Room {
	t.Helper()
	room, err := gw.UpsertRoom(context.Background(), id, storage.RoomFields{Mode: string(mode), AutoReconnect: auto})
	require.NoError(t, err)
	return room
}

func awaitDone(t *testing.T, sup *Supervisor, within time.Duration) {
	t.Helper()
	select {
	case <-sup.Done():
	case <-time.After(within):
		t.Fatalf("supervisor did not terminate within %s (state %s)", within, sup.State())
	}
}

func liveProbe(anchor string) func(int) (fetcher.ProbeResult, error) {
	return func(int) (fetcher.ProbeResult, error) {
		return fetcher.ProbeResult{IsLive: true, Anchor: &fetcher.Anchor{Name: anchor, ID: anchor + "-id"}}, nil
	}
}

func offlineProbe() func(int) (fetcher.ProbeResult, error) {
	return func(int) (fetcher.ProbeResult, error) {
		return fetcher.ProbeResult{IsLive: false}, nil
	}
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

func TestManualRoomNotBroadcastingTerminates(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := storagetest.New()
	room := addRoom(t, gw, "R1", models.ModeManual, false)

	ff := newFakeFetcher()
	ff.probe = offlineProbe()

	sup := New(room, gw, nil, clock.New(time.UTC), ff, fastConfig(), nil, nil)
	sup.Start()
	awaitDone(t, sup, 2*time.Second)

	assert.Equal(t, StateTerminated, sup.State())
	assert.Equal(t, models.RoomStopped, gw.Room("R1").Status)
	assert.Len(t, gw.Audits("R1", models.EventNotLive), 1)
	assert.Equal(t, 1, ff.probeCount())
}

// Probe live, stream a short session, then a stream_ended control.
func TestCleanSessionLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := storagetest.New()
	room := addRoom(t, gw, "R1", models.ModeManual, false)

	ff := newFakeFetcher()
	ff.probe = liveProbe("Alice")
	ff.stream = func(call int, ctx context.Context, cb fetcher.Callbacks) error {
		cb.OnOpen()
		for i := 0; i < 3; i++ {
			cb.OnChat(fetcher.Chat{UserID: "u1", DisplayName: "Ann", UserLevel: 4, Text: "hi"})
		}
		cb.OnGift(fetcher.Gift{
			TraceID: strPtr("t1"), GroupID: strPtr("g1"), ComboCount: i64Ptr(1),
			UserID: "u1", DisplayName: "Ann", GiftID: "rose", GroupCount: 2, UnitPrice: 10,
		})
		cb.OnViewerSeq(fetcher.ViewerSeq{Current: 5, CumulativeRaw: "1.5万"})
		cb.OnControl(fetcher.ControlStreamEnded)
		<-ctx.Done()
		cb.OnClose("stopped")
		return nil
	}

	sup := New(room, gw, nil, clock.New(time.UTC), ff, fastConfig(), nil, nil)
	sup.Start()
	awaitDone(t, sup, 2*time.Second)

	sessions := gw.Sessions("R1")
	require.Len(t, sessions, 1)
	sess := sessions[0]
	assert.Equal(t, models.SessionEnded, sess.Status)
	assert.Equal(t, int64(3), sess.Totals.TotalChats)
	assert.Equal(t, int64(2), sess.Totals.TotalGifts)
	assert.Equal(t, int64(20), sess.Totals.TotalIncome)
	assert.Equal(t, int64(5), sess.Totals.PeakViewers)

	r := gw.Room("R1")
	assert.Equal(t, models.RoomStopped, r.Status)
	require.NotNil(t, r.AnchorName)
	assert.Equal(t, "Alice", *r.AnchorName)
	assert.NotNil(t, r.LastConnectAt)
	assert.NotNil(t, r.LastDisconnectAt)

	assert.Len(t, gw.Audits("R1", models.EventConnect), 1)
	assert.Len(t, gw.Audits("R1", models.EventDisconnect), 1)
}

// A 502 mid-session drives Backoff -> Probing ->
// Streaming; the prior session is adopted and no second row is created.
func TestTransientDisconnectRejoinsSameSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := storagetest.New()
	room := addRoom(t, gw, "R1", models.ModePersistent, true)

	ff := newFakeFetcher()
	ff.probe = func(call int) (fetcher.ProbeResult, error) {
		// Live for the initial connect and the reconnect; offline afterwards
		// so the post-session poll loop times out and the test ends.
		if call < 2 {
			return fetcher.ProbeResult{IsLive: true, Anchor: &fetcher.Anchor{Name: "Alice", ID: "a1"}}, nil
		}
		return fetcher.ProbeResult{IsLive: false}, nil
	}
	ff.stream = func(call int, ctx context.Context, cb fetcher.Callbacks) error {
		cb.OnOpen()
		if call == 0 {
			cb.OnGift(fetcher.Gift{
				TraceID: strPtr("t1"), UserID: "u1", DisplayName: "Ann",
				GiftID: "rose", GroupCount: 1, UnitPrice: 10,
			})
			return errors.New("websocket: close 502 bad gateway")
		}
		cb.OnControl(fetcher.ControlStreamEnded)
		<-ctx.Done()
		return nil
	}

	sup := New(room, gw, nil, clock.New(time.UTC), ff, fastConfig(), nil, nil)
	sup.Start()
	awaitDone(t, sup, 5*time.Second)

	sessions := gw.Sessions("R1")
	require.Len(t, sessions, 1, "rejoin must adopt the open session, not create a second")
	assert.Equal(t, models.SessionEnded, sessions[0].Status)

	reconnects := gw.Audits("R1", models.EventReconnect)
	require.Len(t, reconnects, 1)
	assert.Equal(t, "reconnect(1)", reconnects[0].Detail)

	// The 502 is a warning, not a room error.
	assert.Empty(t, gw.Audits("R1", models.EventError))
	assert.Len(t, gw.Audits("R1", models.EventPollTimeout), 1)
	assert.Equal(t, models.RoomStopped, gw.Room("R1").Status)
}

// A persistent room that never broadcasts polls
// MaxPollAttempts times, then terminates with a poll_timeout audit.
func TestOfflinePollingTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := storagetest.New()
	room := addRoom(t, gw, "R2", models.ModePersistent, true)

	ff := newFakeFetcher()
	ff.probe = offlineProbe()

	cfg := fastConfig()
	sup := New(room, gw, nil, clock.New(time.UTC), ff, cfg, nil, nil)
	sup.Start()
	awaitDone(t, sup, 2*time.Second)

	assert.Equal(t, 1+cfg.MaxPollAttempts, ff.probeCount())
	assert.Len(t, gw.Audits("R2", models.EventPollTimeout), 1)
	assert.Equal(t, models.RoomStopped, gw.Room("R2").Status)
}

func TestNonGatewayStreamErrorMarksRoomError(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := storagetest.New()
	room := addRoom(t, gw, "R1", models.ModeManual, false)

	ff := newFakeFetcher()
	ff.probe = liveProbe("Alice")
	streamErr := errors.New("signature rejected")
	ff.stream = func(call int, ctx context.Context, cb fetcher.Callbacks) error {
		cb.OnOpen()
		return streamErr
	}

	cfg := fastConfig()
	cfg.MaxRetries = 1
	sup := New(room, gw, nil, clock.New(time.UTC), ff, cfg, nil, nil)
	sup.Start()
	awaitDone(t, sup, 2*time.Second)

	r := gw.Room("R1")
	assert.Equal(t, models.RoomError, r.Status)
	require.NotNil(t, r.LastError)
	assert.Contains(t, *r.LastError, "signature rejected")
	assert.NotEmpty(t, gw.Audits("R1", models.EventError))
}

// Stop drives the machine to Terminated promptly even while
// parked in a long poll sleep.
func TestStopPromptnessDuringLongPoll(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := storagetest.New()
	room := addRoom(t, gw, "R1", models.ModePersistent, true)

	ff := newFakeFetcher()
	ff.probe = offlineProbe()

	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	sup := New(room, gw, nil, clock.New(time.UTC), ff, cfg, nil, nil)
	sup.Start()

	require.Eventually(t, func() bool { return sup.State() == StateOfflinePolling }, 2*time.Second, time.Millisecond)

	start := time.Now()
	sup.Stop()
	awaitDone(t, sup, time.Second)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.RoomStopped, gw.Room("R1").Status)
}

func TestProcessShutdownSignalStopsStreaming(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := storagetest.New()
	room := addRoom(t, gw, "R1", models.ModePersistent, true)

	ff := newFakeFetcher()
	ff.probe = liveProbe("Alice")
	ff.stream = func(call int, ctx context.Context, cb fetcher.Callbacks) error {
		cb.OnOpen()
		<-ctx.Done()
		return nil
	}

	shutdown := make(chan struct{})
	sup := New(room, gw, nil, clock.New(time.UTC), ff, fastConfig(), nil, shutdown)
	sup.Start()

	require.Eventually(t, func() bool {
		_, ok := sup.Stats()
		return ok
	}, 2*time.Second, time.Millisecond)

	close(shutdown)
	awaitDone(t, sup, time.Second)
	assert.Equal(t, models.RoomStopped, gw.Room("R1").Status)
}

func TestStatsOnlyAvailableWhileStreaming(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := storagetest.New()
	room := addRoom(t, gw, "R1", models.ModeManual, false)

	ff := newFakeFetcher()
	ff.probe = liveProbe("Alice")
	opened := make(chan struct{})
	ff.stream = func(call int, ctx context.Context, cb fetcher.Callbacks) error {
		cb.OnOpen()
		cb.OnViewerSeq(fetcher.ViewerSeq{Current: 7, CumulativeRaw: "123"})
		close(opened)
		<-ctx.Done()
		return nil
	}

	sup := New(room, gw, nil, clock.New(time.UTC), ff, fastConfig(), nil, nil)

	_, ok := sup.Stats()
	assert.False(t, ok, "no stats before Start")

	sup.Start()
	<-opened
	require.Eventually(t, func() bool {
		stats, ok := sup.Stats()
		return ok && stats.CurrentViewers == 7 && stats.CumulativeViewers == 123
	}, 2*time.Second, time.Millisecond)

	sup.Stop()
	awaitDone(t, sup, time.Second)
	_, ok = sup.Stats()
	assert.False(t, ok, "no stats after termination")
}
