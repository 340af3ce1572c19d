package wsfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomwatch/monitor/internal/fetcher"
)

// fakeDecoder treats the raw frame as "<kind>:<payload>" for test purposes.
type fakeDecoder struct{}

func (fakeDecoder) DecodeChat(frame []byte) (fetcher.Chat, bool, error) {
	s := string(frame)
	if !strings.HasPrefix(s, "chat:") {
		return fetcher.Chat{}, false, nil
	}
	return fetcher.Chat{UserID: "u1", Text: strings.TrimPrefix(s, "chat:")}, true, nil
}

func (fakeDecoder) DecodeGift(frame []byte) (fetcher.Gift, bool, error) {
	s := string(frame)
	if !strings.HasPrefix(s, "gift:") {
		return fetcher.Gift{}, false, nil
	}
	if strings.HasSuffix(s, "malformed") {
		return fetcher.Gift{}, true, errors.New("bad gift payload")
	}
	return fetcher.Gift{UserID: "u1", GiftID: strings.TrimPrefix(s, "gift:")}, true, nil
}

func (fakeDecoder) DecodeViewerSeq(frame []byte) (fetcher.ViewerSeq, bool, error) {
	return fetcher.ViewerSeq{}, false, nil
}

func (fakeDecoder) DecodeControl(frame []byte) (fetcher.ControlKind, bool, error) {
	if string(frame) == "control:stream_ended" {
		return fetcher.ControlStreamEnded, true, nil
	}
	return "", false, nil
}

func startWSServer(t *testing.T, onConn func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		onConn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestOpenStreamDispatchesDecodedFrames(t *testing.T) {
	url := startWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("chat:hello"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("gift:rose"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("control:stream_ended"))
		time.Sleep(50 * time.Millisecond)
	})

	f := New(Config{
		DialURL: func(string) string { return url },
		Decoder: fakeDecoder{},
		Probe:   func(context.Context, *http.Client, string) (fetcher.ProbeResult, error) { return fetcher.ProbeResult{}, nil },
	})

	var mu sync.Mutex
	var chats []fetcher.Chat
	var gifts []fetcher.Gift
	var controls []fetcher.ControlKind
	opened := false

	err := f.OpenStream(context.Background(), "room-1", fetcher.Callbacks{
		OnOpen: func() { opened = true },
		OnChat: func(c fetcher.Chat) { mu.Lock(); chats = append(chats, c); mu.Unlock() },
		OnGift: func(g fetcher.Gift) { mu.Lock(); gifts = append(gifts, g); mu.Unlock() },
		OnControl: func(k fetcher.ControlKind) {
			mu.Lock()
			controls = append(controls, k)
			mu.Unlock()
		},
	})
	require.Error(t, err) // server closes the connection, surfacing a read error
	assert.True(t, opened)
	assert.Len(t, chats, 1)
	assert.Equal(t, "hello", chats[0].Text)
	assert.Len(t, gifts, 1)
	assert.Equal(t, "rose", gifts[0].GiftID)
	assert.Equal(t, []fetcher.ControlKind{fetcher.ControlStreamEnded}, controls)
}

func TestOpenStreamStopEndsStreamCleanly(t *testing.T) {
	release := make(chan struct{})
	url := startWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		<-release
	})

	f := New(Config{
		DialURL: func(string) string { return url },
		Decoder: fakeDecoder{},
	})

	done := make(chan error, 1)
	go func() {
		done <- f.OpenStream(context.Background(), "room-1", fetcher.Callbacks{})
	}()

	time.Sleep(20 * time.Millisecond)
	f.Stop("room-1")
	close(release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OpenStream did not return after Stop")
	}
}

func TestOpenStreamReportsMalformedFrame(t *testing.T) {
	url := startWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("gift:malformed"))
		time.Sleep(50 * time.Millisecond)
	})

	f := New(Config{
		DialURL: func(string) string { return url },
		Decoder: fakeDecoder{},
	})

	var mu sync.Mutex
	var gotErr error
	_ = f.OpenStream(context.Background(), "room-1", fetcher.Callbacks{
		OnError: func(err error) { mu.Lock(); gotErr = err; mu.Unlock() },
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, gotErr)
}

func TestProbeLiveTripsCircuitBreakerOnRepeatedFailure(t *testing.T) {
	wantErr := errors.New("upstream unavailable")
	f := New(Config{
		Probe: func(context.Context, *http.Client, string) (fetcher.ProbeResult, error) {
			return fetcher.ProbeResult{}, wantErr
		},
	})

	// gobreaker's default policy opens after more than five consecutive
	// failures; from then on the probe is not called at all.
	for i := 0; i < 6; i++ {
		_, err := f.ProbeLive(context.Background(), "room-1")
		assert.ErrorIs(t, err, wantErr)
	}
	_, err := f.ProbeLive(context.Background(), "room-1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
