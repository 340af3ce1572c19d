package wsfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomwatch/monitor/internal/fetcher"
)

func TestJSONDecoderChat(t *testing.T) {
	d := JSONDecoder{}
	frame := []byte(`{"type":"chat","user_id":"u1","display_name":"Ann","user_level":7,"text":"hello","ts":1700000000}`)

	chat, ok, err := d.DecodeChat(frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u1", chat.UserID)
	assert.Equal(t, "Ann", chat.DisplayName)
	assert.Equal(t, 7, chat.UserLevel)
	assert.Equal(t, "hello", chat.Text)
	assert.Equal(t, time.Unix(1700000000, 0), chat.Timestamp)

	_, ok, err = d.DecodeChat([]byte(`{"type":"gift"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJSONDecoderGift(t *testing.T) {
	d := JSONDecoder{}
	frame := []byte(`{"type":"gift","user_id":"u1","avatar_url":"https://cdn.example.com/u1.png",` +
		`"gift_id":"rose","gift_name":"Rose","unit_price":10,` +
		`"group_count":2,"combo_count":3,"group_id":"g1","repeat_end":true,"trace_id":"t1"}`)

	gift, ok, err := d.DecodeGift(frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rose", gift.GiftID)
	require.NotNil(t, gift.AvatarURL)
	assert.Equal(t, "https://cdn.example.com/u1.png", *gift.AvatarURL)
	assert.Equal(t, int64(2), gift.GroupCount)
	require.NotNil(t, gift.ComboCount)
	assert.Equal(t, int64(3), *gift.ComboCount)
	require.NotNil(t, gift.GroupID)
	assert.Equal(t, "g1", *gift.GroupID)
	assert.True(t, gift.RepeatEnd)
	require.NotNil(t, gift.TraceID)
	assert.Equal(t, "t1", *gift.TraceID)

	_, ok, err = d.DecodeGift([]byte(`{"type":"gift"}`))
	assert.True(t, ok)
	assert.Error(t, err, "gift frame without gift_id is malformed, not foreign")
}

func TestJSONDecoderViewerAndControl(t *testing.T) {
	d := JSONDecoder{}

	vs, ok, err := d.DecodeViewerSeq([]byte(`{"type":"viewer","current":12,"cumulative":"46.8万"}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(12), vs.Current)
	assert.Equal(t, "46.8万", vs.CumulativeRaw)

	kind, ok, err := d.DecodeControl([]byte(`{"type":"control","action":"stream_ended"}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fetcher.ControlStreamEnded, kind)

	_, ok, _ = d.DecodeControl([]byte(`{"type":"control","action":"pause"}`))
	assert.False(t, ok)

	// Non-JSON frames are foreign, not errors.
	_, ok, err = d.DecodeChat([]byte("binary garbage"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/room/live1":
			w.Write([]byte(`{"is_live":true,"anchor_name":"Alice","anchor_id":"a1"}`))
		case "/room/off1":
			w.Write([]byte(`{"is_live":false}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	probe := NewHTTPProbe(srv.URL + "/room/%s")
	client := srv.Client()

	res, err := probe(context.Background(), client, "live1")
	require.NoError(t, err)
	assert.True(t, res.IsLive)
	require.NotNil(t, res.Anchor)
	assert.Equal(t, "Alice", res.Anchor.Name)

	res, err = probe(context.Background(), client, "off1")
	require.NoError(t, err)
	assert.False(t, res.IsLive)
	assert.Nil(t, res.Anchor)

	_, err = probe(context.Background(), client, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
