package wsfetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/roomwatch/monitor/internal/fetcher"
)

// JSONDecoder decodes the JSON envelope frames the relay-style push
// endpoints emit: every frame is an object with a "type" discriminator and
// the event fields inline. Platforms with binary protocols supply their own
// Decoder instead.
type JSONDecoder struct{}

var _ Decoder = JSONDecoder{}

type jsonEnvelope struct {
	Type string `json:"type"`

	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	UserLevel   int     `json:"user_level"`
	AvatarURL   *string `json:"avatar_url"`
	Text        string  `json:"text"`

	GiftID     string  `json:"gift_id"`
	GiftName   string  `json:"gift_name"`
	UnitPrice  int64   `json:"unit_price"`
	GroupCount int64   `json:"group_count"`
	ComboCount *int64  `json:"combo_count"`
	GroupID    *string `json:"group_id"`
	RepeatEnd  bool    `json:"repeat_end"`
	TraceID    *string `json:"trace_id"`

	Current    int64  `json:"current"`
	Cumulative string `json:"cumulative"`

	Action string `json:"action"`

	TS int64 `json:"ts"`
}

func (e jsonEnvelope) timestamp() time.Time {
	if e.TS == 0 {
		return time.Now()
	}
	return time.Unix(e.TS, 0)
}

func decodeEnvelope(frame []byte, wantType string) (jsonEnvelope, bool, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return jsonEnvelope{}, false, nil
	}
	if env.Type != wantType {
		return jsonEnvelope{}, false, nil
	}
	return env, true, nil
}

func (JSONDecoder) DecodeChat(frame []byte) (fetcher.Chat, bool, error) {
	env, ok, err := decodeEnvelope(frame, "chat")
	if !ok || err != nil {
		return fetcher.Chat{}, false, err
	}
	return fetcher.Chat{
		UserID:      env.UserID,
		DisplayName: env.DisplayName,
		UserLevel:   env.UserLevel,
		Text:        env.Text,
		Timestamp:   env.timestamp(),
	}, true, nil
}

func (JSONDecoder) DecodeGift(frame []byte) (fetcher.Gift, bool, error) {
	env, ok, err := decodeEnvelope(frame, "gift")
	if !ok || err != nil {
		return fetcher.Gift{}, false, err
	}
	if env.GiftID == "" {
		return fetcher.Gift{}, true, fmt.Errorf("gift frame missing gift_id")
	}
	return fetcher.Gift{
		UserID:      env.UserID,
		DisplayName: env.DisplayName,
		UserLevel:   env.UserLevel,
		AvatarURL:   env.AvatarURL,
		GiftID:      env.GiftID,
		GiftName:    env.GiftName,
		UnitPrice:   env.UnitPrice,
		GroupCount:  env.GroupCount,
		ComboCount:  env.ComboCount,
		GroupID:     env.GroupID,
		RepeatEnd:   env.RepeatEnd,
		TraceID:     env.TraceID,
		Timestamp:   env.timestamp(),
	}, true, nil
}

func (JSONDecoder) DecodeViewerSeq(frame []byte) (fetcher.ViewerSeq, bool, error) {
	env, ok, err := decodeEnvelope(frame, "viewer")
	if !ok || err != nil {
		return fetcher.ViewerSeq{}, false, err
	}
	return fetcher.ViewerSeq{
		Current:       env.Current,
		CumulativeRaw: env.Cumulative,
		Timestamp:     env.timestamp(),
	}, true, nil
}

func (JSONDecoder) DecodeControl(frame []byte) (fetcher.ControlKind, bool, error) {
	env, ok, err := decodeEnvelope(frame, "control")
	if !ok || err != nil {
		return "", false, err
	}
	if env.Action == "stream_ended" {
		return fetcher.ControlStreamEnded, true, nil
	}
	return "", false, nil
}

// NewHTTPProbe builds a ProbeFunc that GETs urlTemplate (with the room
// identifier substituted for %s) and expects a JSON body of the shape
// {"is_live": bool, "anchor_name": "...", "anchor_id": "..."}.
func NewHTTPProbe(urlTemplate string) ProbeFunc {
	return func(ctx context.Context, client *http.Client, roomIdentifier string) (fetcher.ProbeResult, error) {
		url := fmt.Sprintf(urlTemplate, roomIdentifier)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fetcher.ProbeResult{}, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fetcher.ProbeResult{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fetcher.ProbeResult{}, fmt.Errorf("probe %s: status %d", roomIdentifier, resp.StatusCode)
		}

		var body struct {
			IsLive     bool   `json:"is_live"`
			AnchorName string `json:"anchor_name"`
			AnchorID   string `json:"anchor_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fetcher.ProbeResult{}, fmt.Errorf("probe %s: decode: %w", roomIdentifier, err)
		}

		res := fetcher.ProbeResult{IsLive: body.IsLive}
		if body.AnchorName != "" || body.AnchorID != "" {
			res.Anchor = &fetcher.Anchor{Name: body.AnchorName, ID: body.AnchorID}
		}
		return res, nil
	}
}

// NewDialURL builds a DialURL from a %s template, e.g.
// "wss://push.example.com/stream/%s".
func NewDialURL(urlTemplate string) func(string) string {
	return func(roomIdentifier string) string {
		return fmt.Sprintf(urlTemplate, strings.TrimSpace(roomIdentifier))
	}
}
