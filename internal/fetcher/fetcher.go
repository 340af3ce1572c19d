// Package fetcher defines the Fetcher capability: the external
// collaborator that probes a room's live status and opens its push stream.
// Protocol-layer concerns (signature generation, frame decoding, heartbeat
// cadence) belong entirely to a concrete Fetcher and are not part of this
// contract.
package fetcher

import (
	"context"
	"time"
)

// Gift is the canonical payload for a decoded gift message.
type Gift struct {
	UserID      string
	DisplayName string
	UserLevel   int
	AvatarURL   *string
	GiftID      string
	GiftName    string
	UnitPrice   int64
	GroupCount  int64 // per-combo unit multiplier
	ComboCount  *int64 // nil when the gift carries no combo_count
	GroupID     *string
	RepeatEnd   bool
	TraceID     *string
	Timestamp   time.Time
}

// Chat is the canonical payload for a decoded chat message.
type Chat struct {
	UserID      string
	DisplayName string
	UserLevel   int
	Text        string
	Timestamp   time.Time
}

// ViewerSeq is the canonical payload for a decoded viewer-count update.
// CumulativeRaw carries the platform's locale-formatted figure (e.g.
// "46.8万") as received; the Processor parses it (internal/numeric).
type ViewerSeq struct {
	Current       int64
	CumulativeRaw string
	Timestamp     time.Time
}

// ControlKind enumerates the lifecycle control signals a stream can carry.
type ControlKind string

const (
	ControlStreamEnded ControlKind = "stream_ended"
)

// Anchor is the metadata a live-status probe returns.
type Anchor struct {
	Name string
	ID   string
}

// ProbeResult is the outcome of a one-shot live-status probe.
type ProbeResult struct {
	IsLive bool
	Anchor *Anchor
}

// Callbacks are invoked by OpenStream as decoded events arrive, strictly in
// delivery order for a single stream.
type Callbacks struct {
	OnOpen       func()
	OnChat       func(Chat)
	OnGift       func(Gift)
	OnViewerSeq  func(ViewerSeq)
	OnControl    func(ControlKind)
	OnClose      func(reason string)
	OnError      func(err error)
}

// Fetcher is the capability a Supervisor depends on to monitor one room.
type Fetcher interface {
	// ProbeLive performs a one-shot check of whether the room is
	// currently broadcasting. Safe to call independently of OpenStream.
	ProbeLive(ctx context.Context, roomIdentifier string) (ProbeResult, error)

	// OpenStream establishes the push subscription and blocks the calling
	// goroutine until the stream terminates (remote close, fatal error, or
	// a local Stop). It must be cooperatively cancellable via ctx.
	OpenStream(ctx context.Context, roomIdentifier string, cb Callbacks) error

	// Stop requests termination of an active stream for roomIdentifier.
	// Safe to call from another goroutine; idempotent.
	Stop(roomIdentifier string)
}

// Factory constructs a Fetcher, allowing the Core to hand every Supervisor
// its own instance (e.g. its own websocket connection) while sharing
// transport-level configuration.
type Factory interface {
	New() Fetcher
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func() Fetcher

func (f FactoryFunc) New() Fetcher { return f() }
