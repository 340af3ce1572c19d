// Package wsfetcher is a reference Fetcher built on a websocket push
// connection, with a circuit breaker guarding the live-status probe.
// It deliberately does not know
// how to speak any particular platform's wire format: that belongs to a
// Decoder supplied by the caller. Swapping platforms means swapping the
// Decoder and DialURL/Probe functions, not this type.
package wsfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"

	"github.com/roomwatch/monitor/internal/fetcher"
	"github.com/roomwatch/monitor/internal/metrics"
)

// Decoder turns a single raw frame into one of the canonical fetcher event
// types. ok is false when the frame is not of that kind; err is non-nil only
// when the frame claims to be that kind but fails to parse.
type Decoder interface {
	DecodeChat(frame []byte) (ev fetcher.Chat, ok bool, err error)
	DecodeGift(frame []byte) (ev fetcher.Gift, ok bool, err error)
	DecodeViewerSeq(frame []byte) (ev fetcher.ViewerSeq, ok bool, err error)
	DecodeControl(frame []byte) (kind fetcher.ControlKind, ok bool, err error)
}

// ProbeFunc performs the one-shot live-status check. Production probes hit
// a plain HTTP room-info endpoint, independent of the websocket frame
// format, so it is a separate seam from Decoder.
type ProbeFunc func(ctx context.Context, client *http.Client, roomIdentifier string) (fetcher.ProbeResult, error)

// Config wires the platform-specific seams into the generic adapter.
type Config struct {
	// DialURL builds the push-stream websocket URL for a room identifier.
	DialURL func(roomIdentifier string) string

	Probe      ProbeFunc
	Decoder    Decoder
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Fetcher adapts Config into the fetcher.Fetcher contract.
type Fetcher struct {
	cfg Config
	cb  *gobreaker.CircuitBreaker

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

var _ fetcher.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher. The probe path is wrapped in a circuit breaker so a
// platform outage trips open rather than letting every Supervisor hammer a
// failing endpoint.
func New(cfg Config) *Fetcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	st := gobreaker.Settings{
		Name:        "live-fetcher",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
		},
	}
	return &Fetcher{
		cfg:     cfg,
		cb:      gobreaker.NewCircuitBreaker(st),
		cancels: make(map[string]context.CancelFunc),
	}
}

// ProbeLive executes cfg.Probe behind the circuit breaker.
func (f *Fetcher) ProbeLive(ctx context.Context, roomIdentifier string) (fetcher.ProbeResult, error) {
	res, err := f.cb.Execute(func() (interface{}, error) {
		return f.cfg.Probe(ctx, f.cfg.HTTPClient, roomIdentifier)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("live-fetcher").Inc()
		}
		return fetcher.ProbeResult{}, err
	}
	return res.(fetcher.ProbeResult), nil
}

// OpenStream dials the push connection and blocks, dispatching decoded
// frames to cb, until the remote closes, a read fails, or ctx/Stop cancels
// the stream.
func (f *Fetcher) OpenStream(ctx context.Context, roomIdentifier string, cb fetcher.Callbacks) error {
	streamCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancels[roomIdentifier] = cancel
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.cancels, roomIdentifier)
		f.mu.Unlock()
		cancel()
	}()

	conn, _, err := f.cfg.Dialer.DialContext(streamCtx, f.cfg.DialURL(roomIdentifier), nil)
	if err != nil {
		return fmt.Errorf("wsfetcher: dial: %w", err)
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		select {
		case <-streamCtx.Done():
			_ = conn.Close()
		case <-closed:
		}
	}()
	defer close(closed)

	if cb.OnOpen != nil {
		cb.OnOpen()
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if streamCtx.Err() != nil {
				if cb.OnClose != nil {
					cb.OnClose("stopped")
				}
				return nil
			}
			if cb.OnError != nil {
				cb.OnError(err)
			}
			if cb.OnClose != nil {
				cb.OnClose(err.Error())
			}
			return err
		}
		f.dispatch(frame, cb)
	}
}

func (f *Fetcher) dispatch(frame []byte, cb fetcher.Callbacks) {
	if chat, ok, err := f.cfg.Decoder.DecodeChat(frame); err != nil {
		f.reportDecodeError(cb, err)
		return
	} else if ok {
		if cb.OnChat != nil {
			cb.OnChat(chat)
		}
		return
	}
	if gift, ok, err := f.cfg.Decoder.DecodeGift(frame); err != nil {
		f.reportDecodeError(cb, err)
		return
	} else if ok {
		if cb.OnGift != nil {
			cb.OnGift(gift)
		}
		return
	}
	if vs, ok, err := f.cfg.Decoder.DecodeViewerSeq(frame); err != nil {
		f.reportDecodeError(cb, err)
		return
	} else if ok {
		if cb.OnViewerSeq != nil {
			cb.OnViewerSeq(vs)
		}
		return
	}
	if kind, ok, err := f.cfg.Decoder.DecodeControl(frame); err != nil {
		f.reportDecodeError(cb, err)
		return
	} else if ok {
		if cb.OnControl != nil {
			cb.OnControl(kind)
		}
		return
	}
}

func (f *Fetcher) reportDecodeError(cb fetcher.Callbacks, err error) {
	if cb.OnError != nil {
		cb.OnError(fmt.Errorf("wsfetcher: decode: %w", err))
	}
}

// Stop cancels an active stream for roomIdentifier. A no-op if none is
// open.
func (f *Fetcher) Stop(roomIdentifier string) {
	f.mu.Lock()
	cancel, ok := f.cancels[roomIdentifier]
	f.mu.Unlock()
	if ok {
		cancel()
	}
}
