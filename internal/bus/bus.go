// Package bus implements the Subscriber Bus: a topic-addressed,
// fire-and-forget publish layer fanning out Processor-derived events and
// stats snapshots to connected dashboard subscribers. It is backed by Redis
// pub/sub and must never block the Processor: while the circuit breaker is
// open, publishes are dropped without an error; other publish errors are
// returned for the caller to log.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/roomwatch/monitor/internal/metrics"
)

// Message is the envelope published on every topic. ID lets subscribers
// discard the one duplicate a replay-then-subscribe join can observe.
type Message struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage stamps a fresh envelope around an already-marshalled payload.
func NewMessage(topic, event string, payload json.RawMessage) Message {
	return Message{ID: uuid.NewString(), Topic: topic, Event: event, Payload: payload}
}

// RoomTopic returns the live-event topic for a room.
func RoomTopic(roomIdentifier string) string {
	return fmt.Sprintf("room:%s", roomIdentifier)
}

// StatsTopic returns the stats-snapshot topic for a room.
func StatsTopic(roomIdentifier string) string {
	return fmt.Sprintf("room:%s:stats", roomIdentifier)
}

// ReplayFunc produces the current running snapshot for a topic, used to
// replay state to a subscriber that just joined.
type ReplayFunc func() (Message, bool)

// Service handles all interaction with the Redis pub/sub cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker

	mu      sync.Mutex
	replays map[string]ReplayFunc
}

// NewService creates a Redis-backed bus with a gobreaker circuit breaker
// protecting publish calls.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("bus").Set(stateVal)
		},
	}

	return &Service{
		client:  rdb,
		cb:      gobreaker.NewCircuitBreaker(st),
		replays: make(map[string]ReplayFunc),
	}, nil
}

// Client returns the underlying Redis client, exposed for health checks.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Publish broadcasts payload under event on topic. It is fire-and-forget:
// nothing waits for subscribers, and while the circuit breaker is open the
// message is dropped and nil is returned (every published fact is also
// durable in storage). Marshal and Redis errors are returned to the caller.
func (s *Service) Publish(ctx context.Context, topic, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}

	family := topicFamily(topic)

	_, err := s.cb.Execute(func() (interface{}, error) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		msg := NewMessage(topic, event, raw)
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, topic, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			metrics.BusPublishTotal.WithLabelValues(family, "dropped").Inc()
			return nil
		}
		metrics.BusPublishTotal.WithLabelValues(family, "error").Inc()
		return err
	}

	metrics.BusPublishTotal.WithLabelValues(family, "ok").Inc()
	return nil
}

func topicFamily(topic string) string {
	if len(topic) > 6 && topic[len(topic)-6:] == ":stats" {
		return "stats"
	}
	return "room"
}

// RegisterReplay associates a ReplayFunc with a topic. Subscribe calls it
// once, synchronously, for every new subscriber before attaching them to
// the live stream.
func (s *Service) RegisterReplay(topic string, fn ReplayFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replays[topic] = fn
}

// UnregisterReplay removes a previously registered ReplayFunc, used when a
// room's Supervisor terminates.
func (s *Service) UnregisterReplay(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replays, topic)
}

// Subscribe starts a background goroutine delivering every Message
// published on topic to handler, replaying the current snapshot first if
// one is registered. It returns an unsubscribe function.
func (s *Service) Subscribe(ctx context.Context, topic string, handler func(Message)) func() {
	if s == nil || s.client == nil {
		return func() {}
	}

	s.mu.Lock()
	replay, ok := s.replays[topic]
	s.mu.Unlock()
	if ok {
		if msg, present := replay(); present {
			handler(msg)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := s.client.Subscribe(subCtx, topic)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case raw, more := <-ch:
				if !more {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				handler(msg)
			}
		}
	}()

	return cancel
}

// Ping checks Redis connectivity, used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
	}
	return err
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
