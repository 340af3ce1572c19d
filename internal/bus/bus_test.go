package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestTopicNaming(t *testing.T) {
	assert.Equal(t, "room:r1", RoomTopic("r1"))
	assert.Equal(t, "room:r1:stats", StatsTopic("r1"))
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestPublishAndSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	topic := RoomTopic("room-1")

	received := make(chan Message, 1)
	unsub := svc.Subscribe(ctx, topic, func(m Message) { received <- m })
	defer unsub()

	time.Sleep(50 * time.Millisecond)

	err := svc.Publish(ctx, topic, "chat", map[string]string{"text": "hi"})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "chat", msg.Event)
		assert.Equal(t, topic, msg.Topic)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, "hi", payload["text"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscribeReplaysCurrentSnapshotOnce(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	topic := StatsTopic("room-2")

	raw, _ := json.Marshal(map[string]int{"current_viewers": 42})
	svc.RegisterReplay(topic, func() (Message, bool) {
		return Message{Topic: topic, Event: "snapshot", Payload: raw}, true
	})

	received := make(chan Message, 2)
	unsub := svc.Subscribe(ctx, topic, func(m Message) { received <- m })
	defer unsub()

	select {
	case msg := <-received:
		assert.Equal(t, "snapshot", msg.Event)
	case <-time.After(time.Second):
		t.Fatal("expected immediate replay")
	}

	select {
	case <-received:
		t.Fatal("expected the snapshot to be replayed only once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeWithNoReplayRegisteredOnlyGetsLiveMessages(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	topic := RoomTopic("room-3")

	received := make(chan Message, 1)
	unsub := svc.Subscribe(ctx, topic, func(m Message) { received <- m })
	defer unsub()

	select {
	case <-received:
		t.Fatal("did not expect a replay without a registered ReplayFunc")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishGracefulDegradationWhenRedisDown(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = svc.Publish(ctx, RoomTopic("room-x"), "event", map[string]string{})
	}

	// Circuit breaker open or not, Publish must never panic or block forever.
	err := svc.Publish(ctx, RoomTopic("room-x"), "event", map[string]string{})
	_ = err
}

func TestUnregisterReplay(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	topic := StatsTopic("room-4")
	svc.RegisterReplay(topic, func() (Message, bool) {
		return Message{}, true
	})
	svc.UnregisterReplay(topic)

	ctx := context.Background()
	received := make(chan Message, 1)
	unsub := svc.Subscribe(ctx, topic, func(m Message) { received <- m })
	defer unsub()

	select {
	case <-received:
		t.Fatal("expected no replay after unregistering")
	case <-time.After(100 * time.Millisecond):
	}
}
