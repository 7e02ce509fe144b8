package distributed

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"confsfu/internal/core/ports"
)

func TestEventBus_DeliverSkipsOwnEvents(t *testing.T) {
	bus := NewEventBus(nil, "events", "me", nil, zaptest.NewLogger(t).Sugar())

	encode := func(instance string) string {
		raw, err := json.Marshal(Event{
			RoomEvent:  ports.RoomEvent{Type: ports.EventPeerJoined, RoomID: "r1", PeerID: "p1"},
			InstanceID: instance,
		})
		require.NoError(t, err)
		return string(raw)
	}

	var got []Event
	handler := func(e Event) { got = append(got, e) }

	bus.deliver(encode("me"), handler)
	bus.deliver("not json", handler)
	bus.deliver(encode("other"), handler)

	require.Len(t, got, 1)
	assert.Equal(t, "other", got[0].InstanceID)
	assert.Equal(t, ports.EventPeerJoined, got[0].Type)
	assert.EqualValues(t, "p1", got[0].PeerID)
}

// redisClient connects to the Redis named by CONFSFU_TEST_REDIS, skipping otherwise.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("CONFSFU_TEST_REDIS")
	if addr == "" {
		t.Skip("CONFSFU_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEventBus_PublishAcrossInstances(t *testing.T) {
	client := redisClient(t)
	prefix := "confsfu-test-" + uuid.NewString()
	channel := prefix + ":events"
	logger := zaptest.NewLogger(t).Sugar()

	dirA := NewRoomDirectory(client, prefix, "a")
	dirB := NewRoomDirectory(client, prefix, "b")
	a := NewEventBus(client, channel, "a", dirA, logger)
	b := NewEventBus(client, channel, "b", dirB, logger)
	t.Cleanup(func() { client.Del(context.Background(), prefix+":rooms") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan Event, 4)
	subscribed := make(chan error, 1)
	go func() { subscribed <- b.Subscribe(ctx, func(e Event) { received <- e }) }()

	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(ctx, channel).Result()
		return err == nil && n[channel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Publish(ctx, ports.RoomEvent{Type: ports.EventRoomCreated, RoomID: "r1"}))

	select {
	case e := <-received:
		assert.Equal(t, "a", e.InstanceID)
		assert.EqualValues(t, "r1", e.RoomID)
	case <-ctx.Done():
		t.Fatal("event not received")
	}

	owner, err := dirB.Owner(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "a", owner)
	assert.ErrorIs(t, dirB.Claim(ctx, "r1"), ErrRoomClaimed)

	// only the owner can release
	require.NoError(t, dirB.Release(ctx, "r1"))
	owner, _ = dirA.Owner(ctx, "r1")
	assert.Equal(t, "a", owner)

	require.NoError(t, a.Publish(ctx, ports.RoomEvent{Type: ports.EventRoomClosed, RoomID: "r1"}))
	owner, err = dirA.Owner(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	cancel()
	<-subscribed
}

func TestRoomDirectory_ReleaseAll(t *testing.T) {
	client := redisClient(t)
	prefix := "confsfu-test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), prefix+":rooms") })
	ctx := context.Background()

	mine := NewRoomDirectory(client, prefix, "a")
	theirs := NewRoomDirectory(client, prefix, "b")
	require.NoError(t, mine.Claim(ctx, "r1"))
	require.NoError(t, mine.Claim(ctx, "r1"))
	require.NoError(t, theirs.Claim(ctx, "r2"))

	require.NoError(t, mine.ReleaseAll(ctx))

	owner, _ := mine.Owner(ctx, "r1")
	assert.Empty(t, owner)
	owner, _ = mine.Owner(ctx, "r2")
	assert.Equal(t, "b", owner)
}
