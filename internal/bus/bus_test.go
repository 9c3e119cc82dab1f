package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien/internal/events"
)

func testBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client), mr
}

func collect(t *testing.T, sub *Subscription, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case msg, ok := <-sub.Messages():
			require.True(t, ok, "subscription closed early")
			var ev events.Event
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublishFansOutToBothChannels(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	callSub, err := b.SubscribeCall(ctx, "call-1")
	require.NoError(t, err)
	defer callSub.Close()
	activitySub, err := b.SubscribeActivity(ctx)
	require.NoError(t, err)
	defer activitySub.Close()

	ev := events.New("call-1", events.TypeClientRequest, map[string]any{"model": "m"})
	require.NoError(t, b.PublishEvent(ctx, ev))

	got := collect(t, callSub, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.Equal(t, events.TypeClientRequest, got[0].Type)

	global := collect(t, activitySub, 1)
	assert.Equal(t, ev.ID, global[0].ID)
}

func TestPerCallChannelIsolation(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	sub, err := b.SubscribeCall(ctx, "call-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.PublishEvent(ctx, events.New("call-2", events.TypeEgressChunk, nil)))
	require.NoError(t, b.PublishEvent(ctx, events.New("call-1", events.TypeEgressChunk, nil)))

	got := collect(t, sub, 1)
	assert.Equal(t, "call-1", got[0].CallID)

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected cross-call message: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	sub, err := b.SubscribeCall(ctx, "call-1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, b.PublishEvent(ctx, events.New("call-1", events.TypeIngressChunk, map[string]any{"seq": i})))
	}
	got := collect(t, sub, 20)
	for i, ev := range got {
		assert.EqualValues(t, i, ev.Payload["seq"])
	}
}

func TestCallChannelName(t *testing.T) {
	assert.Equal(t, "luthien:conversation:abc", CallChannel("abc"))
}

func TestSwapLockMutualExclusion(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	first := NewSwapLock(b, time.Minute)
	second := NewSwapLock(b, time.Minute)

	require.NoError(t, first.Acquire(ctx))
	assert.ErrorIs(t, second.Acquire(ctx), ErrLockHeld)

	require.NoError(t, first.Release(ctx))
	assert.NoError(t, second.Acquire(ctx))
	require.NoError(t, second.Release(ctx))
}

func TestSwapLockReleaseRequiresOwnership(t *testing.T) {
	b, mr := testBus(t)
	ctx := context.Background()

	holder := NewSwapLock(b, time.Minute)
	require.NoError(t, holder.Acquire(ctx))

	// A stale handle that never acquired must not free the holder's lock.
	intruder := NewSwapLock(b, time.Minute)
	require.NoError(t, intruder.Release(ctx))
	assert.True(t, mr.Exists("luthien:policy:lock"))

	require.NoError(t, holder.Release(ctx))
	assert.False(t, mr.Exists("luthien:policy:lock"))
}

func TestSwapLockExpires(t *testing.T) {
	b, mr := testBus(t)
	ctx := context.Background()

	holder := NewSwapLock(b, 50*time.Millisecond)
	require.NoError(t, holder.Acquire(ctx))

	mr.FastForward(time.Second)

	next := NewSwapLock(b, time.Minute)
	assert.NoError(t, next.Acquire(ctx))
}
