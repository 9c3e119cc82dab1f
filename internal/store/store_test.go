package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("sqlite://" + t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCallLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateCall(ctx, "call-1", "gpt-4o"))

	call, err := st.GetCall(ctx, "call-1")
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, CallStatusActive, call.Status)
	assert.Equal(t, "gpt-4o", call.ModelName)
	assert.Nil(t, call.CompletedAt)

	require.NoError(t, st.CompleteCall(ctx, "call-1", CallStatusCompleted))
	call, err = st.GetCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, CallStatusCompleted, call.Status)
	require.NotNil(t, call.CompletedAt)
}

func TestGetCallUnknownReturnsNil(t *testing.T) {
	st := openTestStore(t)
	call, err := st.GetCall(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, call)
}

func TestEventsInsertionOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		ev := events.New("call-1", events.TypeIngressChunk, map[string]any{"seq": i})
		ev.Timestamp = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, st.InsertEvent(ctx, ev))
	}
	// Another call's events must not bleed in.
	require.NoError(t, st.InsertEvent(ctx, events.New("call-2", events.TypeWarning, nil)))

	rows, err := st.ListEvents(ctx, "call-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, row := range rows {
		assert.Equal(t, "call-1", row.CallID)
		assert.Contains(t, row.Payload, fmt.Sprintf(`"seq":%d`, i))
	}
}

func TestEventPayloadDefaultsToEmptyObject(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertEvent(ctx, events.New("call-1", events.TypeClientRequest, nil)))
	rows, err := st.ListEvents(ctx, "call-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "{}", rows[0].Payload)
}

func TestActivePolicyConfigSwitchesAtomically(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	active, err := st.ActivePolicyConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, st.SetActivePolicyConfig(ctx, "noop", nil, "test"))
	require.NoError(t, st.SetActivePolicyConfig(ctx, "allcaps", map[string]any{"x": 1}, "test"))

	active, err = st.ActivePolicyConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "allcaps", active.PolicyClassRef)
	assert.Contains(t, active.Config, `"x":1`)

	// Exactly one active row.
	var count int64
	require.NoError(t, st.db.Model(&PolicyConfig{}).Where("is_active = ?", true).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestAuthConfigUpsert(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	cfg, err := st.GetAuthConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, st.SetAuthConfig(ctx, AuthConfig{AuthMode: "api_key", ValidateCredentials: true}))
	require.NoError(t, st.SetAuthConfig(ctx, AuthConfig{AuthMode: "none"}))

	cfg, err = st.GetAuthConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "none", cfg.AuthMode)
	assert.EqualValues(t, 1, cfg.ID)
}

func TestInsertRequestLog(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	row := &RequestLog{
		TransactionID:  "call-1",
		Direction:      "inbound",
		HTTPMethod:     "POST",
		URL:            "/v1/chat/completions",
		ResponseStatus: 200,
	}
	require.NoError(t, st.InsertRequestLog(ctx, row))
	assert.NotZero(t, row.ID)
	assert.False(t, row.StartedAt.IsZero())
}

func TestMemoryDSN(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.CreateCall(context.Background(), "call-1", "m"))
}
