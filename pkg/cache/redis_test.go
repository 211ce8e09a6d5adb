package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/pkg/models"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestUserBalancesRoundTrip(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	_, err := r.GetUserBalances(ctx, 7)
	assert.ErrorIs(t, err, ErrMiss)

	in := []models.Balance{{UserID: 7, Asset: "BTC", Available: 150, Locked: 50}}
	require.NoError(t, r.CacheUserBalances(ctx, 7, in))

	out, err := r.GetUserBalances(ctx, 7)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "BTC", out[0].Asset)
	assert.EqualValues(t, 150, out[0].Available)
	assert.EqualValues(t, 50, out[0].Locked)

	mr.FastForward(ExpireUserBalances + time.Second)
	_, err = r.GetUserBalances(ctx, 7)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestBalancesCommittedInvalidatesAndPublishes(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.CacheUserBalances(ctx, 1, []models.Balance{{UserID: 1, Asset: "X"}}))
	require.NoError(t, r.CacheUserBalances(ctx, 2, []models.Balance{{UserID: 2, Asset: "X"}}))

	sub := r.Subscribe(ctx, ChannelBalanceChanged)
	defer sub.Close()
	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	r.BalancesCommitted(ctx, "transfer", "t-1", []uint{1, 2})

	assert.False(t, mr.Exists(fmt.Sprintf(KeyUserBalances, 1)))
	assert.False(t, mr.Exists(fmt.Sprintf(KeyUserBalances, 2)))

	seen := map[uint]bool{}
	for i := 0; i < 2; i++ {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)
		var evt BalanceChanged
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
		assert.Equal(t, "transfer", evt.RefKind)
		assert.Equal(t, "t-1", evt.RefID)
		seen[evt.UserID] = true
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}

func TestHealthCheck(t *testing.T) {
	r, mr := newTestRedis(t)
	require.NoError(t, r.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, r.HealthCheck(context.Background()))

	var nilRedis *Redis
	assert.Error(t, nilRedis.HealthCheck(context.Background()))
}

func TestAssetTotalsCache(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	var got map[string]int64
	assert.ErrorIs(t, r.GetAssetTotals(ctx, "X", &got), ErrMiss)

	require.NoError(t, r.CacheAssetTotals(ctx, "X", map[string]int64{"available": 5, "locked": 2}))
	require.NoError(t, r.CacheAssetTotals(ctx, "Y", map[string]int64{"available": 1}))
	require.NoError(t, r.GetAssetTotals(ctx, "X", &got))
	assert.EqualValues(t, 5, got["available"])

	require.NoError(t, r.DropAssetTotals(ctx, "X"))
	assert.ErrorIs(t, r.GetAssetTotals(ctx, "X", &got), ErrMiss)
	assert.True(t, mr.Exists("ledger:totals:Y"))

	mr.FastForward(ExpireLedgerTotals + time.Second)
	assert.False(t, mr.Exists("ledger:totals:Y"))
}
