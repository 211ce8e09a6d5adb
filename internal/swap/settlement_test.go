package swap

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/internal/ledger"
	"settlement-engine/pkg/config"
	"settlement-engine/pkg/database"
	"settlement-engine/pkg/logger"
	"settlement-engine/pkg/money"
)

const (
	desk uint = 2
	user uint = 20
)

func newTestSwap(t *testing.T) (*Settlement, *ledger.Store) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	store, err := ledger.NewStore(db, ledger.Options{RetryAttempts: 3, RetryBaseBackoff: time.Millisecond, Logger: logger.Discard()})
	require.NoError(t, err)

	assets, err := config.NewRegistry(
		config.AssetSpec{Symbol: "BTC", Scale: 8},
		config.AssetSpec{Symbol: "USDT", Scale: 6},
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Credit(ctx, ledger.Ref{Kind: "seed", ID: "user"}, user, "BTC", money.MustParse("1", 8)))
	require.NoError(t, store.Credit(ctx, ledger.Ref{Kind: "seed", ID: "desk"}, desk, "USDT", money.MustParse("100000", 6)))

	s, err := NewSettlement(store, assets, desk, logger.Discard())
	require.NoError(t, err)
	return s, store
}

func balanceOf(t *testing.T, s *ledger.Store, id uint, asset string) money.Amount {
	t.Helper()
	b, err := s.Balance(context.Background(), id, asset)
	require.NoError(t, err)
	return b.Available
}

func TestSwapAgainstDesk(t *testing.T) {
	s, store := newTestSwap(t)
	ctx := context.Background()

	sw, err := s.Execute(ctx, Request{
		Reference:  "sw-1",
		UserID:     user,
		FromAsset:  "BTC",
		ToAsset:    "usdt",
		FromAmount: money.MustParse("0.5", 8),
		Rate:       decimal.RequireFromString("60000.25"),
	})
	require.NoError(t, err)
	assert.Equal(t, "30000.125000", sw.ToAmount.Format(6))
	assert.Equal(t, "USDT", sw.ToAsset)

	assert.Equal(t, "0.50000000", balanceOf(t, store, user, "BTC").Format(8))
	assert.Equal(t, "30000.125000", balanceOf(t, store, user, "USDT").Format(6))
	assert.Equal(t, "0.50000000", balanceOf(t, store, desk, "BTC").Format(8))
	assert.Equal(t, "69999.875000", balanceOf(t, store, desk, "USDT").Format(6))

	want := map[string]money.Amount{"BTC": money.MustParse("1", 8), "USDT": money.MustParse("100000", 6)}
	for asset, total := range want {
		tot, err := store.Totals(ctx, asset)
		require.NoError(t, err)
		assert.Equal(t, total, tot.Total(), asset)
	}

	again, err := s.Execute(ctx, Request{
		Reference: "sw-1", UserID: user, FromAsset: "BTC", ToAsset: "USDT",
		FromAmount: money.MustParse("0.5", 8), Rate: decimal.RequireFromString("60000.25"),
	})
	require.NoError(t, err)
	assert.Equal(t, sw.ID, again.ID)
	assert.Equal(t, "0.50000000", balanceOf(t, store, user, "BTC").Format(8))
}

func TestSwapReferenceBelongsToItsUser(t *testing.T) {
	s, store := newTestSwap(t)
	ctx := context.Background()
	req := Request{
		Reference: "sw-2", UserID: user, FromAsset: "BTC", ToAsset: "USDT",
		FromAmount: money.MustParse("0.1", 8), Rate: decimal.RequireFromString("60000"),
	}
	_, err := s.Execute(ctx, req)
	require.NoError(t, err)

	req.UserID = user + 1
	_, err = s.Execute(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)
	assert.Equal(t, "6000.000000", balanceOf(t, store, user, "USDT").Format(6))
}

func TestSwapRejects(t *testing.T) {
	s, store := newTestSwap(t)
	ctx := context.Background()
	rate := decimal.NewFromInt(1)

	_, err := s.Execute(ctx, Request{UserID: user, FromAsset: "BTC", ToAsset: "btc", FromAmount: 1, Rate: rate})
	assert.ErrorIs(t, err, ErrSameAsset)

	_, err = s.Execute(ctx, Request{UserID: user, FromAsset: "BTC", ToAsset: "USDT", FromAmount: 1, Rate: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = s.Execute(ctx, Request{UserID: desk, FromAsset: "BTC", ToAsset: "USDT", FromAmount: 1, Rate: rate})
	assert.ErrorIs(t, err, ErrDeskSelfSwap)

	// 1 satoshi at 1 USDT/BTC is far below one micro-USDT
	_, err = s.Execute(ctx, Request{UserID: user, FromAsset: "BTC", ToAsset: "USDT", FromAmount: 1, Rate: rate})
	assert.ErrorIs(t, err, ErrZeroOutput)

	_, err = s.Execute(ctx, Request{UserID: user, FromAsset: "BTC", ToAsset: "DOGE", FromAmount: 1, Rate: rate})
	assert.ErrorIs(t, err, ErrUnknownAsset)

	// the desk holds less than 200000 USDT
	_, err = s.Execute(ctx, Request{UserID: user, FromAsset: "BTC", ToAsset: "USDT", FromAmount: money.MustParse("1", 8), Rate: decimal.NewFromInt(200000)})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, "1.00000000", balanceOf(t, store, user, "BTC").Format(8))
}

func TestExecuteAtMarket(t *testing.T) {
	s, store := newTestSwap(t)
	rates := StaticRates{"BTC/USDT": decimal.NewFromInt(50000)}

	sw, err := s.ExecuteAtMarket(context.Background(), rates, Request{UserID: user, FromAsset: "BTC", ToAsset: "USDT", FromAmount: money.MustParse("0.1", 8)})
	require.NoError(t, err)
	assert.Equal(t, "5000.000000", sw.ToAmount.Format(6))
	assert.Equal(t, "5000.000000", balanceOf(t, store, user, "USDT").Format(6))

	_, err = s.ExecuteAtMarket(context.Background(), rates, Request{UserID: user, FromAsset: "USDT", ToAsset: "BTC", FromAmount: 1})
	assert.ErrorIs(t, err, ErrRateUnavailable)
}
