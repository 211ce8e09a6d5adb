package position

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
	"settlement-engine/pkg/models"
	"settlement-engine/pkg/money"
)

const (
	clearing uint = 3
	trader   uint = 30
)

func newTestLedger(t *testing.T) (*Ledger, *ledger.Store) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	store, err := ledger.NewStore(db, ledger.Options{RetryAttempts: 3, RetryBaseBackoff: time.Millisecond, Logger: logger.Discard()})
	require.NoError(t, err)
	assets, err := config.NewRegistry(config.AssetSpec{Symbol: "X", Scale: 0})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Credit(ctx, ledger.Ref{Kind: "seed", ID: "trader"}, trader, "X", 500))
	require.NoError(t, store.Credit(ctx, ledger.Ref{Kind: "seed", ID: "clearing"}, clearing, "X", 1000))

	l, err := NewLedger(store, assets, clearing, 20, logger.Discard())
	require.NoError(t, err)
	return l, store
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openLong(t *testing.T, l *Ledger) models.Position {
	t.Helper()
	p, err := l.Open(context.Background(), OpenRequest{
		UserID:      trader,
		Symbol:      "x-perp",
		Side:        models.PositionSideLong,
		MarginAsset: "X",
		MarginUsed:  100,
		Leverage:    10,
		EntryPrice:  dec("100"),
		Size:        dec("10"),
	})
	require.NoError(t, err)
	return p
}

func bal(t *testing.T, s *ledger.Store, id uint) models.Balance {
	t.Helper()
	b, err := s.Balance(context.Background(), id, "X")
	require.NoError(t, err)
	return b
}

func TestOpenLocksMargin(t *testing.T) {
	l, store := newTestLedger(t)
	p := openLong(t, l)

	assert.Equal(t, models.PositionStatusOpen, p.Status)
	assert.Equal(t, "X-PERP", p.Symbol)
	assert.Equal(t, models.PositionTypeMarket, p.Type)
	assert.Equal(t, models.MarginModeIsolated, p.MarginMode)
	b := bal(t, store, trader)
	assert.EqualValues(t, 400, b.Available)
	assert.EqualValues(t, 100, b.Locked)
}

func TestOpenReferenceBelongsToItsUser(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	req := OpenRequest{
		Reference:   "pos-1",
		UserID:      trader,
		Symbol:      "x-perp",
		Side:        models.PositionSideLong,
		MarginAsset: "X",
		MarginUsed:  100,
		Leverage:    10,
		EntryPrice:  dec("100"),
		Size:        dec("10"),
	}
	first, err := l.Open(ctx, req)
	require.NoError(t, err)

	again, err := l.Open(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	req.UserID = trader + 1
	_, err = l.Open(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)
	assert.EqualValues(t, 100, bal(t, store, trader).Locked)
}

func TestCloseInProfit(t *testing.T) {
	l, store := newTestLedger(t)
	p := openLong(t, l)

	closed, err := l.Close(context.Background(), p.ID, dec("102"))
	require.NoError(t, err)
	assert.Equal(t, models.PositionStatusClosed, closed.Status)
	assert.EqualValues(t, 20, closed.RealizedPnL)

	b := bal(t, store, trader)
	assert.EqualValues(t, 520, b.Available)
	assert.EqualValues(t, 0, b.Locked)
	assert.EqualValues(t, 980, bal(t, store, clearing).Available)

	_, err = l.Close(context.Background(), p.ID, dec("110"))
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	tot, err := store.Totals(context.Background(), "X")
	require.NoError(t, err)
	assert.EqualValues(t, 1500, tot.Total())
}

func TestCloseAtLossWithinMargin(t *testing.T) {
	l, store := newTestLedger(t)
	p := openLong(t, l)

	closed, err := l.Close(context.Background(), p.ID, dec("95"))
	require.NoError(t, err)
	assert.EqualValues(t, -50, closed.RealizedPnL)
	assert.EqualValues(t, 450, bal(t, store, trader).Available)
	assert.EqualValues(t, 1050, bal(t, store, clearing).Available)
}

func TestLiquidation(t *testing.T) {
	l, store := newTestLedger(t)
	p := openLong(t, l)

	closed, err := l.Close(context.Background(), p.ID, dec("85"))
	require.NoError(t, err)
	assert.Equal(t, models.PositionStatusLiquidated, closed.Status)
	assert.EqualValues(t, -100, closed.RealizedPnL)

	b := bal(t, store, trader)
	assert.EqualValues(t, 400, b.Available)
	assert.EqualValues(t, 0, b.Locked)
	assert.EqualValues(t, 1100, bal(t, store, clearing).Available)

	stored, err := l.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, stored.ExitPrice.Valid)
	assert.True(t, stored.ExitPrice.Decimal.Equal(dec("85")))
}

func TestShortPnL(t *testing.T) {
	pnl, err := PnL(models.PositionSideShort, dec("100"), dec("90"), dec("2"), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 20, pnl)

	pnl, err = PnL(models.PositionSideLong, dec("100"), dec("99.95"), dec("1"), 1)
	require.NoError(t, err)
	// -0.05 floors to -0.1
	assert.EqualValues(t, -1, pnl)
}

func TestOpenValidation(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	base := OpenRequest{
		UserID: trader, Symbol: "X-PERP", Side: models.PositionSideLong, MarginAsset: "X",
		MarginUsed: 100, Leverage: 10, EntryPrice: dec("100"), Size: dec("10"),
	}

	cases := []struct {
		name string
		mut  func(r *OpenRequest)
		want error
	}{
		{"leverage zero", func(r *OpenRequest) { r.Leverage = 0 }, ErrInvalidLeverage},
		{"leverage above max", func(r *OpenRequest) { r.Leverage = 21 }, ErrInvalidLeverage},
		{"zero price", func(r *OpenRequest) { r.EntryPrice = decimal.Zero }, ErrInvalidPrice},
		{"negative size", func(r *OpenRequest) { r.Size = dec("-1") }, ErrInvalidSize},
		{"thin margin", func(r *OpenRequest) { r.MarginUsed = 99 }, ErrInsufficientMargin},
		{"bad side", func(r *OpenRequest) { r.Side = "up" }, ErrInvalidPosition},
		{"unknown asset", func(r *OpenRequest) { r.MarginAsset = "Y" }, ErrUnknownAsset},
		{"not enough funds", func(r *OpenRequest) { r.MarginUsed = 501 }, ledger.ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mut(&req)
			_, err := l.Open(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	rows, err := l.List(ctx, trader, "")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.EqualValues(t, 500, bal(t, store, trader).Available)
}

func TestRequiredMargin(t *testing.T) {
	m, err := RequiredMargin(dec("100"), dec("10"), 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 100, m)

	m, err = RequiredMargin(dec("60000"), dec("0.01"), 3, 6)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("200", 6), m)
}
