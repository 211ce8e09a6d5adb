package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/internal/deposit"
	"settlement-engine/internal/ledger"
	"settlement-engine/internal/position"
	"settlement-engine/internal/swap"
	"settlement-engine/internal/transfer"
	"settlement-engine/internal/withdrawal"
	"settlement-engine/pkg/cache"
	"settlement-engine/pkg/config"
	"settlement-engine/pkg/database"
	"settlement-engine/pkg/logger"
	"settlement-engine/pkg/models"
)

const (
	testToken      = "ops-token"
	alice     uint = 10
	bob       uint = 11
)

var house = database.HouseAccounts{FeeSink: 1, SwapDesk: 2, Clearing: 3}

type hashBroadcaster struct{}

func (hashBroadcaster) Broadcast(_ context.Context, w *models.Withdrawal) (string, error) {
	return "0xhash-" + w.Reference, nil
}

type envelope struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data"`
	Error   string            `json:"error"`
	Details []ValidationError `json:"details"`
}

func newTestServer(t *testing.T) (*gin.Engine, *ledger.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	require.NoError(t, database.SeedHouseAccounts(db, house))
	for _, u := range []models.User{
		{ID: alice, Email: "alice@test", Username: "alice"},
		{ID: bob, Email: "bob@test", Username: "bob"},
	} {
		require.NoError(t, db.Create(&u).Error)
	}

	mr := miniredis.RunT(t)
	rc := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })

	store, err := ledger.NewStore(db, ledger.Options{
		RetryAttempts:    3,
		RetryBaseBackoff: time.Millisecond,
		Notifier:         rc,
		Cache:            rc,
		TotalsCache:      rc,
		Logger:           logger.Discard(),
	})
	require.NoError(t, err)

	assets, err := config.NewRegistry(
		config.AssetSpec{Symbol: "X", Scale: 0, Networks: []config.NetworkSpec{{Name: "testnet", Confirmations: 2}}},
		config.AssetSpec{Symbol: "Y", Scale: 2},
	)
	require.NoError(t, err)

	transfers, err := transfer.NewSettlement(store, transfer.FeePolicy{SinkUserID: house.FeeSink}, logger.Discard())
	require.NoError(t, err)
	swaps, err := swap.NewSettlement(store, assets, house.SwapDesk, logger.Discard())
	require.NoError(t, err)
	positions, err := position.NewLedger(store, assets, house.Clearing, 20, logger.Discard())
	require.NoError(t, err)
	withdrawals, err := withdrawal.NewProcessor(store, assets, withdrawal.Options{
		Broadcaster: hashBroadcaster{},
		Config: config.WithdrawalConfig{
			BroadcastTimeout: time.Second,
			StaleAfter:       time.Minute,
			MaxAttempts:      3,
			SweepBatchSize:   10,
			SweepWorkers:     2,
		},
		Logger: logger.Discard(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	seed := ledger.Ref{Kind: "seed", ID: "api"}
	require.NoError(t, store.Credit(ctx, seed, alice, "X", 1000))
	require.NoError(t, store.Credit(ctx, seed, house.SwapDesk, "Y", 10000))
	require.NoError(t, store.Credit(ctx, seed, house.Clearing, "X", 1000))

	h := NewHandlers(Services{
		DB:          db,
		Redis:       rc,
		Assets:      assets,
		Ledger:      store,
		Deposits:    deposit.NewTracker(store, assets, logger.Discard()),
		Withdrawals: withdrawals,
		Transfers:   transfers,
		Swaps:       swaps,
		Positions:   positions,
		Rates:       swap.StaticRates{"X/Y": decimal.NewFromInt(2)},
		Logger:      logger.Discard(),
	})
	router := gin.New()
	router.Use(RequestLogger(logger.Discard()))
	SetupRoutes(router, h, testToken)
	return router, store
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}, admin bool) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set(AdminTokenHeader, testToken)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decode(t *testing.T, env envelope, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func balances(t *testing.T, r http.Handler, user uint) map[string]BalanceView {
	t.Helper()
	code, env := do(t, r, http.MethodGet, fmt.Sprintf("/api/v1/users/%d/balances", user), nil, false)
	require.Equal(t, http.StatusOK, code)
	var rows []BalanceView
	decode(t, env, &rows)
	out := make(map[string]BalanceView, len(rows))
	for _, b := range rows {
		out[b.Asset] = b
	}
	return out
}

func TestHealth(t *testing.T) {
	r, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "up", body["database"])
	assert.Equal(t, "up", body["redis"])
}

func TestTransferEndpoint(t *testing.T) {
	r, _ := newTestServer(t)

	// prime the balance cache so the transfer has to invalidate it
	assert.Equal(t, "1000", balances(t, r, alice)["X"].Available)

	body := TransferRequest{Reference: "t-1", SenderID: alice, ReceiverID: bob, Asset: "X", Amount: "300", FeeRate: "0.01"}
	code, env := do(t, r, http.MethodPost, "/api/v1/transfers", body, false)
	require.Equal(t, http.StatusCreated, code, env.Error)
	var tr models.Transfer
	decode(t, env, &tr)
	assert.EqualValues(t, 3, tr.Fee)
	assert.EqualValues(t, 297, tr.NetAmount)

	assert.Equal(t, "700", balances(t, r, alice)["X"].Available)
	assert.Equal(t, "297", balances(t, r, bob)["X"].Available)

	code, env = do(t, r, http.MethodGet, "/api/v1/transfers/t-1", nil, false)
	require.Equal(t, http.StatusOK, code)

	code, env = do(t, r, http.MethodGet, "/api/v1/assets/X/totals", nil, false)
	require.Equal(t, http.StatusOK, code)
	var totals BalanceView
	decode(t, env, &totals)
	assert.Equal(t, "2000", totals.Total)
}

func TestTransferErrors(t *testing.T) {
	r, _ := newTestServer(t)

	code, env := do(t, r, http.MethodPost, "/api/v1/transfers", TransferRequest{SenderID: alice, ReceiverID: bob, Asset: "X", Amount: "5000"}, false)
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.NotEmpty(t, env.Error)

	code, env = do(t, r, http.MethodPost, "/api/v1/transfers", TransferRequest{SenderID: alice, ReceiverID: alice, Asset: "X", Amount: "5"}, false)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, env = do(t, r, http.MethodPost, "/api/v1/transfers", TransferRequest{SenderID: alice, Asset: "Q", Amount: "1.5"}, false)
	assert.Equal(t, http.StatusBadRequest, code)
	fields := map[string]bool{}
	for _, d := range env.Details {
		fields[d.Field] = true
	}
	assert.True(t, fields["receiver_id"])
	assert.True(t, fields["asset"])

	code, env = do(t, r, http.MethodGet, "/api/v1/transfers/nope", nil, false)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDepositWebhook(t *testing.T) {
	r, _ := newTestServer(t)

	code, env := do(t, r, http.MethodPost, "/api/v1/deposits/addresses", RegisterAddressRequest{UserID: bob, Asset: "X", Network: "testnet", Address: "addr-1"}, false)
	require.Equal(t, http.StatusCreated, code, env.Error)

	event := map[string]interface{}{
		"tx_hash": "h1", "asset": "X", "network": "testnet", "address": "addr-1", "amount": "50", "confirmations": 1,
	}
	code, _ = do(t, r, http.MethodPost, "/admin/deposits/events", event, false)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env = do(t, r, http.MethodPost, "/admin/deposits/events", event, true)
	require.Equal(t, http.StatusOK, code, env.Error)
	var res deposit.Result
	decode(t, env, &res)
	assert.False(t, res.Credited)
	assert.Equal(t, models.DepositStatusConfirmed, res.Deposit.Status)

	event["confirmations"] = 2
	code, env = do(t, r, http.MethodPost, "/admin/deposits/events", event, true)
	require.Equal(t, http.StatusOK, code, env.Error)
	decode(t, env, &res)
	assert.True(t, res.Credited)
	assert.Equal(t, "50", balances(t, r, bob)["X"].Available)

	code, env = do(t, r, http.MethodPost, "/admin/deposits/events", event, true)
	require.Equal(t, http.StatusOK, code)
	decode(t, env, &res)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "50", balances(t, r, bob)["X"].Available)

	event["amount"] = "51"
	code, _ = do(t, r, http.MethodPost, "/admin/deposits/events", event, true)
	assert.Equal(t, http.StatusConflict, code)
}

func TestWithdrawalLifecycle(t *testing.T) {
	r, _ := newTestServer(t)

	code, env := do(t, r, http.MethodPost, "/api/v1/withdrawals", WithdrawalRequest{Reference: "w-1", UserID: alice, Asset: "X", Network: "testnet", Amount: "400", ToAddress: "dest"}, false)
	require.Equal(t, http.StatusCreated, code, env.Error)
	var w models.Withdrawal
	decode(t, env, &w)
	assert.Equal(t, models.WithdrawalStatusReserved, w.Status)
	assert.Equal(t, "400", balances(t, r, alice)["X"].Locked)

	code, env = do(t, r, http.MethodPost, fmt.Sprintf("/admin/withdrawals/%d/broadcast", w.ID), nil, true)
	require.Equal(t, http.StatusOK, code, env.Error)
	decode(t, env, &w)
	assert.Equal(t, models.WithdrawalStatusBroadcast, w.Status)
	require.NotNil(t, w.TxHash)
	assert.Equal(t, "0xhash-w-1", *w.TxHash)

	code, env = do(t, r, http.MethodPost, fmt.Sprintf("/admin/withdrawals/%d/confirm", w.ID), nil, true)
	require.Equal(t, http.StatusOK, code, env.Error)
	decode(t, env, &w)
	assert.Equal(t, models.WithdrawalStatusConfirmed, w.Status)

	b := balances(t, r, alice)["X"]
	assert.Equal(t, "600", b.Available)
	assert.Equal(t, "0", b.Locked)

	code, _ = do(t, r, http.MethodPost, "/api/v1/withdrawals", WithdrawalRequest{UserID: alice, Asset: "X", Network: "testnet", Amount: "601", ToAddress: "dest"}, false)
	assert.Equal(t, http.StatusPaymentRequired, code)

	code, env = do(t, r, http.MethodPost, "/admin/withdrawals/sweep", nil, true)
	require.Equal(t, http.StatusOK, code)
	var report withdrawal.SweepReport
	decode(t, env, &report)
	assert.Zero(t, report.Scanned)
}

func TestSwapAtMarket(t *testing.T) {
	r, _ := newTestServer(t)

	code, env := do(t, r, http.MethodPost, "/api/v1/swaps", SwapRequest{Reference: "s-1", UserID: alice, FromAsset: "X", ToAsset: "Y", FromAmount: "10"}, false)
	require.Equal(t, http.StatusCreated, code, env.Error)
	var s models.Swap
	decode(t, env, &s)
	assert.EqualValues(t, 2000, s.ToAmount)
	assert.True(t, s.Rate.Equal(decimal.NewFromInt(2)))

	assert.Equal(t, "20.00", balances(t, r, alice)["Y"].Available)
	assert.Equal(t, "80.00", balances(t, r, house.SwapDesk)["Y"].Available)

	code, _ = do(t, r, http.MethodPost, "/api/v1/swaps", SwapRequest{UserID: alice, FromAsset: "Y", ToAsset: "X", FromAmount: "1"}, false)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestPositionEndpoints(t *testing.T) {
	r, _ := newTestServer(t)

	open := OpenPositionRequest{
		UserID: alice, Symbol: "x-perp", Side: "LONG", MarginAsset: "X",
		MarginUsed: "100", Leverage: 10, EntryPrice: "100", Size: "10",
	}
	code, env := do(t, r, http.MethodPost, "/api/v1/positions", open, false)
	require.Equal(t, http.StatusCreated, code, env.Error)
	var p models.Position
	decode(t, env, &p)
	assert.Equal(t, models.PositionStatusOpen, p.Status)
	assert.Equal(t, "100", balances(t, r, alice)["X"].Locked)

	code, env = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/positions/%d/close", p.ID), ClosePositionRequest{ExitPrice: "102"}, false)
	require.Equal(t, http.StatusOK, code, env.Error)
	decode(t, env, &p)
	assert.Equal(t, models.PositionStatusClosed, p.Status)
	assert.EqualValues(t, 20, p.RealizedPnL)
	assert.Equal(t, "1020", balances(t, r, alice)["X"].Available)

	code, _ = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/positions/%d/close", p.ID), ClosePositionRequest{ExitPrice: "102"}, false)
	assert.Equal(t, http.StatusConflict, code)

	open.MarginUsed = "50"
	code, _ = do(t, r, http.MethodPost, "/api/v1/positions", open, false)
	assert.Equal(t, http.StatusPaymentRequired, code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("wrap: %w", ledger.ErrInsufficientFunds): http.StatusPaymentRequired,
		ledger.ErrLockTimeout:                               http.StatusServiceUnavailable,
		models.ErrInvalidTransition:                         http.StatusConflict,
		withdrawal.ErrNotFound:                              http.StatusNotFound,
		swap.ErrSameAsset:                                   http.StatusUnprocessableEntity,
		errors.New("disk on fire"):                          http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
}
