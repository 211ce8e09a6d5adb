package signer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/internal/withdrawal"
	"settlement-engine/pkg/config"
	"settlement-engine/pkg/logger"
	"settlement-engine/pkg/models"
	"settlement-engine/pkg/money"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestValidateAddress(t *testing.T) {
	v, err := NewAddressValidator("mainnet")
	require.NoError(t, err)

	cases := []struct {
		network string
		address string
		ok      bool
	}{
		{NetworkBitcoin, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", true},
		{NetworkBitcoin, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", true},
		{NetworkBitcoin, "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", false},
		{NetworkBitcoin, "not-an-address", false},
		{NetworkEthereum, "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", true},
		{NetworkEthereum, "0x0000000000000000000000000000000000000000", false},
		{NetworkEthereum, "0x742d35", false},
		{NetworkTron, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", true},
		{NetworkTron, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6u", false},
		{"dogecoin", "D8vFz4p1L37jdg47HXKtSHA5uYLYxbGgPD", false},
	}
	for _, tc := range cases {
		err := v.ValidateAddress(tc.network, tc.address)
		if tc.ok {
			assert.NoError(t, err, "%s %s", tc.network, tc.address)
		} else {
			assert.Error(t, err, "%s %s", tc.network, tc.address)
		}
	}

	testnet, err := NewAddressValidator("testnet")
	require.NoError(t, err)
	assert.NoError(t, testnet.ValidateAddress(NetworkBitcoin, "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"))

	_, err = NewAddressValidator("moonnet")
	assert.Error(t, err)
}

func TestToBaseUnits(t *testing.T) {
	wei, err := ToBaseUnits(money.MustParse("1.5", 9), 9, 18)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", wei.String())

	units, err := ToBaseUnits(money.MustParse("12.5", 6), 6, 6)
	require.NoError(t, err)
	assert.Equal(t, "12500000", units.String())

	_, err = ToBaseUnits(1, 8, 6)
	assert.Error(t, err)
	_, err = ToBaseUnits(0, 6, 6)
	assert.Error(t, err)
}

func TestConfirmations(t *testing.T) {
	assert.Equal(t, 12, Confirmations(111, big.NewInt(100)))
	assert.Equal(t, 1, Confirmations(100, big.NewInt(100)))
	assert.Equal(t, 0, Confirmations(99, big.NewInt(100)))
	assert.Equal(t, 0, Confirmations(99, nil))
}

type fakeEth struct {
	mu       sync.Mutex
	nonce    uint64
	nonces   int
	sent     []*types.Transaction
	sendErrs []error
	receipt  *types.Receipt
	head     uint64
}

func (f *fakeEth) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces++
	return f.nonce, nil
}

func (f *fakeEth) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	f.nonce++
	return nil
}

func (f *fakeEth) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeEth) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func newTestEthereum(t *testing.T) (*Ethereum, *fakeEth) {
	t.Helper()
	assets, err := config.LoadRegistry("")
	require.NoError(t, err)
	backend := &fakeEth{nonce: 7}
	e, err := NewEthereum(backend, testKey, big.NewInt(1), assets, logger.Discard())
	require.NoError(t, err)
	return e, backend
}

func TestEthereumNativeBroadcast(t *testing.T) {
	e, backend := newTestEthereum(t)
	w := &models.Withdrawal{
		Reference: "wd-1",
		Asset:     "ETH",
		Network:   NetworkEthereum,
		Amount:    money.MustParse("0.25", 9),
		ToAddress: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
	}

	hash, err := e.Broadcast(context.Background(), w)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(nativeGasLimit), tx.Gas())
	assert.Equal(t, "250000000000000000", tx.Value().String())
	assert.Equal(t, common.HexToAddress(w.ToAddress), *tx.To())

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, e.From(), sender)
}

func TestEthereumTokenBroadcast(t *testing.T) {
	e, backend := newTestEthereum(t)
	to := "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	_, err := e.Broadcast(context.Background(), &models.Withdrawal{
		Reference: "wd-usdt",
		Asset:     "USDT",
		Network:   NetworkEthereum,
		Amount:    money.MustParse("10", 6),
		ToAddress: to,
	})
	require.NoError(t, err)

	tx := backend.sent[0]
	assert.Equal(t, common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"), *tx.To())
	assert.Zero(t, tx.Value().Sign())
	data := tx.Data()
	require.Len(t, data, 68)
	assert.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]))
	assert.Equal(t, common.HexToAddress(to), common.BytesToAddress(data[4:36]))
	assert.Equal(t, "10000000", new(big.Int).SetBytes(data[36:]).String())
}

func TestEthereumResendReusesSignedTx(t *testing.T) {
	e, backend := newTestEthereum(t)
	backend.sendErrs = []error{context.DeadlineExceeded, errors.New("already known")}
	w := &models.Withdrawal{Reference: "wd-2", Asset: "ETH", Network: NetworkEthereum, Amount: 1, ToAddress: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"}

	_, err := e.Broadcast(context.Background(), w)
	require.Error(t, err)
	assert.NotErrorIs(t, err, withdrawal.ErrRejected)

	hash, err := e.Broadcast(context.Background(), w)
	require.NoError(t, err)
	require.Len(t, backend.sent, 2)
	assert.Equal(t, backend.sent[0].Hash(), backend.sent[1].Hash())
	assert.Equal(t, backend.sent[0].Hash().Hex(), hash)
	assert.Equal(t, 1, backend.nonces)
}

func TestEthereumRejectsOnFunding(t *testing.T) {
	e, backend := newTestEthereum(t)
	backend.sendErrs = []error{errors.New("insufficient funds for gas * price + value")}
	_, err := e.Broadcast(context.Background(), &models.Withdrawal{Reference: "wd-3", Asset: "ETH", Network: NetworkEthereum, Amount: 1, ToAddress: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"})
	assert.ErrorIs(t, err, withdrawal.ErrRejected)
}

func TestEthereumTxStatus(t *testing.T) {
	e, backend := newTestEthereum(t)
	ctx := context.Background()

	st, err := e.TxStatus(ctx, NetworkEthereum, "0x01")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.TxPending, st.State)

	backend.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}
	backend.head = 111
	st, err = e.TxStatus(ctx, NetworkEthereum, "0x01")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.TxStatus{State: withdrawal.TxConfirmed, Confirmations: 12}, st)

	backend.receipt = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(100)}
	st, err = e.TxStatus(ctx, NetworkEthereum, "0x01")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.TxFailed, st.State)

	_, err = e.TxStatus(ctx, NetworkTron, "0x01")
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
}

func TestRemoteBroadcast(t *testing.T) {
	var got SignRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/withdrawals":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set("Content-Type", "application/json")
			if got.Reference == "bad" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"error":"address blacklisted"}`))
				return
			}
			if got.Reference == "down" {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"tx_hash":"0xabc"}`))
		case "/v1/transactions/tron/0xabc":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"state":"confirmed","confirmations":21}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := NewRemote(srv.URL+"/", "secret", time.Second, logger.Discard())
	r.client.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(time.Millisecond)
	ctx := context.Background()

	hash, err := r.Broadcast(ctx, &models.Withdrawal{Reference: "wd-9", Asset: "USDT", Network: "tron", Amount: 5, ToAddress: "T..."})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", hash)
	assert.Equal(t, int64(5), got.Amount)
	assert.Equal(t, "tron", got.Network)

	_, err = r.Broadcast(ctx, &models.Withdrawal{Reference: "bad"})
	assert.ErrorIs(t, err, withdrawal.ErrRejected)
	assert.Contains(t, err.Error(), "blacklisted")

	_, err = r.Broadcast(ctx, &models.Withdrawal{Reference: "down"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, withdrawal.ErrRejected)

	st, err := r.TxStatus(ctx, "tron", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.TxStatus{State: withdrawal.TxConfirmed, Confirmations: 21}, st)

	st, err = r.TxStatus(ctx, "tron", "0xmissing")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.TxPending, st.State)
}

type stubBackend struct{ name string }

func (s stubBackend) Broadcast(context.Context, *models.Withdrawal) (string, error) {
	return s.name, nil
}

func (s stubBackend) TxStatus(context.Context, string, string) (withdrawal.TxStatus, error) {
	return withdrawal.TxStatus{State: withdrawal.TxPending}, nil
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	r := NewRouter()
	assert.True(t, r.Empty())

	r.Handle("Ethereum", stubBackend{"eth"})
	hash, err := r.Broadcast(ctx, &models.Withdrawal{Network: "ethereum"})
	require.NoError(t, err)
	assert.Equal(t, "eth", hash)

	_, err = r.Broadcast(ctx, &models.Withdrawal{Network: "tron"})
	assert.ErrorIs(t, err, withdrawal.ErrRejected)
	_, err = r.TxStatus(ctx, "tron", "h")
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)

	r.Fallback(stubBackend{"remote"})
	hash, err = r.Broadcast(ctx, &models.Withdrawal{Network: "tron"})
	require.NoError(t, err)
	assert.Equal(t, "remote", hash)
}
