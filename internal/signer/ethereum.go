package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"settlement-engine/internal/withdrawal"
	"settlement-engine/pkg/config"
	"settlement-engine/pkg/models"
	"settlement-engine/pkg/money"
)

const (
	etherDecimals    = 18
	nativeGasLimit   = 21000
	transferGasLimit = 100000
)

var transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// EthBackend is the subset of ethclient.Client the broadcaster needs.
type EthBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Ethereum signs withdrawals with a hot wallet key and submits them to an
// RPC node. Native ETH and registry-listed ERC-20 tokens are supported.
type Ethereum struct {
	backend EthBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	assets  *config.Registry
	log     *logrus.Entry

	// mu serializes nonce assignment. pending keeps the signed transaction
	// of each reference until a send succeeds so retries reuse its nonce.
	mu      sync.Mutex
	pending map[string]*types.Transaction
}

// DialEthereum connects to rpcURL and loads the hot wallet key.
func DialEthereum(ctx context.Context, rpcURL, privateKeyHex string, assets *config.Registry, log *logrus.Entry) (*Ethereum, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	chainID, err := client.NetworkID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ethereum network id: %w", err)
	}
	return NewEthereum(client, privateKeyHex, chainID, assets, log)
}

func NewEthereum(backend EthBackend, privateKeyHex string, chainID *big.Int, assets *config.Registry, log *logrus.Entry) (*Ethereum, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ethereum private key: %w", err)
	}
	if log == nil {
		log = logrus.WithField("component", "signer.ethereum")
	}
	return &Ethereum{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		assets:  assets,
		log:     log,
		pending: make(map[string]*types.Transaction),
	}, nil
}

// From is the hot wallet address.
func (e *Ethereum) From() common.Address { return e.from }

func (e *Ethereum) Broadcast(ctx context.Context, w *models.Withdrawal) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	signed, resend := e.pending[w.Reference]
	if !resend {
		var err error
		signed, err = e.sign(ctx, w)
		if err != nil {
			return "", err
		}
		e.pending[w.Reference] = signed
	}

	hash := signed.Hash().Hex()
	err := e.backend.SendTransaction(ctx, signed)
	switch {
	case err == nil, isKnownTx(err, resend):
		delete(e.pending, w.Reference)
		e.log.WithFields(logrus.Fields{
			"reference": w.Reference,
			"tx_hash":   hash,
			"nonce":     signed.Nonce(),
		}).Info("ethereum transaction sent")
		return hash, nil
	case isFundingError(err):
		delete(e.pending, w.Reference)
		return "", fmt.Errorf("%w: %v", withdrawal.ErrRejected, err)
	default:
		return "", fmt.Errorf("send transaction: %w", err)
	}
}

func (e *Ethereum) sign(ctx context.Context, w *models.Withdrawal) (*types.Transaction, error) {
	if !common.IsHexAddress(w.ToAddress) {
		return nil, fmt.Errorf("%w: bad destination %q", withdrawal.ErrRejected, w.ToAddress)
	}
	to := common.HexToAddress(w.ToAddress)
	scale, err := e.assets.Scale(w.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", withdrawal.ErrRejected, err)
	}

	var (
		value    = new(big.Int)
		data     []byte
		gasLimit uint64 = nativeGasLimit
	)
	if contract := e.assets.Contract(w.Asset, w.Network); contract != "" {
		// token amounts use the asset scale as the token's decimals
		units, err := ToBaseUnits(w.Amount, scale, scale)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", withdrawal.ErrRejected, err)
		}
		data = TransferData(to, units)
		to = common.HexToAddress(contract)
		gasLimit = transferGasLimit
	} else {
		value, err = ToBaseUnits(w.Amount, scale, etherDecimals)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", withdrawal.ErrRejected, err)
		}
	}

	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// TxStatus reports a transaction from its receipt. Unknown transactions are
// pending.
func (e *Ethereum) TxStatus(ctx context.Context, network, txHash string) (withdrawal.TxStatus, error) {
	if network != NetworkEthereum {
		return withdrawal.TxStatus{}, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	receipt, err := e.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return withdrawal.TxStatus{State: withdrawal.TxPending}, nil
	}
	if err != nil {
		return withdrawal.TxStatus{}, fmt.Errorf("transaction receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return withdrawal.TxStatus{State: withdrawal.TxFailed}, nil
	}
	head, err := e.backend.BlockNumber(ctx)
	if err != nil {
		return withdrawal.TxStatus{}, fmt.Errorf("block number: %w", err)
	}
	return withdrawal.TxStatus{
		State:         withdrawal.TxConfirmed,
		Confirmations: Confirmations(head, receipt.BlockNumber),
	}, nil
}

// Confirmations counts the including block itself.
func Confirmations(head uint64, included *big.Int) int {
	if included == nil || !included.IsUint64() || included.Uint64() > head {
		return 0
	}
	return int(head - included.Uint64() + 1)
}

// ToBaseUnits converts a ledger amount at scale to an integer of the
// chain's decimals.
func ToBaseUnits(amount money.Amount, scale, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if decimals < scale {
		return nil, fmt.Errorf("chain decimals %d below ledger scale %d", decimals, scale)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-scale)), nil)
	return new(big.Int).Mul(big.NewInt(int64(amount)), factor), nil
}

// TransferData is the ERC-20 transfer(address,uint256) call data.
func TransferData(to common.Address, units *big.Int) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(units.Bytes(), 32)...)
	return data
}

// isKnownTx reports a send error that means the node already has the
// transaction. A low nonce only counts when resending our own signed tx.
func isKnownTx(err error, resend bool) bool {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return true
	}
	return resend && strings.Contains(msg, "nonce too low")
}

func isFundingError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}
