// Package withdrawal moves outbound requests through reserve, broadcast and
// on-chain settlement. Funds are locked from Request until the withdrawal
// either confirms (locked funds leave the ledger) or fails (they are
// released exactly once).
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-engine/internal/ledger"
	"settlement-engine/pkg/config"
	"settlement-engine/pkg/models"
	"settlement-engine/pkg/money"
)

const RefKind = "withdrawal"

var (
	ErrNotFound         = errors.New("withdrawal not found")
	ErrUnknownAsset     = errors.New("asset or network not supported")
	ErrInvalidAddress   = errors.New("invalid destination address")
	ErrBroadcastTimeout = errors.New("broadcaster gave no definitive answer; withdrawal stays reserved")
	// ErrRejected is wrapped by broadcasters for definitive refusals.
	ErrRejected = errors.New("broadcast rejected")
)

var errReferenceTaken = errors.New("reference inserted concurrently")

// Broadcaster hands a reserved withdrawal to the signing service and
// returns the chain transaction hash.
type Broadcaster interface {
	Broadcast(ctx context.Context, w *models.Withdrawal) (string, error)
}

// AddressValidator checks a destination address for a network.
type AddressValidator interface {
	ValidateAddress(network, address string) error
}

type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

// TxStatus is what the chain reports about a broadcast transaction.
type TxStatus struct {
	State         TxState
	Confirmations int
}

// ChainStatus looks up broadcast transactions.
type ChainStatus interface {
	TxStatus(ctx context.Context, network, txHash string) (TxStatus, error)
}

type Options struct {
	Broadcaster Broadcaster
	Validator   AddressValidator
	ChainStatus ChainStatus
	Config      config.WithdrawalConfig
	Logger      *logrus.Entry
	Clock       func() time.Time
}

// Processor drives the withdrawal lifecycle
type Processor struct {
	store       *ledger.Store
	assets      *config.Registry
	broadcaster Broadcaster
	validator   AddressValidator
	chain       ChainStatus
	cfg         config.WithdrawalConfig
	log         *logrus.Entry
	now         func() time.Time
}

func NewProcessor(store *ledger.Store, assets *config.Registry, opts Options) (*Processor, error) {
	if opts.Broadcaster == nil {
		return nil, errors.New("withdrawal: broadcaster is required")
	}
	cfg := opts.Config
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = 15 * time.Second
	}
	if cfg.StaleAfter <= cfg.BroadcastTimeout {
		return nil, fmt.Errorf("withdrawal: stale-after %s must exceed broadcast timeout %s", cfg.StaleAfter, cfg.BroadcastTimeout)
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	if cfg.SweepWorkers <= 0 {
		cfg.SweepWorkers = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "withdrawal")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Processor{
		store:       store,
		assets:      assets,
		broadcaster: opts.Broadcaster,
		validator:   opts.Validator,
		chain:       opts.ChainStatus,
		cfg:         cfg,
		log:         opts.Logger,
		now:         func() time.Time { return opts.Clock().UTC() },
	}, nil
}

// Request asks for funds to leave the exchange.
type Request struct {
	Reference string       `json:"reference"`
	UserID    uint         `json:"user_id"`
	Asset     string       `json:"asset"`
	Network   string       `json:"network"`
	Amount    money.Amount `json:"amount"`
	ToAddress string       `json:"to_address"`
}

// Request reserves the amount and records the withdrawal at RESERVED in one
// transaction. Insufficient funds leave no row behind. A repeated Reference
// returns the original withdrawal.
func (p *Processor) Request(ctx context.Context, req Request) (models.Withdrawal, error) {
	if !req.Amount.IsPositive() {
		return models.Withdrawal{}, ledger.ErrInvalidAmount
	}
	spec, ok := p.assets.Asset(req.Asset)
	network := config.NormalizeNetwork(req.Network)
	if !ok || !p.assets.HasNetwork(spec.Symbol, network) {
		return models.Withdrawal{}, fmt.Errorf("%w: %s on %s", ErrUnknownAsset, req.Asset, req.Network)
	}
	to := strings.TrimSpace(req.ToAddress)
	if to == "" {
		return models.Withdrawal{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if p.validator != nil {
		if err := p.validator.ValidateAddress(network, to); err != nil {
			return models.Withdrawal{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = "wd_" + xid.New().String()
	}

	var out models.Withdrawal
	err := p.store.Transact(ctx, func(tx *ledger.Tx) error {
		db := tx.Records()

		var existing models.Withdrawal
		err := db.Where("reference = ?", reference).Take(&existing).Error
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load withdrawal: %w", err)
		}

		ref := ledger.Ref{Kind: RefKind, ID: reference}
		if err := tx.Reserve(ref, req.UserID, spec.Symbol, req.Amount); err != nil {
			return err
		}

		row := models.Withdrawal{
			Reference:     reference,
			UserID:        req.UserID,
			Asset:         spec.Symbol,
			Network:       network,
			Amount:        req.Amount,
			ToAddress:     to,
			Status:        models.WithdrawalStatusReserved,
			LastAttemptAt: p.now(),
		}
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("insert withdrawal: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errReferenceTaken
		}
		out = row
		return nil
	})
	if errors.Is(err, errReferenceTaken) {
		out, err = p.GetByReference(ctx, reference)
	}
	if err != nil {
		return models.Withdrawal{}, err
	}
	if out.UserID != req.UserID {
		return models.Withdrawal{}, fmt.Errorf("%w: reference %s", ledger.ErrAlreadyExists, reference)
	}

	p.log.WithFields(logrus.Fields{
		"withdrawal_id": out.ID,
		"reference":     out.Reference,
		"user_id":       out.UserID,
		"asset":         out.Asset,
		"amount":        out.Amount,
	}).Info("withdrawal reserved")
	return out, nil
}

// Broadcast hands a RESERVED withdrawal to the broadcaster. The attempt is
// recorded in its own short transaction and the hand-off runs outside any
// transaction.
func (p *Processor) Broadcast(ctx context.Context, id uint) (models.Withdrawal, error) {
	return p.broadcast(ctx, id, time.Time{})
}

// broadcast skips rows attempted at or after staleBefore when it is set.
func (p *Processor) broadcast(ctx context.Context, id uint, staleBefore time.Time) (models.Withdrawal, error) {
	var attempt models.Withdrawal
	err := p.store.Transact(ctx, func(tx *ledger.Tx) error {
		db := tx.Records()
		row, err := lockWithdrawal(db, id)
		if err != nil {
			return err
		}
		if row.Status != models.WithdrawalStatusReserved {
			return row.Status.Transition(models.WithdrawalStatusBroadcast)
		}
		if !staleBefore.IsZero() && !row.LastAttemptAt.Before(staleBefore) {
			return errNotStale
		}
		row.Attempts++
		row.LastAttemptAt = p.now()
		err = db.Model(&models.Withdrawal{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
			"attempts":        row.Attempts,
			"last_attempt_at": row.LastAttemptAt,
		}).Error
		if err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		attempt = *row
		return nil
	})
	if err != nil {
		return models.Withdrawal{}, err
	}

	log := p.log.WithFields(logrus.Fields{
		"withdrawal_id": attempt.ID,
		"reference":     attempt.Reference,
		"attempt":       attempt.Attempts,
	})

	bctx, cancel := context.WithTimeout(ctx, p.cfg.BroadcastTimeout)
	hash, berr := p.broadcaster.Broadcast(bctx, &attempt)
	cancel()

	switch {
	case berr == nil && hash != "":
		return p.markBroadcast(ctx, attempt, hash, log)
	case berr != nil && errors.Is(berr, ErrRejected):
		log.WithError(berr).Warn("broadcast rejected")
		return p.failReserved(ctx, attempt.ID, models.WithdrawalStatusReserved, berr.Error())
	default:
		if berr == nil {
			berr = errors.New("broadcaster returned no transaction hash")
		}
		log.WithError(berr).Warn("broadcast outcome unknown, left reserved")
		return attempt, fmt.Errorf("%w: %v", ErrBroadcastTimeout, berr)
	}
}

var errNotStale = errors.New("withdrawal attempted recently")

func (p *Processor) markBroadcast(ctx context.Context, attempt models.Withdrawal, hash string, log *logrus.Entry) (models.Withdrawal, error) {
	var out models.Withdrawal
	err := p.store.Transact(ctx, func(tx *ledger.Tx) error {
		db := tx.Records()
		row, err := lockWithdrawal(db, attempt.ID)
		if err != nil {
			return err
		}
		if err := row.Status.Transition(models.WithdrawalStatusBroadcast); err != nil {
			return err
		}
		now := p.now()
		res := db.Model(&models.Withdrawal{}).
			Where("id = ? AND status = ?", row.ID, models.WithdrawalStatusReserved).
			Updates(map[string]interface{}{
				"status":       models.WithdrawalStatusBroadcast,
				"tx_hash":      hash,
				"broadcast_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("mark broadcast: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: withdrawal %d changed during broadcast", models.ErrInvalidTransition, row.ID)
		}
		row.Status = models.WithdrawalStatusBroadcast
		row.TxHash = &hash
		row.BroadcastAt = &now
		out = *row
		return nil
	})
	if err != nil {
		// the transaction is on chain while the row says otherwise
		log.WithError(err).WithField("tx_hash", hash).Error("broadcast succeeded but could not be recorded")
		return models.Withdrawal{}, err
	}
	log.WithField("tx_hash", hash).Info("withdrawal broadcast")
	return out, nil
}

// OnChainConfirmed settles a BROADCAST withdrawal: the locked funds leave
// the ledger. Confirming twice is a no-op.
func (p *Processor) OnChainConfirmed(ctx context.Context, id uint) (models.Withdrawal, error) {
	var out models.Withdrawal
	settled := false
	err := p.store.Transact(ctx, func(tx *ledger.Tx) error {
		settled = false
		db := tx.Records()
		row, err := lockWithdrawal(db, id)
		if err != nil {
			return err
		}
		if row.Status == models.WithdrawalStatusConfirmed {
			out = *row
			return nil
		}
		if err := row.Status.Transition(models.WithdrawalStatusConfirmed); err != nil {
			return err
		}
		now := p.now()
		res := db.Model(&models.Withdrawal{}).
			Where("id = ? AND status = ?", row.ID, models.WithdrawalStatusBroadcast).
			Updates(map[string]interface{}{"status": models.WithdrawalStatusConfirmed, "confirmed_at": now})
		if res.Error != nil {
			return fmt.Errorf("mark confirmed: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: withdrawal %d", models.ErrInvalidTransition, row.ID)
		}
		ref := ledger.Ref{Kind: RefKind, ID: row.Reference}
		if err := tx.SettleLocked(ref, row.UserID, row.Asset, row.Amount); err != nil {
			return err
		}
		row.Status = models.WithdrawalStatusConfirmed
		row.ConfirmedAt = &now
		out = *row
		settled = true
		return nil
	})
	if err != nil {
		return models.Withdrawal{}, err
	}
	if settled {
		p.log.WithFields(logrus.Fields{"withdrawal_id": id, "reference": out.Reference}).Info("withdrawal confirmed")
	}
	return out, nil
}

// OnChainFailed fails a BROADCAST withdrawal whose transaction reverted or
// was dropped, releasing the locked funds.
func (p *Processor) OnChainFailed(ctx context.Context, id uint, reason string) (models.Withdrawal, error) {
	return p.failReserved(ctx, id, models.WithdrawalStatusBroadcast, reason)
}

func (p *Processor) failReserved(ctx context.Context, id uint, from models.WithdrawalStatus, reason string) (models.Withdrawal, error) {
	return p.failWhen(ctx, id, from, func(*models.Withdrawal) (string, error) { return reason, nil })
}

// giveUp fails a RESERVED withdrawal that has used all its attempts, provided
// no attempt started at or after cutoff. A broadcast still in flight has
// stamped a fresh attempt, so the row is left to it.
func (p *Processor) giveUp(ctx context.Context, id uint, cutoff time.Time) (models.Withdrawal, error) {
	return p.failWhen(ctx, id, models.WithdrawalStatusReserved, func(row *models.Withdrawal) (string, error) {
		if !row.LastAttemptAt.Before(cutoff) || row.Attempts < p.cfg.MaxAttempts {
			return "", errNotStale
		}
		return fmt.Sprintf("broadcast gave up after %d attempts", row.Attempts), nil
	})
}

// failWhen moves a withdrawal from the given status to FAILED and releases
// its funds once check passes on the locked row. The release only happens
// when the conditional status update wins, so it runs exactly once per
// withdrawal.
func (p *Processor) failWhen(ctx context.Context, id uint, from models.WithdrawalStatus, check func(*models.Withdrawal) (string, error)) (models.Withdrawal, error) {
	var (
		out    models.Withdrawal
		reason string
	)
	released := false
	err := p.store.Transact(ctx, func(tx *ledger.Tx) error {
		released = false
		db := tx.Records()
		row, err := lockWithdrawal(db, id)
		if err != nil {
			return err
		}
		if row.Status == models.WithdrawalStatusFailed {
			out = *row
			return nil
		}
		if row.Status != from {
			return fmt.Errorf("%w: withdrawal %d is %s, expected %s", models.ErrInvalidTransition, row.ID, row.Status, from)
		}
		if err := row.Status.Transition(models.WithdrawalStatusFailed); err != nil {
			return err
		}
		reason, err = check(row)
		if err != nil {
			return err
		}
		res := db.Model(&models.Withdrawal{}).
			Where("id = ? AND status = ?", row.ID, from).
			Updates(map[string]interface{}{"status": models.WithdrawalStatusFailed, "failure_reason": truncate(reason, 255)})
		if res.Error != nil {
			return fmt.Errorf("mark failed: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: withdrawal %d", models.ErrInvalidTransition, row.ID)
		}
		ref := ledger.Ref{Kind: RefKind, ID: row.Reference}
		if err := tx.Release(ref, row.UserID, row.Asset, row.Amount); err != nil {
			return err
		}
		row.Status = models.WithdrawalStatusFailed
		row.FailureReason = truncate(reason, 255)
		out = *row
		released = true
		return nil
	})
	if err != nil {
		return models.Withdrawal{}, err
	}
	if released {
		p.log.WithFields(logrus.Fields{
			"withdrawal_id": id,
			"reference":     out.Reference,
			"reason":        reason,
		}).Warn("withdrawal failed, funds released")
	}
	return out, nil
}

func (p *Processor) Get(ctx context.Context, id uint) (models.Withdrawal, error) {
	var row models.Withdrawal
	err := p.store.DB().WithContext(ctx).Take(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Withdrawal{}, ErrNotFound
	}
	return row, err
}

func (p *Processor) GetByReference(ctx context.Context, reference string) (models.Withdrawal, error) {
	var row models.Withdrawal
	err := p.store.DB().WithContext(ctx).Where("reference = ?", reference).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Withdrawal{}, ErrNotFound
	}
	return row, err
}

// List returns a user's withdrawals, newest first.
func (p *Processor) List(ctx context.Context, userID uint, limit int) ([]models.Withdrawal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.Withdrawal
	err := p.store.DB().WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func lockWithdrawal(db *gorm.DB, id uint) (*models.Withdrawal, error) {
	var row models.Withdrawal
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock withdrawal: %w", err)
	}
	return &row, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
