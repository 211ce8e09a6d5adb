// Package deposit tracks inbound chain transfers from first sighting to
// credit. Each transaction hash is credited at most once no matter how many
// times, or in what order, the chain watcher reports it.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-engine/internal/ledger"
	"settlement-engine/pkg/config"
	"settlement-engine/pkg/models"
	"settlement-engine/pkg/money"
)

const RefKind = "deposit"

var (
	ErrNotFound        = errors.New("deposit not found")
	ErrDepositMismatch = errors.New("notification does not match recorded deposit")
	ErrUnknownAddress  = errors.New("destination address is not registered")
	ErrUnknownAsset    = errors.New("asset or network not supported")
	ErrBelowThreshold  = errors.New("confirmations below credit threshold")
	ErrAddressTaken    = errors.New("address registered to another user")
)

// Notification is one report from the chain watcher.
type Notification struct {
	TxHash        string       `json:"tx_hash"`
	Asset         string       `json:"asset"`
	Network       string       `json:"network"`
	Address       string       `json:"address"`
	Amount        money.Amount `json:"amount"`
	Confirmations int          `json:"confirmations"`
}

// Result is the deposit after a notification was applied.
type Result struct {
	Deposit   models.Deposit `json:"deposit"`
	Credited  bool           `json:"credited"`  // credited by this call
	Duplicate bool           `json:"duplicate"` // already credited, nothing changed
}

// Tracker applies chain notifications to deposit rows and balances
type Tracker struct {
	store  *ledger.Store
	assets *config.Registry
	log    *logrus.Entry
}

func NewTracker(store *ledger.Store, assets *config.Registry, log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.WithField("component", "deposit")
	}
	return &Tracker{store: store, assets: assets, log: log}
}

// RegisterAddress assigns a receive address to a user. Registering the same
// address for the same user again returns the existing row.
func (t *Tracker) RegisterAddress(ctx context.Context, userID uint, asset, network, address string) (models.DepositAddress, error) {
	spec, ok := t.assets.Asset(asset)
	network = config.NormalizeNetwork(network)
	address = strings.TrimSpace(address)
	if !ok || !t.assets.HasNetwork(spec.Symbol, network) {
		return models.DepositAddress{}, fmt.Errorf("%w: %s on %s", ErrUnknownAsset, asset, network)
	}
	if address == "" {
		return models.DepositAddress{}, fmt.Errorf("address is required")
	}

	db := t.store.DB().WithContext(ctx)
	row := models.DepositAddress{UserID: userID, Asset: spec.Symbol, Network: network, Address: address}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "network"}, {Name: "address"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return models.DepositAddress{}, fmt.Errorf("register address: %w", err)
	}

	var stored models.DepositAddress
	if err := db.Where("network = ? AND address = ?", network, address).Take(&stored).Error; err != nil {
		return models.DepositAddress{}, fmt.Errorf("load address: %w", err)
	}
	if stored.UserID != userID {
		return models.DepositAddress{}, ErrAddressTaken
	}
	return stored, nil
}

// Observe records a sighting of txHash. Confirmations only ever grow, and
// crossing the asset's threshold credits the owner in the same transaction
// as the status change.
func (t *Tracker) Observe(ctx context.Context, n Notification) (Result, error) {
	n.TxHash = strings.TrimSpace(n.TxHash)
	n.Network = config.NormalizeNetwork(n.Network)
	n.Address = strings.TrimSpace(n.Address)
	if n.TxHash == "" {
		return Result{}, fmt.Errorf("tx hash is required")
	}
	if !n.Amount.IsPositive() {
		return Result{}, ledger.ErrInvalidAmount
	}
	if n.Confirmations < 0 {
		return Result{}, fmt.Errorf("confirmations must not be negative")
	}
	spec, ok := t.assets.Asset(n.Asset)
	if !ok || !t.assets.HasNetwork(spec.Symbol, n.Network) {
		return Result{}, fmt.Errorf("%w: %s on %s", ErrUnknownAsset, n.Asset, n.Network)
	}
	n.Asset = spec.Symbol

	var res Result
	err := t.store.Transact(ctx, func(tx *ledger.Tx) error {
		res = Result{}
		db := tx.Records()

		var addr models.DepositAddress
		err := db.Where("network = ? AND address = ?", n.Network, n.Address).Take(&addr).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s on %s", ErrUnknownAddress, n.Address, n.Network)
		}
		if err != nil {
			return fmt.Errorf("load address: %w", err)
		}

		fresh := models.Deposit{
			TxHash:  n.TxHash,
			UserID:  addr.UserID,
			Asset:   n.Asset,
			Network: n.Network,
			Address: n.Address,
			Amount:  n.Amount,
			Status:  models.DepositStatusPending,
		}
		err = db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}},
			DoNothing: true,
		}).Create(&fresh).Error
		if err != nil {
			return fmt.Errorf("insert deposit: %w", err)
		}

		row, err := lockDeposit(db, n.TxHash)
		if err != nil {
			return err
		}
		if row.Asset != n.Asset || row.Network != n.Network || row.Address != n.Address || row.Amount != n.Amount {
			return fmt.Errorf("%w: %s", ErrDepositMismatch, n.TxHash)
		}

		switch row.Status {
		case models.DepositStatusCredited:
			// still track confirmations, no second credit
			if n.Confirmations > row.Confirmations {
				row.Confirmations = n.Confirmations
				err := db.Model(&models.Deposit{}).Where("id = ?", row.ID).Update("confirmations", row.Confirmations).Error
				if err != nil {
					return fmt.Errorf("update deposit: %w", err)
				}
			}
			res.Deposit = *row
			res.Duplicate = true
			return nil
		case models.DepositStatusFailed:
			return fmt.Errorf("%w: deposit %s already failed", models.ErrInvalidTransition, n.TxHash)
		}

		updates := map[string]interface{}{}
		if n.Confirmations > row.Confirmations {
			row.Confirmations = n.Confirmations
			updates["confirmations"] = row.Confirmations
		}
		if row.Status == models.DepositStatusPending && row.Confirmations >= 1 {
			if err := row.Status.Transition(models.DepositStatusConfirmed); err != nil {
				return err
			}
			row.Status = models.DepositStatusConfirmed
			updates["status"] = row.Status
		}
		if len(updates) > 0 {
			if err := db.Model(&models.Deposit{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("update deposit: %w", err)
			}
		}

		credited, err := t.creditIfReady(tx, row)
		if err != nil {
			return err
		}
		res.Deposit = *row
		res.Credited = credited
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	entry := t.log.WithFields(logrus.Fields{
		"tx_hash":       n.TxHash,
		"asset":         n.Asset,
		"confirmations": res.Deposit.Confirmations,
		"status":        res.Deposit.Status,
	})
	switch {
	case res.Duplicate:
		entry.Info("duplicate deposit event ignored")
	case res.Credited:
		entry.WithField("user_id", res.Deposit.UserID).Info("deposit credited")
	default:
		entry.Debug("deposit observed")
	}
	return res, nil
}

// OnConfirmationThresholdReached credits a deposit whose recorded
// confirmations meet the threshold. Already credited deposits are a no-op.
func (t *Tracker) OnConfirmationThresholdReached(ctx context.Context, txHash string) (Result, error) {
	var res Result
	err := t.store.Transact(ctx, func(tx *ledger.Tx) error {
		res = Result{}
		row, err := lockDeposit(tx.Records(), txHash)
		if err != nil {
			return err
		}
		switch row.Status {
		case models.DepositStatusCredited:
			res.Deposit = *row
			res.Duplicate = true
			return nil
		case models.DepositStatusFailed:
			return fmt.Errorf("%w: deposit %s already failed", models.ErrInvalidTransition, txHash)
		}
		credited, err := t.creditIfReady(tx, row)
		if err != nil {
			return err
		}
		if !credited {
			return fmt.Errorf("%w: %s has %d", ErrBelowThreshold, txHash, row.Confirmations)
		}
		res.Deposit = *row
		res.Credited = true
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Credited {
		t.log.WithFields(logrus.Fields{"tx_hash": txHash, "user_id": res.Deposit.UserID}).Info("deposit credited")
	}
	return res, nil
}

// Fail marks a deposit whose transaction dropped off the chain. Credited
// deposits cannot fail.
func (t *Tracker) Fail(ctx context.Context, txHash, reason string) (models.Deposit, error) {
	var out models.Deposit
	err := t.store.Transact(ctx, func(tx *ledger.Tx) error {
		db := tx.Records()
		row, err := lockDeposit(db, txHash)
		if err != nil {
			return err
		}
		if row.Status == models.DepositStatusFailed {
			out = *row
			return nil
		}
		if err := row.Status.Transition(models.DepositStatusFailed); err != nil {
			return err
		}
		res := db.Model(&models.Deposit{}).
			Where("id = ? AND status = ?", row.ID, row.Status).
			Updates(map[string]interface{}{"status": models.DepositStatusFailed, "failure_reason": reason})
		if res.Error != nil {
			return fmt.Errorf("fail deposit: %w", res.Error)
		}
		row.Status = models.DepositStatusFailed
		row.FailureReason = reason
		out = *row
		return nil
	})
	if err != nil {
		return models.Deposit{}, err
	}
	t.log.WithFields(logrus.Fields{"tx_hash": txHash, "reason": reason}).Warn("deposit failed")
	return out, nil
}

// Get returns the deposit for txHash.
func (t *Tracker) Get(ctx context.Context, txHash string) (models.Deposit, error) {
	var row models.Deposit
	err := t.store.DB().WithContext(ctx).Where("tx_hash = ?", txHash).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Deposit{}, ErrNotFound
	}
	return row, err
}

// List returns a user's deposits, newest first.
func (t *Tracker) List(ctx context.Context, userID uint, limit int) ([]models.Deposit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.Deposit
	err := t.store.DB().WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// creditIfReady moves the row to CREDITED and credits the owner when the
// threshold is met. The conditional update guarantees a single credit.
func (t *Tracker) creditIfReady(tx *ledger.Tx, row *models.Deposit) (bool, error) {
	required, err := t.assets.RequiredConfirmations(row.Asset, row.Network)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnknownAsset, err)
	}
	if row.Confirmations < required {
		return false, nil
	}
	if err := row.Status.Transition(models.DepositStatusCredited); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	res := tx.Records().Model(&models.Deposit{}).
		Where("id = ? AND status IN ?", row.ID, []models.DepositStatus{models.DepositStatusPending, models.DepositStatusConfirmed}).
		Updates(map[string]interface{}{"status": models.DepositStatusCredited, "credited_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("mark credited: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return false, nil
	}

	ref := ledger.Ref{Kind: RefKind, ID: row.TxHash}
	if err := tx.Credit(ref, row.UserID, row.Asset, row.Amount); err != nil {
		return false, fmt.Errorf("credit deposit %s: %w", row.TxHash, err)
	}
	row.Status = models.DepositStatusCredited
	row.CreditedAt = &now
	return true, nil
}

func lockDeposit(db *gorm.DB, txHash string) (*models.Deposit, error) {
	var row models.Deposit
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("tx_hash = ?", txHash).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, txHash)
	}
	if err != nil {
		return nil, fmt.Errorf("lock deposit: %w", err)
	}
	return &row, nil
}
