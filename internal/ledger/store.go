// Package ledger owns every balance mutation. Callers open a unit of work
// with Store.Transact and move funds through the returned Tx; rows in the
// balances and ledger_entries tables cannot be written any other way.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"settlement-engine/pkg/config"
	"settlement-engine/pkg/models"
	"settlement-engine/pkg/money"
)

// Notifier is told which users a committed unit of work touched.
type Notifier interface {
	BalancesCommitted(ctx context.Context, refKind, refID string, userIDs []uint)
}

// BalanceCache is an optional read-through cache for Balances.
type BalanceCache interface {
	GetUserBalances(ctx context.Context, userID uint) ([]models.Balance, error)
	CacheUserBalances(ctx context.Context, userID uint, balances []models.Balance) error
}

// TotalsCache is an optional short-lived cache for Totals. Entries for the
// assets a unit of work touched are dropped after it commits.
type TotalsCache interface {
	GetAssetTotals(ctx context.Context, asset string, dest interface{}) error
	CacheAssetTotals(ctx context.Context, asset string, totals interface{}) error
	DropAssetTotals(ctx context.Context, assets ...string) error
}

type Options struct {
	LockTimeout      time.Duration
	RetryAttempts    int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
	Notifier         Notifier
	Cache            BalanceCache
	TotalsCache      TotalsCache
	Logger           *logrus.Entry
}

// OptionsFromConfig maps ledger settings onto store options.
func OptionsFromConfig(cfg config.LedgerConfig) Options {
	return Options{
		LockTimeout:      cfg.LockTimeout,
		RetryAttempts:    cfg.RetryAttempts,
		RetryBaseBackoff: cfg.RetryBaseBackoff,
		RetryMaxBackoff:  cfg.RetryMaxBackoff,
	}
}

// Store is the balance store
type Store struct {
	db       *gorm.DB
	opts     Options
	log      *logrus.Entry
	postgres bool
}

func NewStore(db *gorm.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("ledger: nil database")
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseBackoff <= 0 {
		opts.RetryBaseBackoff = 10 * time.Millisecond
	}
	if opts.RetryMaxBackoff < opts.RetryBaseBackoff {
		opts.RetryMaxBackoff = opts.RetryBaseBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "ledger")
	}
	if err := installGuard(db); err != nil {
		return nil, fmt.Errorf("ledger: install write guard: %w", err)
	}
	return &Store{
		db:       db,
		opts:     opts,
		log:      opts.Logger,
		postgres: db.Dialector.Name() == "postgres",
	}, nil
}

// DB returns the handle for reads outside a unit of work.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transact runs fn inside one database transaction. Lock timeouts,
// deadlocks and serialization failures roll back and rerun fn from the
// start, so fn must not have side effects outside the Tx. After the final
// attempt such failures surface as ErrLockTimeout.
func (s *Store) Transact(ctx context.Context, fn func(*Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.RetryAttempts; attempt++ {
		tx := newTx(ctx)
		err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
			if s.postgres && s.opts.LockTimeout > 0 {
				stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.opts.LockTimeout.Milliseconds())
				if err := gtx.Exec(stmt).Error; err != nil {
					return err
				}
			}
			tx.bind(gtx)
			return fn(tx)
		})
		if err == nil {
			s.committed(ctx, tx)
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == s.opts.RetryAttempts {
			break
		}

		wait := s.backoff(attempt)
		s.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Debug("retrying unit of work")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrLockTimeout, s.opts.RetryAttempts, lastErr)
}

// backoff doubles per attempt up to the cap, with jitter in [d/2, d).
func (s *Store) backoff(attempt int) time.Duration {
	d := s.opts.RetryBaseBackoff << uint(attempt-1)
	if d <= 0 || d > s.opts.RetryMaxBackoff {
		d = s.opts.RetryMaxBackoff
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d-half)+1))
}

func (s *Store) committed(ctx context.Context, tx *Tx) {
	if len(tx.touched) == 0 {
		return
	}
	users := tx.touchedUsers()
	s.log.WithFields(logrus.Fields{
		"ref_kind": tx.ref.Kind,
		"ref_id":   tx.ref.ID,
		"users":    users,
	}).Debug("balances committed")
	bg := context.WithoutCancel(ctx)
	if s.opts.TotalsCache != nil {
		if err := s.opts.TotalsCache.DropAssetTotals(bg, tx.touchedAssets()...); err != nil {
			s.log.WithError(err).Warn("totals cache invalidation failed")
		}
	}
	if s.opts.Notifier != nil {
		s.opts.Notifier.BalancesCommitted(bg, tx.ref.Kind, tx.ref.ID, users)
	}
}

// Single-operation wrappers

func (s *Store) Reserve(ctx context.Context, ref Ref, userID uint, asset string, amount money.Amount) error {
	return s.Transact(ctx, func(tx *Tx) error { return tx.Reserve(ref, userID, asset, amount) })
}

func (s *Store) Release(ctx context.Context, ref Ref, userID uint, asset string, amount money.Amount) error {
	return s.Transact(ctx, func(tx *Tx) error { return tx.Release(ref, userID, asset, amount) })
}

func (s *Store) SettleLocked(ctx context.Context, ref Ref, userID uint, asset string, amount money.Amount) error {
	return s.Transact(ctx, func(tx *Tx) error { return tx.SettleLocked(ref, userID, asset, amount) })
}

func (s *Store) Credit(ctx context.Context, ref Ref, userID uint, asset string, amount money.Amount) error {
	return s.Transact(ctx, func(tx *Tx) error { return tx.Credit(ref, userID, asset, amount) })
}

func (s *Store) Debit(ctx context.Context, ref Ref, userID uint, asset string, amount money.Amount) error {
	return s.Transact(ctx, func(tx *Tx) error { return tx.Debit(ref, userID, asset, amount) })
}

func (s *Store) AtomicMultiMove(ctx context.Context, ref Ref, moves []Move) error {
	return s.Transact(ctx, func(tx *Tx) error { return tx.AtomicMultiMove(ref, moves) })
}

// Reads

// Balance returns the row for (userID, asset), zero valued if none exists.
func (s *Store) Balance(ctx context.Context, userID uint, asset string) (models.Balance, error) {
	asset = normAsset(asset)
	var b models.Balance
	err := s.db.WithContext(ctx).Where("user_id = ? AND asset = ?", userID, asset).Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Balance{UserID: userID, Asset: asset}, nil
	}
	if err != nil {
		return models.Balance{}, fmt.Errorf("load balance: %w", err)
	}
	return b, nil
}

// Balances returns every row of a user, ordered by asset.
func (s *Store) Balances(ctx context.Context, userID uint) ([]models.Balance, error) {
	if s.opts.Cache != nil {
		if cached, err := s.opts.Cache.GetUserBalances(ctx, userID); err == nil {
			return cached, nil
		}
	}

	var rows []models.Balance
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("asset").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}

	if s.opts.Cache != nil {
		if err := s.opts.Cache.CacheUserBalances(ctx, userID, rows); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("balance cache fill failed")
		}
	}
	return rows, nil
}

// Totals is the sum over all users of one asset.
type Totals struct {
	Asset     string       `json:"asset"`
	Available money.Amount `json:"available"`
	Locked    money.Amount `json:"locked"`
}

func (t Totals) Total() money.Amount { return t.Available + t.Locked }

// Totals sums available and locked across all users. Only deposits credit
// and withdrawal settlement change the result.
func (s *Store) Totals(ctx context.Context, asset string) (Totals, error) {
	asset = normAsset(asset)
	if s.opts.TotalsCache != nil {
		var cached Totals
		if err := s.opts.TotalsCache.GetAssetTotals(ctx, asset, &cached); err == nil {
			return cached, nil
		}
	}

	var rows []models.Balance
	if err := s.db.WithContext(ctx).Select("available", "locked").Where("asset = ?", asset).Find(&rows).Error; err != nil {
		return Totals{}, fmt.Errorf("sum balances: %w", err)
	}
	out := Totals{Asset: asset}
	for _, r := range rows {
		var err error
		if out.Available, err = out.Available.Add(r.Available); err != nil {
			return Totals{}, err
		}
		if out.Locked, err = out.Locked.Add(r.Locked); err != nil {
			return Totals{}, err
		}
	}

	if s.opts.TotalsCache != nil {
		if err := s.opts.TotalsCache.CacheAssetTotals(ctx, asset, out); err != nil {
			s.log.WithError(err).WithField("asset", asset).Warn("totals cache fill failed")
		}
	}
	return out, nil
}

// Entries returns the journal of one (user, asset), oldest first.
func (s *Store) Entries(ctx context.Context, userID uint, asset string) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND asset = ?", userID, normAsset(asset)).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	return rows, nil
}

// EntriesByRef returns the journal lines written for one reference.
func (s *Store) EntriesByRef(ctx context.Context, ref Ref) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("ref_kind = ? AND ref_id = ?", ref.Kind, ref.ID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	return rows, nil
}

func normAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func sortKeys(keys []rowKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].userID != keys[j].userID {
			return keys[i].userID < keys[j].userID
		}
		return keys[i].asset < keys[j].asset
	})
}
