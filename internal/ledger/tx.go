package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-engine/pkg/models"
	"settlement-engine/pkg/money"
)

// Ref tags journal lines with the operation that wrote them.
type Ref struct {
	Kind string
	ID   string
}

func (r Ref) String() string { return r.Kind + ":" + r.ID }

// Move is one signed change to one bucket of one balance row.
type Move struct {
	UserID uint
	Asset  string
	Delta  money.Amount
	Bucket models.Bucket
}

// errStaleVersion means a row changed between lock and write. Only
// possible on drivers without row locks; the unit of work is retried.
var errStaleVersion = errors.New("balance row version changed")

// Tx is a unit of work opened by Store.Transact. It is not safe for
// concurrent use and must not escape the callback.
type Tx struct {
	ctx     context.Context
	db      *gorm.DB
	ledger  *gorm.DB
	ref     Ref
	touched map[uint]struct{}
	assets  map[string]struct{}
}

func newTx(ctx context.Context) *Tx {
	return &Tx{ctx: ctx, touched: map[uint]struct{}{}, assets: map[string]struct{}{}}
}

func (t *Tx) bind(gtx *gorm.DB) {
	t.db = gtx.WithContext(t.ctx)
	t.ledger = gtx.WithContext(ledgerContext(t.ctx))
}

// Context returns the context the unit of work runs under.
func (t *Tx) Context() context.Context { return t.ctx }

// Records returns the transaction handle for non-balance rows (deposits,
// withdrawals, transfers). Writes to balances through it are rejected.
func (t *Tx) Records() *gorm.DB { return t.db }

func (t *Tx) touch(ref Ref, userID uint, asset string) {
	if t.ref == (Ref{}) {
		t.ref = ref
	}
	t.touched[userID] = struct{}{}
	t.assets[asset] = struct{}{}
}

func (t *Tx) touchedAssets() []string {
	out := make([]string, 0, len(t.assets))
	for a := range t.assets {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (t *Tx) touchedUsers() []uint {
	out := make([]uint, 0, len(t.touched))
	for id := range t.touched {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetOrCreate returns the (userID, asset) row, creating it at zero, with a
// row lock held until the unit of work ends.
func (t *Tx) GetOrCreate(userID uint, asset string) (*models.Balance, error) {
	asset = normAsset(asset)
	if asset == "" {
		return nil, fmt.Errorf("ledger: empty asset")
	}

	row := models.Balance{UserID: userID, Asset: asset}
	err := t.ledger.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "asset"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("create balance row: %w", err)
	}

	var locked models.Balance
	err = t.ledger.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND asset = ?", userID, asset).
		Take(&locked).Error
	if err != nil {
		return nil, fmt.Errorf("lock balance row: %w", err)
	}
	return &locked, nil
}

// Reserve moves amount from available to locked.
func (t *Tx) Reserve(ref Ref, userID uint, asset string, amount money.Amount) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return t.apply(ref, []Move{
		{UserID: userID, Asset: asset, Delta: amount.Neg(), Bucket: models.BucketAvailable},
		{UserID: userID, Asset: asset, Delta: amount, Bucket: models.BucketLocked},
	})
}

// Release moves amount from locked back to available.
func (t *Tx) Release(ref Ref, userID uint, asset string, amount money.Amount) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return t.apply(ref, []Move{
		{UserID: userID, Asset: asset, Delta: amount.Neg(), Bucket: models.BucketLocked},
		{UserID: userID, Asset: asset, Delta: amount, Bucket: models.BucketAvailable},
	})
}

// SettleLocked removes amount from locked; the funds leave the ledger.
func (t *Tx) SettleLocked(ref Ref, userID uint, asset string, amount money.Amount) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return t.apply(ref, []Move{
		{UserID: userID, Asset: asset, Delta: amount.Neg(), Bucket: models.BucketLocked},
	})
}

func (t *Tx) Credit(ref Ref, userID uint, asset string, amount money.Amount) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return t.apply(ref, []Move{
		{UserID: userID, Asset: asset, Delta: amount, Bucket: models.BucketAvailable},
	})
}

func (t *Tx) Debit(ref Ref, userID uint, asset string, amount money.Amount) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return t.apply(ref, []Move{
		{UserID: userID, Asset: asset, Delta: amount.Neg(), Bucket: models.BucketAvailable},
	})
}

// AtomicMultiMove applies every move or none. Rows are locked in ascending
// (user, asset) order before any is written.
func (t *Tx) AtomicMultiMove(ref Ref, moves []Move) error {
	if len(moves) == 0 {
		return ErrInvalidAmount
	}
	for _, m := range moves {
		if m.Delta.IsZero() {
			return ErrInvalidAmount
		}
	}
	return t.apply(ref, moves)
}

type rowKey struct {
	userID uint
	asset  string
}

type rowDelta struct {
	available money.Amount
	locked    money.Amount
}

func (t *Tx) apply(ref Ref, moves []Move) error {
	if ref.Kind == "" || ref.ID == "" {
		return fmt.Errorf("ledger: move without reference")
	}

	deltas := make(map[rowKey]*rowDelta, len(moves))
	keys := make([]rowKey, 0, len(moves))
	for _, m := range moves {
		k := rowKey{userID: m.UserID, asset: normAsset(m.Asset)}
		d, ok := deltas[k]
		if !ok {
			d = &rowDelta{}
			deltas[k] = d
			keys = append(keys, k)
		}
		var err error
		switch m.Bucket {
		case models.BucketAvailable:
			d.available, err = d.available.Add(m.Delta)
		case models.BucketLocked:
			d.locked, err = d.locked.Add(m.Delta)
		default:
			return fmt.Errorf("ledger: unknown bucket %q", m.Bucket)
		}
		if err != nil {
			return err
		}
	}
	sortKeys(keys)

	rows := make([]*models.Balance, len(keys))
	for i, k := range keys {
		row, err := t.GetOrCreate(k.userID, k.asset)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	next := make([]models.Balance, len(keys))
	for i, k := range keys {
		d := deltas[k]
		avail, err := rows[i].Available.Add(d.available)
		if err != nil {
			return err
		}
		locked, err := rows[i].Locked.Add(d.locked)
		if err != nil {
			return err
		}
		if avail.IsNegative() {
			return fmt.Errorf("%w: user %d %s available %d, change %d", ErrInsufficientFunds, k.userID, k.asset, rows[i].Available, d.available)
		}
		if locked.IsNegative() {
			return fmt.Errorf("%w: user %d %s locked %d, change %d", ErrInsufficientLocked, k.userID, k.asset, rows[i].Locked, d.locked)
		}
		next[i] = models.Balance{Available: avail, Locked: locked}
	}

	now := time.Now().UTC()
	for i, k := range keys {
		d := deltas[k]
		if d.available.IsZero() && d.locked.IsZero() {
			continue
		}
		res := t.ledger.Model(&models.Balance{}).
			Where("id = ? AND version = ?", rows[i].ID, rows[i].Version).
			Updates(map[string]interface{}{
				"available":  next[i].Available,
				"locked":     next[i].Locked,
				"version":    rows[i].Version + 1,
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("write balance: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return errStaleVersion
		}

		if err := t.journal(ref, k, d, next[i], now); err != nil {
			return err
		}
		t.touch(ref, k.userID, k.asset)
	}
	return nil
}

func (t *Tx) journal(ref Ref, k rowKey, d *rowDelta, after models.Balance, now time.Time) error {
	entries := make([]models.LedgerEntry, 0, 2)
	if !d.available.IsZero() {
		entries = append(entries, models.LedgerEntry{
			UserID: k.userID, Asset: k.asset, Bucket: models.BucketAvailable,
			Delta: d.available, BalanceAfter: after.Available,
			RefKind: ref.Kind, RefID: ref.ID, CreatedAt: now,
		})
	}
	if !d.locked.IsZero() {
		entries = append(entries, models.LedgerEntry{
			UserID: k.userID, Asset: k.asset, Bucket: models.BucketLocked,
			Delta: d.locked, BalanceAfter: after.Locked,
			RefKind: ref.Kind, RefID: ref.ID, CreatedAt: now,
		})
	}
	if err := t.ledger.Create(&entries).Error; err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}
