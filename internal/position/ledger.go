// Package position books leveraged positions: margin is locked on open and
// settled against the clearing account on close.
package position

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-engine/internal/ledger"
	"settlement-engine/pkg/config"
	"settlement-engine/pkg/models"
	"settlement-engine/pkg/money"
)

const RefKind = "position"

var (
	ErrNotFound           = errors.New("position not found")
	ErrInvalidLeverage    = errors.New("leverage out of range")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrInvalidSize        = errors.New("size must be positive")
	ErrInsufficientMargin = errors.New("margin below entry notional over leverage")
	ErrInvalidPosition    = errors.New("invalid position parameters")
	ErrUnknownAsset       = errors.New("unknown margin asset")
)

var errReferenceTaken = errors.New("reference inserted concurrently")

type OpenRequest struct {
	Reference   string              `json:"reference"`
	UserID      uint                `json:"user_id"`
	Symbol      string              `json:"symbol"`
	Side        models.PositionSide `json:"side"`
	Type        models.PositionType `json:"type"`
	MarginMode  models.MarginMode   `json:"margin_mode"`
	MarginAsset string              `json:"margin_asset"`
	MarginUsed  money.Amount        `json:"margin_used"`
	Leverage    int                 `json:"leverage"`
	EntryPrice  decimal.Decimal     `json:"entry_price"`
	Size        decimal.Decimal     `json:"size"`
}

// Ledger opens and closes positions
type Ledger struct {
	store       *ledger.Store
	assets      *config.Registry
	clearingID  uint
	maxLeverage int
	log         *logrus.Entry
}

func NewLedger(store *ledger.Store, assets *config.Registry, clearingID uint, maxLeverage int, log *logrus.Entry) (*Ledger, error) {
	if clearingID == 0 {
		return nil, errors.New("position: clearing account is required")
	}
	if maxLeverage < 1 {
		return nil, errors.New("position: max leverage must be >= 1")
	}
	if log == nil {
		log = logrus.WithField("component", "position")
	}
	return &Ledger{store: store, assets: assets, clearingID: clearingID, maxLeverage: maxLeverage, log: log}, nil
}

// RequiredMargin is floor(entry * size / leverage) in the margin asset's
// minor unit.
func RequiredMargin(entry, size decimal.Decimal, leverage int, scale int32) (money.Amount, error) {
	notional := entry.Mul(size)
	return money.FromDecimal(notional.Div(decimal.NewFromInt(int64(leverage))), scale)
}

// PnL is (exit - entry) * size for longs and the negation for shorts,
// floored to the margin asset's minor unit.
func PnL(side models.PositionSide, entry, exit, size decimal.Decimal, scale int32) (money.Amount, error) {
	diff := exit.Sub(entry)
	if side == models.PositionSideShort {
		diff = diff.Neg()
	}
	return money.FromDecimal(diff.Mul(size), scale)
}

// Open validates the request, locks the margin and records the position in
// one transaction.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (models.Position, error) {
	if req.Type == "" {
		req.Type = models.PositionTypeMarket
	}
	if req.MarginMode == "" {
		req.MarginMode = models.MarginModeIsolated
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" || !req.Side.Valid() || !req.Type.Valid() || !req.MarginMode.Valid() {
		return models.Position{}, ErrInvalidPosition
	}
	if req.Leverage < 1 || req.Leverage > l.maxLeverage {
		return models.Position{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidLeverage, req.Leverage, l.maxLeverage)
	}
	if !req.EntryPrice.IsPositive() {
		return models.Position{}, ErrInvalidPrice
	}
	if !req.Size.IsPositive() {
		return models.Position{}, ErrInvalidSize
	}
	if !req.MarginUsed.IsPositive() {
		return models.Position{}, ledger.ErrInvalidAmount
	}
	spec, ok := l.assets.Asset(req.MarginAsset)
	if !ok {
		return models.Position{}, fmt.Errorf("%w: %s", ErrUnknownAsset, req.MarginAsset)
	}
	required, err := RequiredMargin(req.EntryPrice, req.Size, req.Leverage, spec.Scale)
	if err != nil {
		return models.Position{}, err
	}
	if req.MarginUsed < required {
		return models.Position{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientMargin, req.MarginUsed.Format(spec.Scale), required.Format(spec.Scale))
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = "pos_" + xid.New().String()
	}

	var out models.Position
	err = l.store.Transact(ctx, func(tx *ledger.Tx) error {
		db := tx.Records()

		var existing models.Position
		err := db.Where("reference = ?", reference).Take(&existing).Error
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load position: %w", err)
		}

		if err := tx.Reserve(ledger.Ref{Kind: RefKind, ID: reference}, req.UserID, spec.Symbol, req.MarginUsed); err != nil {
			return err
		}
		row := models.Position{
			Reference:   reference,
			UserID:      req.UserID,
			Symbol:      symbol,
			Side:        req.Side,
			Type:        req.Type,
			MarginMode:  req.MarginMode,
			MarginAsset: spec.Symbol,
			EntryPrice:  req.EntryPrice,
			Size:        req.Size,
			MarginUsed:  req.MarginUsed,
			Leverage:    req.Leverage,
			Status:      models.PositionStatusOpen,
		}
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("insert position: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errReferenceTaken
		}
		out = row
		return nil
	})
	if errors.Is(err, errReferenceTaken) {
		out, err = l.GetByReference(ctx, reference)
	}
	if err != nil {
		return models.Position{}, err
	}
	if out.UserID != req.UserID {
		return models.Position{}, fmt.Errorf("%w: reference %s", ledger.ErrAlreadyExists, reference)
	}

	l.log.WithFields(logrus.Fields{
		"position_id": out.ID,
		"user_id":     out.UserID,
		"symbol":      out.Symbol,
		"side":        out.Side,
		"margin":      out.MarginUsed.Format(spec.Scale),
		"leverage":    out.Leverage,
	}).Info("position opened")
	return out, nil
}

// Close settles an open position at exitPrice. A loss that exceeds the
// margin liquidates the position: the whole margin goes to clearing and
// the user's available balance is left alone.
func (l *Ledger) Close(ctx context.Context, id uint, exitPrice decimal.Decimal) (models.Position, error) {
	if !exitPrice.IsPositive() {
		return models.Position{}, ErrInvalidPrice
	}

	var out models.Position
	err := l.store.Transact(ctx, func(tx *ledger.Tx) error {
		db := tx.Records()
		var row models.Position
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("lock position: %w", err)
		}
		if row.Status != models.PositionStatusOpen {
			return row.Status.Transition(models.PositionStatusClosed)
		}

		scale, err := l.assets.Scale(row.MarginAsset)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownAsset, err)
		}
		pnl, err := PnL(row.Side, row.EntryPrice, exitPrice, row.Size, scale)
		if err != nil {
			return err
		}

		margin := row.MarginUsed
		asset := row.MarginAsset
		ref := ledger.Ref{Kind: RefKind, ID: row.Reference}
		status := models.PositionStatusClosed
		realized := pnl

		moves := []ledger.Move{{UserID: row.UserID, Asset: asset, Delta: margin.Neg(), Bucket: models.BucketLocked}}
		if pnl >= margin.Neg() {
			payout := margin + pnl
			if payout.IsPositive() {
				moves = append(moves, ledger.Move{UserID: row.UserID, Asset: asset, Delta: payout, Bucket: models.BucketAvailable})
			}
			if !pnl.IsZero() {
				moves = append(moves, ledger.Move{UserID: l.clearingID, Asset: asset, Delta: pnl.Neg(), Bucket: models.BucketAvailable})
			}
		} else {
			status = models.PositionStatusLiquidated
			realized = margin.Neg()
			moves = append(moves, ledger.Move{UserID: l.clearingID, Asset: asset, Delta: margin, Bucket: models.BucketAvailable})
		}
		if err := row.Status.Transition(status); err != nil {
			return err
		}
		if err := tx.AtomicMultiMove(ref, moves); err != nil {
			return err
		}

		now := time.Now().UTC()
		res := db.Model(&models.Position{}).
			Where("id = ? AND status = ?", row.ID, models.PositionStatusOpen).
			Updates(map[string]interface{}{
				"status":       status,
				"exit_price":   exitPrice,
				"realized_pnl": realized,
				"closed_at":    now,
			})
		if res.Error != nil {
			return fmt.Errorf("close position: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: position %d", models.ErrInvalidTransition, row.ID)
		}

		row.Status = status
		row.ExitPrice = decimal.NewNullDecimal(exitPrice)
		row.RealizedPnL = realized
		row.ClosedAt = &now
		out = row
		return nil
	})
	if err != nil {
		return models.Position{}, err
	}

	entry := l.log.WithFields(logrus.Fields{
		"position_id": out.ID,
		"user_id":     out.UserID,
		"exit_price":  exitPrice.String(),
		"pnl":         out.RealizedPnL,
	})
	if out.Status == models.PositionStatusLiquidated {
		entry.Warn("position liquidated")
	} else {
		entry.Info("position closed")
	}
	return out, nil
}

func (l *Ledger) Get(ctx context.Context, id uint) (models.Position, error) {
	var row models.Position
	err := l.store.DB().WithContext(ctx).Take(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Position{}, ErrNotFound
	}
	return row, err
}

func (l *Ledger) GetByReference(ctx context.Context, reference string) (models.Position, error) {
	var row models.Position
	err := l.store.DB().WithContext(ctx).Where("reference = ?", reference).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Position{}, ErrNotFound
	}
	return row, err
}

// List returns a user's positions, optionally filtered by status.
func (l *Ledger) List(ctx context.Context, userID uint, status models.PositionStatus) ([]models.Position, error) {
	q := l.store.DB().WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []models.Position
	err := q.Order("id DESC").Find(&rows).Error
	return rows, err
}
