// Package swap settles same-user conversions between two assets against
// the house swap desk.
package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

const RefKind = "swap"

var (
	ErrSameAsset       = errors.New("from and to asset must differ")
	ErrInvalidRate     = errors.New("rate must be positive")
	ErrDeskSelfSwap    = errors.New("the swap desk cannot swap with itself")
	ErrZeroOutput      = errors.New("swap yields zero of the target asset")
	ErrUnknownAsset    = errors.New("unknown asset")
	ErrNotFound        = errors.New("swap not found")
	ErrRateUnavailable = errors.New("no rate for pair")
)

var errReferenceTaken = errors.New("reference inserted concurrently")

// RateSource quotes how many major units of to one major unit of from buys.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

type Request struct {
	Reference  string          `json:"reference"`
	UserID     uint            `json:"user_id"`
	FromAsset  string          `json:"from_asset"`
	ToAsset    string          `json:"to_asset"`
	FromAmount money.Amount    `json:"from_amount"`
	Rate       decimal.Decimal `json:"rate"`
}

// Settlement executes swaps against the desk account
type Settlement struct {
	store  *ledger.Store
	assets *config.Registry
	deskID uint
	log    *logrus.Entry
}

func NewSettlement(store *ledger.Store, assets *config.Registry, deskID uint, log *logrus.Entry) (*Settlement, error) {
	if deskID == 0 {
		return nil, errors.New("swap: desk account is required")
	}
	if log == nil {
		log = logrus.WithField("component", "swap")
	}
	return &Settlement{store: store, assets: assets, deskID: deskID, log: log}, nil
}

// Quote converts fromAmount at rate, rounding down in the target asset.
func (s *Settlement) Quote(fromAsset, toAsset string, fromAmount money.Amount, rate decimal.Decimal) (money.Amount, error) {
	from, ok := s.assets.Asset(fromAsset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, fromAsset)
	}
	to, ok := s.assets.Asset(toAsset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, toAsset)
	}
	if from.Symbol == to.Symbol {
		return 0, ErrSameAsset
	}
	if !fromAmount.IsPositive() {
		return 0, ledger.ErrInvalidAmount
	}
	if !rate.IsPositive() {
		return 0, ErrInvalidRate
	}
	out, err := fromAmount.MulRate(rate, from.Scale, to.Scale)
	if err != nil {
		return 0, err
	}
	if out.IsZero() {
		return 0, ErrZeroOutput
	}
	return out, nil
}

// Execute moves fromAmount from the user to the desk and the converted
// amount from the desk to the user in one transaction.
func (s *Settlement) Execute(ctx context.Context, req Request) (models.Swap, error) {
	if req.UserID == s.deskID {
		return models.Swap{}, ErrDeskSelfSwap
	}
	toAmount, err := s.Quote(req.FromAsset, req.ToAsset, req.FromAmount, req.Rate)
	if err != nil {
		return models.Swap{}, err
	}
	fromAsset := strings.ToUpper(strings.TrimSpace(req.FromAsset))
	toAsset := strings.ToUpper(strings.TrimSpace(req.ToAsset))
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = "sw_" + xid.New().String()
	}

	var (
		out      models.Swap
		replayed bool
	)
	err = s.store.Transact(ctx, func(tx *ledger.Tx) error {
		replayed = false
		db := tx.Records()

		var existing models.Swap
		err := db.Where("reference = ?", reference).Take(&existing).Error
		if err == nil {
			out = existing
			replayed = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load swap: %w", err)
		}

		err = tx.AtomicMultiMove(ledger.Ref{Kind: RefKind, ID: reference}, []ledger.Move{
			{UserID: req.UserID, Asset: fromAsset, Delta: req.FromAmount.Neg(), Bucket: models.BucketAvailable},
			{UserID: s.deskID, Asset: fromAsset, Delta: req.FromAmount, Bucket: models.BucketAvailable},
			{UserID: s.deskID, Asset: toAsset, Delta: toAmount.Neg(), Bucket: models.BucketAvailable},
			{UserID: req.UserID, Asset: toAsset, Delta: toAmount, Bucket: models.BucketAvailable},
		})
		if err != nil {
			return err
		}

		row := models.Swap{
			Reference:  reference,
			UserID:     req.UserID,
			DeskID:     s.deskID,
			FromAsset:  fromAsset,
			ToAsset:    toAsset,
			FromAmount: req.FromAmount,
			ToAmount:   toAmount,
			Rate:       req.Rate,
		}
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("insert swap: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errReferenceTaken
		}
		out = row
		return nil
	})
	if errors.Is(err, errReferenceTaken) {
		out, err = s.Get(ctx, reference)
		replayed = true
	}
	if err != nil {
		return models.Swap{}, err
	}
	if out.UserID != req.UserID {
		return models.Swap{}, fmt.Errorf("%w: reference %s", ledger.ErrAlreadyExists, reference)
	}

	msg := "swap settled"
	if replayed {
		msg = "swap replayed"
	}
	s.log.WithFields(logrus.Fields{
		"reference":   out.Reference,
		"user_id":     out.UserID,
		"from_asset":  out.FromAsset,
		"from_amount": out.FromAmount,
		"to_asset":    out.ToAsset,
		"to_amount":   out.ToAmount,
	}).Info(msg)
	return out, nil
}

// ExecuteAtMarket fetches the rate from src, then executes.
func (s *Settlement) ExecuteAtMarket(ctx context.Context, src RateSource, req Request) (models.Swap, error) {
	rate, err := src.Rate(ctx, req.FromAsset, req.ToAsset)
	if err != nil {
		return models.Swap{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	req.Rate = rate
	return s.Execute(ctx, req)
}

func (s *Settlement) Get(ctx context.Context, reference string) (models.Swap, error) {
	var row models.Swap
	err := s.store.DB().WithContext(ctx).Where("reference = ?", reference).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Swap{}, ErrNotFound
	}
	return row, err
}

// StaticRates is a fixed rate table keyed "FROM/TO".
type StaticRates map[string]decimal.Decimal

func (r StaticRates) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	key := strings.ToUpper(from) + "/" + strings.ToUpper(to)
	rate, ok := r[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate for %s", key)
	}
	return rate, nil
}
