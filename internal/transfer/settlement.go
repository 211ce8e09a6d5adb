// Package transfer settles internal moves between two users, optionally
// charging a fee to the house fee account.
package transfer

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
	"settlement-engine/pkg/models"
	"settlement-engine/pkg/money"
)

const RefKind = "transfer"

var (
	ErrSelfTransfer    = errors.New("sender and receiver must differ")
	ErrInvalidFeeRate  = errors.New("fee rate must be in [0, 1)")
	ErrUnknownReceiver = errors.New("receiver does not exist")
	ErrFeeConsumesAll  = errors.New("fee leaves nothing for the receiver")
	ErrNotFound        = errors.New("transfer not found")
)

var errReferenceTaken = errors.New("reference inserted concurrently")

// FeePolicy says where transfer fees go. Exactly one of SinkUserID and Burn
// must be set.
type FeePolicy struct {
	SinkUserID uint
	Burn       bool
}

func (p FeePolicy) validate() error {
	if p.Burn == (p.SinkUserID != 0) {
		return errors.New("transfer: fee policy needs exactly one of a sink account or burn")
	}
	return nil
}

type Request struct {
	Reference  string          `json:"reference"`
	SenderID   uint            `json:"sender_id"`
	ReceiverID uint            `json:"receiver_id"`
	Asset      string          `json:"asset"`
	Amount     money.Amount    `json:"amount"`
	FeeRate    decimal.Decimal `json:"fee_rate"`
}

// Settlement executes transfers
type Settlement struct {
	store *ledger.Store
	fees  FeePolicy
	log   *logrus.Entry
}

func NewSettlement(store *ledger.Store, fees FeePolicy, log *logrus.Entry) (*Settlement, error) {
	if err := fees.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.WithField("component", "transfer")
	}
	return &Settlement{store: store, fees: fees, log: log}, nil
}

// Quote returns the fee and the amount the receiver gets. The fee is
// rounded down in the asset's minor unit.
func Quote(amount money.Amount, feeRate decimal.Decimal) (fee, net money.Amount, err error) {
	if !amount.IsPositive() {
		return 0, 0, ledger.ErrInvalidAmount
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return 0, 0, ErrInvalidFeeRate
	}
	fee, err = amount.MulRate(feeRate, 0, 0)
	if err != nil {
		return 0, 0, err
	}
	net, err = amount.Sub(fee)
	if err != nil {
		return 0, 0, err
	}
	if !net.IsPositive() {
		return 0, 0, ErrFeeConsumesAll
	}
	return fee, net, nil
}

// Execute debits the sender, credits the receiver with the net amount and
// the fee sink with the fee, and records the transfer, all in one
// transaction. A Reference seen before returns the stored transfer and
// moves nothing.
func (s *Settlement) Execute(ctx context.Context, req Request) (models.Transfer, error) {
	if req.SenderID == req.ReceiverID {
		return models.Transfer{}, ErrSelfTransfer
	}
	fee, net, err := Quote(req.Amount, req.FeeRate)
	if err != nil {
		return models.Transfer{}, err
	}
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if asset == "" {
		return models.Transfer{}, fmt.Errorf("asset is required")
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = "tr_" + xid.New().String()
	}

	var (
		out      models.Transfer
		replayed bool
	)
	err = s.store.Transact(ctx, func(tx *ledger.Tx) error {
		replayed = false
		db := tx.Records()

		var existing models.Transfer
		err := db.Where("reference = ?", reference).Take(&existing).Error
		if err == nil {
			out = existing
			replayed = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load transfer: %w", err)
		}

		var receivers int64
		if err := db.Model(&models.User{}).Where("id = ?", req.ReceiverID).Count(&receivers).Error; err != nil {
			return fmt.Errorf("check receiver: %w", err)
		}
		if receivers == 0 {
			return fmt.Errorf("%w: %d", ErrUnknownReceiver, req.ReceiverID)
		}

		moves := []ledger.Move{
			{UserID: req.SenderID, Asset: asset, Delta: req.Amount.Neg(), Bucket: models.BucketAvailable},
			{UserID: req.ReceiverID, Asset: asset, Delta: net, Bucket: models.BucketAvailable},
		}
		var sink *uint
		if fee.IsPositive() && !s.fees.Burn {
			id := s.fees.SinkUserID
			sink = &id
			moves = append(moves, ledger.Move{UserID: id, Asset: asset, Delta: fee, Bucket: models.BucketAvailable})
		}
		if err := tx.AtomicMultiMove(ledger.Ref{Kind: RefKind, ID: reference}, moves); err != nil {
			return err
		}

		row := models.Transfer{
			Reference:  reference,
			SenderID:   req.SenderID,
			ReceiverID: req.ReceiverID,
			Asset:      asset,
			Amount:     req.Amount,
			FeeRate:    req.FeeRate,
			Fee:        fee,
			NetAmount:  net,
			FeeSinkID:  sink,
		}
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("insert transfer: %w", res.Error)
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
		return models.Transfer{}, err
	}
	if out.SenderID != req.SenderID || out.ReceiverID != req.ReceiverID {
		return models.Transfer{}, fmt.Errorf("%w: reference %s", ledger.ErrAlreadyExists, reference)
	}

	log := s.log.WithFields(logrus.Fields{
		"reference": out.Reference,
		"sender":    out.SenderID,
		"receiver":  out.ReceiverID,
		"asset":     out.Asset,
		"amount":    out.Amount,
		"fee":       out.Fee,
	})
	if replayed {
		log.Info("transfer replayed")
	} else {
		log.Info("transfer settled")
	}
	return out, nil
}

func (s *Settlement) Get(ctx context.Context, reference string) (models.Transfer, error) {
	var row models.Transfer
	err := s.store.DB().WithContext(ctx).Where("reference = ?", reference).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Transfer{}, ErrNotFound
	}
	return row, err
}
