package models

import (
	"time"

	"github.com/shopspring/decimal"

	"settlement-engine/pkg/money"
)

// Position represents leveraged exposure backed by locked margin
type Position struct {
	ID          uint                `gorm:"primaryKey" json:"id"`
	Reference   string              `gorm:"not null;size:64;uniqueIndex" json:"reference"`
	UserID      uint                `gorm:"not null;index" json:"user_id"`
	Symbol      string              `gorm:"not null;size:32" json:"symbol"`
	Side        PositionSide        `gorm:"not null;size:8" json:"side"`
	Type        PositionType        `gorm:"not null;size:16" json:"type"`
	MarginMode  MarginMode          `gorm:"not null;size:16" json:"margin_mode"`
	MarginAsset string              `gorm:"not null;size:16" json:"margin_asset"`
	EntryPrice  decimal.Decimal     `gorm:"type:decimal(36,18);not null" json:"entry_price"`
	Size        decimal.Decimal     `gorm:"type:decimal(36,18);not null" json:"size"`
	MarginUsed  money.Amount        `gorm:"type:bigint;not null" json:"margin_used"`
	Leverage    int                 `gorm:"not null" json:"leverage"`
	Status      PositionStatus      `gorm:"not null;size:16;default:'open';index" json:"status"`
	ExitPrice   decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"exit_price"`
	RealizedPnL money.Amount        `gorm:"type:bigint;not null;default:0" json:"realized_pnl"`
	ClosedAt    *time.Time          `json:"closed_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Notional is entry price times size, in quote units.
func (p Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Size)
}

// TableName methods
func (Position) TableName() string { return "positions" }
