package models

import (
	"time"

	"github.com/shopspring/decimal"

	"settlement-engine/pkg/money"
)

// Transfer represents a completed internal move between two users.
// Rows are written once, together with the balance moves they describe.
type Transfer struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	Reference  string          `gorm:"not null;size:64;uniqueIndex" json:"reference"`
	SenderID   uint            `gorm:"not null;index" json:"sender_id"`
	ReceiverID uint            `gorm:"not null;index" json:"receiver_id"`
	Asset      string          `gorm:"not null;size:16" json:"asset"`
	Amount     money.Amount    `gorm:"type:bigint;not null" json:"amount"`
	FeeRate    decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"fee_rate"`
	Fee        money.Amount    `gorm:"type:bigint;not null" json:"fee"`
	NetAmount  money.Amount    `gorm:"type:bigint;not null" json:"net_amount"`
	FeeSinkID  *uint           `json:"fee_sink_id,omitempty"` // nil when fees are burned
	CreatedAt  time.Time       `gorm:"index" json:"created_at"`
}

// Swap represents a completed same-user exchange against the swap desk
type Swap struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	Reference  string          `gorm:"not null;size:64;uniqueIndex" json:"reference"`
	UserID     uint            `gorm:"not null;index" json:"user_id"`
	DeskID     uint            `gorm:"not null" json:"desk_id"`
	FromAsset  string          `gorm:"not null;size:16" json:"from_asset"`
	ToAsset    string          `gorm:"not null;size:16" json:"to_asset"`
	FromAmount money.Amount    `gorm:"type:bigint;not null" json:"from_amount"`
	ToAmount   money.Amount    `gorm:"type:bigint;not null" json:"to_amount"`
	Rate       decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"rate"`
	CreatedAt  time.Time       `gorm:"index" json:"created_at"`
}

// TableName methods
func (Transfer) TableName() string { return "transfers" }
func (Swap) TableName() string     { return "swaps" }
