package models

import (
	"time"

	"settlement-engine/pkg/money"
)

// DepositAddress maps an on-chain receive address to its owner
type DepositAddress struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Asset     string    `gorm:"not null;size:16" json:"asset"`
	Network   string    `gorm:"not null;size:32;uniqueIndex:idx_deposit_addr,priority:1" json:"network"`
	Address   string    `gorm:"not null;size:128;uniqueIndex:idx_deposit_addr,priority:2" json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// Deposit represents an inbound chain transfer, one row per transaction hash
type Deposit struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	TxHash        string        `gorm:"not null;size:128;uniqueIndex" json:"tx_hash"`
	UserID        uint          `gorm:"not null;index" json:"user_id"`
	Asset         string        `gorm:"not null;size:16" json:"asset"`
	Network       string        `gorm:"not null;size:32" json:"network"`
	Address       string        `gorm:"not null;size:128" json:"address"`
	Amount        money.Amount  `gorm:"type:bigint;not null" json:"amount"`
	Confirmations int           `gorm:"not null;default:0" json:"confirmations"`
	Status        DepositStatus `gorm:"not null;size:16;default:'PENDING';index" json:"status"`
	FailureReason string        `gorm:"size:255" json:"failure_reason,omitempty"`
	CreditedAt    *time.Time    `json:"credited_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Withdrawal represents an outbound request. Funds are locked while the
// status is RESERVED or BROADCAST.
type Withdrawal struct {
	ID            uint             `gorm:"primaryKey" json:"id"`
	Reference     string           `gorm:"not null;size:64;uniqueIndex" json:"reference"`
	UserID        uint             `gorm:"not null;index" json:"user_id"`
	Asset         string           `gorm:"not null;size:16" json:"asset"`
	Network       string           `gorm:"not null;size:32" json:"network"`
	Amount        money.Amount     `gorm:"type:bigint;not null" json:"amount"`
	ToAddress     string           `gorm:"not null;size:128" json:"to_address"`
	TxHash        *string          `gorm:"size:128;uniqueIndex" json:"tx_hash,omitempty"`
	Status        WithdrawalStatus `gorm:"not null;size:16;index:idx_withdrawals_status_attempt,priority:1" json:"status"`
	Attempts      int              `gorm:"not null;default:0" json:"attempts"`
	LastAttemptAt time.Time        `gorm:"not null;index:idx_withdrawals_status_attempt,priority:2" json:"last_attempt_at"`
	FailureReason string           `gorm:"size:255" json:"failure_reason,omitempty"`
	BroadcastAt   *time.Time       `json:"broadcast_at,omitempty"`
	ConfirmedAt   *time.Time       `json:"confirmed_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// TableName methods
func (DepositAddress) TableName() string { return "deposit_addresses" }
func (Deposit) TableName() string        { return "deposits" }
func (Withdrawal) TableName() string     { return "withdrawals" }
