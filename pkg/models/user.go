package models

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"settlement-engine/pkg/money"
)

// UserKind separates customers from the house accounts that absorb fees,
// take the other side of swaps and clear position PnL.
type UserKind string

const (
	UserKindCustomer UserKind = "customer"
	UserKindHouse    UserKind = "house"
)

// User represents a user in the system
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"unique;not null" json:"email"`
	Username  string    `gorm:"unique;not null" json:"username"`
	Kind      UserKind  `gorm:"not null;default:'customer'" json:"kind"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Balance represents user's asset balances in minor units
type Balance struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	UserID    uint         `gorm:"not null;uniqueIndex:idx_balances_user_asset,priority:1" json:"user_id"`
	Asset     string       `gorm:"not null;size:16;uniqueIndex:idx_balances_user_asset,priority:2" json:"asset"`
	Available money.Amount `gorm:"type:bigint;not null;default:0" json:"available"`
	Locked    money.Amount `gorm:"type:bigint;not null;default:0" json:"locked"`
	Version   int64        `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

var ErrNegativeBalance = errors.New("balance buckets must not be negative")

// Total is available plus locked.
func (b Balance) Total() money.Amount {
	return b.Available + b.Locked
}

// BeforeCreate hook for Balance
func (b *Balance) BeforeCreate(tx *gorm.DB) error {
	if b.Available.IsNegative() || b.Locked.IsNegative() {
		return ErrNegativeBalance
	}
	return nil
}

// Bucket names one side of a balance row
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketLocked    Bucket = "locked"
)

// LedgerEntry is one immutable journal line. Summing Delta per
// (user, asset, bucket) reproduces the balance bucket.
type LedgerEntry struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	UserID       uint         `gorm:"not null;index:idx_entries_user_asset,priority:1" json:"user_id"`
	Asset        string       `gorm:"not null;size:16;index:idx_entries_user_asset,priority:2" json:"asset"`
	Bucket       Bucket       `gorm:"not null;size:16" json:"bucket"`
	Delta        money.Amount `gorm:"type:bigint;not null" json:"delta"`
	BalanceAfter money.Amount `gorm:"type:bigint;not null" json:"balance_after"`
	RefKind      string       `gorm:"not null;size:32;index:idx_entries_ref,priority:1" json:"ref_kind"`
	RefID        string       `gorm:"not null;size:128;index:idx_entries_ref,priority:2" json:"ref_id"`
	CreatedAt    time.Time    `gorm:"index" json:"created_at"`
}

// TableName methods
func (User) TableName() string        { return "users" }
func (Balance) TableName() string     { return "balances" }
func (LedgerEntry) TableName() string { return "ledger_entries" }
