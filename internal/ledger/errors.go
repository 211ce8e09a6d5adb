package ledger

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient available balance")
	ErrInsufficientLocked = errors.New("insufficient locked balance")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrLockTimeout        = errors.New("lock wait timeout")
	ErrAlreadyExists      = errors.New("record already exists")
	ErrDirectBalanceWrite = errors.New("balances may only be written by the ledger")
)

// postgres SQLSTATE codes
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
)

// IsRetryable reports whether err is a lock timeout, deadlock or
// serialization failure that a fresh attempt may get past.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errStaleVersion) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// IsUniqueViolation reports whether err is a unique index clash.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrAlreadyExists) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
