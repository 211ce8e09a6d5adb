package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for any status change not listed in the
// transition tables below.
var ErrInvalidTransition = errors.New("invalid status transition")

// DepositStatus represents the lifecycle of an inbound chain transfer
type DepositStatus string

const (
	DepositStatusPending   DepositStatus = "PENDING"   // seen, 0 confirmations
	DepositStatusConfirmed DepositStatus = "CONFIRMED" // in a block, below threshold
	DepositStatusCredited  DepositStatus = "CREDITED"
	DepositStatusFailed    DepositStatus = "FAILED"
)

var depositTransitions = map[DepositStatus][]DepositStatus{
	DepositStatusPending:   {DepositStatusConfirmed, DepositStatusCredited, DepositStatusFailed},
	DepositStatusConfirmed: {DepositStatusCredited, DepositStatusFailed},
}

func (s DepositStatus) CanTransition(to DepositStatus) bool {
	return contains(depositTransitions[s], to)
}

func (s DepositStatus) Transition(to DepositStatus) error {
	if !s.CanTransition(to) {
		return fmt.Errorf("%w: deposit %s -> %s", ErrInvalidTransition, s, to)
	}
	return nil
}

func (s DepositStatus) IsTerminal() bool {
	return s == DepositStatusCredited || s == DepositStatusFailed
}

// WithdrawalStatus represents the lifecycle of an outbound request
type WithdrawalStatus string

const (
	WithdrawalStatusRequested WithdrawalStatus = "REQUESTED"
	WithdrawalStatusReserved  WithdrawalStatus = "RESERVED"
	WithdrawalStatusBroadcast WithdrawalStatus = "BROADCAST"
	WithdrawalStatusConfirmed WithdrawalStatus = "CONFIRMED"
	WithdrawalStatusFailed    WithdrawalStatus = "FAILED"
)

var withdrawalTransitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalStatusRequested: {WithdrawalStatusReserved, WithdrawalStatusFailed},
	WithdrawalStatusReserved:  {WithdrawalStatusBroadcast, WithdrawalStatusFailed},
	WithdrawalStatusBroadcast: {WithdrawalStatusConfirmed, WithdrawalStatusFailed},
}

func (s WithdrawalStatus) CanTransition(to WithdrawalStatus) bool {
	return contains(withdrawalTransitions[s], to)
}

func (s WithdrawalStatus) Transition(to WithdrawalStatus) error {
	if !s.CanTransition(to) {
		return fmt.Errorf("%w: withdrawal %s -> %s", ErrInvalidTransition, s, to)
	}
	return nil
}

func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalStatusConfirmed || s == WithdrawalStatusFailed
}

// HoldsFunds reports whether a withdrawal in this status has funds locked.
func (s WithdrawalStatus) HoldsFunds() bool {
	return s == WithdrawalStatusReserved || s == WithdrawalStatusBroadcast
}

// PositionStatus represents the lifecycle of a margin position
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
)

var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionStatusOpen: {PositionStatusClosed, PositionStatusLiquidated},
}

func (s PositionStatus) Transition(to PositionStatus) error {
	if !contains(positionTransitions[s], to) {
		return fmt.Errorf("%w: position %s -> %s", ErrInvalidTransition, s, to)
	}
	return nil
}

// PositionSide represents the direction of a position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

func (s PositionSide) Valid() bool {
	return s == PositionSideLong || s == PositionSideShort
}

// PositionType is the order type the position was opened with
type PositionType string

const (
	PositionTypeMarket PositionType = "market"
	PositionTypeLimit  PositionType = "limit"
)

func (t PositionType) Valid() bool {
	return t == PositionTypeMarket || t == PositionTypeLimit
}

// MarginMode represents how margin is shared between positions
type MarginMode string

const (
	MarginModeIsolated MarginMode = "isolated"
	MarginModeCross    MarginMode = "cross"
)

func (m MarginMode) Valid() bool {
	return m == MarginModeIsolated || m == MarginModeCross
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
