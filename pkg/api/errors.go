package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"settlement-engine/internal/chainfeed"
	"settlement-engine/internal/deposit"
	"settlement-engine/internal/ledger"
	"settlement-engine/internal/position"
	"settlement-engine/internal/swap"
	"settlement-engine/internal/transfer"
	"settlement-engine/internal/withdrawal"
	"settlement-engine/pkg/models"
	"settlement-engine/pkg/money"
)

var statusByError = []struct {
	err    error
	status int
}{
	{ledger.ErrInsufficientFunds, http.StatusPaymentRequired},
	{ledger.ErrInsufficientLocked, http.StatusPaymentRequired},
	{position.ErrInsufficientMargin, http.StatusPaymentRequired},

	{deposit.ErrNotFound, http.StatusNotFound},
	{withdrawal.ErrNotFound, http.StatusNotFound},
	{transfer.ErrNotFound, http.StatusNotFound},
	{swap.ErrNotFound, http.StatusNotFound},
	{position.ErrNotFound, http.StatusNotFound},

	{models.ErrInvalidTransition, http.StatusConflict},
	{ledger.ErrAlreadyExists, http.StatusConflict},
	{deposit.ErrDepositMismatch, http.StatusConflict},
	{deposit.ErrAddressTaken, http.StatusConflict},

	{ledger.ErrLockTimeout, http.StatusServiceUnavailable},
	{withdrawal.ErrBroadcastTimeout, http.StatusServiceUnavailable},
	{swap.ErrRateUnavailable, http.StatusServiceUnavailable},

	{ledger.ErrInvalidAmount, http.StatusUnprocessableEntity},
	{money.ErrPrecision, http.StatusUnprocessableEntity},
	{money.ErrOverflow, http.StatusUnprocessableEntity},
	{money.ErrUnderflow, http.StatusUnprocessableEntity},
	{deposit.ErrUnknownAddress, http.StatusUnprocessableEntity},
	{deposit.ErrUnknownAsset, http.StatusUnprocessableEntity},
	{deposit.ErrBelowThreshold, http.StatusUnprocessableEntity},
	{withdrawal.ErrUnknownAsset, http.StatusUnprocessableEntity},
	{withdrawal.ErrInvalidAddress, http.StatusUnprocessableEntity},
	{withdrawal.ErrRejected, http.StatusUnprocessableEntity},
	{transfer.ErrSelfTransfer, http.StatusUnprocessableEntity},
	{transfer.ErrInvalidFeeRate, http.StatusUnprocessableEntity},
	{transfer.ErrUnknownReceiver, http.StatusUnprocessableEntity},
	{transfer.ErrFeeConsumesAll, http.StatusUnprocessableEntity},
	{swap.ErrSameAsset, http.StatusUnprocessableEntity},
	{swap.ErrInvalidRate, http.StatusUnprocessableEntity},
	{swap.ErrDeskSelfSwap, http.StatusUnprocessableEntity},
	{swap.ErrZeroOutput, http.StatusUnprocessableEntity},
	{swap.ErrUnknownAsset, http.StatusUnprocessableEntity},
	{position.ErrInvalidLeverage, http.StatusUnprocessableEntity},
	{position.ErrInvalidPrice, http.StatusUnprocessableEntity},
	{position.ErrInvalidSize, http.StatusUnprocessableEntity},
	{position.ErrInvalidPosition, http.StatusUnprocessableEntity},
	{position.ErrUnknownAsset, http.StatusUnprocessableEntity},
	{chainfeed.ErrBadMessage, http.StatusUnprocessableEntity},
}

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	for _, m := range statusByError {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, log *logrus.Entry, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
