// Package api is the operations HTTP adapter over the settlement services.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"settlement-engine/internal/chainfeed"
	"settlement-engine/internal/deposit"
	"settlement-engine/internal/ledger"
	"settlement-engine/internal/position"
	"settlement-engine/internal/swap"
	"settlement-engine/internal/transfer"
	"settlement-engine/internal/withdrawal"
	"settlement-engine/pkg/cache"
	"settlement-engine/pkg/config"
	"settlement-engine/pkg/database"
	"settlement-engine/pkg/models"
)

// Services are the components the handlers call. Redis and Rates may be nil.
type Services struct {
	DB          *gorm.DB
	Redis       *cache.Redis
	Assets      *config.Registry
	Ledger      *ledger.Store
	Deposits    *deposit.Tracker
	Withdrawals *withdrawal.Processor
	Transfers   *transfer.Settlement
	Swaps       *swap.Settlement
	Positions   *position.Ledger
	Rates       swap.RateSource
	Logger      *logrus.Entry
}

type Handlers struct {
	Services
	log *logrus.Entry
}

func NewHandlers(s Services) *Handlers {
	log := s.Logger
	if log == nil {
		log = logrus.WithField("component", "api")
	}
	return &Handlers{Services: s, log: log}
}

// BalanceView is a balance row formatted in major units.
type BalanceView struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Total     string `json:"total"`
}

func (h *Handlers) view(b models.Balance) BalanceView {
	scale, _ := h.Assets.Scale(b.Asset)
	return BalanceView{
		Asset:     b.Asset,
		Available: b.Available.Format(scale),
		Locked:    b.Locked.Format(scale),
		Total:     b.Total().Format(scale),
	}
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

func (h *Handlers) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return false
	}
	return true
}

// Health

func (h *Handlers) Health(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	body := gin.H{
		"status":   "healthy",
		"service":  "settlement-engine",
		"database": "up",
		"redis":    "disabled",
	}
	if err := database.HealthCheck(ctx, h.DB); err != nil {
		h.log.WithError(err).Warn("database health check failed")
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["database"] = "down"
	}
	if h.Redis != nil {
		body["redis"] = "up"
		if err := h.Redis.HealthCheck(ctx); err != nil {
			h.log.WithError(err).Warn("redis health check failed")
			body["redis"] = "down"
			if status == http.StatusOK {
				body["status"] = "degraded"
			}
		}
	}
	c.JSON(status, body)
}

// Balances

func (h *Handlers) GetUserBalances(c *gin.Context) {
	userID, valid := parseID(c, "userId")
	if !valid {
		return
	}
	rows, err := h.Ledger.Balances(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	out := make([]BalanceView, 0, len(rows))
	for _, b := range rows {
		out = append(out, h.view(b))
	}
	ok(c, http.StatusOK, out)
}

func (h *Handlers) GetUserEntries(c *gin.Context) {
	userID, valid := parseID(c, "userId")
	if !valid {
		return
	}
	v := NewValidator(h.Assets)
	v.ValidateAsset("asset", c.Query("asset"))
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}
	rows, err := h.Ledger.Entries(c.Request.Context(), userID, c.Query("asset"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, rows)
}

func (h *Handlers) GetAssetTotals(c *gin.Context) {
	v := NewValidator(h.Assets)
	scale := v.ValidateAsset("asset", c.Param("asset"))
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}
	t, err := h.Ledger.Totals(c.Request.Context(), c.Param("asset"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, BalanceView{
		Asset:     t.Asset,
		Available: t.Available.Format(scale),
		Locked:    t.Locked.Format(scale),
		Total:     t.Total().Format(scale),
	})
}

// Deposits

func (h *Handlers) RegisterDepositAddress(c *gin.Context) {
	var req RegisterAddressRequest
	if !h.bind(c, &req) {
		return
	}
	v := NewValidator(h.Assets)
	v.ValidateUserID("user_id", req.UserID)
	v.ValidateAsset("asset", req.Asset)
	v.ValidateString("network", req.Network, 1, 32, true)
	v.ValidateString("address", req.Address, 1, 128, true)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}
	addr, err := h.Deposits.RegisterAddress(c.Request.Context(), req.UserID, req.Asset, req.Network, req.Address)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusCreated, addr)
}

// DepositEvent is the chain watcher webhook. It accepts the same message
// the Redis feed carries.
func (h *Handlers) DepositEvent(c *gin.Context) {
	var msg chainfeed.Message
	if !h.bind(c, &msg) {
		return
	}
	ctx := c.Request.Context()
	if strings.EqualFold(strings.TrimSpace(msg.Event), chainfeed.EventFailed) {
		v := NewValidator(h.Assets)
		v.ValidateString("tx_hash", msg.TxHash, 1, 128, true)
		if v.HasErrors() {
			SendValidationErrors(c, v.GetErrors())
			return
		}
		d, err := h.Deposits.Fail(ctx, msg.TxHash, msg.Reason)
		if err != nil {
			respondError(c, h.log, err)
			return
		}
		ok(c, http.StatusOK, d)
		return
	}

	v := NewValidator(h.Assets)
	v.ValidateString("tx_hash", msg.TxHash, 1, 128, true)
	v.ValidateString("address", msg.Address, 1, 128, true)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}
	n, err := chainfeed.Notification(msg, h.Assets)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	res, err := h.Deposits.Observe(ctx, n)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (h *Handlers) CreditDeposit(c *gin.Context) {
	res, err := h.Deposits.OnConfirmationThresholdReached(c.Request.Context(), c.Param("txHash"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (h *Handlers) FailDeposit(c *gin.Context) {
	var req FailRequest
	if !h.bind(c, &req) {
		return
	}
	d, err := h.Deposits.Fail(c.Request.Context(), c.Param("txHash"), req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, d)
}

func (h *Handlers) GetDeposit(c *gin.Context) {
	d, err := h.Deposits.Get(c.Request.Context(), c.Param("txHash"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, d)
}

func (h *Handlers) GetUserDeposits(c *gin.Context) {
	userID, valid := parseID(c, "userId")
	if !valid {
		return
	}
	limit, valid := parseLimit(c, 50, 500)
	if !valid {
		return
	}
	rows, err := h.Deposits.List(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, rows)
}

// Withdrawals

func (h *Handlers) CreateWithdrawal(c *gin.Context) {
	var req WithdrawalRequest
	if !h.bind(c, &req) {
		return
	}
	v := NewValidator(h.Assets)
	v.ValidateReference("reference", req.Reference, false)
	v.ValidateUserID("user_id", req.UserID)
	scale := v.ValidateAsset("asset", req.Asset)
	v.ValidateString("network", req.Network, 1, 32, true)
	v.ValidateString("to_address", req.ToAddress, 1, 128, true)
	amount := v.ValidateAmount("amount", req.Amount, scale)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}
	w, err := h.Withdrawals.Request(c.Request.Context(), withdrawal.Request{
		Reference: req.Reference,
		UserID:    req.UserID,
		Asset:     req.Asset,
		Network:   req.Network,
		Amount:    amount,
		ToAddress: req.ToAddress,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusCreated, w)
}

func (h *Handlers) GetWithdrawal(c *gin.Context) {
	id, valid := parseID(c, "id")
	if !valid {
		return
	}
	w, err := h.Withdrawals.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, w)
}

func (h *Handlers) GetUserWithdrawals(c *gin.Context) {
	userID, valid := parseID(c, "userId")
	if !valid {
		return
	}
	limit, valid := parseLimit(c, 50, 500)
	if !valid {
		return
	}
	rows, err := h.Withdrawals.List(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, rows)
}

func (h *Handlers) BroadcastWithdrawal(c *gin.Context) {
	id, valid := parseID(c, "id")
	if !valid {
		return
	}
	w, err := h.Withdrawals.Broadcast(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, w)
}

func (h *Handlers) ConfirmWithdrawal(c *gin.Context) {
	id, valid := parseID(c, "id")
	if !valid {
		return
	}
	w, err := h.Withdrawals.OnChainConfirmed(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, w)
}

func (h *Handlers) FailWithdrawal(c *gin.Context) {
	id, valid := parseID(c, "id")
	if !valid {
		return
	}
	var req FailRequest
	if !h.bind(c, &req) {
		return
	}
	w, err := h.Withdrawals.OnChainFailed(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, w)
}

func (h *Handlers) SweepWithdrawals(c *gin.Context) {
	report, err := h.Withdrawals.Sweep(c.Request.Context(), time.Now())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, report)
}

func (h *Handlers) ReconcileWithdrawals(c *gin.Context) {
	report, err := h.Withdrawals.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, report)
}

// Transfers

func (h *Handlers) CreateTransfer(c *gin.Context) {
	var req TransferRequest
	if !h.bind(c, &req) {
		return
	}
	v := NewValidator(h.Assets)
	v.ValidateReference("reference", req.Reference, false)
	v.ValidateUserID("sender_id", req.SenderID)
	v.ValidateUserID("receiver_id", req.ReceiverID)
	scale := v.ValidateAsset("asset", req.Asset)
	amount := v.ValidateAmount("amount", req.Amount, scale)
	feeRate := v.ValidateDecimal("fee_rate", req.FeeRate, false, false)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}
	t, err := h.Transfers.Execute(c.Request.Context(), transfer.Request{
		Reference:  req.Reference,
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Asset:      req.Asset,
		Amount:     amount,
		FeeRate:    feeRate,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusCreated, t)
}

func (h *Handlers) GetTransfer(c *gin.Context) {
	t, err := h.Transfers.Get(c.Request.Context(), c.Param("reference"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// Swaps

func (h *Handlers) CreateSwap(c *gin.Context) {
	var req SwapRequest
	if !h.bind(c, &req) {
		return
	}
	v := NewValidator(h.Assets)
	v.ValidateReference("reference", req.Reference, false)
	v.ValidateUserID("user_id", req.UserID)
	scale := v.ValidateAsset("from_asset", req.FromAsset)
	v.ValidateAsset("to_asset", req.ToAsset)
	amount := v.ValidateAmount("from_amount", req.FromAmount, scale)
	rate := v.ValidateDecimal("rate", req.Rate, h.Rates == nil, true)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}
	sreq := swap.Request{
		Reference:  req.Reference,
		UserID:     req.UserID,
		FromAsset:  req.FromAsset,
		ToAsset:    req.ToAsset,
		FromAmount: amount,
		Rate:       rate,
	}

	var (
		s   models.Swap
		err error
	)
	if req.Rate == "" {
		s, err = h.Swaps.ExecuteAtMarket(c.Request.Context(), h.Rates, sreq)
	} else {
		s, err = h.Swaps.Execute(c.Request.Context(), sreq)
	}
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusCreated, s)
}

func (h *Handlers) GetSwap(c *gin.Context) {
	s, err := h.Swaps.Get(c.Request.Context(), c.Param("reference"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, s)
}

// Positions

func (h *Handlers) OpenPosition(c *gin.Context) {
	var req OpenPositionRequest
	if !h.bind(c, &req) {
		return
	}
	v := NewValidator(h.Assets)
	v.ValidateReference("reference", req.Reference, false)
	v.ValidateUserID("user_id", req.UserID)
	v.ValidateString("symbol", req.Symbol, 1, 32, true)
	scale := v.ValidateAsset("margin_asset", req.MarginAsset)
	margin := v.ValidateAmount("margin_used", req.MarginUsed, scale)
	entry := v.ValidateDecimal("entry_price", req.EntryPrice, true, true)
	size := v.ValidateDecimal("size", req.Size, true, true)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}
	p, err := h.Positions.Open(c.Request.Context(), position.OpenRequest{
		Reference:   req.Reference,
		UserID:      req.UserID,
		Symbol:      req.Symbol,
		Side:        models.PositionSide(strings.ToLower(req.Side)),
		Type:        models.PositionType(strings.ToLower(req.Type)),
		MarginMode:  models.MarginMode(strings.ToLower(req.MarginMode)),
		MarginAsset: req.MarginAsset,
		MarginUsed:  margin,
		Leverage:    req.Leverage,
		EntryPrice:  entry,
		Size:        size,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusCreated, p)
}

func (h *Handlers) ClosePosition(c *gin.Context) {
	id, valid := parseID(c, "id")
	if !valid {
		return
	}
	var req ClosePositionRequest
	if !h.bind(c, &req) {
		return
	}
	v := NewValidator(h.Assets)
	exit := v.ValidateDecimal("exit_price", req.ExitPrice, true, true)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}
	p, err := h.Positions.Close(c.Request.Context(), id, exit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, p)
}

func (h *Handlers) GetPosition(c *gin.Context) {
	id, valid := parseID(c, "id")
	if !valid {
		return
	}
	p, err := h.Positions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, p)
}

func (h *Handlers) GetUserPositions(c *gin.Context) {
	userID, valid := parseID(c, "userId")
	if !valid {
		return
	}
	status := models.PositionStatus(strings.ToLower(c.Query("status")))
	rows, err := h.Positions.List(c.Request.Context(), userID, status)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, rows)
}
