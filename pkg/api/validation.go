package api

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"settlement-engine/pkg/config"
	"settlement-engine/pkg/money"
)

var referenceRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return strings.Join(messages, "; ")
}

// Validator collects field errors for one request
type Validator struct {
	assets *config.Registry
	errors ValidationErrors
}

func NewValidator(assets *config.Registry) *Validator {
	return &Validator{
		assets: assets,
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) GetErrors() ValidationErrors {
	return v.errors
}

// ValidateReference accepts an empty reference when optional, letting the
// service generate one.
func (v *Validator) ValidateReference(field, reference string, required bool) {
	if reference == "" {
		if required {
			v.AddError(field, "reference is required")
		}
		return
	}
	if !referenceRegex.MatchString(reference) {
		v.AddError(field, "reference must be 1-64 characters of letters, digits, _ . : -")
	}
}

func (v *Validator) ValidateUserID(field string, id uint) {
	if id == 0 {
		v.AddError(field, "user id is required")
	}
}

// ValidateAsset returns the asset's scale.
func (v *Validator) ValidateAsset(field, asset string) int32 {
	if asset == "" {
		v.AddError(field, "asset is required")
		return 0
	}
	scale, err := v.assets.Scale(asset)
	if err != nil {
		v.AddError(field, "unknown asset")
		return 0
	}
	return scale
}

// ValidateAmount parses a positive decimal string in major units into the
// asset's minor units.
func (v *Validator) ValidateAmount(field, amount string, scale int32) money.Amount {
	if amount == "" {
		v.AddError(field, "amount is required")
		return 0
	}
	a, err := money.Parse(amount, scale)
	if err != nil {
		v.AddError(field, fmt.Sprintf("invalid amount: %v", err))
		return 0
	}
	if !a.IsPositive() {
		v.AddError(field, "amount must be positive")
		return 0
	}
	return a
}

// ValidateDecimal parses a decimal. Empty yields zero unless required.
func (v *Validator) ValidateDecimal(field, value string, required, positive bool) decimal.Decimal {
	if value == "" {
		if required {
			v.AddError(field, fmt.Sprintf("%s is required", field))
		}
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		v.AddError(field, "invalid decimal format")
		return decimal.Zero
	}
	if positive && !d.IsPositive() {
		v.AddError(field, fmt.Sprintf("%s must be positive", field))
		return decimal.Zero
	}
	if d.IsNegative() {
		v.AddError(field, fmt.Sprintf("%s cannot be negative", field))
		return decimal.Zero
	}
	return d
}

// ValidateString validates a general string field
func (v *Validator) ValidateString(field, value string, minLen, maxLen int, required bool) {
	if value == "" {
		if required {
			v.AddError(field, fmt.Sprintf("%s is required", field))
		}
		return
	}

	if len(value) < minLen {
		v.AddError(field, fmt.Sprintf("%s must be at least %d characters", field, minLen))
	}

	if maxLen > 0 && len(value) > maxLen {
		v.AddError(field, fmt.Sprintf("%s must be at most %d characters", field, maxLen))
	}
}

// ValidateLimit validates pagination limit
func (v *Validator) ValidateLimit(field string, limit int, maxLimit int) {
	if limit < 1 {
		v.AddError(field, "limit must be at least 1")
		return
	}

	if limit > maxLimit {
		v.AddError(field, fmt.Sprintf("limit cannot exceed %d", maxLimit))
	}
}

// SendValidationErrors sends validation errors as JSON response
func SendValidationErrors(c *gin.Context, errors ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Validation failed",
		"details": errors,
	})
}

func parseID(c *gin.Context, param string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(param), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", param)})
		return 0, false
	}
	return uint(id), true
}

func parseLimit(c *gin.Context, def, max int) (int, bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit parameter"})
		return 0, false
	}
	v := NewValidator(nil)
	v.ValidateLimit("limit", limit, max)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return 0, false
	}
	return limit, true
}

// Request bodies. Amounts and prices are decimal strings in major units.

type RegisterAddressRequest struct {
	UserID  uint   `json:"user_id"`
	Asset   string `json:"asset"`
	Network string `json:"network"`
	Address string `json:"address"`
}

type FailRequest struct {
	Reason string `json:"reason"`
}

type WithdrawalRequest struct {
	Reference string `json:"reference"`
	UserID    uint   `json:"user_id"`
	Asset     string `json:"asset"`
	Network   string `json:"network"`
	Amount    string `json:"amount"`
	ToAddress string `json:"to_address"`
}

type TransferRequest struct {
	Reference  string `json:"reference"`
	SenderID   uint   `json:"sender_id"`
	ReceiverID uint   `json:"receiver_id"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	FeeRate    string `json:"fee_rate"`
}

type SwapRequest struct {
	Reference  string `json:"reference"`
	UserID     uint   `json:"user_id"`
	FromAsset  string `json:"from_asset"`
	ToAsset    string `json:"to_asset"`
	FromAmount string `json:"from_amount"`
	// Rate is optional when the server has a rate source.
	Rate string `json:"rate"`
}

type OpenPositionRequest struct {
	Reference   string `json:"reference"`
	UserID      uint   `json:"user_id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	MarginMode  string `json:"margin_mode"`
	MarginAsset string `json:"margin_asset"`
	MarginUsed  string `json:"margin_used"`
	Leverage    int    `json:"leverage"`
	EntryPrice  string `json:"entry_price"`
	Size        string `json:"size"`
}

type ClosePositionRequest struct {
	ExitPrice string `json:"exit_price"`
}
