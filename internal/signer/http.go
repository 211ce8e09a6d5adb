package signer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"settlement-engine/internal/withdrawal"
	"settlement-engine/pkg/models"
)

// SignRequest is the body posted to the signing service.
type SignRequest struct {
	Reference string `json:"reference"`
	Asset     string `json:"asset"`
	Network   string `json:"network"`
	ToAddress string `json:"to_address"`
	// Amount is in ledger minor units.
	Amount int64 `json:"amount"`
}

type SignResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error,omitempty"`
}

type TxStatusResponse struct {
	State         string `json:"state"`
	Confirmations int    `json:"confirmations"`
}

// Remote delegates signing and broadcasting to an external custody service.
// The service must treat Reference as an idempotency key.
type Remote struct {
	client *resty.Client
	log    *logrus.Entry
}

func NewRemote(baseURL, token string, timeout time.Duration, log *logrus.Entry) *Remote {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if token != "" {
		client.SetAuthToken(token)
	}
	if log == nil {
		log = logrus.WithField("component", "signer.remote")
	}
	return &Remote{client: client, log: log}
}

// Broadcast posts the withdrawal. A 4xx answer is a definitive rejection;
// transport errors and 5xx leave the outcome unknown.
func (r *Remote) Broadcast(ctx context.Context, w *models.Withdrawal) (string, error) {
	var out SignResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(SignRequest{
			Reference: w.Reference,
			Asset:     w.Asset,
			Network:   w.Network,
			ToAddress: w.ToAddress,
			Amount:    int64(w.Amount),
		}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/withdrawals")
	if err != nil {
		return "", fmt.Errorf("signer request: %w", err)
	}
	if status := resp.StatusCode(); status >= 400 && status < 500 {
		return "", fmt.Errorf("%w: signer answered %d: %s", withdrawal.ErrRejected, status, out.Error)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("signer answered %d", resp.StatusCode())
	}
	if out.TxHash == "" {
		return "", errors.New("signer returned no tx hash")
	}
	r.log.WithFields(logrus.Fields{
		"reference": w.Reference,
		"network":   w.Network,
		"tx_hash":   out.TxHash,
	}).Info("withdrawal handed to signer")
	return out.TxHash, nil
}

func (r *Remote) TxStatus(ctx context.Context, network, txHash string) (withdrawal.TxStatus, error) {
	var out TxStatusResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"network": network, "hash": txHash}).
		SetResult(&out).
		Get("/v1/transactions/{network}/{hash}")
	if err != nil {
		return withdrawal.TxStatus{}, fmt.Errorf("signer request: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return withdrawal.TxStatus{State: withdrawal.TxPending}, nil
	}
	if !resp.IsSuccess() {
		return withdrawal.TxStatus{}, fmt.Errorf("signer answered %d", resp.StatusCode())
	}
	state := withdrawal.TxState(strings.ToLower(out.State))
	switch state {
	case withdrawal.TxPending, withdrawal.TxConfirmed, withdrawal.TxFailed:
	default:
		return withdrawal.TxStatus{}, fmt.Errorf("signer reported unknown state %q", out.State)
	}
	return withdrawal.TxStatus{State: state, Confirmations: out.Confirmations}, nil
}
