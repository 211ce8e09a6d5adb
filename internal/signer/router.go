package signer

import (
	"context"
	"fmt"

	"settlement-engine/internal/withdrawal"
	"settlement-engine/pkg/config"
	"settlement-engine/pkg/models"
)

// StatusBroadcaster is a broadcaster that can also look up what it sent.
type StatusBroadcaster interface {
	withdrawal.Broadcaster
	withdrawal.ChainStatus
}

// Router dispatches withdrawals to the backend registered for their
// network, and falls back to a default backend when one is set.
type Router struct {
	routes   map[string]StatusBroadcaster
	fallback StatusBroadcaster
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]StatusBroadcaster)}
}

// Handle registers b for network.
func (r *Router) Handle(network string, b StatusBroadcaster) *Router {
	r.routes[config.NormalizeNetwork(network)] = b
	return r
}

// Fallback serves networks without a dedicated backend.
func (r *Router) Fallback(b StatusBroadcaster) *Router {
	r.fallback = b
	return r
}

// Empty reports whether no backend is configured.
func (r *Router) Empty() bool {
	return len(r.routes) == 0 && r.fallback == nil
}

func (r *Router) backend(network string) (StatusBroadcaster, bool) {
	if b, ok := r.routes[config.NormalizeNetwork(network)]; ok {
		return b, true
	}
	return r.fallback, r.fallback != nil
}

func (r *Router) Broadcast(ctx context.Context, w *models.Withdrawal) (string, error) {
	b, ok := r.backend(w.Network)
	if !ok {
		return "", fmt.Errorf("%w: no broadcaster for network %s", withdrawal.ErrRejected, w.Network)
	}
	return b.Broadcast(ctx, w)
}

func (r *Router) TxStatus(ctx context.Context, network, txHash string) (withdrawal.TxStatus, error) {
	b, ok := r.backend(network)
	if !ok {
		return withdrawal.TxStatus{}, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	return b.TxStatus(ctx, network, txHash)
}
