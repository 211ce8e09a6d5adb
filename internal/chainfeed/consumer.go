// Package chainfeed consumes chain watcher events from a Redis channel and
// applies them to the deposit tracker.
package chainfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"settlement-engine/internal/deposit"
	"settlement-engine/pkg/config"
	"settlement-engine/pkg/models"
	"settlement-engine/pkg/money"
)

const (
	EventSeen   = "seen"
	EventFailed = "failed"
)

var ErrBadMessage = errors.New("malformed chain event")

// Message is the wire form of a chain event. Amount is a decimal string in
// major units of the asset.
type Message struct {
	Event         string `json:"event"`
	TxHash        string `json:"tx_hash"`
	Asset         string `json:"asset"`
	Network       string `json:"network"`
	Address       string `json:"address"`
	Amount        string `json:"amount"`
	Confirmations int    `json:"confirmations"`
	Reason        string `json:"reason,omitempty"`
}

// Tracker is the part of the deposit tracker the feed drives.
type Tracker interface {
	Observe(ctx context.Context, n deposit.Notification) (deposit.Result, error)
	Fail(ctx context.Context, txHash, reason string) (models.Deposit, error)
}

// Subscriber opens pub/sub subscriptions. Both *cache.Redis and
// *redis.Client satisfy it.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type Consumer struct {
	client  Subscriber
	channel string
	tracker Tracker
	assets  *config.Registry
	log     *logrus.Entry
}

func NewConsumer(client Subscriber, channel string, tracker Tracker, assets *config.Registry, log *logrus.Entry) *Consumer {
	if log == nil {
		log = logrus.WithField("component", "chainfeed")
	}
	return &Consumer{client: client, channel: channel, tracker: tracker, assets: assets, log: log}
}

// Run subscribes and handles messages until ctx is cancelled. Bad messages
// and rejected events are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	sub := c.client.Subscribe(ctx, c.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.channel, err)
	}
	c.log.WithField("channel", c.channel).Info("chain feed subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("chain feed subscription closed")
			}
			if err := c.Handle(ctx, []byte(msg.Payload)); err != nil {
				c.log.WithError(err).WithField("payload", msg.Payload).Warn("chain event not applied")
			}
		}
	}
}

// Handle decodes and applies one event.
func (c *Consumer) Handle(ctx context.Context, payload []byte) error {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return c.Apply(ctx, m)
}

func (c *Consumer) Apply(ctx context.Context, m Message) error {
	switch strings.ToLower(strings.TrimSpace(m.Event)) {
	case "", EventSeen:
		n, err := Notification(m, c.assets)
		if err != nil {
			return err
		}
		_, err = c.tracker.Observe(ctx, n)
		return err
	case EventFailed:
		if m.TxHash == "" {
			return fmt.Errorf("%w: tx_hash is required", ErrBadMessage)
		}
		_, err := c.tracker.Fail(ctx, m.TxHash, m.Reason)
		return err
	default:
		return fmt.Errorf("%w: unknown event %q", ErrBadMessage, m.Event)
	}
}

// Notification converts a wire message into minor units of the asset.
func Notification(m Message, assets *config.Registry) (deposit.Notification, error) {
	scale, err := assets.Scale(m.Asset)
	if err != nil {
		return deposit.Notification{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	amount, err := money.Parse(m.Amount, scale)
	if err != nil {
		return deposit.Notification{}, fmt.Errorf("%w: amount %q: %v", ErrBadMessage, m.Amount, err)
	}
	return deposit.Notification{
		TxHash:        m.TxHash,
		Asset:         m.Asset,
		Network:       m.Network,
		Address:       m.Address,
		Amount:        amount,
		Confirmations: m.Confirmations,
	}, nil
}
