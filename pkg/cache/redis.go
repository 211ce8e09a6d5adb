package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"settlement-engine/pkg/config"
	"settlement-engine/pkg/models"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache miss")

// Cache keys constants
const (
	KeyUserBalances = "user:balances:%d" // user:balances:123
	KeyLedgerTotals = "ledger:totals:%s" // ledger:totals:BTC
)

// Cache expiration times
const (
	ExpireUserBalances = 30 * time.Second
	ExpireLedgerTotals = 10 * time.Second
)

// Channels
const (
	ChannelBalanceChanged = "balance.changed"
)

// BalanceChanged is published after a commit touches a user's balances
type BalanceChanged struct {
	UserID  uint      `json:"user_id"`
	RefKind string    `json:"ref_kind"`
	RefID   string    `json:"ref_id"`
	At      time.Time `json:"at"`
}

// Redis wraps a go-redis client with JSON values
type Redis struct {
	client *redis.Client
	log    *logrus.Entry
}

// Initialize Redis connection
func Initialize(ctx context.Context, cfg *config.Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisURL(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.Database,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	})

	// Test connection
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logrus.Info("Redis connected successfully")
	return New(client), nil
}

// New wraps an existing client
func New(client *redis.Client) *Redis {
	return &Redis{client: client, log: logrus.WithField("component", "cache")}
}

// Set stores a value in Redis with expiration
func (r *Redis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := r.client.Set(ctx, key, jsonValue, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Get retrieves a value from Redis
func (r *Redis) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrMiss
		}
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}
	return nil
}

// Delete removes keys from Redis
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys %v: %w", keys, err)
	}
	return nil
}

// Publish publishes a message to a channel
func (r *Redis) Publish(ctx context.Context, channel string, message interface{}) error {
	jsonMessage, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := r.client.Publish(ctx, channel, jsonMessage).Err(); err != nil {
		return fmt.Errorf("failed to publish message to channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to Redis channels
func (r *Redis) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.client.Subscribe(ctx, channels...)
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// HealthCheck checks if Redis is healthy
func (r *Redis) HealthCheck(ctx context.Context) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	if _, err := r.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("Redis ping failed: %w", err)
	}
	return nil
}

// Helper functions for balance caching

// CacheUserBalances caches user balances
func (r *Redis) CacheUserBalances(ctx context.Context, userID uint, balances []models.Balance) error {
	return r.Set(ctx, fmt.Sprintf(KeyUserBalances, userID), balances, ExpireUserBalances)
}

// GetUserBalances retrieves cached user balances
func (r *Redis) GetUserBalances(ctx context.Context, userID uint) ([]models.Balance, error) {
	var balances []models.Balance
	if err := r.Get(ctx, fmt.Sprintf(KeyUserBalances, userID), &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// GetAssetTotals retrieves cached ledger totals for an asset
func (r *Redis) GetAssetTotals(ctx context.Context, asset string, dest interface{}) error {
	return r.Get(ctx, fmt.Sprintf(KeyLedgerTotals, asset), dest)
}

// CacheAssetTotals caches ledger totals for an asset
func (r *Redis) CacheAssetTotals(ctx context.Context, asset string, totals interface{}) error {
	return r.Set(ctx, fmt.Sprintf(KeyLedgerTotals, asset), totals, ExpireLedgerTotals)
}

// DropAssetTotals removes cached totals for the given assets
func (r *Redis) DropAssetTotals(ctx context.Context, assets ...string) error {
	keys := make([]string, 0, len(assets))
	for _, a := range assets {
		keys = append(keys, fmt.Sprintf(KeyLedgerTotals, a))
	}
	return r.Delete(ctx, keys...)
}

// BalancesCommitted drops cached balances for every touched user and
// announces the change. Failures are logged; the commit already happened.
func (r *Redis) BalancesCommitted(ctx context.Context, refKind, refID string, userIDs []uint) {
	if len(userIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, fmt.Sprintf(KeyUserBalances, id))
	}
	if err := r.Delete(ctx, keys...); err != nil {
		r.log.WithError(err).Warn("balance cache invalidation failed")
	}

	now := time.Now().UTC()
	for _, id := range userIDs {
		msg := BalanceChanged{UserID: id, RefKind: refKind, RefID: refID, At: now}
		if err := r.Publish(ctx, ChannelBalanceChanged, msg); err != nil {
			r.log.WithError(err).WithField("user_id", id).Warn("balance change publish failed")
		}
	}
}
