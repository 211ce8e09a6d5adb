package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Log        LogConfig
	Ledger     LedgerConfig
	Withdrawal WithdrawalConfig
	Chain      ChainConfig
	Assets     *Registry
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Environment  string

	// AdminToken guards the /admin routes. Empty leaves them open, which
	// Validate only allows outside production.
	AdminToken     string
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Driver   string // postgres | sqlite
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Path     string // sqlite file, ":memory:" for tests
	MaxOpen  int
	MaxIdle  int
	MaxLife  time.Duration
	LogSQL   bool
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	Database int
	PoolSize int
}

type LogConfig struct {
	Level      string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// LedgerConfig holds balance store tuning and the house accounts that make
// transfers, swaps and position PnL zero-sum.
type LedgerConfig struct {
	LockTimeout      time.Duration
	RetryAttempts    int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration

	FeeSinkUserID  uint
	BurnFees       bool
	SwapDeskUserID uint
	ClearingUserID uint
	MaxLeverage    int
}

type WithdrawalConfig struct {
	BroadcastTimeout  time.Duration
	StaleAfter        time.Duration
	MaxAttempts       int
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	SweepBatchSize    int
	SweepWorkers      int
}

type ChainConfig struct {
	FeedChannel        string
	EthereumRPC        string
	EthereumPrivateKey string
	BitcoinNet         string

	// SignerURL is the external signing service that broadcasts for networks
	// without a local broadcaster. Empty disables it.
	SignerURL     string
	SignerToken   string
	SignerTimeout time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),

			AdminToken:     getEnv("ADMIN_TOKEN", ""),
			AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "settlement_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Path:     getEnv("DB_PATH", "settlement.db"),
			MaxOpen:  getIntEnv("DB_MAX_OPEN", 25),
			MaxIdle:  getIntEnv("DB_MAX_IDLE", 5),
			MaxLife:  getDurationEnv("DB_MAX_LIFETIME", 5*time.Minute),
			LogSQL:   getBoolEnv("DB_LOG_SQL", false),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			Database: getIntEnv("REDIS_DATABASE", 0),
			PoolSize: getIntEnv("REDIS_POOL_SIZE", 10),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", ""),
			File:       getEnv("LOG_FILE", ""),
			MaxSize:    getIntEnv("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getIntEnv("LOG_MAX_BACKUPS", 7),
			MaxAge:     getIntEnv("LOG_MAX_AGE_DAYS", 30),
			Compress:   getBoolEnv("LOG_COMPRESS", true),
		},
		Ledger: LedgerConfig{
			LockTimeout:      getDurationEnv("LEDGER_LOCK_TIMEOUT", 2*time.Second),
			RetryAttempts:    getIntEnv("LEDGER_RETRY_ATTEMPTS", 5),
			RetryBaseBackoff: getDurationEnv("LEDGER_RETRY_BASE_BACKOFF", 20*time.Millisecond),
			RetryMaxBackoff:  getDurationEnv("LEDGER_RETRY_MAX_BACKOFF", 500*time.Millisecond),
			FeeSinkUserID:    getUintEnv("FEE_SINK_USER_ID", 1),
			BurnFees:         getBoolEnv("BURN_FEES", false),
			SwapDeskUserID:   getUintEnv("SWAP_DESK_USER_ID", 2),
			ClearingUserID:   getUintEnv("CLEARING_USER_ID", 3),
			MaxLeverage:      getIntEnv("MAX_LEVERAGE", 100),
		},
		Withdrawal: WithdrawalConfig{
			BroadcastTimeout:  getDurationEnv("WITHDRAWAL_BROADCAST_TIMEOUT", 15*time.Second),
			StaleAfter:        getDurationEnv("WITHDRAWAL_STALE_AFTER", 5*time.Minute),
			MaxAttempts:       getIntEnv("WITHDRAWAL_MAX_ATTEMPTS", 3),
			SweepInterval:     getDurationEnv("SWEEP_INTERVAL", 0),
			ReconcileInterval: getDurationEnv("RECONCILE_INTERVAL", 0),
			SweepBatchSize:    getIntEnv("SWEEP_BATCH_SIZE", 100),
			SweepWorkers:      getIntEnv("SWEEP_WORKERS", 4),
		},
		Chain: ChainConfig{
			FeedChannel:        getEnv("CHAIN_FEED_CHANNEL", "chain:deposits"),
			EthereumRPC:        getEnv("ETH_RPC_URL", ""),
			EthereumPrivateKey: getEnv("ETH_PRIVATE_KEY", ""),
			BitcoinNet:         getEnv("BTC_NET", "mainnet"),
			SignerURL:          getEnv("SIGNER_URL", ""),
			SignerToken:        getEnv("SIGNER_TOKEN", ""),
			SignerTimeout:      getDurationEnv("SIGNER_TIMEOUT", 10*time.Second),
		},
	}

	assets, err := LoadRegistry(getEnv("ASSETS_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Assets = assets

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run safely with.
func (c *Config) Validate() error {
	if c.Ledger.FeeSinkUserID == 0 && !c.Ledger.BurnFees {
		return fmt.Errorf("fee policy must be explicit: set FEE_SINK_USER_ID or BURN_FEES=true")
	}
	if c.Ledger.SwapDeskUserID == 0 {
		return fmt.Errorf("SWAP_DESK_USER_ID is required")
	}
	if c.Ledger.ClearingUserID == 0 {
		return fmt.Errorf("CLEARING_USER_ID is required")
	}
	if c.Ledger.MaxLeverage < 1 {
		return fmt.Errorf("MAX_LEVERAGE must be >= 1")
	}
	if c.Withdrawal.MaxAttempts < 1 {
		return fmt.Errorf("WITHDRAWAL_MAX_ATTEMPTS must be >= 1")
	}
	if c.Withdrawal.StaleAfter <= c.Withdrawal.BroadcastTimeout {
		return fmt.Errorf("WITHDRAWAL_STALE_AFTER must exceed WITHDRAWAL_BROADCAST_TIMEOUT")
	}
	if c.IsProduction() && c.Server.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required in production")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getUintEnv(key string, defaultValue uint) uint {
	if value := os.Getenv(key); value != "" {
		if uintValue, err := strconv.ParseUint(value, 10, 64); err == nil {
			return uint(uintValue)
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (c *Config) GetDatabaseURL() string {
	return "postgres://" + c.Database.User + ":" + c.Database.Password + "@" + c.Database.Host + ":" + c.Database.Port + "/" + c.Database.DBName + "?sslmode=" + c.Database.SSLMode
}

func (c *Config) GetRedisURL() string {
	return c.Redis.Host + ":" + c.Redis.Port
}

func (c *Config) GetServerAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
