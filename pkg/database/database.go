package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"settlement-engine/pkg/config"
	"settlement-engine/pkg/models"
)

// Connect opens the configured database and applies pool settings
func Connect(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.GetDatabaseURL())
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(cfg.Database.Path))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	logLevel := logger.Warn
	if cfg.Database.LogSQL {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// Connection pool configuration
	if cfg.Database.Driver == "sqlite" {
		// one writer at a time; also keeps ":memory:" databases alive
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpen)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdle)
		sqlDB.SetConnMaxLifetime(cfg.Database.MaxLife)
	}

	// Test connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.WithField("driver", cfg.Database.Driver).Info("Database connected successfully")
	return db, nil
}

// OpenSQLite opens a migrated sqlite database at path (":memory:" for an
// isolated in-process database).
func OpenSQLite(path string) (*gorm.DB, error) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "sqlite", Path: path}}
	db, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	err := db.AutoMigrate(
		&models.User{},
		&models.Balance{},
		&models.LedgerEntry{},
		&models.DepositAddress{},
		&models.Deposit{},
		&models.Withdrawal{},
		&models.Transfer{},
		&models.Swap{},
		&models.Position{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	logrus.Debug("Database migration completed successfully")
	return nil
}

// HouseAccounts are the user ids that must exist before settlement runs
type HouseAccounts struct {
	FeeSink  uint
	SwapDesk uint
	Clearing uint
}

// SeedHouseAccounts creates the house users if they are missing
func SeedHouseAccounts(db *gorm.DB, house HouseAccounts) error {
	accounts := []models.User{
		{ID: house.FeeSink, Email: "fees@house.local", Username: "house-fees", Kind: models.UserKindHouse},
		{ID: house.SwapDesk, Email: "desk@house.local", Username: "house-swap-desk", Kind: models.UserKindHouse},
		{ID: house.Clearing, Email: "clearing@house.local", Username: "house-clearing", Kind: models.UserKindHouse},
	}

	for _, account := range accounts {
		if account.ID == 0 {
			continue
		}
		var existing models.User
		result := db.Where("id = ?", account.ID).First(&existing)
		if result.Error == nil {
			continue
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check house account %d: %w", account.ID, result.Error)
		}
		if err := db.Create(&account).Error; err != nil {
			return fmt.Errorf("failed to create house account %s: %w", account.Username, err)
		}
		logrus.WithField("user_id", account.ID).Infof("Created house account: %s", account.Username)
	}

	// explicit ids do not advance the postgres sequence
	if db.Dialector.Name() == "postgres" {
		err := db.Exec("SELECT setval(pg_get_serial_sequence('users', 'id'), GREATEST((SELECT MAX(id) FROM users), 1))").Error
		if err != nil {
			return fmt.Errorf("failed to advance users sequence: %w", err)
		}
	}
	return nil
}

// SeedUsers creates demo customers and returns the stored rows
func SeedUsers(db *gorm.DB) ([]models.User, error) {
	users := []models.User{
		{Email: "alice@example.com", Username: "alice", Kind: models.UserKindCustomer},
		{Email: "bob@example.com", Username: "bob", Kind: models.UserKindCustomer},
	}

	out := make([]models.User, 0, len(users))
	for _, user := range users {
		var existing models.User
		result := db.Where("email = ?", user.Email).First(&existing)
		if result.Error == nil {
			out = append(out, existing)
			continue
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to check user %s: %w", user.Email, result.Error)
		}
		if err := db.Create(&user).Error; err != nil {
			return nil, fmt.Errorf("failed to create user %s: %w", user.Email, err)
		}
		logrus.Infof("Created user: %s", user.Email)
		out = append(out, user)
	}
	return out, nil
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HealthCheck pings the database
func HealthCheck(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
