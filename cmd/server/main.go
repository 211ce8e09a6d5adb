package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"settlement-engine/internal/chainfeed"
	"settlement-engine/internal/deposit"
	"settlement-engine/internal/ledger"
	"settlement-engine/internal/position"
	"settlement-engine/internal/signer"
	"settlement-engine/internal/swap"
	"settlement-engine/internal/transfer"
	"settlement-engine/internal/withdrawal"
	"settlement-engine/pkg/api"
	"settlement-engine/pkg/cache"
	"settlement-engine/pkg/config"
	"settlement-engine/pkg/database"
	"settlement-engine/pkg/logger"
	"settlement-engine/pkg/money"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Setup(cfg); err != nil {
		log.Fatalf("Failed to setup logging: %v", err)
	}

	logrus.Info("Starting settlement engine...")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize database
	db, err := database.Connect(cfg)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		logrus.Fatalf("Failed to run database migrations: %v", err)
	}

	house := database.HouseAccounts{
		SwapDesk: cfg.Ledger.SwapDeskUserID,
		Clearing: cfg.Ledger.ClearingUserID,
	}
	if !cfg.Ledger.BurnFees {
		house.FeeSink = cfg.Ledger.FeeSinkUserID
	}
	if err := database.SeedHouseAccounts(db, house); err != nil {
		logrus.Fatalf("Failed to seed house accounts: %v", err)
	}

	// Initialize Redis cache
	var rc *cache.Redis
	if cfg.Redis.Enabled {
		rc, err = cache.Initialize(ctx, cfg)
		if err != nil {
			logrus.Fatalf("Failed to initialize Redis: %v", err)
		}
	}

	opts := ledger.OptionsFromConfig(cfg.Ledger)
	opts.Logger = logger.For("ledger")
	if rc != nil {
		opts.Notifier = rc
		opts.Cache = rc
		opts.TotalsCache = rc
	}
	store, err := ledger.NewStore(db, opts)
	if err != nil {
		logrus.Fatalf("Failed to create ledger: %v", err)
	}

	if cfg.IsDevelopment() {
		if err := seedDemo(ctx, cfg, store); err != nil {
			logrus.Fatalf("Failed to seed database: %v", err)
		}
	}

	services, router, err := buildServices(ctx, cfg, db, rc, store)
	if err != nil {
		logrus.Fatalf("Failed to build services: %v", err)
	}

	var wg sync.WaitGroup
	startBackground(ctx, &wg, cfg, rc, services, router)

	// Setup HTTP server
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(api.RequestLogger(logger.For("http")))

	corsConfig := cors.DefaultConfig()
	if cfg.IsDevelopment() || len(cfg.Server.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.Server.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Authorization",
		api.AdminTokenHeader,
	}
	corsConfig.MaxAge = 12 * time.Hour
	engine.Use(cors.New(corsConfig))

	api.SetupRoutes(engine, api.NewHandlers(services), cfg.Server.AdminToken)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logrus.Infof("Settlement engine listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down settlement engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	stop()
	wg.Wait()

	if err := rc.Close(); err != nil {
		logrus.Errorf("Failed to close Redis: %v", err)
	}
	if err := database.Close(db); err != nil {
		logrus.Errorf("Failed to close database: %v", err)
	}

	logrus.Info("Settlement engine stopped")
}

func buildServices(ctx context.Context, cfg *config.Config, db *gorm.DB, rc *cache.Redis, store *ledger.Store) (api.Services, *signer.Router, error) {
	assets := cfg.Assets

	validator, err := signer.NewAddressValidator(cfg.Chain.BitcoinNet)
	if err != nil {
		return api.Services{}, nil, err
	}

	router := signer.NewRouter()
	if cfg.Chain.EthereumRPC != "" && cfg.Chain.EthereumPrivateKey != "" {
		eth, err := signer.DialEthereum(ctx, cfg.Chain.EthereumRPC, cfg.Chain.EthereumPrivateKey, assets, logger.For("signer.ethereum"))
		if err != nil {
			return api.Services{}, nil, fmt.Errorf("ethereum signer: %w", err)
		}
		router.Handle("ethereum", eth)
	}
	if cfg.Chain.SignerURL != "" {
		router.Fallback(signer.NewRemote(cfg.Chain.SignerURL, cfg.Chain.SignerToken, cfg.Chain.SignerTimeout, logger.For("signer.remote")))
	}
	if router.Empty() {
		if cfg.IsProduction() {
			return api.Services{}, nil, fmt.Errorf("no withdrawal broadcaster configured")
		}
		logrus.Warn("No withdrawal broadcaster configured; broadcasts will be rejected")
	}

	withdrawals, err := withdrawal.NewProcessor(store, assets, withdrawal.Options{
		Broadcaster: router,
		Validator:   validator,
		ChainStatus: router,
		Config:      cfg.Withdrawal,
		Logger:      logger.For("withdrawal"),
	})
	if err != nil {
		return api.Services{}, nil, err
	}

	fees := transfer.FeePolicy{SinkUserID: cfg.Ledger.FeeSinkUserID}
	if cfg.Ledger.BurnFees {
		fees = transfer.FeePolicy{Burn: true}
	}
	transfers, err := transfer.NewSettlement(store, fees, logger.For("transfer"))
	if err != nil {
		return api.Services{}, nil, err
	}

	swaps, err := swap.NewSettlement(store, assets, cfg.Ledger.SwapDeskUserID, logger.For("swap"))
	if err != nil {
		return api.Services{}, nil, err
	}

	positions, err := position.NewLedger(store, assets, cfg.Ledger.ClearingUserID, cfg.Ledger.MaxLeverage, logger.For("position"))
	if err != nil {
		return api.Services{}, nil, err
	}

	var rates swap.RateSource
	if table := assets.Rates(); len(table) > 0 {
		rates = swap.StaticRates(table)
		logrus.WithField("pairs", len(table)).Info("Fixed swap rates loaded")
	}

	return api.Services{
		DB:          db,
		Redis:       rc,
		Assets:      assets,
		Ledger:      store,
		Deposits:    deposit.NewTracker(store, assets, logger.For("deposit")),
		Withdrawals: withdrawals,
		Transfers:   transfers,
		Swaps:       swaps,
		Positions:   positions,
		Rates:       rates,
		Logger:      logger.For("api"),
	}, router, nil
}

// startBackground runs the deposit feed and the withdrawal tickers until ctx
// is cancelled.
func startBackground(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, rc *cache.Redis, s api.Services, router *signer.Router) {
	if rc != nil {
		consumer := chainfeed.NewConsumer(rc, cfg.Chain.FeedChannel, s.Deposits, s.Assets, logger.For("chainfeed"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("Deposit feed stopped")
			}
		}()
	}

	if cfg.Withdrawal.SweepInterval > 0 {
		sweepLog := logger.For("sweep")
		every(ctx, wg, cfg.Withdrawal.SweepInterval, func() {
			report, err := s.Withdrawals.Sweep(ctx, time.Now())
			if err != nil {
				sweepLog.WithError(err).Error("sweep failed")
				return
			}
			if report.Scanned > 0 {
				sweepLog.WithFields(logrus.Fields{
					"scanned":   report.Scanned,
					"broadcast": report.Broadcast,
					"failed":    report.Failed,
					"errors":    report.Errors,
				}).Info("sweep finished")
			}
		})
	}

	if cfg.Withdrawal.ReconcileInterval > 0 && !router.Empty() {
		reconcileLog := logger.For("reconcile")
		every(ctx, wg, cfg.Withdrawal.ReconcileInterval, func() {
			report, err := s.Withdrawals.Reconcile(ctx)
			if err != nil {
				reconcileLog.WithError(err).Error("reconcile failed")
				return
			}
			if report.Checked > 0 {
				reconcileLog.WithFields(logrus.Fields{
					"checked":   report.Checked,
					"confirmed": report.Confirmed,
					"failed":    report.Failed,
					"pending":   report.Pending,
				}).Info("reconcile finished")
			}
		})
	}
}

func every(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// seedDemo creates the demo users and credits them through the ledger so
// the entries reconcile with the balances.
func seedDemo(ctx context.Context, cfg *config.Config, store *ledger.Store) error {
	users, err := database.SeedUsers(store.DB())
	if err != nil {
		return err
	}
	for _, u := range users {
		for _, symbol := range cfg.Assets.Symbols() {
			scale, err := cfg.Assets.Scale(symbol)
			if err != nil {
				return err
			}
			ref := ledger.Ref{Kind: "seed", ID: fmt.Sprintf("demo-%d-%s", u.ID, symbol)}
			existing, err := store.EntriesByRef(ctx, ref)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				continue
			}
			if err := store.Credit(ctx, ref, u.ID, symbol, money.MustParse("1000", scale)); err != nil {
				return fmt.Errorf("seed %s for %s: %w", symbol, u.Username, err)
			}
		}
	}
	logrus.WithField("users", len(users)).Info("Seeded demo balances")
	return nil
}
