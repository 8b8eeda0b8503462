package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nhatpham/payment-service/internal"
	"github.com/nhatpham/payment-service/internal/core/events"
	"github.com/nhatpham/payment-service/internal/gateway"
	"github.com/nhatpham/payment-service/internal/gateway/bankqr"
	"github.com/nhatpham/payment-service/internal/gateway/paypalgw"
	"github.com/nhatpham/payment-service/internal/gateway/wallet"
	"github.com/nhatpham/payment-service/internal/idempotency"
	"github.com/nhatpham/payment-service/internal/payment"
	"github.com/nhatpham/payment-service/internal/payment/postgres"
	"github.com/nhatpham/payment-service/internal/transport/rest"
	"github.com/nhatpham/payment-service/internal/upstream"
	"github.com/nhatpham/payment-service/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server, the expiry sweeper and the callback dispatcher`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config     *internal.Config
	DB         *sqlx.DB
	Router     *chi.Mux
	Sweeper    *payment.Sweeper
	Dispatcher *upstream.Dispatcher
	Logger     *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	// Background loops share one lifetime with the HTTP server.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go deps.Sweeper.Run(ctx)
	go deps.Dispatcher.Run(ctx)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      deps.Router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			deps.Logger.Error("database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logEnv := "development"
	if config.Observability.Logging.Format == "json" {
		logEnv = "production"
	}
	logger.Init(logEnv)
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orm: %w", err)
	}

	// Redis backs the idempotency ledger; without it replays still dedupe
	// against the durable store, just without the cache fast path.
	var ledger idempotency.Ledger
	if config.Redis.Addr != "" {
		ledger = idempotency.NewRedisLedger(redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		}))
	} else {
		lg.Warn("redis not configured, using in-memory idempotency ledger")
		ledger = idempotency.NewMemoryLedger()
	}

	gateways := []gateway.Gateway{
		bankqr.New(config.Gateways.BankQR, lg),
		wallet.New(config.Gateways.Wallet, lg),
	}
	var paypalAPI payment.PayPalAPI
	if config.Gateways.PayPal.ClientID != "" {
		paypalGW, err := paypalgw.New(config.Gateways.PayPal, config.Server.BaseURL, lg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize paypal gateway: %w", err)
		}
		gateways = append(gateways, paypalGW)
		paypalAPI = paypalGW
	} else {
		lg.Warn("paypal not configured, gateway disabled")
	}
	registry := gateway.NewRegistry(gateways...)

	repo := postgres.NewPaymentRepository(gormDB)
	upstreamClient := upstream.NewClient(config.Upstream, config.Security.UpstreamSecret, lg)

	eventBus := events.NewEventBus(lg)
	payment.NewEventHandler(repo, upstreamClient, lg).RegisterHandlers(eventBus)

	service := payment.NewService(repo, ledger, registry, upstreamClient, eventBus, config, lg)
	paymentHandler := payment.NewHandler(service, paypalAPI, lg)

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, db.DB, paymentHandler, lg)

	sweeper := payment.NewSweeper(repo, upstreamClient, config.Payment.SweepBatchSize, config.Payment.SweepInterval, lg)
	dispatcher := upstream.NewDispatcher(repo, upstreamClient, config.Payment.DispatchWorkers, 30*time.Second, lg)

	return &Dependencies{
		Config:     config,
		DB:         db,
		Router:     router,
		Sweeper:    sweeper,
		Dispatcher: dispatcher,
		Logger:     lg,
	}, nil
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
