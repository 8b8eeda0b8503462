package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nhatpham/payment-service/internal/payment"
	"github.com/nhatpham/payment-service/internal/payment/postgres"
	"github.com/nhatpham/payment-service/internal/upstream"
	"github.com/nhatpham/payment-service/pkg/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start the expiry sweeper and the callback dispatcher without the HTTP server`,
	Run: func(cmd *cobra.Command, args []string) {
		startWorker()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// startWorker runs the two background loops standalone, for deployments that
// split the API from the reconciliation workers.
func startWorker() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logEnv := "development"
	if config.Observability.Logging.Format == "json" {
		logEnv = "production"
	}
	logger.Init(logEnv)
	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize orm: %v\n", err)
		os.Exit(1)
	}

	repo := postgres.NewPaymentRepository(gormDB)
	upstreamClient := upstream.NewClient(config.Upstream, config.Security.UpstreamSecret, lg)

	sweeper := payment.NewSweeper(repo, upstreamClient, config.Payment.SweepBatchSize, config.Payment.SweepInterval, lg)
	dispatcher := upstream.NewDispatcher(repo, upstreamClient, config.Payment.DispatchWorkers, 30*time.Second, lg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)
	go dispatcher.Run(ctx)

	lg.Info("workers started",
		"sweep_interval", config.Payment.SweepInterval.String(),
		"dispatch_workers", config.Payment.DispatchWorkers)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	lg.Info("received signal, shutting down workers", "signal", sig.String())
	cancel()
}
