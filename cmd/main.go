package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pickup-orders/internal/config"
	"pickup-orders/internal/database"
	"pickup-orders/internal/logger"
	"pickup-orders/internal/messaging"
	"pickup-orders/internal/models"
	"pickup-orders/internal/services/lifecycle"
	"pickup-orders/internal/services/payment"
	"pickup-orders/internal/services/scheduler"
	"pickup-orders/internal/services/slots"
	"pickup-orders/internal/store"
)

func main() {
	// Parse command line flags
	var (
		mode         = flag.String("mode", "", "Service mode (api, scheduler, all)")
		port         = flag.Int("port", 3000, "HTTP port")
		slotCapacity = flag.Int("slot-capacity", slots.DefaultCapacity, "Bookings per 15-minute pickup slot")
	)
	flag.Parse()

	// Validate required mode flag
	if *mode == "" {
		fmt.Fprintf(os.Stderr, "Error: --mode flag is required\n")
		flag.Usage()
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log := logger.New(*mode)
	requestID := logger.GenerateRequestID()

	log.Info("service_started", fmt.Sprintf("Starting %s", *mode), requestID, map[string]interface{}{
		"mode": *mode,
		"port": *port,
	})

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("graceful_shutdown", "Received shutdown signal", requestID, nil)
		cancel()
	}()

	switch *mode {
	case "api", "scheduler", "all":
		if err := run(ctx, cfg, log, *mode, *port, *slotCapacity); err != nil && err != context.Canceled {
			log.Error("service_failed", "Service failed", requestID, err, nil)
			os.Exit(1)
		}
	default:
		log.Error("validation_failed", fmt.Sprintf("Unknown mode: %s", *mode), requestID, nil, nil)
		os.Exit(1)
	}

	log.Info("service_stopped", "Service stopped gracefully", requestID, nil)
}

// run wires the lifecycle engine and hosts the requested processes.
func run(ctx context.Context, cfg *config.Config, log *logger.Logger, mode string, port, slotCapacity int) error {
	requestID := logger.GenerateRequestID()

	// Initialize database
	db, err := database.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	log.Info("db_connected", "Connected to PostgreSQL database", requestID, nil)

	// Run database migrations
	if err := db.RunMigrations(ctx, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Initialize messaging
	conn, err := messaging.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging: %w", err)
	}
	defer conn.Close()

	log.Info("rabbitmq_connected", "Connected to RabbitMQ", requestID, nil)

	publisher := messaging.NewPublisher(conn, log)

	// Wire the engine
	st := store.NewPostgres(db)
	gateway := payment.NewHTTPGateway(cfg.Payment.BaseURL, cfg.Payment.APIKey,
		time.Duration(cfg.Payment.TimeoutSeconds)*time.Second)
	payments := payment.NewCoordinator(gateway, st, publisher, log,
		cfg.Payment.CaptureRetries, cfg.Payment.ReleaseRetries,
		time.Duration(cfg.Payment.BackoffMillis)*time.Millisecond)
	slotMgr := slots.NewManager(st, log, slotCapacity)

	windows := models.Windows{
		AcceptWindow:         time.Duration(cfg.Windows.AcceptMinutes) * time.Minute,
		CancelGrace:          time.Duration(cfg.Windows.CancelGraceMinutes) * time.Minute,
		GraceBuffer:          time.Duration(cfg.Windows.GraceBufferSeconds) * time.Second,
		CancellationResponse: time.Duration(cfg.Windows.CancellationResponseMinutes) * time.Minute,
		NoShowGrace:          time.Duration(cfg.Windows.NoShowGraceMinutes) * time.Minute,
		SoftReminderAfter:    time.Duration(cfg.Windows.SoftReminderMinutes) * time.Minute,
		UrgentReminderAfter:  time.Duration(cfg.Windows.UrgentReminderMinutes) * time.Minute,
	}
	manager := lifecycle.NewManager(st, payments, slotMgr, publisher, log, windows)

	g, ctx := errgroup.WithContext(ctx)

	if mode == "api" || mode == "all" {
		handler := lifecycle.NewHandler(manager, log, func(ctx context.Context) bool {
			return db.Ping(ctx) == nil && !conn.IsClosed()
		})

		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: handler.SetupRoutes(),
		}

		g.Go(func() error {
			log.Info("service_started", fmt.Sprintf("Order API started on port %d", port), requestID,
				map[string]interface{}{"port": port})
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if mode == "scheduler" || mode == "all" {
		sweeper := scheduler.NewSweeper(manager, st, scheduler.SingleInstanceGate{}, log, windows,
			time.Duration(cfg.Scheduler.SweepIntervalSeconds)*time.Second, cfg.Scheduler.MaxParallel)
		g.Go(func() error {
			return sweeper.Run(ctx)
		})
	}

	return g.Wait()
}
