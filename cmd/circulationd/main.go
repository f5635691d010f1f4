package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/bookyard/circulation/internal/config"
	"github.com/bookyard/circulation/internal/db"
	"github.com/bookyard/circulation/internal/events"
	grpcserver "github.com/bookyard/circulation/internal/grpc"
	"github.com/bookyard/circulation/internal/httpapi"
	"github.com/bookyard/circulation/internal/ledger"
	"github.com/bookyard/circulation/internal/payments"
	"github.com/bookyard/circulation/internal/principal"
	"github.com/bookyard/circulation/internal/repo"
	"github.com/bookyard/circulation/internal/reservation"
	"github.com/bookyard/circulation/internal/sweeper"
	"github.com/bookyard/circulation/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Circulation service starting")

	// Connect to database
	log.Info("Connecting to database...")
	database, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Run migrations
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Dedicated pool for the availability ledger
	ledgerPool, err := db.ConnectLedger(cfg.PGDSN)
	if err != nil {
		log.Fatal("Failed to connect ledger pool", zap.Error(err))
	}
	defer ledgerPool.Close()

	led := ledger.New(ledgerPool, log)

	// Initialize repositories
	loanRepo := repo.NewLoanRepository(database, log)
	orderRepo := repo.NewOrderRepository(database, log)
	eventRepo := repo.NewPaymentEventRepository(database, log)
	grantRepo := repo.NewRetrievalGrantRepository(database, log)

	// Connect to RabbitMQ
	log.Info("Connecting to RabbitMQ...")
	publisher, err := events.NewPublisher(cfg.RabbitMQURL, log)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer publisher.Close()

	// Payment gateway client and webhook verifier
	gateway := payments.NewHTTPGateway(cfg.GatewayURL, log)
	verifier := payments.NewHMACVerifier(cfg.WebhookSecret)
	resolver := principal.NewTokenResolver(cfg.AuthTokenKey)

	// Core services
	manager := reservation.NewManager(led, loanRepo, orderRepo, grantRepo, gateway, publisher, reservation.Settings{
		LoanPeriod: cfg.LoanPeriod,
		Currency:   cfg.Currency,
	}, log)
	reconciler := payments.NewReconciler(database, orderRepo, eventRepo, grantRepo, led, publisher, log)

	// Background sweeper
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	sw := sweeper.NewSweeper(loanRepo, orderRepo, led, reconciler, publisher, cfg.SweepInterval, cfg.OrderTimeout, log)
	go sw.Start(sweepCtx)

	// HTTP API server
	api := httpapi.NewServer(manager, reconciler, verifier, resolver, database, publisher, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      api.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// gRPC server for health checks
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(log)),
	)
	healthServer := grpcserver.NewHealthServer(database, publisher, log)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	go func() {
		log.Info("Starting gRPC server", zap.String("address", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	grpcServer.GracefulStop()

	if err := database.Close(); err != nil {
		log.Error("Database close error", zap.Error(err))
	}

	log.Info("Server stopped")
}
