package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fabrica-erp/fabrica/internal/app"
	"github.com/fabrica-erp/fabrica/internal/assembly"
	"github.com/fabrica-erp/fabrica/internal/bom"
	"github.com/fabrica-erp/fabrica/internal/masterdata/locations"
	"github.com/fabrica-erp/fabrica/internal/masterdata/products"
	"github.com/fabrica-erp/fabrica/internal/masterdata/suppliers"
	"github.com/fabrica-erp/fabrica/internal/observability"
	"github.com/fabrica-erp/fabrica/internal/platform/cache"
	"github.com/fabrica-erp/fabrica/internal/platform/db"
	"github.com/fabrica-erp/fabrica/internal/procurement"
	"github.com/fabrica-erp/fabrica/internal/receiving"
	"github.com/fabrica-erp/fabrica/internal/shared"
	"github.com/fabrica-erp/fabrica/internal/stock"
	"github.com/fabrica-erp/fabrica/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, availability caching disabled", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	auditLogger := shared.NewAuditLogger(dbpool)
	approvalRecorder := shared.NewApprovalRecorder(dbpool, logger)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	productsService := products.NewService(products.NewRepository(dbpool))
	locationsService := locations.NewService(locations.NewRepository(dbpool))
	suppliersService := suppliers.NewService(suppliers.NewRepository(dbpool))

	bomService := bom.NewService(bom.NewRepository(dbpool), productsService, auditLogger)

	stockRepo := stock.NewRepository(dbpool)
	stockService := stock.NewService(stockRepo, auditLogger)

	procurementService := procurement.NewService(procurement.NewRepository(dbpool), approvalRecorder, auditLogger)

	assemblyRepo := assembly.NewRepository(dbpool)
	assemblyService := assembly.NewService(assemblyRepo, bomService, productsService, locationsService, stockService, auditLogger, redisClient, logger)

	receivingService := receiving.NewService(receiving.NewRepository(dbpool), procurementService, assemblyService, locationsService, idempotencyStore, auditLogger)

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		ProductsHandler:    products.NewHandler(logger, productsService),
		LocationsHandler:   locations.NewHandler(logger, locationsService),
		SuppliersHandler:   suppliers.NewHandler(logger, suppliersService),
		BomHandler:         bom.NewHandler(logger, bomService),
		StockHandler:       stock.NewHandler(logger, stockService),
		ProcurementHandler: procurement.NewHandler(logger, procurementService),
		AssemblyHandler:    assembly.NewHandler(logger, assemblyService),
		ReceivingHandler:   receiving.NewHandler(logger, receivingService),
		JobHandler:         jobHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
