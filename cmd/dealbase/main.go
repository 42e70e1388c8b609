package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"dealbase/internal/aggregation"
	"dealbase/internal/audit"
	"dealbase/internal/cache"
	"dealbase/internal/config"
	"dealbase/internal/cronrunner"
	"dealbase/internal/db"
	"dealbase/internal/dealstate"
	"dealbase/internal/engine"
	"dealbase/internal/handler"
	"dealbase/internal/logger"
	"dealbase/internal/repository"
	gormrepository "dealbase/internal/repository/gorm"
	"dealbase/internal/repository/memory"
	"dealbase/internal/service"
	"dealbase/internal/valuation"

	_ "dealbase/docs"
)

func main() {
	cfgPath := os.Getenv("DEALBASE_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("DEALBASE_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  repository.Repository
		health = &handler.HealthHandler{Storage: cfg.Storage.Backend}
	)
	switch cfg.Storage.Backend {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart")
		store = memory.New()
	default:
		dbConn, err := db.Open(cfg.DB, logger)
		if err != nil {
			logger.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)
		if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
			logger.Warn("failed to set timezone", zap.Error(err))
		}
		if err := db.AutoMigrate(dbConn); err != nil {
			logger.Fatal("auto-migrate failed", zap.Error(err))
		}
		store = gormrepository.New(dbConn.Gorm)
		health.Ping = func(ctx context.Context) error { return db.Ping(ctx, dbConn) }
	}

	viewCache, closeCache, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		logger.Warn("cache unavailable, serving views uncached", zap.Error(err))
	}
	defer closeCache()

	recorder := &audit.Recorder{Repo: store, Logger: logger}
	states := &dealstate.Store{
		Repo:               store,
		Audit:              recorder,
		Logger:             logger,
		MaxPublishAttempts: cfg.Snapshot.MaxPublishAttempts,
	}

	assumptionsService := &service.AssumptionsService{Deals: store, Repo: store, Audit: recorder, Logger: logger}
	manager := &valuation.Manager{
		Repo:                store,
		Snapshots:           states,
		Defaults:            assumptionsService,
		Audit:               recorder,
		Logger:              logger,
		MaxDispatchAttempts: cfg.Valuation.MaxDispatchAttempts,
		DispatchTimeout:     cfg.Valuation.DispatchTimeout,
		ReconcileBatch:      cfg.Valuation.ReconcileBatch,
		LostRunTimeout:      cfg.Valuation.LostRunTimeout,
	}
	var local *engine.Local
	switch cfg.Engine.Mode {
	case "http":
		engineHTTP := &http.Client{Timeout: cfg.Engine.Timeout}
		manager.Engine = engine.NewClient(engineHTTP, cfg.Engine.BaseURL, cfg.Engine.CallbackURL)
	default:
		local = engine.NewLocal(ctx, cfg.Engine.Workers, logger.Named("engine"))
		local.SetReporter(manager)
		manager.Engine = local
	}

	if url := strings.TrimSpace(cfg.Engine.StreamURL); url != "" {
		stream := engine.NewStream(engine.StreamOptions{URL: url, Logger: logger.Named("engine-stream")}, manager)
		go func() {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("engine stream stopped", zap.Error(err))
			}
		}()
	}

	gateway := &aggregation.Gateway{
		Deals:     store,
		Snapshots: states,
		Runs:      manager,
		Cache:     viewCache,
		TTL:       cfg.Cache.TTL,
		Logger:    logger,
	}
	dealService := &service.DealService{Repo: store, Audit: recorder, Logger: logger}
	intakeService := &service.IntakeService{
		Deals:     store,
		Documents: store,
		Snapshots: states,
		Audit:     recorder,
		Logger:    logger,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	health.Register(router)
	dealHandler := &handler.DealHandler{Deals: dealService, Gateway: gateway, Audit: recorder, Logger: logger}
	dealHandler.Register(router)
	documentHandler := &handler.DocumentHandler{Intake: intakeService, Logger: logger}
	documentHandler.Register(router)
	snapshotHandler := &handler.SnapshotHandler{Store: states, Logger: logger}
	snapshotHandler.Register(router)
	valuationHandler := &handler.ValuationHandler{Manager: manager, Snapshots: states, Logger: logger}
	valuationHandler.Register(router)
	assumptionsHandler := &handler.AssumptionsHandler{Assumptions: assumptionsService, Logger: logger}
	assumptionsHandler.Register(router)

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled && strings.TrimSpace(cfg.Cron.ValuationReconcile) != "" {
		if _, err := cronRunner.Add("valuation_reconcile", cfg.Cron.ValuationReconcile, manager.Reconcile); err != nil {
			logger.Fatal("register reconcile job failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("addr", cfg.Server.HTTPAddr),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("engine", cfg.Engine.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if local != nil {
		waitLocal(shutdownCtx, local)
	}
	logger.Info("valuation callback anomalies", zap.Int64("count", manager.Anomalies()))
}

// waitLocal gives in-flight local runs until ctx expires to report.
func waitLocal(ctx context.Context, local *engine.Local) {
	done := make(chan struct{})
	go func() {
		local.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
