package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-signals/internal/archive"
	"github.com/ksred/klear-signals/internal/auth"
	"github.com/ksred/klear-signals/internal/config"
	"github.com/ksred/klear-signals/internal/database"
	"github.com/ksred/klear-signals/internal/dispatcher"
	"github.com/ksred/klear-signals/internal/engine"
	"github.com/ksred/klear-signals/internal/logging"
	"github.com/ksred/klear-signals/internal/metrics"
	"github.com/ksred/klear-signals/internal/report"
	"github.com/ksred/klear-signals/internal/risk"
	"github.com/ksred/klear-signals/internal/setting"
	"github.com/ksred/klear-signals/internal/signal"
	"github.com/ksred/klear-signals/internal/surface/paper"
	"github.com/ksred/klear-signals/internal/timing"
	"github.com/ksred/klear-signals/pkg/middleware"
)

type handlers struct {
	auth     *auth.GinHandlers
	signals  *signal.GinHandlers
	results  *archive.GinHandlers
	settings *setting.GinHandlers
	risk     *risk.GinHandlers
	workers  *dispatcher.GinHandlers
	reports  *report.GinHandlers
	tokens   middleware.TokenValidator
}

// main wires the signal engine and the admin API and shuts both down on
// SIGINT/SIGTERM, letting running ladders finish their terminal writes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.Setup(logging.Options{
		Production: cfg.IsProduction(),
		Debug:      cfg.Debug,
		Level:      cfg.LogLevel,
	})
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(database.Config{
		Driver: cfg.DBDriver,
		DSN:    cfg.DBDSN,
		Debug:  cfg.Debug,
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	clock := timing.SystemClock{}

	settingsDB := setting.NewDatabase(db, setting.Defaults{
		BaseAmount:        cfg.BaseAmount,
		DailyProfitTarget: cfg.DailyProfitTarget,
		MaxLossPercent:    cfg.MaxLossPercent,
		BalanceReference:  cfg.BalanceReference,
	})
	settingService := setting.NewService(settingsDB)
	signalService := signal.NewService(db, settingsDB, clock, cfg.DefaultMartingaleLevels)
	archiveService := archive.NewService(db, archive.NewCSVExporter(cfg.ResultsCSV))
	breaker := risk.NewBreaker(signalService.GetDB(), settingsDB)

	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterOperator(cfg.AdminAPIKey, cfg.AdminAPISecret)

	provider := paper.NewProvider(paper.Config{
		WinRate:        cfg.PaperWinRate,
		Payout:         cfg.PaperPayout,
		Balance:        cfg.PaperBalance,
		MinLatency:     50,
		MaxLatency:     400,
		TimeScale:      cfg.PaperTimeScale,
		WeekendClosure: true,
	}, clock, timing.Sleep)

	workerCfg := engine.DefaultConfig()
	workerCfg.MinPayout = cfg.MinPayout
	workerCfg.StakeCutoff = cfg.StakeCutoff
	workerCfg.FinishEarly = cfg.FinishEarly
	workerCfg.OutcomeTimeout = cfg.OutcomeTimeout
	worker := engine.NewWorker(engine.Deps{
		Signals:  signalService.GetDB(),
		Settings: settingsDB,
		Archive:  archiveService,
		Breaker:  breaker,
		Provider: provider,
		Clock:    clock,
	}, workerCfg)

	registry := dispatcher.NewRegistry(cfg.Profiles)
	disp := dispatcher.New(signalService.GetDB(), worker, archiveService, registry, clock, dispatcher.Config{
		PollInterval: cfg.PollInterval,
		EntryBuffer:  cfg.EntryBuffer,
	})

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	dispatcherDone := make(chan struct{})
	go func() {
		disp.Start(engineCtx)
		close(dispatcherDone)
	}()

	reportBuilder := report.NewBuilder(signalService.GetDB(), breaker)
	scheduler := report.NewScheduler(engineCtx, reportBuilder, clock.Now)
	if _, err := scheduler.Add(cfg.ReportSchedule); err != nil {
		zlog.Fatal().Err(err).Str("schedule", cfg.ReportSchedule).Msg("Invalid report schedule")
	}
	scheduler.Start()

	limiter := middleware.NewLimiter(middleware.DefaultRules)
	go limiter.Run(engineCtx)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), limiter.RateLimit())

	setupRoutes(router, handlers{
		auth:     auth.NewGinHandlers(authService),
		signals:  signal.NewGinHandlers(signalService),
		results:  archive.NewGinHandlers(archiveService),
		settings: setting.NewGinHandlers(settingService),
		risk:     risk.NewGinHandlers(breaker, clock.Now),
		workers:  dispatcher.NewGinHandlers(registry),
		reports:  report.NewGinHandlers(reportBuilder, clock.Now),
		tokens:   authService,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Int("slots", registry.Size()).Msg("Admin API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	scheduler.Stop()
	engineCancel()
	<-dispatcherDone

	workersDone := make(chan struct{})
	go func() {
		disp.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-time.After(30 * time.Second):
		zlog.Warn().Int("live_workers", len(registry.Live())).Msg("Workers still running at exit")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes registers the admin API:
//   - auth: public token exchange
//   - signals, results, settings, workers, reports: JWT protected
//   - health and metrics: public
func setupRoutes(router *gin.Engine, h handlers) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", h.auth.GenerateTokenHandler())
		}

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(h.tokens))

		signals := protected.Group("/signals")
		{
			signals.POST("", h.signals.CreateSignalHandler())
			signals.GET("/today", h.signals.TodaySignalsHandler())
			signals.GET("/:message_id", h.signals.GetSignalHandler())
			signals.PUT("/:message_id", h.signals.UpdateSignalHandler())
			signals.DELETE("/:message_id", h.signals.DeleteSignalHandler())
		}

		protected.GET("/results", h.results.ListResultsHandler())

		settings := protected.Group("/settings")
		{
			settings.GET("", h.settings.GetSettingsHandler())
			settings.PUT("", h.settings.UpdateSettingsHandler())
			settings.GET("/trading-status", h.risk.TradingStatusHandler())
			settings.POST("/stop-trading", h.settings.StopTradingHandler())
			settings.POST("/resume-trading", h.settings.ResumeTradingHandler())
		}

		protected.GET("/workers", h.workers.WorkersHandler())
		protected.GET("/reports/today", h.reports.TodayReportHandler())
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zlog.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
