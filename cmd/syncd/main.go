package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"calsync/internal/config"
	cronrunner "calsync/internal/cron"
	"calsync/internal/db"
	"calsync/internal/handler"
	"calsync/internal/logger"
	"calsync/internal/provider"
	"calsync/internal/provider/gcal"
	"calsync/internal/provider/notion"
	gormrepository "calsync/internal/repository/gorm"
	"calsync/internal/service"
)

// Default credential refs served by the configured token store. Integrations
// name one of these in auth_ref.
const (
	authRefGoogle = "google-default"
	authRefNotion = "notion-default"
)

func main() {
	cfgPath := os.Getenv("CS_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("CS_ENV_ONLY"); envOnlyRaw != "" {
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

	dbConn, err := db.Open(cfg.DB)
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

	googleTokens := &provider.OAuthTokenCapability{
		Config: &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Google.TokenURL},
		},
		RefreshToken: cfg.Google.RefreshToken,
	}
	notionTokens := provider.StaticTokenCapability{AccessToken: cfg.Notion.Token}
	tokenStore := provider.StaticTokenStore{
		authRefGoogle: googleTokens,
		authRefNotion: notionTokens,
	}

	googleHTTP := &http.Client{Timeout: cfg.Google.Timeout}
	notionHTTP := &http.Client{Timeout: cfg.Notion.Timeout}
	providers := provider.NewRegistry(
		gcal.NewClient(googleHTTP, cfg.Google.BaseURL, googleTokens, cfg.Webhook.ChannelTTL),
		notion.NewClient(notionHTTP, cfg.Notion.BaseURL, notionTokens),
	)

	store := gormrepository.New(dbConn.Gorm)
	orchestrator := &service.Orchestrator{
		Repo:       store,
		Providers:  providers,
		Logger:     logger,
		MaxRetries: cfg.Queue.MaxRetries,
	}
	worker := &service.QueueWorker{
		Repo:         store,
		Providers:    providers,
		Orchestrator: orchestrator,
		Logger:       logger,
		BatchLimit:   cfg.Queue.BatchLimit,
	}
	webhooks := &service.WebhookService{
		Repo:        store,
		Providers:   providers,
		Logger:      logger,
		CallbackURL: cfg.Webhook.CallbackURL,
		TokenSecret: []byte(cfg.Webhook.TokenSecret),
		RenewBefore: cfg.Webhook.RenewBefore,
		MaxRetries:  cfg.Queue.MaxRetries,
	}
	poller := &service.Poller{
		Repo:       store,
		Providers:  providers,
		Logger:     logger,
		MaxRetries: cfg.Queue.MaxRetries,
	}
	events := &service.EventService{
		Repo:         store,
		Orchestrator: orchestrator,
		Logger:       logger,
	}
	integrations := &service.IntegrationService{
		Repo:      store,
		Providers: providers,
		Tokens:    tokenStore,
		Logger:    logger,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm, Repo: store}
	healthHandler.Register(engine)
	eventHandler := &handler.EventHandler{Events: events}
	eventHandler.Register(engine)
	integrationHandler := &handler.IntegrationHandler{Integrations: integrations}
	integrationHandler.Register(engine)
	syncHandler := &handler.SyncHandler{
		Repo:     store,
		Worker:   worker,
		Webhooks: webhooks,
	}
	syncHandler.Register(engine)
	webhookHandler := &handler.WebhookHandler{Webhooks: webhooks}
	webhookHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		_, err = cronRunner.Add("queue batch", cfg.Cron.QueueTick, func(ctx context.Context) {
			result, err := worker.ProcessBatch(ctx)
			if err != nil {
				logger.Warn("queue batch failed", zap.Error(err))
				return
			}
			if len(result.Outcomes) > 0 {
				logger.Info("queue batch done",
					zap.Int("processed", len(result.Outcomes)),
					zap.Int64("pending", result.Stats.Pending),
					zap.Int64("failed", result.Stats.Failed),
				)
			}
		})
		if err != nil {
			logger.Warn("cron register queue batch failed", zap.Error(err))
		}

		_, err = cronRunner.Add("poll scheduler", cfg.Cron.PollTick, func(ctx context.Context) {
			n, err := poller.EnqueuePolls(ctx)
			if err != nil {
				logger.Warn("poll scheduling failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("polls enqueued", zap.Int("count", n))
			}
		})
		if err != nil {
			logger.Warn("cron register poll scheduler failed", zap.Error(err))
		}

		_, err = cronRunner.Add("channel upkeep", cfg.Cron.ChannelTick, func(ctx context.Context) {
			registered, err := webhooks.EnsureChannels(ctx)
			if err != nil {
				logger.Warn("channel registration failed", zap.Error(err))
			}
			renewed, err := webhooks.RenewExpiring(ctx)
			if err != nil {
				logger.Warn("channel renewal failed", zap.Error(err))
			}
			if registered > 0 || renewed > 0 {
				logger.Info("channel upkeep done",
					zap.Int("registered", registered),
					zap.Int("renewed", renewed),
				)
			}
		})
		if err != nil {
			logger.Warn("cron register channel upkeep failed", zap.Error(err))
		}

		_, err = cronRunner.Add("queue gc", cfg.Cron.QueueGCTick, func(ctx context.Context) {
			n, err := worker.CollectGarbage(ctx, cfg.Cron.QueueGCAfter)
			if err != nil {
				logger.Warn("queue gc failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("queue gc done", zap.Int64("deleted", n))
			}
		})
		if err != nil {
			logger.Warn("cron register queue gc failed", zap.Error(err))
		}

		cronRunner.Start()
		defer cronRunner.Stop()
	}

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
