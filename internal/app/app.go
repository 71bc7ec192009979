// Package app 组装数据库、消息通道、规则引擎与 HTTP 路由，供 server 与 CLI 共用
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/handlers"
	"crmflow/internal/metrics"
	"crmflow/internal/middleware"
	"crmflow/internal/models"
	"crmflow/internal/observability"
	"crmflow/internal/services"
	"crmflow/pkg/messaging"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// App 持有运行期依赖
type App struct {
	Config     *config.Config
	Logger     *logrus.Logger
	DB         *gorm.DB
	Redis      redis.UniversalClient
	Metrics    *metrics.Collector
	Feed       *services.ExecutionFeed
	Store      *services.GormEntityStore
	Templates  *services.TemplateService
	Audit      *services.AuditService
	Dispatcher *services.ActionDispatcher
	Automation *services.AutomationService
	Overdue    *services.TaskOverdueMonitor
}

// OpenDatabase 连接 Postgres 并设置连接池
func OpenDatabase(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			log.Warnf("gorm tracing plugin: %v", err)
		}
	}
	return db, nil
}

// Migrate 自动迁移全部模型
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// New 组装服务。cfg.Redis.Enabled 时创建 Redis 客户端。
func New(cfg *config.Config, db *gorm.DB, log *logrus.Logger) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Config: cfg, Logger: log, DB: db}

	if cfg.Monitoring.Enabled {
		a.Metrics = metrics.New(nil)
	}
	if cfg.Redis.Enabled {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
	}

	mailer, chat := BuildSenders(cfg.Messaging, log)
	batch := BatchOptions(cfg.Automation)

	a.Store = services.NewGormEntityStore(db, log)
	a.Templates = services.NewTemplateService(db, log)
	a.Audit = services.NewAuditService(db, log)
	a.Feed = services.NewExecutionFeed(log)
	a.Dispatcher = services.NewActionDispatcher(a.Store, a.Templates, mailer, chat, log)
	a.Dispatcher.SetBatchOptions(batch)

	a.Automation = services.NewAutomationService(db, a.Dispatcher, log)
	a.Automation.SetAuditService(a.Audit)
	a.Automation.SetEntityStore(a.Store)
	a.Automation.SetExecutionFeed(a.Feed)
	a.Automation.SetMetrics(a.Metrics)
	a.Automation.SetLogDryRuns(cfg.Automation.LogDryRuns)
	a.Automation.SetBatchOptions(batch)

	switch cfg.Automation.DelayBackend {
	case "", "db":
		a.Automation.SetDelayQueue(services.NewDBDelayQueue(db))
	case "redis":
		if a.Redis == nil {
			return nil, errors.New("automation.delay_backend=redis requires redis.enabled")
		}
		a.Automation.SetDelayQueue(services.NewRedisDelayQueue(a.Redis, cfg.Redis.KeyPrefix, log))
	case "inline":
		// 无队列时在执行过程中原地等待
	default:
		return nil, fmt.Errorf("unknown automation.delay_backend %q", cfg.Automation.DelayBackend)
	}

	a.Overdue = services.NewTaskOverdueMonitor(db, a.Automation, log)
	return a, nil
}

// BuildSenders 按配置创建邮件/WhatsApp 通道；未启用的通道只记录日志
func BuildSenders(cfg config.MessagingConfig, log *logrus.Logger) (messaging.MailSender, messaging.ChatSender) {
	rc := messaging.ResilienceConfig{
		Attempts:         cfg.Breaker.Attempts,
		BaseDelay:        cfg.Breaker.BaseDelay,
		MaxDelay:         cfg.Breaker.MaxDelay,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	}

	var mailer messaging.MailSender = messaging.LogMailer{Logger: log}
	if cfg.Email.Enabled {
		mailer = &messaging.ResilientMailer{
			Next: messaging.NewHTTPMailer(messaging.MailConfig{
				Endpoint: cfg.Email.Endpoint,
				APIKey:   cfg.Email.APIKey,
				From:     cfg.Email.From,
				Timeout:  cfg.Email.Timeout,
			}, log),
			R: messaging.NewResilience("email", rc, log),
		}
	}

	var chat messaging.ChatSender = messaging.LogChat{Logger: log}
	if cfg.WhatsApp.Enabled {
		chat = &messaging.ResilientChat{
			Next: messaging.NewTwilioWhatsApp(messaging.TwilioConfig{
				BaseURL:    cfg.WhatsApp.BaseURL,
				AccountSID: cfg.WhatsApp.AccountSID,
				AuthToken:  cfg.WhatsApp.AuthToken,
				From:       cfg.WhatsApp.From,
				Timeout:    cfg.WhatsApp.Timeout,
			}, log),
			R: messaging.NewResilience("whatsapp", rc, log),
		}
	}
	return mailer, chat
}

// BatchOptions 批量写入参数
func BatchOptions(ac config.AutomationConfig) services.BatchOptions {
	opts := services.DefaultBatchOptions()
	if ac.BulkChunkSize > 0 {
		opts.ChunkSize = ac.BulkChunkSize
	}
	if ac.BulkMaxRetries > 0 {
		opts.MaxRetries = ac.BulkMaxRetries
	}
	if ac.BulkBaseDelay > 0 {
		opts.BaseDelay = ac.BulkBaseDelay
	}
	if ac.BulkMaxDelay > 0 {
		opts.MaxDelay = ac.BulkMaxDelay
	}
	return opts
}

// Router 构建 gin 路由
func (a *App) Router() *gin.Engine {
	cfg := a.Config
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	r.Use(middleware.RateLimitMiddleware(cfg, a.Metrics))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	handlers.RegisterHealthRoutes(r, handlers.NewEnhancedHealthHandler(cfg, a.DB, a.Redis, a.Feed))
	if cfg.Monitoring.Enabled && a.Metrics != nil {
		r.GET(cfg.Monitoring.MetricsPath, gin.WrapH(a.Metrics.Handler()))
	}

	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))

	automationAPI := api.Group("/")
	automationAPI.Use(middleware.RequireResourcePermission("automation"))
	handlers.RegisterAutomationRoutes(automationAPI, handlers.NewAutomationHandler(a.Automation, a.Feed, a.Logger))

	auditAPI := api.Group("/")
	auditAPI.Use(middleware.RequireResourcePermission("audit"))
	handlers.RegisterAuditRoutes(auditAPI, handlers.NewAuditHandler(a.Audit))

	templatesAPI := api.Group("/")
	templatesAPI.Use(middleware.RequireResourcePermission("templates"))
	handlers.RegisterTemplateRoutes(templatesAPI, handlers.NewTemplateHandler(a.Templates))
	return r
}

// StartWorkers 启动后台任务，直到 ctx 结束
func (a *App) StartWorkers(ctx context.Context) {
	ac := a.Config.Automation
	go a.Feed.Run(ctx)
	go a.Automation.StartDelayedActionWorker(ctx, ac.WorkerInterval)
	go a.Overdue.Start(ctx, ac.OverdueCheckInterval)
	if ac.LogRetentionDays > 0 {
		go a.Automation.StartLogRetention(ctx, time.Duration(ac.LogRetentionDays)*24*time.Hour, 24*time.Hour)
	}
}

// Close 释放数据库与 Redis 连接
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// Serve 运行 HTTP 服务直到 ctx 结束，然后优雅关闭
func Serve(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	shutdownOTel, err := observability.SetupTracing(ctx, cfg.Monitoring.Tracing)
	if err != nil {
		log.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := OpenDatabase(cfg, log)
	if err != nil {
		return err
	}
	if err := Migrate(db); err != nil {
		return err
	}
	a, err := New(cfg, db, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warnf("close: %v", err)
		}
	}()

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.StartWorkers(workerCtx)

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: listenAddr, Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("Server exited")
	return nil
}
