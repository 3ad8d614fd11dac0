package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	_ "github.com/azhengyongqin/diagsync/docs" // Swagger docs
	"github.com/azhengyongqin/diagsync/internal/cache"
	"github.com/azhengyongqin/diagsync/internal/config"
	"github.com/azhengyongqin/diagsync/internal/healthcheck"
	"github.com/azhengyongqin/diagsync/internal/hub"
	"github.com/azhengyongqin/diagsync/internal/logger"
	asynqx "github.com/azhengyongqin/diagsync/internal/queue"
	"github.com/azhengyongqin/diagsync/internal/repository"
	httpserver "github.com/azhengyongqin/diagsync/internal/server"
	"github.com/azhengyongqin/diagsync/internal/storage/postgres"
	"github.com/azhengyongqin/diagsync/migrations"
)

// version 构建时通过 -ldflags 注入
var version = "dev"

// @title diagsync API
// @version 1.0.0
// @description 诊断任务状态中心：创建任务、执行端上报、客户端轮询与推送订阅
// @BasePath /api/v1
// @schemes http https
// @host localhost:28080

func main() {
	if path, err := config.LoadEnvFile(); err != nil {
		// 日志尚未初始化
		_, _ = os.Stderr.WriteString("加载 .env 失败: " + path + ": " + err.Error() + "\n")
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("加载配置失败: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log.Production); err != nil {
		_, _ = os.Stderr.WriteString("初始化日志失败: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()
	logger.SetLevel(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		logger.L.Fatal().Err(err).Msg("配置验证失败")
	}

	logger.L.Info().
		Str("http", cfg.HTTP.Addr).
		Str("queue", cfg.Asynq.Queue).
		Bool("postgres", cfg.Postgres.DSN != "").
		Str("version", version).
		Msg("服务启动")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 持久化：配置了 Postgres 则使用 GORM，否则使用内存存储
	var (
		repo  repository.DiagnosisRepository
		sqlDB *sql.DB
	)
	if cfg.Postgres.DSN != "" {
		if err := migrate(ctx, cfg.Postgres); err != nil {
			logger.L.Fatal().Err(err).Msg("执行数据库迁移失败")
		}

		db, err := postgres.NewDBWithConfig(ctx, cfg.Postgres.DSN, postgres.DBConfig{
			MaxOpenConns:    int(cfg.DBPool.MaxConns),
			MaxIdleConns:    int(cfg.DBPool.MinConns),
			ConnMaxLifetime: cfg.DBPool.MaxConnLifetime,
			ConnMaxIdleTime: cfg.DBPool.MaxConnIdleTime,
		})
		if err != nil {
			logger.L.Fatal().Err(err).Msg("连接数据库失败")
		}
		defer db.Close()

		sqlDB, err = db.SqlDB()
		if err != nil {
			logger.L.Fatal().Err(err).Msg("获取数据库连接失败")
		}
		repo = repository.NewDiagnosisRepo(db.DB)
	} else {
		logger.L.Warn().Msg("未配置 POSTGRES_DSN，使用内存存储")
		repo = repository.NewMemoryRepo()
	}

	redisURL := cfg.Redis.URL()
	opts := []hub.Option{hub.WithLogger(logger.WithComponent("hub"))}

	// Redis 可用时跨实例分发推送并缓存快照；否则退化为进程内分发
	var (
		broker hub.Broker
		pinger healthcheck.Pinger
	)
	redisCache, err := cache.NewRedisCache(redisURL)
	if err != nil {
		logger.L.Warn().Err(err).Msg("Redis 不可用，推送仅在本实例内分发")
		broker = hub.NewMemoryBroker()
	} else {
		defer redisCache.Close()
		broker = hub.NewRedisBroker(redisCache)
		pinger = redisCache
		opts = append(opts, hub.WithStatusCache(redisCache, cfg.Push.StatusCacheTTL))
	}

	// Asynq client：诊断任务入队
	queueClient, err := asynqx.NewClient(redisURL, cfg.Asynq.Queue, cfg.Asynq.MaxRetry, cfg.Asynq.Timeout)
	if err != nil {
		logger.L.Fatal().Err(err).Msg("创建队列客户端失败")
	}
	defer queueClient.Close()
	opts = append(opts, hub.WithEnqueuer(queueClient))

	redisOpt, err := asynqx.NewRedisConnOpt(redisURL)
	if err != nil {
		logger.L.Fatal().Err(err).Msg("解析 Redis URI 失败")
	}
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	svc := hub.NewService(repo, broker, opts...)
	healthChecker := healthcheck.NewHealthChecker(sqlDB, pinger, inspector, version)

	httpSrv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpserver.NewRouter(httpserver.Deps{
			Service:          svc,
			HealthChecker:    healthChecker,
			AuthToken:        cfg.Auth.Token,
			PushPingInterval: cfg.Push.PingInterval,
			RateLimitRPS:     cfg.HTTP.RateLimitRPS,
			RateLimitBurst:   cfg.HTTP.RateLimitBurst,
			Monitoring:       cfg.Monitoring.Enabled,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.L.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP 服务监听")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Fatal().Err(err).Msg("HTTP 服务错误")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// websocket 连接被劫持，Shutdown 不会等待它们
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn().Err(err).Msg("HTTP 服务关闭超时")
	}
	logger.L.Info().Msg("服务已优雅关闭")
}

// migrate 使用 database/sql 连接执行迁移，MigrationsDir 为空时使用内置迁移
func migrate(ctx context.Context, pg config.PostgresConfig) error {
	db, err := postgres.OpenStdlib(pg.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if pg.MigrationsDir != "" {
		return postgres.ApplyMigrationsFromDir(ctx, db, pg.MigrationsDir)
	}
	return postgres.ApplyMigrations(ctx, db, migrations.FS)
}
