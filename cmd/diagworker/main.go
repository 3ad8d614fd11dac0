package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/azhengyongqin/diagsync/internal/config"
	"github.com/azhengyongqin/diagsync/internal/executor"
	"github.com/azhengyongqin/diagsync/internal/logger"
	asynqx "github.com/azhengyongqin/diagsync/internal/queue"
	"github.com/azhengyongqin/diagsync/sdk"
)

// diagworker 模拟执行端：消费诊断队列并通过 HTTP 上报进度
func main() {
	_, _ = config.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("加载配置失败: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log.Production); err != nil {
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	redisOpt, err := asynqx.NewRedisConnOpt(cfg.Redis.URL())
	if err != nil {
		logger.L.Fatal().Err(err).Msg("解析 Redis URI 失败")
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      map[string]int{cfg.Asynq.Queue: 1},
		Logger:      asynqLogger{},
	})

	mux := asynq.NewServeMux()
	client := sdk.NewClient(cfg.Worker.BaseURL, cfg.Auth.Token)
	executor.NewHandler(client, sdk.DefaultReportRetryConfig(), cfg.Worker.StepInterval).Register(mux)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(mux); err != nil {
		logger.L.Fatal().Err(err).Msg("启动执行端失败")
	}
	logger.L.Info().
		Str("queue", cfg.Asynq.Queue).
		Int("concurrency", cfg.Worker.Concurrency).
		Str("base_url", cfg.Worker.BaseURL).
		Msg("执行端已启动")

	<-ctx.Done()
	srv.Shutdown()
	logger.L.Info().Msg("执行端已停止")
}

// asynqLogger 将 asynq 内部日志转到 zerolog
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { logger.L.Debug().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { logger.L.Info().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { logger.L.Warn().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { logger.L.Error().Msg(fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) { logger.L.Fatal().Msg(fmt.Sprint(args...)) }
