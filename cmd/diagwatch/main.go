package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/azhengyongqin/diagsync/internal/config"
	"github.com/azhengyongqin/diagsync/internal/logger"
)

var version = "dev"

func main() {
	_, _ = config.LoadEnvFile()

	// stdout 只输出任务状态，日志写 stderr
	logger.InitWithWriter(os.Stderr, false)

	runner := &Runner{out: os.Stdout}

	app := &cli.Command{
		Name:    "diagwatch",
		Usage:   "创建并跟踪诊断任务，推送不可用时自动降级为轮询",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "base-url",
				Usage:   "诊断服务地址，覆盖 BASE_URL",
				Sources: cli.EnvVars("DIAGWATCH_BASE_URL"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "日志级别 (debug/info/warn/error)",
				Value: "warn",
			},
			&cli.BoolFlag{
				Name:  "no-push",
				Usage: "只使用轮询",
			},
		},
		Before:   runner.before,
		After:    runner.after,
		Commands: runner.commands(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		logger.L.Error().Err(err).Msg("执行失败")
		stop()
		os.Exit(1)
	}
}
