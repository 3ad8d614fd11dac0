package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/azhengyongqin/diagsync/internal/cache"
	"github.com/azhengyongqin/diagsync/internal/config"
	"github.com/azhengyongqin/diagsync/internal/logger"
	"github.com/azhengyongqin/diagsync/sdk"
)

// Runner 命令执行上下文，before 中按配置组装
type Runner struct {
	out io.Writer

	cfg     *config.ClientConfig
	client  *sdk.Client
	pending sdk.PendingStore
	closers []func() error
}

func (r *Runner) commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "start",
			Usage:     "创建诊断任务并跟踪到结束",
			ArgsUsage: "[payload-json]",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "task-id", Usage: "指定任务 ID，默认由服务端生成"},
			},
			Action: r.Start,
		},
		{
			Name:      "track",
			Usage:     "跟踪已有诊断任务",
			ArgsUsage: "<task_id>",
			Action:    r.Track,
		},
		{
			Name:   "restore",
			Usage:  "恢复上次未结束的任务",
			Action: r.Restore,
		},
		{
			Name:      "simulate",
			Usage:     "模拟执行端，按脚本上报一次完整诊断",
			ArgsUsage: "<task_id>",
			Flags: []cli.Flag{
				&cli.DurationFlag{Name: "interval", Usage: "每步间隔", Value: 2 * time.Second},
			},
			Action: r.Simulate,
		},
	}
}

func (r *Runner) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	logger.SetLevel(cmd.String("log-level"))

	cfg, err := config.LoadClient()
	if err != nil {
		return ctx, err
	}
	if u := cmd.String("base-url"); u != "" {
		cfg.BaseURL = u
	}
	if cmd.Bool("no-push") {
		cfg.Sync.PushEnabled = false
	}
	if err := cfg.Validate(); err != nil {
		return ctx, err
	}

	r.cfg = cfg
	r.client = sdk.NewClient(cfg.BaseURL, cfg.Token)

	pending, err := r.openPendingStore(ctx)
	if err != nil {
		return ctx, err
	}
	r.pending = pending
	return ctx, nil
}

func (r *Runner) after(context.Context, *cli.Command) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

func (r *Runner) openPendingStore(ctx context.Context) (sdk.PendingStore, error) {
	switch r.cfg.PendingStore {
	case "redis":
		c, err := cache.NewRedisCache(r.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis pending store: %w", err)
		}
		r.closers = append(r.closers, c.Close)
		return sdk.NewRedisPendingStore(c, r.cfg.ClientID, r.cfg.Sync.PendingFreshness), nil
	case "memory":
		return sdk.NewMemoryPendingStore(), nil
	default:
		s, err := sdk.NewSQLitePendingStore(ctx, r.cfg.PendingPath)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, s.Close)
		return s, nil
	}
}

func (r *Runner) newTracker() *sdk.Tracker {
	opts := []sdk.TrackerOption{
		sdk.WithPendingStore(r.pending),
		sdk.WithTrackerLogger(logger.WithComponent("diagwatch")),
	}
	if !r.cfg.Sync.PushEnabled {
		return sdk.NewTracker(r.client.FetchStatus, r.cfg.Sync, opts...)
	}
	return sdk.NewClientTracker(r.client, r.cfg.Sync, opts...)
}

// Start 创建任务后立即跟踪
func (r *Runner) Start(ctx context.Context, cmd *cli.Command) error {
	req := sdk.CreateDiagnosisRequest{TaskID: cmd.String("task-id")}
	if raw := cmd.Args().First(); raw != "" {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		req.Payload = json.RawMessage(raw)
	}

	created, err := r.client.CreateDiagnosis(ctx, req)
	if err != nil {
		return fmt.Errorf("create diagnosis: %w", err)
	}
	fmt.Fprintf(r.out, "task %s created\n", created.TaskID)

	return r.follow(ctx, func(t *sdk.Tracker, cb sdk.Callbacks) (bool, error) {
		t.Track(created.TaskID, cb)
		return true, nil
	})
}

// Track 跟踪已有任务
func (r *Runner) Track(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("task_id is required")
	}
	return r.follow(ctx, func(t *sdk.Tracker, cb sdk.Callbacks) (bool, error) {
		t.Track(taskID, cb)
		return true, nil
	})
}

// Restore 恢复持久化的进行中任务
func (r *Runner) Restore(ctx context.Context, _ *cli.Command) error {
	return r.follow(ctx, func(t *sdk.Tracker, cb sdk.Callbacks) (bool, error) {
		taskID, resumed, err := t.RestorePending(ctx, cb)
		if err != nil {
			return false, fmt.Errorf("restore %s: %w", taskID, err)
		}
		if !resumed {
			if taskID == "" {
				fmt.Fprintln(r.out, "no pending task")
			} else {
				fmt.Fprintf(r.out, "task %s no longer needs tracking\n", taskID)
			}
			return false, nil
		}
		fmt.Fprintf(r.out, "resumed task %s\n", taskID)
		return true, nil
	})
}

// Simulate 以执行端身份上报默认脚本
func (r *Runner) Simulate(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("task_id is required")
	}
	rep := sdk.NewReporter(r.client, sdk.DefaultReportRetryConfig())
	if err := rep.Run(ctx, taskID, sdk.DefaultScript(cmd.Duration("interval"))); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "task %s reported to completion\n", taskID)
	return nil
}

// follow 启动跟踪并阻塞到会话结束。中断时保留进行中记录，便于 restore。
func (r *Runner) follow(ctx context.Context, start func(*sdk.Tracker, sdk.Callbacks) (bool, error)) error {
	tracker := r.newTracker()
	defer tracker.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go tracker.Run(runCtx)

	done := make(chan error, 1)
	cb := sdk.Callbacks{
		OnStatus: func(s sdk.StatusSnapshot) {
			r.printStatus(s)
		},
		OnComplete: func(s sdk.StatusSnapshot) {
			r.printStatus(s)
			if len(s.Results) > 0 {
				fmt.Fprintf(r.out, "results: %s\n", s.Results)
			}
			done <- nil
		},
		OnError: func(e sdk.ErrorInfo) {
			done <- e
		},
		OnTimeout: func(t sdk.TimeoutInfo) {
			done <- fmt.Errorf("task %s timed out after %s: %s", t.TaskID, t.Elapsed.Round(time.Second), t.Message)
		},
	}

	started, err := start(tracker, cb)
	if err != nil || !started {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		fmt.Fprintln(r.out, "interrupted, run `diagwatch restore` to resume")
		return nil
	}
}

func (r *Runner) printStatus(s sdk.StatusSnapshot) {
	line := fmt.Sprintf("[%s] %3d%%", s.Status, s.Progress)
	if s.Stage != "" {
		line += " " + s.Stage
	}
	if s.ErrorMessage != "" {
		line += ": " + s.ErrorMessage
	}
	fmt.Fprintln(r.out, line)
}
