package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agent-trader/internal/config"
	"agent-trader/internal/pipeline"
	"agent-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *store.Store
	components *components
}

// New 创建 App 实例并完成组件装配。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := buildComponents(ctx, cfg, logger, st)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, logger: logger, store: st, components: c}, nil
}

// Run 启动 HTTP 触发接口；loop_interval 大于 0 时同时在进程内按间隔调度。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易执行服务已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Int64("chain_id", a.cfg.Chain.ChainID),
		zap.String("addr", a.cfg.Trigger.Addr),
		zap.Duration("loop_interval", a.cfg.Scheduler.LoopInterval),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.components.server.Run(ctx)
	})
	if interval := a.cfg.Scheduler.LoopInterval; interval > 0 {
		g.Go(func() error {
			return a.loop(ctx, interval)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// RunOnce 执行一次调度并返回摘要。
func (a *App) RunOnce(ctx context.Context) (pipeline.Summary, error) {
	if timeout := a.cfg.Scheduler.TickTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return a.components.runner.Tick(ctx)
}

// Seal 加密保存一条密钥材料。
func (a *App) Seal(ctx context.Context, ref string, plaintext []byte) error {
	return a.components.secrets.Seal(ctx, ref, plaintext)
}

// Close 释放外部连接。
func (a *App) Close() {
	a.components.close(a.logger)
}

func (a *App) loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.Error(err))
			}
		}
	}
}
