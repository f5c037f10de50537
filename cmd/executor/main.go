package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"agent-trader/internal/app"
	"agent-trader/internal/config"
	"agent-trader/internal/log"
	"agent-trader/internal/store"
)

func main() {
	var (
		configPath string
		once       bool
		sealRef    string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.BoolVar(&once, "once", false, "只执行一次调度并输出摘要后退出")
	flag.StringVar(&sealRef, "seal-ref", "", "从标准输入读取密钥材料并以该引用加密保存后退出")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载 .env 失败: %v\n", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.App.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executor, err := app.New(ctx, cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化系统失败", zap.Error(err))
		os.Exit(1)
	}
	defer executor.Close()

	switch {
	case sealRef != "":
		if err := seal(ctx, executor, sealRef, os.Stdin); err != nil {
			logger.Error("保存密钥失败", zap.Error(err), zap.String("ref", sealRef))
			os.Exit(1)
		}
		logger.Info("密钥已加密保存", zap.String("ref", sealRef))
	case once:
		summary, err := executor.RunOnce(ctx)
		if err != nil {
			logger.Error("调度执行失败", zap.Error(err))
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
	default:
		if err := executor.Run(ctx); err != nil {
			logger.Error("系统运行异常", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("系统已安全退出")
	}
}

func seal(ctx context.Context, executor *app.App, ref string, r io.Reader) error {
	raw, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return fmt.Errorf("读取标准输入失败: %w", err)
	}
	material := []byte(strings.TrimSpace(string(raw)))
	defer func() {
		for i := range material {
			material[i] = 0
		}
		for i := range raw {
			raw[i] = 0
		}
	}()
	if len(material) == 0 {
		return fmt.Errorf("密钥材料为空")
	}
	return executor.Seal(ctx, ref, material)
}
