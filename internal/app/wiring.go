package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"agent-trader/internal/agent"
	"agent-trader/internal/ai"
	"agent-trader/internal/config"
	"agent-trader/internal/monitor"
	"agent-trader/internal/outcome"
	"agent-trader/internal/pipeline"
	"agent-trader/internal/queue"
	"agent-trader/internal/risk"
	"agent-trader/internal/secret"
	"agent-trader/internal/server"
	"agent-trader/internal/store"
	"agent-trader/internal/venue"
	"agent-trader/internal/venue/cex"
	"agent-trader/internal/venue/cow"
)

// ccxtExchanges 是默认启用的 ccxt 交易所。
var ccxtExchanges = []string{"binance", "bybit", "okx"}

// components 聚合运行期组件。
type components struct {
	queue    *queue.Repository
	agents   *agent.Repository
	secrets  *secret.Store
	audit    *monitor.Service
	runner   *pipeline.Runner
	server   *server.Server
	notifier *monitor.Notifier
	chain    *ethclient.Client
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*components, error) {
	c := &components{}

	var err error
	if c.queue, err = queue.NewRepository(st, logger); err != nil {
		return nil, fmt.Errorf("初始化交易队列失败: %w", err)
	}
	if c.agents, err = agent.NewRepository(st, logger); err != nil {
		return nil, fmt.Errorf("初始化代理仓库失败: %w", err)
	}
	if c.secrets, err = secret.NewStore(st, cfg.Secrets.MasterKey, logger); err != nil {
		return nil, fmt.Errorf("初始化密钥存储失败: %w", err)
	}
	consultations, err := outcome.NewRepository(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化咨询记录失败: %w", err)
	}
	if c.audit, err = monitor.NewService(st, logger); err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}
	gate, err := risk.NewGate(cfg.Risk, c.agents, st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化风控失败: %w", err)
	}

	tokens := venue.NewTokens(cfg.Tokens)

	onChain, err := c.buildOnChain(ctx, cfg, tokens, logger)
	if err != nil {
		return nil, err
	}
	centralized, err := buildCentralized(cfg, c.agents, c.secrets, tokens, logger)
	if err != nil {
		return nil, err
	}

	dispatcher := monitor.NewDispatcher(logger)
	dispatcher.Subscribe("audit", c.audit)
	dispatcher.Subscribe("outcome-linker", outcome.NewLinker(consultations, logger), monitor.EventTradeFilled)
	if cfg.Notify.Enabled {
		if c.notifier, err = monitor.NewNotifier(cfg.Notify, logger); err != nil {
			return nil, fmt.Errorf("初始化通知失败: %w", err)
		}
		dispatcher.Subscribe("notifier", c.notifier)
	}

	c.runner = pipeline.NewRunner(cfg.Scheduler, c.queue, c.agents, gate,
		venue.NewRegistry(onChain, centralized), dispatcher, logger)

	deps := server.Deps{
		Runner:   c.runner,
		Trades:   c.queue,
		Events:   c.audit,
		Activity: gate.Activity(),
	}
	if cfg.OpenAI.Enabled {
		client, err := ai.NewClient(cfg.OpenAI, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化AI客户端失败: %w", err)
		}
		deps.Consulter = ai.NewService(client, c.agents, c.queue, consultations, tokens, cfg.Chain.ChainID, logger)
	}
	c.server = server.New(cfg.Trigger, cfg.Scheduler.TickTimeout, deps, logger)

	return c, nil
}

func (c *components) buildOnChain(ctx context.Context, cfg *config.Config, tokens *venue.Tokens, logger *zap.Logger) (*cow.Venue, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(dialCtx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("连接链上节点失败: %w", err)
	}
	c.chain = client

	allowances, err := cow.NewAllowanceManager(client, cfg.Chain.VaultRelayer, cfg.Chain.ChainID, cfg.Chain.RPCTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化授权管理失败: %w", err)
	}
	orderbook := cow.NewClient(cfg.Orderbook, logger)
	return cow.NewVenue(orderbook, allowances, c.secrets, tokens, cfg.Chain, logger), nil
}

func buildCentralized(cfg *config.Config, agents *agent.Repository, secrets *secret.Store, tokens *venue.Tokens, logger *zap.Logger) (*cex.Venue, error) {
	adapters := make([]cex.Adapter, 0, len(ccxtExchanges)+1)
	for _, name := range ccxtExchanges {
		adapter, err := cex.NewCCXTAdapter(name, cfg.Exchanges.Timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化交易所适配器失败 (%s): %w", name, err)
		}
		adapters = append(adapters, adapter)
	}
	adapters = append(adapters, cex.NewAlpacaAdapter(cfg.Exchanges.AlpacaBaseURL, logger))

	return cex.NewVenue(agents, secrets, tokens, cfg.Exchanges.Sandbox, logger, adapters...), nil
}

func (c *components) close(logger *zap.Logger) {
	if c.notifier != nil {
		if err := c.notifier.Close(); err != nil {
			logger.Warn("关闭通知客户端失败", zap.Error(err))
		}
	}
	if c.chain != nil {
		c.chain.Close()
	}
}
