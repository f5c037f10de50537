package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Orderbook OrderbookConfig `mapstructure:"orderbook"`
	Exchanges ExchangesConfig `mapstructure:"exchanges"`
	Tokens    []TokenConfig   `mapstructure:"tokens"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// SchedulerConfig 控制调度批次与重试节奏。
type SchedulerConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	LoopInterval time.Duration `mapstructure:"loop_interval"`
	TickTimeout  time.Duration `mapstructure:"tick_timeout"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 描述瞬时失败后的重新排期策略。
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// TriggerConfig 描述调度触发接口。
type TriggerConfig struct {
	Addr        string        `mapstructure:"addr"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	Issuer      string        `mapstructure:"issuer"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// RiskConfig 管理风控闸门参数。
type RiskConfig struct {
	GateCentralized bool `mapstructure:"gate_centralized"`
}

// ChainConfig 描述链上执行所需参数。
type ChainConfig struct {
	RPCURL             string        `mapstructure:"rpc_url"`
	ChainID            int64         `mapstructure:"chain_id"`
	RPCTimeout         time.Duration `mapstructure:"rpc_timeout"`
	SettlementContract string        `mapstructure:"settlement_contract"`
	VaultRelayer       string        `mapstructure:"vault_relayer"`
	AppData            string        `mapstructure:"app_data"`
	SlippageBps        int           `mapstructure:"slippage_bps"`
	QuoteValidity      time.Duration `mapstructure:"quote_validity"`
}

// OrderbookConfig 描述批量拍卖订单簿 API。
type OrderbookConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExchangesConfig 描述中心化交易所连接参数。
type ExchangesConfig struct {
	Sandbox       bool          `mapstructure:"sandbox"`
	AlpacaBaseURL string        `mapstructure:"alpaca_base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// TokenConfig 描述代币注册表条目。
type TokenConfig struct {
	Address      string `mapstructure:"address"`
	Symbol       string `mapstructure:"symbol"`
	Decimals     int32  `mapstructure:"decimals"`
	Stable       bool   `mapstructure:"stable"`
	CEXAsset     string `mapstructure:"cex_asset"`
	CEXPrecision int32  `mapstructure:"cex_precision"`
}

// SecretsConfig 描述密钥存储的主密钥。
type SecretsConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

// NotifyConfig 描述通知推送通道。
type NotifyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// DefaultTokens 返回主网常用代币注册表。
func DefaultTokens() []TokenConfig {
	return []TokenConfig{
		{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6, Stable: true, CEXAsset: "USDC", CEXPrecision: 2},
		{Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Symbol: "USDT", Decimals: 6, Stable: true, CEXAsset: "USDT", CEXPrecision: 2},
		{Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Symbol: "WETH", Decimals: 18, CEXAsset: "ETH", CEXPrecision: 4},
		{Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", Symbol: "WBTC", Decimals: 8, CEXAsset: "BTC", CEXPrecision: 5},
	}
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Scheduler.BatchSize <= 0 || c.Scheduler.BatchSize > 500 {
		err = multierr.Append(err, errors.New("scheduler.batch_size 必须位于(0,500]"))
	}
	if c.Scheduler.LoopInterval < 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 不能为负"))
	}
	if c.Scheduler.TickTimeout <= 0 {
		err = multierr.Append(err, errors.New("scheduler.tick_timeout 必须大于0"))
	}
	if c.Scheduler.Retry.BaseDelay <= 0 {
		err = multierr.Append(err, errors.New("scheduler.retry.base_delay 必须大于0"))
	}
	if c.Scheduler.Retry.Multiplier < 1 {
		err = multierr.Append(err, errors.New("scheduler.retry.multiplier 不能小于1"))
	}
	if c.Scheduler.Retry.MaxDelay < c.Scheduler.Retry.BaseDelay {
		err = multierr.Append(err, errors.New("scheduler.retry.max_delay 不能小于 base_delay"))
	}
	if c.Scheduler.Retry.MaxAttempts < 0 {
		err = multierr.Append(err, errors.New("scheduler.retry.max_attempts 不能为负"))
	}
	if c.Trigger.Addr == "" {
		err = multierr.Append(err, errors.New("trigger.addr 不能为空"))
	}
	if len(c.Trigger.JWTSecret) < 16 {
		err = multierr.Append(err, errors.New("trigger.jwt_secret 长度至少为16"))
	}
	if c.Chain.ChainID <= 0 {
		err = multierr.Append(err, errors.New("chain.chain_id 必须大于0"))
	}
	if c.Chain.RPCURL == "" {
		err = multierr.Append(err, errors.New("chain.rpc_url 不能为空"))
	}
	if c.Chain.RPCTimeout <= 0 {
		err = multierr.Append(err, errors.New("chain.rpc_timeout 必须大于0"))
	}
	if !common.IsHexAddress(c.Chain.SettlementContract) {
		err = multierr.Append(err, errors.New("chain.settlement_contract 不是合法地址"))
	}
	if !common.IsHexAddress(c.Chain.VaultRelayer) {
		err = multierr.Append(err, errors.New("chain.vault_relayer 不是合法地址"))
	}
	if len(strings.TrimPrefix(c.Chain.AppData, "0x")) != 64 {
		err = multierr.Append(err, errors.New("chain.app_data 必须为32字节十六进制"))
	}
	if c.Chain.SlippageBps < 0 || c.Chain.SlippageBps > 5000 {
		err = multierr.Append(err, errors.New("chain.slippage_bps 应位于[0,5000]"))
	}
	if c.Chain.QuoteValidity <= 0 {
		err = multierr.Append(err, errors.New("chain.quote_validity 必须大于0"))
	}
	if c.Orderbook.BaseURL == "" {
		err = multierr.Append(err, errors.New("orderbook.base_url 不能为空"))
	}
	if c.Orderbook.Timeout <= 0 {
		err = multierr.Append(err, errors.New("orderbook.timeout 必须大于0"))
	}
	for i, token := range c.Tokens {
		if !common.IsHexAddress(token.Address) {
			err = multierr.Append(err, fmt.Errorf("tokens[%d].address 不是合法地址", i))
		}
		if token.Decimals < 0 || token.Decimals > 36 {
			err = multierr.Append(err, fmt.Errorf("tokens[%d].decimals 应位于[0,36]", i))
		}
	}
	if c.Secrets.MasterKey == "" {
		err = multierr.Append(err, errors.New("secrets.master_key 不能为空"))
	}
	if c.Notify.Enabled {
		if c.Notify.Addr == "" {
			err = multierr.Append(err, errors.New("notify.addr 不能为空"))
		}
		if c.Notify.Channel == "" {
			err = multierr.Append(err, errors.New("notify.channel 不能为空"))
		}
	}
	if c.OpenAI.Enabled {
		if c.OpenAI.APIKey == "" {
			err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
		}
		if c.OpenAI.Model == "" {
			err = multierr.Append(err, errors.New("openai.model 不能为空"))
		}
		if c.OpenAI.Timeout <= 0 {
			err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
		}
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
