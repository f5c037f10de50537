package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "trader"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if len(cfg.Tokens) == 0 {
		cfg.Tokens = DefaultTokens()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("scheduler.batch_size", 20)
	v.SetDefault("scheduler.loop_interval", "0s")
	v.SetDefault("scheduler.tick_timeout", "50s")
	v.SetDefault("scheduler.retry.base_delay", "5m")
	v.SetDefault("scheduler.retry.multiplier", 1.0)
	v.SetDefault("scheduler.retry.max_delay", "1h")
	v.SetDefault("scheduler.retry.max_attempts", 0)

	// 敏感字段只声明默认空值，使 TRADER_* 环境变量可以覆盖。
	v.SetDefault("secrets.master_key", "")
	v.SetDefault("trigger.jwt_secret", "")
	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("notify.password", "")

	v.SetDefault("trigger.addr", ":8080")
	v.SetDefault("trigger.issuer", "agent-trader")
	v.SetDefault("trigger.read_timeout", "10s")

	v.SetDefault("risk.gate_centralized", true)

	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.rpc_timeout", "2m")
	v.SetDefault("chain.settlement_contract", "0x9008D19f58AAbD9eD0D60971565AA8510560ab41")
	v.SetDefault("chain.vault_relayer", "0xC92E8bdf79f0507f65a392b0ab4667716BFE0110")
	v.SetDefault("chain.app_data", "0x0000000000000000000000000000000000000000000000000000000000000000")
	v.SetDefault("chain.slippage_bps", 50)
	v.SetDefault("chain.quote_validity", "30m")

	v.SetDefault("orderbook.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("orderbook.timeout", "15s")

	v.SetDefault("exchanges.sandbox", false)
	v.SetDefault("exchanges.alpaca_base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("exchanges.timeout", "15s")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.addr", "localhost:6379")
	v.SetDefault("notify.db", 0)
	v.SetDefault("notify.channel", "agent-trader:events")

	v.SetDefault("openai.enabled", false)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.timeout", "30s")

	v.SetDefault("database.path", "data/agent_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
