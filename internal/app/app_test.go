package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agent-trader/internal/config"
	"agent-trader/internal/pipeline"
	"agent-trader/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Environment: "test"},
		Scheduler: config.SchedulerConfig{
			BatchSize:   20,
			TickTimeout: 10 * time.Second,
			Retry:       config.RetryConfig{BaseDelay: 5 * time.Minute, Multiplier: 1, MaxDelay: time.Hour},
		},
		Trigger: config.TriggerConfig{Addr: "127.0.0.1:0", JWTSecret: "secret", Issuer: "agent-trader"},
		Risk:    config.RiskConfig{GateCentralized: true},
		Chain: config.ChainConfig{
			RPCURL:             "http://127.0.0.1:8545",
			ChainID:            1,
			RPCTimeout:         time.Minute,
			SettlementContract: "0x9008D19f58AAbD9eD0D60971565AA8510560ab41",
			VaultRelayer:       "0xC92E8bdf79f0507f65a392b0ab4667716BFE0110",
			AppData:            "0x0000000000000000000000000000000000000000000000000000000000000000",
			SlippageBps:        50,
			QuoteValidity:      30 * time.Minute,
		},
		Orderbook: config.OrderbookConfig{BaseURL: "http://127.0.0.1:1/api/v1", Timeout: time.Second},
		Exchanges: config.ExchangesConfig{Sandbox: true, Timeout: time.Second},
		Tokens:    config.DefaultTokens(),
		Secrets:   config.SecretsConfig{MasterKey: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"},
	}
}

func TestApp_WiresAndRunsEmptyTick(t *testing.T) {
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	a, err := New(ctx, testConfig(), nil, st)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	summary, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, summary.RequestID)
	require.Zero(t, summary.Total(func(p *pipeline.PhaseSummary) int { return p.Claimed }))

	require.NoError(t, a.Seal(ctx, "agent-1/signing-key", []byte("deadbeef")))
}

func TestApp_RejectsBadMasterKey(t *testing.T) {
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := testConfig()
	cfg.Secrets.MasterKey = "short"
	_, err = New(context.Background(), cfg, nil, st)
	require.Error(t, err)
}
