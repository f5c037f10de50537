package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agent-trader/internal/agent"
	"agent-trader/internal/config"
	"agent-trader/internal/queue"
	"agent-trader/internal/store"
)

func newTestGate(t *testing.T, cfg config.RiskConfig) (*Gate, *agent.Repository) {
	t.Helper()

	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	agents, err := agent.NewRepository(st, nil)
	require.NoError(t, err)

	gate, err := NewGate(cfg, agents, st, nil)
	require.NoError(t, err)
	return gate, agents
}

func TestGate_DrawdownBreachPausesAgent(t *testing.T) {
	gate, agents := newTestGate(t, config.RiskConfig{GateCentralized: true})
	ctx := context.Background()

	ag := &agent.Agent{AccountID: "acct-1", TradingEnabled: true, MaxDrawdownPct: 15, PnLPct: -20}
	require.NoError(t, agents.Create(ctx, ag))

	verdict, err := gate.Evaluate(ctx, queue.TradeRequest{ID: "t-1", AgentID: ag.ID})
	require.NoError(t, err)
	require.False(t, verdict.Allowed())
	require.True(t, verdict.Paused)

	stored, err := agents.Get(ctx, ag.ID)
	require.NoError(t, err)
	require.Equal(t, agent.StatusPaused, stored.Status)
	require.False(t, stored.TradingEnabled)

	// 同一批次后续记录看到的是已暂停的代理，且不会重复暂停。
	verdict, err = gate.Evaluate(ctx, queue.TradeRequest{ID: "t-2", AgentID: ag.ID})
	require.NoError(t, err)
	require.False(t, verdict.Allowed())
	require.False(t, verdict.Paused)

	events, err := gate.Activity().ListByAgent(ctx, ag.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, EventTradeBlocked, events[0].EventType)
	require.Equal(t, EventDrawdownPause, events[1].EventType)
}

func TestGate_ProfitBeyondLimitAlsoBreaches(t *testing.T) {
	gate, agents := newTestGate(t, config.RiskConfig{})
	ctx := context.Background()

	ag := &agent.Agent{AccountID: "acct-1", TradingEnabled: true, MaxDrawdownPct: 10, PnLPct: 12}
	require.NoError(t, agents.Create(ctx, ag))

	verdict, err := gate.Evaluate(ctx, queue.TradeRequest{ID: "t-1", AgentID: ag.ID})
	require.NoError(t, err)
	require.False(t, verdict.Allowed())
}

func TestGate_WithinLimitProceeds(t *testing.T) {
	gate, agents := newTestGate(t, config.RiskConfig{})
	ctx := context.Background()

	ag := &agent.Agent{AccountID: "acct-1", TradingEnabled: true, MaxDrawdownPct: 15, PnLPct: -14.99}
	require.NoError(t, agents.Create(ctx, ag))

	verdict, err := gate.Evaluate(ctx, queue.TradeRequest{ID: "t-1", AgentID: ag.ID})
	require.NoError(t, err)
	require.True(t, verdict.Allowed())
	require.Equal(t, ag.ID, verdict.Agent.ID)
}

func TestGate_ExactlyAtLimitProceeds(t *testing.T) {
	gate, agents := newTestGate(t, config.RiskConfig{})
	ctx := context.Background()

	ag := &agent.Agent{AccountID: "acct-1", TradingEnabled: true, MaxDrawdownPct: 15, PnLPct: -15}
	require.NoError(t, agents.Create(ctx, ag))

	verdict, err := gate.Evaluate(ctx, queue.TradeRequest{ID: "t-1", AgentID: ag.ID})
	require.NoError(t, err)
	require.True(t, verdict.Allowed())
	require.False(t, verdict.Paused)
}

func TestGate_UnknownAgentIsDenied(t *testing.T) {
	gate, _ := newTestGate(t, config.RiskConfig{})

	verdict, err := gate.Evaluate(context.Background(), queue.TradeRequest{ID: "t-1", AgentID: "missing"})
	require.NoError(t, err)
	require.False(t, verdict.Allowed())
}

func TestGate_Applies(t *testing.T) {
	gate, _ := newTestGate(t, config.RiskConfig{GateCentralized: false})
	require.True(t, gate.Applies(queue.VenueOnChain))
	require.False(t, gate.Applies(queue.VenueCentralized))
}
