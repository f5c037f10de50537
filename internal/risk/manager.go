package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"agent-trader/internal/agent"
	"agent-trader/internal/config"
	"agent-trader/internal/queue"
	"agent-trader/internal/store"
)

// AgentStore 是风控所需的代理读写接口。
type AgentStore interface {
	Get(ctx context.Context, id string) (agent.Agent, error)
	Pause(ctx context.Context, id string) (bool, error)
}

// Gate 在签名前逐笔检查代理状态与回撤上限。
type Gate struct {
	cfg      config.RiskConfig
	agents   AgentStore
	activity *ActivityLog
	logger   *zap.Logger
	now      func() time.Time
}

// NewGate 创建风控闸门。
func NewGate(cfg config.RiskConfig, agents AgentStore, st *store.Store, logger *zap.Logger) (*Gate, error) {
	if agents == nil {
		return nil, errors.New("risk: agent store 不能为空")
	}
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	activity, err := NewActivityLog(st.DB(), logger)
	if err != nil {
		return nil, err
	}

	return &Gate{
		cfg:      cfg,
		agents:   agents,
		activity: activity,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock 替换时间源。
func (g *Gate) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
		g.activity.now = now
	}
}

// Activity 返回风控活动日志。
func (g *Gate) Activity() *ActivityLog {
	return g.activity
}

// Applies 判断该场所的交易是否需要经过风控。
func (g *Gate) Applies(v queue.Venue) bool {
	return v == queue.VenueOnChain || g.cfg.GateCentralized
}

// Evaluate 读取代理最新状态并给出结论；回撤超限时暂停代理。
// 每笔交易都重新读取代理，同一批次中后续记录会看到已暂停的状态。
func (g *Gate) Evaluate(ctx context.Context, req queue.TradeRequest) (Verdict, error) {
	ag, err := g.agents.Get(ctx, req.AgentID)
	if errors.Is(err, agent.ErrNotFound) {
		return Verdict{Status: StatusDeny, Reason: "agent not found"}, nil
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("risk: 读取代理失败: %w", err)
	}

	verdict := Verdict{Status: StatusProceed, Agent: ag}

	if !ag.CanTrade() {
		verdict.Status = StatusDeny
		verdict.Reason = fmt.Sprintf("agent %s trading disabled (status=%s)", ag.ID, ag.Status)
		g.record(ctx, ActivityEvent{
			EventType: EventTradeBlocked,
			AgentID:   ag.ID,
			TradeID:   req.ID,
			Message:   verdict.Reason,
		})
		return verdict, nil
	}

	if breached(ag) {
		paused, err := g.agents.Pause(ctx, ag.ID)
		if err != nil {
			return Verdict{}, fmt.Errorf("risk: 暂停代理失败: %w", err)
		}

		verdict.Status = StatusDeny
		verdict.Paused = paused
		verdict.Reason = fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", math.Abs(ag.PnLPct), ag.MaxDrawdownPct)
		verdict.Agent.Status = agent.StatusPaused
		verdict.Agent.TradingEnabled = false

		g.logger.Warn("触发回撤上限，代理已暂停",
			zap.String("agent_id", ag.ID),
			zap.String("trade_id", req.ID),
			zap.Float64("pnl_pct", ag.PnLPct),
			zap.Float64("max_drawdown_pct", ag.MaxDrawdownPct),
		)
		g.record(ctx, ActivityEvent{
			EventType: EventDrawdownPause,
			AgentID:   ag.ID,
			TradeID:   req.ID,
			Message:   verdict.Reason,
			Details:   fmt.Sprintf(`{"pnl_pct":%g,"max_drawdown_pct":%g}`, ag.PnLPct, ag.MaxDrawdownPct),
		})
	}

	return verdict, nil
}

func (g *Gate) record(ctx context.Context, ev ActivityEvent) {
	ev.OccurredAt = g.now()
	if err := g.activity.LogEvent(ctx, ev); err != nil {
		g.logger.Warn("写入风控日志失败", zap.Error(err))
	}
}

func breached(ag agent.Agent) bool {
	if ag.MaxDrawdownPct <= 0 {
		return false
	}
	return math.Abs(ag.PnLPct) > ag.MaxDrawdownPct
}
