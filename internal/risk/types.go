package risk

import (
	"time"

	"agent-trader/internal/agent"
)

// StatusType 描述风控评估结果状态。
type StatusType string

const (
	StatusProceed StatusType = "proceed"
	StatusDeny    StatusType = "deny"
)

// Verdict 为单笔交易的风控结论。
type Verdict struct {
	Status StatusType
	Reason string
	// Paused 为 true 表示本次评估把代理切换到了暂停状态。
	Paused bool
	Agent  agent.Agent
}

// Allowed 判断是否放行。
func (v Verdict) Allowed() bool {
	return v.Status == StatusProceed
}

// ActivityEvent 是一条风控活动日志。
type ActivityEvent struct {
	ID          int64     `json:"id"`
	OccurredAt  time.Time `json:"occurred_at"`
	EventType   string    `json:"event_type"`
	AgentID     string    `json:"agent_id"`
	TradeID     string    `json:"trade_id,omitempty"`
	Message     string    `json:"message"`
	Details     string    `json:"details,omitempty"`
	TradingDate string    `json:"trading_date"`
}

const (
	EventDrawdownPause = "drawdown_pause"
	EventTradeBlocked  = "trade_blocked"
)
