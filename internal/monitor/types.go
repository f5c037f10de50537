package monitor

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventTradeQuoted    EventType = "trade_quoted"
	EventTradeSigned    EventType = "trade_signed"
	EventTradeSubmitted EventType = "trade_submitted"
	EventTradeFilled    EventType = "trade_filled"
	EventTradeCancelled EventType = "trade_cancelled"
	EventTradeExpired   EventType = "trade_expired"
	EventAgentPaused    EventType = "agent_paused"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	AgentID   string      `json:"agent_id,omitempty"`
	TradeID   string      `json:"trade_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TradePayload 记录一次交易状态迁移。
type TradePayload struct {
	RequestID     string           `json:"request_id,omitempty"`
	Venue         string           `json:"venue"`
	From          string           `json:"from"`
	To            string           `json:"to"`
	Reason        string           `json:"reason,omitempty"`
	VenueOrderID  string           `json:"venue_order_id,omitempty"`
	EntryPriceUSD *decimal.Decimal `json:"entry_price_usd,omitempty"`
}

// AgentPayload 记录代理状态变化。
type AgentPayload struct {
	RequestID string `json:"request_id,omitempty"`
	TradeID   string `json:"trade_id,omitempty"`
	Reason    string `json:"reason"`
}
