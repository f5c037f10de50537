package agent

import (
	"errors"
	"time"
)

// Status 表示代理运行状态。
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

var (
	// ErrNotFound 表示代理或凭证不存在。
	ErrNotFound = errors.New("agent: not found")
)

// Agent 描述一个自动交易代理。
type Agent struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	TradingEnabled bool      `json:"trading_enabled"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	PnLPct         float64   `json:"pnl_pct"`
	TradeCount     int64     `json:"trade_count"`
	LastTradeAt    time.Time `json:"last_trade_at,omitempty"`
	WalletAddress  string    `json:"wallet_address"`
	SigningKeyRef  string    `json:"-"`
	CredentialID   string    `json:"credential_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CanTrade 判断代理当前是否允许交易。
func (a Agent) CanTrade() bool {
	return a.Status == StatusActive && a.TradingEnabled
}

// Credential 描述账户在某个中心化交易所的 API 凭证引用。
type Credential struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Exchange  string    `json:"exchange"`
	SecretRef string    `json:"-"`
	Sandbox   bool      `json:"sandbox"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}
