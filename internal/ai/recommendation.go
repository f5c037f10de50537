package ai

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"agent-trader/internal/agent"
	"agent-trader/internal/queue"
)

// Action 表示模型给出的操作。
type Action string

const (
	ActionSwap Action = "SWAP"
	ActionHold Action = "HOLD"
)

// Request 是一次咨询的输入。
type Request struct {
	Agent     agent.Agent `json:"-"`
	Notes     string      `json:"notes"`
	Tokens    []string    `json:"tokens"`
	MaxAmount string      `json:"max_amount"`
}

// Recommendation 表示大模型返回的交易建议。
type Recommendation struct {
	Action     Action      `json:"action"`
	SellToken  string      `json:"sell_token"`
	BuyToken   string      `json:"buy_token"`
	SellAmount string      `json:"sell_amount"`
	Venue      queue.Venue `json:"venue"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
}

// Validate 校验建议字段合法性。
func (r *Recommendation) Validate() error {
	r.Action = Action(strings.ToUpper(strings.TrimSpace(string(r.Action))))
	switch r.Action {
	case ActionHold:
		return nil
	case ActionSwap:
	default:
		return fmt.Errorf("ai: action 字段取值非法: %s", r.Action)
	}

	if strings.TrimSpace(r.SellToken) == "" || strings.TrimSpace(r.BuyToken) == "" {
		return errors.New("ai: sell_token 与 buy_token 不能为空")
	}
	if strings.EqualFold(r.SellToken, r.BuyToken) {
		return errors.New("ai: sell_token 与 buy_token 不能相同")
	}
	amount, err := decimal.NewFromString(r.SellAmount)
	if err != nil || !amount.IsPositive() {
		return fmt.Errorf("ai: sell_amount 必须为正数: %q", r.SellAmount)
	}
	if r.Venue != "" && !r.Venue.Valid() {
		return fmt.Errorf("ai: venue 字段取值非法: %s", r.Venue)
	}
	return nil
}

// Actionable 判断建议是否需要入队执行。
func (r Recommendation) Actionable() bool {
	return r.Action == ActionSwap
}
