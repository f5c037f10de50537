package venue

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"agent-trader/internal/agent"
	"agent-trader/internal/queue"
)

// Venue 抽象一个执行场所；不同场所通过空实现而不是类型分支来表达差异。
type Venue interface {
	// Kind 返回场所类别。
	Kind() queue.Venue
	// InlineExecution 为 true 时报价阶段会在同一步内继续授权与提交。
	InlineExecution() bool
	// Quote 获取报价快照。
	Quote(ctx context.Context, req queue.TradeRequest, ag agent.Agent) (*queue.QuoteSnapshot, error)
	// Authorize 基于报价快照生成授权结果。
	Authorize(ctx context.Context, req queue.TradeRequest, ag agent.Agent) (*queue.SignedPayload, error)
	// Submit 把授权后的订单提交到场所。
	Submit(ctx context.Context, req queue.TradeRequest, ag agent.Agent) (SubmitResult, error)
	// PollStatus 查询已提交订单的当前状态。
	PollStatus(ctx context.Context, req queue.TradeRequest) (OrderState, error)
}

// SubmitResult 为提交结果，Fill 非空表示场所已报告即时成交。
type SubmitResult struct {
	OrderID string
	Fill    *Fill
}

// Fill 描述场所报告的成交数据。
type Fill struct {
	ExecutedSellAmount string
	ExecutedBuyAmount  string
	FilledQuantity     string
	AveragePrice       string
	EntryPrice         decimal.Decimal
	VenueStatus        string
}

// Phase 是场所订单状态归一化后的阶段。
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseFilled    Phase = "filled"
	PhaseExpired   Phase = "expired"
	PhaseCancelled Phase = "cancelled"
)

// OrderState 为一次状态查询的归一化结果。
type OrderState struct {
	Phase       Phase
	VenueStatus string
	Fill        *Fill
}

// Registry 按场所类别查找实现。
type Registry struct {
	venues map[queue.Venue]Venue
}

// NewRegistry 注册给定的场所实现。
func NewRegistry(venues ...Venue) *Registry {
	r := &Registry{venues: make(map[queue.Venue]Venue, len(venues))}
	for _, v := range venues {
		if v != nil {
			r.venues[v.Kind()] = v
		}
	}
	return r
}

// Get 返回指定类别的场所实现。
func (r *Registry) Get(kind queue.Venue) (Venue, error) {
	v, ok := r.venues[kind]
	if !ok {
		return nil, fmt.Errorf("%w: 未注册场所 %q", ErrUnsupported, kind)
	}
	return v, nil
}
