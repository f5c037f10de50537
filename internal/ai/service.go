package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agent-trader/internal/agent"
	"agent-trader/internal/outcome"
	"agent-trader/internal/queue"
	"agent-trader/internal/venue"
)

// ErrUnknownToken 表示建议中的代币未在注册表中登记。
var ErrUnknownToken = errors.New("ai: unknown token")

// Consulter 是获取模型建议的接口。
type Consulter interface {
	Consult(ctx context.Context, req Request) (Recommendation, string, error)
	Model() string
}

// AgentReader 读取代理信息。
type AgentReader interface {
	Get(ctx context.Context, id string) (agent.Agent, error)
}

// Enqueuer 写入交易请求。
type Enqueuer interface {
	Enqueue(ctx context.Context, req *queue.TradeRequest) error
}

// Consultations 持久化咨询记录。
type Consultations interface {
	Insert(ctx context.Context, c *outcome.Consultation) error
	AttachTrade(ctx context.Context, id, tradeID string) error
}

// Result 是一次咨询的结果。
type Result struct {
	Consultation   outcome.Consultation `json:"consultation"`
	Recommendation Recommendation       `json:"recommendation"`
	Trade          *queue.TradeRequest  `json:"trade,omitempty"`
}

// Service 串联咨询、记录与入队。
type Service struct {
	consulter     Consulter
	agents        AgentReader
	queue         Enqueuer
	consultations Consultations
	tokens        *venue.Tokens
	chainID       int64
	logger        *zap.Logger
}

// NewService 创建咨询服务。
func NewService(consulter Consulter, agents AgentReader, q Enqueuer, consultations Consultations, tokens *venue.Tokens, chainID int64, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		consulter:     consulter,
		agents:        agents,
		queue:         q,
		consultations: consultations,
		tokens:        tokens,
		chainID:       chainID,
		logger:        logger,
	}
}

// ConsultAndQueue 咨询模型并记录结果；建议可执行时按代理默认场所入队并关联咨询记录。
func (s *Service) ConsultAndQueue(ctx context.Context, agentID string, req Request) (Result, error) {
	a, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return Result{}, fmt.Errorf("ai: 读取代理失败: %w", err)
	}
	req.Agent = a

	rec, raw, err := s.consulter.Consult(ctx, req)
	if err != nil {
		return Result{}, err
	}

	c := outcome.Consultation{
		AgentID:  a.ID,
		Model:    s.consulter.Model(),
		Response: raw,
		Action:   string(rec.Action),
	}
	if err := s.consultations.Insert(ctx, &c); err != nil {
		return Result{}, err
	}
	result := Result{Consultation: c, Recommendation: rec}

	if !rec.Actionable() {
		return result, nil
	}
	if !a.CanTrade() {
		s.logger.Info("代理不可交易，建议仅记录不入队", zap.String("agent_id", a.ID), zap.String("status", string(a.Status)))
		return result, nil
	}

	trade, err := s.buildTrade(a, rec)
	if err != nil {
		return result, err
	}
	if err := s.queue.Enqueue(ctx, trade); err != nil {
		return result, err
	}
	if err := s.consultations.AttachTrade(ctx, c.ID, trade.ID); err != nil {
		return result, err
	}
	result.Consultation.TradeQueueID = trade.ID
	result.Trade = trade

	s.logger.Info("AI 建议已入队",
		zap.String("agent_id", a.ID),
		zap.String("consultation_id", c.ID),
		zap.String("trade_id", trade.ID),
		zap.String("venue", string(trade.Venue)),
	)
	return result, nil
}

func (s *Service) buildTrade(a agent.Agent, rec Recommendation) (*queue.TradeRequest, error) {
	sell, ok := s.tokens.Resolve(rec.SellToken)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, rec.SellToken)
	}
	buy, ok := s.tokens.Resolve(rec.BuyToken)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, rec.BuyToken)
	}
	amount, err := decimal.NewFromString(rec.SellAmount)
	if err != nil {
		return nil, fmt.Errorf("ai: sell_amount 格式错误: %w", err)
	}
	raw := s.tokens.FromUnits(sell.Address, amount)
	if !raw.IsPositive() {
		return nil, fmt.Errorf("ai: sell_amount 低于代币最小单位: %s", rec.SellAmount)
	}

	trade := &queue.TradeRequest{
		AgentID:    a.ID,
		AccountID:  a.AccountID,
		SellToken:  sell.Address,
		BuyToken:   buy.Address,
		SellAmount: raw,
		Venue:      defaultVenue(a, rec.Venue),
	}
	if trade.Venue == queue.VenueCentralized {
		trade.CredentialID = a.CredentialID
	} else {
		trade.ChainID = s.chainID
	}
	return trade, nil
}

// defaultVenue 选择执行场所：建议指定的优先，其次是钱包，最后是交易所凭证。
func defaultVenue(a agent.Agent, preferred queue.Venue) queue.Venue {
	switch {
	case preferred == queue.VenueCentralized && a.CredentialID != "":
		return queue.VenueCentralized
	case preferred == queue.VenueOnChain && a.WalletAddress != "":
		return queue.VenueOnChain
	case a.WalletAddress != "":
		return queue.VenueOnChain
	case a.CredentialID != "":
		return queue.VenueCentralized
	default:
		return queue.VenueOnChain
	}
}
