package outcome

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agent-trader/internal/monitor"
)

// Linker 在交易成交后把入场价写回对应的 AI 咨询记录，供后续评分任务使用。
type Linker struct {
	repo   *Repository
	logger *zap.Logger
}

// NewLinker 创建结果关联器。
func NewLinker(repo *Repository, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{repo: repo, logger: logger}
}

// Link 查找关联的咨询记录并回填；没有关联记录时返回 false。
func (l *Linker) Link(ctx context.Context, tradeID string, entryPrice decimal.Decimal) (bool, error) {
	c, err := l.repo.FindByTradeID(ctx, tradeID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	confidence := ParseConfidence(c.Response)
	if err := l.repo.RecordOutcome(ctx, c.ID, entryPrice, confidence); err != nil {
		return false, err
	}

	l.logger.Info("咨询记录已关联成交结果",
		zap.String("consultation_id", c.ID),
		zap.String("trade_id", tradeID),
		zap.String("entry_price_usd", entryPrice.String()),
		zap.Float64("confidence", confidence),
	)
	return true, nil
}

// Handle 订阅 trade_filled 事件。
func (l *Linker) Handle(ctx context.Context, event monitor.Event) error {
	if event.Type != monitor.EventTradeFilled {
		return nil
	}
	payload, ok := event.Payload.(monitor.TradePayload)
	if !ok || payload.EntryPriceUSD == nil {
		return fmt.Errorf("outcome: trade_filled 事件缺少入场价: %s", event.TradeID)
	}
	_, err := l.Link(ctx, event.TradeID, *payload.EntryPriceUSD)
	return err
}
