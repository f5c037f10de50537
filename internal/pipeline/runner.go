package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agent-trader/internal/agent"
	"agent-trader/internal/config"
	"agent-trader/internal/monitor"
	"agent-trader/internal/queue"
	"agent-trader/internal/risk"
	"agent-trader/internal/venue"
)

const (
	defaultBatchSize = 20
	reasonExhausted  = "retry budget exhausted"
)

// Queue 是调度器依赖的交易队列操作。
type Queue interface {
	ClaimBatch(ctx context.Context, status queue.Status, asOf time.Time, limit int) ([]queue.TradeRequest, error)
	Transition(ctx context.Context, id string, from, to queue.Status, patch queue.Patch) error
	Reschedule(ctx context.Context, id string, status queue.Status, nextRunAt time.Time, reason string) error
}

// Agents 是调度器依赖的代理读写操作。
type Agents interface {
	Get(ctx context.Context, id string) (agent.Agent, error)
	RecordFill(ctx context.Context, id string, at time.Time) error
}

// Gate 是签名前的风控检查。
type Gate interface {
	Applies(v queue.Venue) bool
	Evaluate(ctx context.Context, req queue.TradeRequest) (risk.Verdict, error)
}

// Publisher 分发监控事件。
type Publisher interface {
	Publish(ctx context.Context, event monitor.Event)
}

// Runner 执行一次完整的四阶段调度。
type Runner struct {
	queue     Queue
	agents    Agents
	gate      Gate
	venues    *venue.Registry
	events    Publisher
	retry     RetryPolicy
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// NewRunner 创建调度器。
func NewRunner(cfg config.SchedulerConfig, q Queue, agents Agents, gate Gate, venues *venue.Registry, events Publisher, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Runner{
		queue:     q,
		agents:    agents,
		gate:      gate,
		venues:    venues,
		events:    events,
		retry:     NewRetryPolicy(cfg.Retry),
		batchSize: batch,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SetClock 替换时间源。
func (r *Runner) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Tick 依次执行报价、签名、提交、成交确认四个阶段。
// 每个阶段只处理本次调度开始前已到期的记录，本次调度中刚推进的记录留到下一次。
func (r *Runner) Tick(ctx context.Context) (Summary, error) {
	started := r.now()
	requestID := r.newID()
	summary := newSummary(requestID, started)
	logger := r.logger.With(zap.String("request_id", requestID))

	phases := []struct {
		name   PhaseName
		status queue.Status
		handle func(context.Context, *tickContext, queue.TradeRequest) outcome
	}{
		{PhaseQuote, queue.StatusQueued, r.quote},
		{PhaseSign, queue.StatusQuoted, r.sign},
		{PhaseSubmit, queue.StatusSigned, r.submit},
		{PhaseFill, queue.StatusSubmitted, r.fill},
	}

	tc := &tickContext{requestID: requestID, logger: logger}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			summary.Duration = r.now().Sub(started).String()
			return summary, err
		}

		batch, err := r.queue.ClaimBatch(ctx, phase.status, started, r.batchSize)
		if err != nil {
			summary.Duration = r.now().Sub(started).String()
			return summary, fmt.Errorf("pipeline: 领取 %s 批次失败: %w", phase.name, err)
		}

		ps := summary.Phases[phase.name]
		for _, req := range batch {
			ps.add(req.Venue, phase.handle(ctx, tc, req))
		}
	}

	summary.Duration = r.now().Sub(started).String()
	logger.Info("调度完成",
		zap.Int("claimed", summary.Total(func(p *PhaseSummary) int { return p.Claimed })),
		zap.Int("filled", summary.Total(func(p *PhaseSummary) int { return p.Filled })),
		zap.Int("cancelled", summary.Total(func(p *PhaseSummary) int { return p.Cancelled })),
		zap.Int("rescheduled", summary.Total(func(p *PhaseSummary) int { return p.Rescheduled })),
		zap.String("duration", summary.Duration),
	)
	return summary, nil
}

type tickContext struct {
	requestID string
	logger    *zap.Logger
}

func (t *tickContext) log(req queue.TradeRequest) *zap.Logger {
	return t.logger.With(
		zap.String("trade_id", req.ID),
		zap.String("agent_id", req.AgentID),
		zap.String("venue", string(req.Venue)),
	)
}

// quote 处理 queued 记录；支持内联执行的场所在同一步继续授权与提交。
func (r *Runner) quote(ctx context.Context, tc *tickContext, req queue.TradeRequest) outcome {
	v, ag, o, ok := r.prepare(ctx, tc, req)
	if !ok {
		return o
	}

	snapshot, err := v.Quote(ctx, req, ag)
	if err != nil {
		return r.fail(ctx, tc, req, err)
	}
	if o, ok := r.advance(ctx, tc, req, queue.StatusQuoted, queue.Patch{Quote: snapshot}, monitor.EventTradeQuoted); !ok {
		return o
	}
	req.Status = queue.StatusQuoted
	req.Quote = snapshot
	req.Attempts = 0

	if !v.InlineExecution() {
		return outcomeAdvanced
	}

	signed, o, ok := r.authorize(ctx, tc, req, v, ag)
	if !ok {
		return o
	}
	req.Status = queue.StatusSigned
	req.Signed = signed
	return r.place(ctx, tc, req, v, ag)
}

// sign 处理 quoted 记录：风控检查后生成授权。
func (r *Runner) sign(ctx context.Context, tc *tickContext, req queue.TradeRequest) outcome {
	v, ag, o, ok := r.prepare(ctx, tc, req)
	if !ok {
		return o
	}
	if _, o, ok := r.authorize(ctx, tc, req, v, ag); !ok {
		return o
	}
	return outcomeAdvanced
}

// submit 处理 signed 记录。
func (r *Runner) submit(ctx context.Context, tc *tickContext, req queue.TradeRequest) outcome {
	v, ag, o, ok := r.prepare(ctx, tc, req)
	if !ok {
		return o
	}
	return r.place(ctx, tc, req, v, ag)
}

// fill 查询 submitted 记录的订单状态；瞬时的查询失败不改变状态也不推迟，下次调度再查，
// 凭证失效等不可恢复的错误直接取消。
func (r *Runner) fill(ctx context.Context, tc *tickContext, req queue.TradeRequest) outcome {
	v, err := r.venues.Get(req.Venue)
	if err != nil {
		return r.cancel(ctx, tc, req, err.Error())
	}

	state, err := v.PollStatus(ctx, req)
	if err != nil {
		if venue.Classify(err) == venue.ClassFatal {
			tc.log(req).Error("查询订单状态遇到不可恢复错误，取消交易", zap.Error(err))
			return r.cancel(ctx, tc, req, err.Error())
		}
		tc.log(req).Warn("查询订单状态失败，等待下次调度", zap.Error(err))
		return outcomeSkipped
	}

	switch state.Phase {
	case venue.PhaseFilled:
		if state.Fill == nil {
			return outcomeSkipped
		}
		return r.complete(ctx, tc, req, *state.Fill)
	case venue.PhaseExpired:
		return r.terminate(ctx, tc, req, queue.StatusExpired, "venue reported "+state.VenueStatus, monitor.EventTradeExpired)
	case venue.PhaseCancelled:
		return r.terminate(ctx, tc, req, queue.StatusCancelled, "venue reported "+state.VenueStatus, monitor.EventTradeCancelled)
	default:
		return outcomeSkipped
	}
}

// prepare 解析场所与代理；缺失的代理或场所直接取消。
func (r *Runner) prepare(ctx context.Context, tc *tickContext, req queue.TradeRequest) (venue.Venue, agent.Agent, outcome, bool) {
	v, err := r.venues.Get(req.Venue)
	if err != nil {
		return nil, agent.Agent{}, r.cancel(ctx, tc, req, err.Error()), false
	}
	ag, err := r.agents.Get(ctx, req.AgentID)
	if errors.Is(err, agent.ErrNotFound) {
		return nil, agent.Agent{}, r.cancel(ctx, tc, req, "agent not found"), false
	}
	if err != nil {
		return nil, agent.Agent{}, r.fail(ctx, tc, req, venue.Transient(err)), false
	}
	return v, ag, outcomeSkipped, true
}

// authorize 对 quoted 记录执行风控与授权，成功时推进到 signed。
func (r *Runner) authorize(ctx context.Context, tc *tickContext, req queue.TradeRequest, v venue.Venue, ag agent.Agent) (*queue.SignedPayload, outcome, bool) {
	if r.gate != nil && r.gate.Applies(req.Venue) {
		verdict, err := r.gate.Evaluate(ctx, req)
		if err != nil {
			return nil, r.fail(ctx, tc, req, venue.Transient(err)), false
		}
		if !verdict.Allowed() {
			if verdict.Paused {
				r.publish(ctx, monitor.Event{
					Type:    monitor.EventAgentPaused,
					AgentID: req.AgentID,
					TradeID: req.ID,
					Payload: monitor.AgentPayload{RequestID: tc.requestID, TradeID: req.ID, Reason: verdict.Reason},
				})
			}
			tc.log(req).Warn("风控拒绝交易", zap.String("reason", verdict.Reason))
			return nil, r.cancel(ctx, tc, req, "risk: "+verdict.Reason), false
		}
		ag = verdict.Agent
	}

	signed, err := v.Authorize(ctx, req, ag)
	if err != nil {
		return nil, r.fail(ctx, tc, req, err), false
	}
	if o, ok := r.advance(ctx, tc, req, queue.StatusSigned, queue.Patch{Signed: signed}, monitor.EventTradeSigned); !ok {
		return nil, o, false
	}
	return signed, outcomeAdvanced, true
}

// place 提交 signed 记录；场所报告即时成交时在同一步进入 filled。
func (r *Runner) place(ctx context.Context, tc *tickContext, req queue.TradeRequest, v venue.Venue, ag agent.Agent) outcome {
	result, err := v.Submit(ctx, req, ag)
	if err != nil {
		return r.fail(ctx, tc, req, err)
	}
	if o, ok := r.advance(ctx, tc, req, queue.StatusSubmitted, queue.Patch{VenueOrderID: result.OrderID}, monitor.EventTradeSubmitted); !ok {
		return o
	}
	req.Status = queue.StatusSubmitted
	req.VenueOrderID = result.OrderID

	if result.Fill == nil {
		return outcomeAdvanced
	}
	return r.complete(ctx, tc, req, *result.Fill)
}

// complete 写入成交结果、更新代理统计并发布 trade_filled。
func (r *Runner) complete(ctx context.Context, tc *tickContext, req queue.TradeRequest, fill venue.Fill) outcome {
	filledAt := r.now()
	execution := &queue.Execution{
		ExecutedSellAmount: fill.ExecutedSellAmount,
		ExecutedBuyAmount:  fill.ExecutedBuyAmount,
		FilledQuantity:     fill.FilledQuantity,
		AveragePrice:       fill.AveragePrice,
		EntryPriceUSD:      fill.EntryPrice,
		VenueStatus:        fill.VenueStatus,
		FilledAt:           filledAt,
	}

	err := r.queue.Transition(ctx, req.ID, req.Status, queue.StatusFilled, queue.Patch{Execution: execution})
	if o, handled := r.transitionFailed(tc, req, queue.StatusFilled, err); handled {
		return o
	}

	if err := r.agents.RecordFill(ctx, req.AgentID, filledAt); err != nil {
		tc.log(req).Error("更新代理成交统计失败", zap.Error(err))
	}

	price := fill.EntryPrice
	r.publish(ctx, monitor.Event{
		Type:    monitor.EventTradeFilled,
		AgentID: req.AgentID,
		TradeID: req.ID,
		Payload: r.payload(tc, req, queue.StatusFilled, "", req.VenueOrderID, &price),
	})
	tc.log(req).Info("交易已成交",
		zap.String("venue_order_id", req.VenueOrderID),
		zap.String("entry_price_usd", price.StringFixed(2)),
	)
	return outcomeFilled
}

// fail 按错误类别处理失败：致命错误取消，瞬时错误重新排期或在耗尽重试预算后取消。
func (r *Runner) fail(ctx context.Context, tc *tickContext, req queue.TradeRequest, err error) outcome {
	if venue.Classify(err) == venue.ClassFatal {
		tc.log(req).Warn("不可重试的失败，取消交易", zap.String("status", string(req.Status)), zap.Error(err))
		return r.cancel(ctx, tc, req, err.Error())
	}

	failures := req.Attempts + 1
	if r.retry.Exhausted(failures) {
		tc.log(req).Warn("重试次数耗尽，取消交易", zap.Int("attempts", failures), zap.Error(err))
		return r.cancel(ctx, tc, req, reasonExhausted+": "+err.Error())
	}

	next := r.now().Add(r.retry.Next(req.Attempts))
	if rerr := r.queue.Reschedule(ctx, req.ID, req.Status, next, err.Error()); rerr != nil {
		if errors.Is(rerr, queue.ErrStaleStatus) {
			return outcomeSkipped
		}
		tc.log(req).Error("重新排期失败", zap.Error(rerr))
		return outcomeSkipped
	}

	tc.log(req).Info("瞬时失败，稍后重试",
		zap.String("status", string(req.Status)),
		zap.Int("attempts", failures),
		zap.Time("next_run_at", next),
		zap.Error(err),
	)
	return outcomeRescheduled
}

func (r *Runner) cancel(ctx context.Context, tc *tickContext, req queue.TradeRequest, reason string) outcome {
	return r.terminate(ctx, tc, req, queue.StatusCancelled, reason, monitor.EventTradeCancelled)
}

func (r *Runner) terminate(ctx context.Context, tc *tickContext, req queue.TradeRequest, to queue.Status, reason string, event monitor.EventType) outcome {
	err := r.queue.Transition(ctx, req.ID, req.Status, to, queue.Patch{Reason: reason})
	if o, handled := r.transitionFailed(tc, req, to, err); handled {
		return o
	}

	r.publish(ctx, monitor.Event{
		Type:    event,
		AgentID: req.AgentID,
		TradeID: req.ID,
		Payload: r.payload(tc, req, to, reason, req.VenueOrderID, nil),
	})
	if to == queue.StatusExpired {
		return outcomeExpired
	}
	return outcomeCancelled
}

// advance 推进到非终态并发布对应事件。
func (r *Runner) advance(ctx context.Context, tc *tickContext, req queue.TradeRequest, to queue.Status, patch queue.Patch, event monitor.EventType) (outcome, bool) {
	err := r.queue.Transition(ctx, req.ID, req.Status, to, patch)
	if o, handled := r.transitionFailed(tc, req, to, err); handled {
		return o, false
	}

	r.publish(ctx, monitor.Event{
		Type:    event,
		AgentID: req.AgentID,
		TradeID: req.ID,
		Payload: r.payload(tc, req, to, "", patch.VenueOrderID, nil),
	})
	return outcomeAdvanced, true
}

// transitionFailed 处理状态迁移错误；记录已被其他调用推进时视为跳过。
func (r *Runner) transitionFailed(tc *tickContext, req queue.TradeRequest, to queue.Status, err error) (outcome, bool) {
	if err == nil {
		return outcomeAdvanced, false
	}
	if errors.Is(err, queue.ErrStaleStatus) {
		tc.log(req).Info("记录状态已变化，跳过", zap.String("from", string(req.Status)), zap.String("to", string(to)))
		return outcomeSkipped, true
	}
	tc.log(req).Error("状态迁移失败", zap.String("from", string(req.Status)), zap.String("to", string(to)), zap.Error(err))
	return outcomeSkipped, true
}

func (r *Runner) payload(tc *tickContext, req queue.TradeRequest, to queue.Status, reason, orderID string, price *decimal.Decimal) monitor.TradePayload {
	return monitor.TradePayload{
		RequestID:     tc.requestID,
		Venue:         string(req.Venue),
		From:          string(req.Status),
		To:            string(to),
		Reason:        reason,
		VenueOrderID:  orderID,
		EntryPriceUSD: price,
	}
}

func (r *Runner) publish(ctx context.Context, event monitor.Event) {
	if r.events == nil {
		return
	}
	event.Timestamp = r.now()
	r.events.Publish(ctx, event)
}
