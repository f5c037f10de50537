package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"agent-trader/internal/agent"
	"agent-trader/internal/config"
	"agent-trader/internal/monitor"
	"agent-trader/internal/outcome"
	"agent-trader/internal/queue"
	"agent-trader/internal/risk"
	"agent-trader/internal/secret"
	"agent-trader/internal/store"
	"agent-trader/internal/venue"
	"agent-trader/internal/venue/cow"
)

const (
	usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeVenue 记录调用次数并按预设返回结果。
type fakeVenue struct {
	kind   queue.Venue
	inline bool
	tokens *venue.Tokens

	quoteErr  error
	authErr   error
	submitErr error
	pollErr   error

	submitFill *venue.Fill
	state      venue.OrderState

	beforeAuthorize func(req queue.TradeRequest)

	quoteCalls  int
	authCalls   int
	submitCalls int
	pollCalls   int
}

func (f *fakeVenue) Kind() queue.Venue     { return f.kind }
func (f *fakeVenue) InlineExecution() bool { return f.inline }

func (f *fakeVenue) Quote(_ context.Context, req queue.TradeRequest, _ agent.Agent) (*queue.QuoteSnapshot, error) {
	f.quoteCalls++
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return &queue.QuoteSnapshot{
		SellAmount:   req.SellAmount.String(),
		BuyAmount:    "333333333333333333",
		MinBuyAmount: "331666666666666666",
		FeeAmount:    "0",
		Kind:         "sell",
		QuoteID:      42,
	}, nil
}

func (f *fakeVenue) Authorize(_ context.Context, req queue.TradeRequest, _ agent.Agent) (*queue.SignedPayload, error) {
	f.authCalls++
	if f.beforeAuthorize != nil {
		f.beforeAuthorize(req)
	}
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &queue.SignedPayload{Scheme: "eip712", Signature: "0xsig"}, nil
}

func (f *fakeVenue) Submit(_ context.Context, req queue.TradeRequest, _ agent.Agent) (venue.SubmitResult, error) {
	f.submitCalls++
	if f.submitErr != nil {
		return venue.SubmitResult{}, f.submitErr
	}
	return venue.SubmitResult{OrderID: "order-" + req.ID, Fill: f.submitFill}, nil
}

func (f *fakeVenue) PollStatus(_ context.Context, _ queue.TradeRequest) (venue.OrderState, error) {
	f.pollCalls++
	if f.pollErr != nil {
		return venue.OrderState{}, f.pollErr
	}
	return f.state, nil
}

type harness struct {
	runner        *Runner
	clock         *testClock
	queue         *queue.Repository
	agents        *agent.Repository
	consultations *outcome.Repository
	audit         *monitor.Service
	onChain       *fakeVenue
	cex           *fakeVenue
	events        []monitor.EventType
}

func newHarness(t *testing.T, retry config.RetryConfig) *harness {
	t.Helper()
	return newHarnessWithOnChain(t, retry, nil)
}

// newHarnessWithOnChain 允许用真实的链上场所替换 fake。
func newHarnessWithOnChain(t *testing.T, retry config.RetryConfig, onChain venue.Venue) *harness {
	t.Helper()

	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	q, err := queue.NewRepository(st, nil)
	require.NoError(t, err)
	q.SetClock(clock.Now)

	agents, err := agent.NewRepository(st, nil)
	require.NoError(t, err)
	agents.SetClock(clock.Now)

	gate, err := risk.NewGate(config.RiskConfig{GateCentralized: true}, agents, st, nil)
	require.NoError(t, err)
	gate.SetClock(clock.Now)

	consultations, err := outcome.NewRepository(st, nil)
	require.NoError(t, err)
	consultations.SetClock(clock.Now)

	audit, err := monitor.NewService(st, nil)
	require.NoError(t, err)

	tokens := venue.NewTokens(config.DefaultTokens())
	h := &harness{
		clock:         clock,
		queue:         q,
		agents:        agents,
		consultations: consultations,
		audit:         audit,
		onChain:       &fakeVenue{kind: queue.VenueOnChain, tokens: tokens, state: venue.OrderState{Phase: venue.PhasePending, VenueStatus: "open"}},
		cex:           &fakeVenue{kind: queue.VenueCentralized, inline: true, tokens: tokens},
	}

	dispatcher := monitor.NewDispatcher(nil)
	dispatcher.Subscribe("audit", audit)
	dispatcher.Subscribe("outcome", outcome.NewLinker(consultations, nil), monitor.EventTradeFilled)
	dispatcher.Subscribe("recorder", monitor.HandlerFunc(func(_ context.Context, ev monitor.Event) error {
		h.events = append(h.events, ev.Type)
		return nil
	}))

	if onChain == nil {
		onChain = h.onChain
	}
	h.runner = NewRunner(config.SchedulerConfig{BatchSize: 20, Retry: retry}, q, agents, gate,
		venue.NewRegistry(onChain, h.cex), dispatcher, nil)
	h.runner.SetClock(clock.Now)
	return h
}

func (h *harness) createAgent(t *testing.T, pnl, maxDrawdown float64) agent.Agent {
	t.Helper()
	a := agent.Agent{
		AccountID:      "acct-1",
		Name:           "alpha",
		TradingEnabled: true,
		MaxDrawdownPct: maxDrawdown,
		PnLPct:         pnl,
		WalletAddress:  "0x1111111111111111111111111111111111111111",
		CredentialID:   "cred-1",
	}
	require.NoError(t, h.agents.Create(context.Background(), &a))
	return a
}

func (h *harness) enqueue(t *testing.T, req *queue.TradeRequest) queue.TradeRequest {
	t.Helper()
	require.NoError(t, h.queue.Enqueue(context.Background(), req))
	return *req
}

// tick 先推进时钟，保证上一步写入的 next_run_at 早于本次调度开始时间。
func (h *harness) tick(t *testing.T) Summary {
	t.Helper()
	h.clock.Advance(time.Minute)
	summary, err := h.runner.Tick(context.Background())
	require.NoError(t, err)
	return summary
}

func (h *harness) status(t *testing.T, id string) queue.TradeRequest {
	t.Helper()
	req, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return req
}

func onChainRequest(agentID string) *queue.TradeRequest {
	return &queue.TradeRequest{
		AgentID:    agentID,
		AccountID:  "acct-1",
		Venue:      queue.VenueOnChain,
		ChainID:    1,
		SellToken:  usdc,
		BuyToken:   weth,
		SellAmount: decimal.RequireFromString("1000000000"),
	}
}

func centralizedRequest(agentID string) *queue.TradeRequest {
	return &queue.TradeRequest{
		AgentID:      agentID,
		AccountID:    "acct-1",
		Venue:        queue.VenueCentralized,
		CredentialID: "cred-1",
		SellToken:    usdc,
		BuyToken:     weth,
		SellAmount:   decimal.RequireFromString("500000000"),
	}
}

func TestTick_OnChainEndToEndLinksConsultation(t *testing.T) {
	h := newHarness(t, config.RetryConfig{})
	ctx := context.Background()
	a := h.createAgent(t, -2, 15)
	req := h.enqueue(t, onChainRequest(a.ID))

	consultation := &outcome.Consultation{
		AgentID:  a.ID,
		Model:    "gpt-4o-mini",
		Action:   "SWAP",
		Response: `建议买入 {"action":"SWAP","confidence":0.72}`,
	}
	require.NoError(t, h.consultations.Insert(ctx, consultation))
	require.NoError(t, h.consultations.AttachTrade(ctx, consultation.ID, req.ID))

	s := h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseQuote].Advanced)
	require.Equal(t, 0, s.Phases[PhaseSign].Claimed)
	require.Equal(t, queue.StatusQuoted, h.status(t, req.ID).Status)

	s = h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseSign].Advanced)
	require.Equal(t, queue.StatusSigned, h.status(t, req.ID).Status)

	s = h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseSubmit].Advanced)
	submitted := h.status(t, req.ID)
	require.Equal(t, queue.StatusSubmitted, submitted.Status)
	require.Equal(t, "order-"+req.ID, submitted.VenueOrderID)

	s = h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseFill].Skipped, "pending order stays submitted")

	price, err := h.onChain.tokens.EntryPrice(usdc, weth,
		decimal.RequireFromString("1000000000"), decimal.RequireFromString("333333333333333333"))
	require.NoError(t, err)
	h.onChain.state = venue.OrderState{
		Phase:       venue.PhaseFilled,
		VenueStatus: "fulfilled",
		Fill: &venue.Fill{
			ExecutedSellAmount: "1000000000",
			ExecutedBuyAmount:  "333333333333333333",
			EntryPrice:         price,
			VenueStatus:        "fulfilled",
		},
	}

	s = h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseFill].Filled)
	require.Equal(t, 1, s.Phases[PhaseFill].ByVenue[queue.VenueOnChain])

	filled := h.status(t, req.ID)
	require.Equal(t, queue.StatusFilled, filled.Status)
	require.NotNil(t, filled.Quote)
	require.NotNil(t, filled.Signed)
	require.Equal(t, "0xsig", filled.Signed.Signature)
	require.NotNil(t, filled.Execution)
	require.Equal(t, "3000.00", filled.Execution.EntryPriceUSD.StringFixed(2))

	ag, err := h.agents.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), ag.TradeCount)
	require.False(t, ag.LastTradeAt.IsZero())

	linked, err := h.consultations.Get(ctx, consultation.ID)
	require.NoError(t, err)
	require.NotNil(t, linked.EntryPriceUSD)
	require.Equal(t, "3000.00", linked.EntryPriceUSD.StringFixed(2))
	require.NotNil(t, linked.ConfidenceAtRec)
	require.InDelta(t, 72, *linked.ConfidenceAtRec, 1e-9)

	require.Equal(t, []monitor.EventType{
		monitor.EventTradeQuoted,
		monitor.EventTradeSigned,
		monitor.EventTradeSubmitted,
		monitor.EventTradeFilled,
	}, h.events)

	history, err := h.audit.ListByTrade(ctx, req.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
}

func TestTick_CentralizedImmediateFillCollapsesIntoOneTick(t *testing.T) {
	h := newHarness(t, config.RetryConfig{})
	a := h.createAgent(t, 0, 15)
	req := h.enqueue(t, centralizedRequest(a.ID))

	h.cex.submitFill = &venue.Fill{
		FilledQuantity: "0.25",
		AveragePrice:   "2000",
		EntryPrice:     decimal.NewFromInt(2000),
		VenueStatus:    "closed",
	}

	s := h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseQuote].Filled)
	require.Equal(t, 1, s.Phases[PhaseQuote].ByVenue[queue.VenueCentralized])

	filled := h.status(t, req.ID)
	require.Equal(t, queue.StatusFilled, filled.Status)
	require.Equal(t, "2000", filled.Execution.EntryPriceUSD.String())
	require.Equal(t, "order-"+req.ID, filled.VenueOrderID)

	require.Equal(t, 1, h.cex.quoteCalls)
	require.Equal(t, 1, h.cex.authCalls)
	require.Equal(t, 1, h.cex.submitCalls)
	require.Equal(t, monitor.EventTradeFilled, h.events[len(h.events)-1])
}

func TestTick_CentralizedWithoutFillWaitsForPoll(t *testing.T) {
	h := newHarness(t, config.RetryConfig{})
	a := h.createAgent(t, 0, 15)
	req := h.enqueue(t, centralizedRequest(a.ID))

	s := h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseQuote].Advanced)
	require.Equal(t, queue.StatusSubmitted, h.status(t, req.ID).Status)

	h.cex.state = venue.OrderState{Phase: venue.PhaseCancelled, VenueStatus: "rejected"}
	s = h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseFill].Cancelled)

	cancelled := h.status(t, req.ID)
	require.Equal(t, queue.StatusCancelled, cancelled.Status)
	require.Contains(t, cancelled.LastError, "rejected")
}

func TestTick_DrawdownBreachCancelsWithoutSigning(t *testing.T) {
	h := newHarness(t, config.RetryConfig{})
	ctx := context.Background()
	a := h.createAgent(t, -20, 15)
	first := h.enqueue(t, onChainRequest(a.ID))
	second := h.enqueue(t, onChainRequest(a.ID))

	h.tick(t)
	require.Equal(t, queue.StatusQuoted, h.status(t, first.ID).Status)

	s := h.tick(t)
	require.Equal(t, 2, s.Phases[PhaseSign].Cancelled)
	require.Zero(t, h.onChain.authCalls)

	for _, id := range []string{first.ID, second.ID} {
		req := h.status(t, id)
		require.Equal(t, queue.StatusCancelled, req.Status)
		require.Contains(t, req.LastError, "risk:")
	}

	ag, err := h.agents.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, agent.StatusPaused, ag.Status)
	require.False(t, ag.TradingEnabled)

	paused := 0
	for _, ev := range h.events {
		if ev == monitor.EventAgentPaused {
			paused++
		}
	}
	require.Equal(t, 1, paused, "only the breaching evaluation pauses the agent")
}

func TestTick_TransientSubmitFailureKeepsStatus(t *testing.T) {
	h := newHarness(t, config.RetryConfig{BaseDelay: 5 * time.Minute})
	a := h.createAgent(t, 0, 15)
	req := h.enqueue(t, onChainRequest(a.ID))
	h.tick(t)
	h.tick(t)

	h.onChain.submitErr = venue.Transient(context.DeadlineExceeded)
	s := h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseSubmit].Rescheduled)

	signed := h.status(t, req.ID)
	require.Equal(t, queue.StatusSigned, signed.Status)
	require.Equal(t, 1, signed.Attempts)
	require.True(t, h.clock.Now().Add(5*time.Minute).Equal(signed.NextRunAt))

	s = h.tick(t)
	require.Zero(t, s.Phases[PhaseSubmit].Claimed, "record not due before next_run_at")

	h.onChain.submitErr = nil
	h.clock.Advance(5 * time.Minute)
	h.tick(t)
	require.Equal(t, queue.StatusSubmitted, h.status(t, req.ID).Status)
}

func TestTick_FatalSigningErrorCancels(t *testing.T) {
	h := newHarness(t, config.RetryConfig{})
	a := h.createAgent(t, 0, 15)
	req := h.enqueue(t, onChainRequest(a.ID))
	h.tick(t)

	h.onChain.authErr = errors.Join(venue.ErrInsufficientFunds, errors.New("allowance still short after approve"))
	s := h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseSign].Cancelled)

	cancelled := h.status(t, req.ID)
	require.Equal(t, queue.StatusCancelled, cancelled.Status)
	require.Nil(t, cancelled.Signed)
	require.Equal(t, monitor.EventTradeCancelled, h.events[len(h.events)-1])
}

func TestTick_UndecryptableSigningKeyCancels(t *testing.T) {
	ctx := context.Background()

	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sealer, err := secret.NewStore(st, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", nil)
	require.NoError(t, err)
	require.NoError(t, sealer.Seal(ctx, "agent-key", []byte("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")))

	rotated, err := secret.NewStore(st, "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100", nil)
	require.NoError(t, err)

	chain := config.ChainConfig{
		ChainID:            1,
		SettlementContract: "0x9008D19f58AAbD9eD0D60971565AA8510560ab41",
		VaultRelayer:       "0xC92E8bdf79f0507f65a392b0ab4667716BFE0110",
		SlippageBps:        50,
		QuoteValidity:      30 * time.Minute,
	}
	onChain := cow.NewVenue(nil, nil, rotated, venue.NewTokens(config.DefaultTokens()), chain, nil)
	h := newHarnessWithOnChain(t, config.RetryConfig{}, onChain)
	onChain.SetClock(h.clock.Now)

	a := agent.Agent{
		AccountID:      "acct-1",
		Name:           "alpha",
		TradingEnabled: true,
		MaxDrawdownPct: 15,
		WalletAddress:  "0x1111111111111111111111111111111111111111",
		SigningKeyRef:  "agent-key",
	}
	require.NoError(t, h.agents.Create(ctx, &a))
	req := h.enqueue(t, onChainRequest(a.ID))
	require.NoError(t, h.queue.Transition(ctx, req.ID, queue.StatusQueued, queue.StatusQuoted, queue.Patch{
		Quote: &queue.QuoteSnapshot{
			SellAmount:   "999000000",
			BuyAmount:    "333000000000000000",
			MinBuyAmount: "331335000000000000",
			FeeAmount:    "1000000",
			ValidTo:      uint32(h.clock.Now().Add(time.Hour).Unix()),
			Kind:         "sell",
		},
	}))

	s := h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseSign].Cancelled)
	require.Zero(t, s.Phases[PhaseSign].Rescheduled)

	cancelled := h.status(t, req.ID)
	require.Equal(t, queue.StatusCancelled, cancelled.Status)
	require.Contains(t, cancelled.LastError, "credentials")
	require.Equal(t, monitor.EventTradeCancelled, h.events[len(h.events)-1])
}

func TestTick_RetryBudgetExhaustedCancels(t *testing.T) {
	h := newHarness(t, config.RetryConfig{BaseDelay: time.Second, MaxAttempts: 2})
	a := h.createAgent(t, 0, 15)
	req := h.enqueue(t, onChainRequest(a.ID))
	h.onChain.quoteErr = venue.Transient(errors.New("orderbook 503"))

	s := h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseQuote].Rescheduled)
	require.Equal(t, queue.StatusQueued, h.status(t, req.ID).Status)

	s = h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseQuote].Cancelled)

	cancelled := h.status(t, req.ID)
	require.Equal(t, queue.StatusCancelled, cancelled.Status)
	require.Contains(t, cancelled.LastError, "retry budget exhausted")
	require.Equal(t, 2, h.onChain.quoteCalls)
}

func TestTick_ConcurrentAdvanceIsSkipped(t *testing.T) {
	h := newHarness(t, config.RetryConfig{})
	a := h.createAgent(t, 0, 15)
	req := h.enqueue(t, onChainRequest(a.ID))
	h.tick(t)

	// 另一次调度在签名期间抢先推进了记录。
	h.onChain.beforeAuthorize = func(r queue.TradeRequest) {
		_ = h.queue.Transition(context.Background(), r.ID, queue.StatusQuoted, queue.StatusSigned,
			queue.Patch{Signed: &queue.SignedPayload{Scheme: "eip712", Signature: "0xother"}})
	}
	s := h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseSign].Skipped)

	signed := h.status(t, req.ID)
	require.Equal(t, queue.StatusSigned, signed.Status)
	require.Equal(t, "0xother", signed.Signed.Signature)

	h.onChain.beforeAuthorize = nil
	calls := h.onChain.authCalls
	s = h.tick(t)
	require.Zero(t, s.Phases[PhaseSign].Claimed)
	require.Equal(t, calls, h.onChain.authCalls, "already signed record is not signed again")
}

func TestTick_PollErrorLeavesSubmitted(t *testing.T) {
	h := newHarness(t, config.RetryConfig{})
	a := h.createAgent(t, 0, 15)
	req := h.enqueue(t, onChainRequest(a.ID))
	h.tick(t)
	h.tick(t)
	h.tick(t)

	h.onChain.pollErr = venue.Transient(errors.New("connection reset"))
	s := h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseFill].Skipped)
	submitted := h.status(t, req.ID)
	require.Equal(t, queue.StatusSubmitted, submitted.Status)
	require.Zero(t, submitted.Attempts)

	h.onChain.pollErr = nil
	h.onChain.state = venue.OrderState{Phase: venue.PhaseExpired, VenueStatus: "expired"}
	s = h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseFill].Expired)
	require.Equal(t, queue.StatusExpired, h.status(t, req.ID).Status)
}

func TestTick_FatalPollErrorCancelsSubmitted(t *testing.T) {
	h := newHarness(t, config.RetryConfig{})
	a := h.createAgent(t, 0, 15)
	req := h.enqueue(t, onChainRequest(a.ID))
	h.tick(t)
	h.tick(t)
	h.tick(t)
	require.Equal(t, queue.StatusSubmitted, h.status(t, req.ID).Status)

	h.onChain.pollErr = fmt.Errorf("%w: credential cred-1 revoked", venue.ErrCredentials)
	s := h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseFill].Cancelled)
	require.Zero(t, s.Phases[PhaseFill].Skipped)

	cancelled := h.status(t, req.ID)
	require.Equal(t, queue.StatusCancelled, cancelled.Status)
	require.Contains(t, cancelled.LastError, "revoked")
	require.Equal(t, monitor.EventTradeCancelled, h.events[len(h.events)-1])

	s = h.tick(t)
	require.Zero(t, s.Phases[PhaseFill].Claimed)
}

func TestTick_UnknownAgentCancels(t *testing.T) {
	h := newHarness(t, config.RetryConfig{})
	req := h.enqueue(t, onChainRequest("ghost"))

	s := h.tick(t)
	require.Equal(t, 1, s.Phases[PhaseQuote].Cancelled)
	require.Equal(t, queue.StatusCancelled, h.status(t, req.ID).Status)
	require.Zero(t, h.onChain.quoteCalls)
}

func TestSummary_JSONShape(t *testing.T) {
	h := newHarness(t, config.RetryConfig{})
	s := h.tick(t)

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NotEmpty(t, decoded["request_id"])
	require.Contains(t, decoded, "started_at")
	require.Contains(t, decoded, "duration")

	phases := decoded["phases"].(map[string]interface{})
	quote := phases["quote"].(map[string]interface{})
	byVenue := quote["by_venue"].(map[string]interface{})
	require.Contains(t, byVenue, "on_chain")
	require.Contains(t, byVenue, "centralized")
}

func TestRetryPolicy(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{})
	require.Equal(t, 5*time.Minute, p.Next(0))
	require.Equal(t, 5*time.Minute, p.Next(10))
	require.False(t, p.Exhausted(1000))

	p = NewRetryPolicy(config.RetryConfig{BaseDelay: time.Minute, Multiplier: 2, MaxDelay: 10 * time.Minute, MaxAttempts: 3})
	require.Equal(t, time.Minute, p.Next(0))
	require.Equal(t, 4*time.Minute, p.Next(2))
	require.Equal(t, 10*time.Minute, p.Next(8))
	require.False(t, p.Exhausted(2))
	require.True(t, p.Exhausted(3))
}
