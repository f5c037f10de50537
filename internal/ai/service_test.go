package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"agent-trader/internal/agent"
	"agent-trader/internal/config"
	"agent-trader/internal/outcome"
	"agent-trader/internal/queue"
	"agent-trader/internal/store"
	"agent-trader/internal/venue"
)

type fakeCompleter struct {
	content string
	err     error
	prompt  string
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if len(req.Messages) > 0 {
		f.prompt = req.Messages[0].Content
	}
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.content}}},
	}, nil
}

type fixture struct {
	svc           *Service
	completer     *fakeCompleter
	agents        *agent.Repository
	queue         *queue.Repository
	consultations *outcome.Repository
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	agents, err := agent.NewRepository(st, nil)
	require.NoError(t, err)
	q, err := queue.NewRepository(st, nil)
	require.NoError(t, err)
	consultations, err := outcome.NewRepository(st, nil)
	require.NoError(t, err)

	completer := &fakeCompleter{}
	client := newClient(config.OpenAIConfig{Model: "gpt-4o-mini", Timeout: 5 * time.Second}, completer, nil)
	svc := NewService(client, agents, q, consultations, venue.NewTokens(config.DefaultTokens()), 1, nil)
	return fixture{svc: svc, completer: completer, agents: agents, queue: q, consultations: consultations}
}

func (f fixture) createAgent(t *testing.T, a agent.Agent) agent.Agent {
	t.Helper()
	a.AccountID = "acct-1"
	a.MaxDrawdownPct = 20
	a.TradingEnabled = true
	require.NoError(t, f.agents.Create(context.Background(), &a))
	return a
}

func TestConsultAndQueue_SwapIsQueuedAndLinked(t *testing.T) {
	f := newFixture(t)
	a := f.createAgent(t, agent.Agent{Name: "alpha", WalletAddress: "0x1111111111111111111111111111111111111111"})
	f.completer.content = "分析如下：\n```json\n" +
		`{"action":"swap","sell_token":"USDC","buy_token":"WETH","sell_amount":"1000","confidence":0.7,"reasoning":"trend"}` +
		"\n```"

	res, err := f.svc.ConsultAndQueue(context.Background(), a.ID, Request{Notes: "ETH 突破", Tokens: []string{"USDC", "WETH"}})
	require.NoError(t, err)
	require.NotNil(t, res.Trade)
	require.Contains(t, f.completer.prompt, "ETH 突破")
	require.Contains(t, f.completer.prompt, "alpha")

	trade, err := f.queue.Get(context.Background(), res.Trade.ID)
	require.NoError(t, err)
	require.Equal(t, queue.VenueOnChain, trade.Venue)
	require.Equal(t, int64(1), trade.ChainID)
	require.Equal(t, "1000000000", trade.SellAmount.String())

	stored, err := f.consultations.FindByTradeID(context.Background(), trade.ID)
	require.NoError(t, err)
	require.Equal(t, res.Consultation.ID, stored.ID)
	require.Equal(t, "SWAP", stored.Action)
	require.Equal(t, "gpt-4o-mini", stored.Model)
	require.True(t, strings.Contains(stored.Response, `"confidence":0.7`))
}

func TestConsultAndQueue_CentralizedAgentUsesCredential(t *testing.T) {
	f := newFixture(t)
	a := f.createAgent(t, agent.Agent{Name: "cex", CredentialID: "cred-1"})
	f.completer.content = `{"action":"SWAP","sell_token":"WETH","buy_token":"USDT","sell_amount":"0.5","confidence":60}`

	res, err := f.svc.ConsultAndQueue(context.Background(), a.ID, Request{})
	require.NoError(t, err)
	require.NotNil(t, res.Trade)
	require.Equal(t, queue.VenueCentralized, res.Trade.Venue)
	require.Equal(t, "cred-1", res.Trade.CredentialID)
	require.Zero(t, res.Trade.ChainID)
}

func TestConsultAndQueue_HoldOnlyRecords(t *testing.T) {
	f := newFixture(t)
	a := f.createAgent(t, agent.Agent{WalletAddress: "0x1111111111111111111111111111111111111111"})
	f.completer.content = `{"action":"hold","confidence":0.4,"reasoning":"range"}`

	res, err := f.svc.ConsultAndQueue(context.Background(), a.ID, Request{})
	require.NoError(t, err)
	require.Nil(t, res.Trade)

	stored, err := f.consultations.Get(context.Background(), res.Consultation.ID)
	require.NoError(t, err)
	require.Empty(t, stored.TradeQueueID)
}

func TestConsultAndQueue_Errors(t *testing.T) {
	f := newFixture(t)
	a := f.createAgent(t, agent.Agent{WalletAddress: "0x1111111111111111111111111111111111111111"})

	f.completer.err = errors.New("rate limited")
	_, err := f.svc.ConsultAndQueue(context.Background(), a.ID, Request{})
	require.Error(t, err)

	f.completer.err = nil
	f.completer.content = `{"action":"SWAP","sell_token":"USDC","buy_token":"DOGE","sell_amount":"10"}`
	_, err = f.svc.ConsultAndQueue(context.Background(), a.ID, Request{})
	require.ErrorIs(t, err, ErrUnknownToken)

	f.completer.content = `no json here`
	_, err = f.svc.ConsultAndQueue(context.Background(), a.ID, Request{})
	require.Error(t, err)

	_, err = f.svc.ConsultAndQueue(context.Background(), "missing", Request{})
	require.ErrorIs(t, err, agent.ErrNotFound)
}

func TestRecommendation_Validate(t *testing.T) {
	cases := []struct {
		name string
		rec  Recommendation
		ok   bool
	}{
		{"hold", Recommendation{Action: "hold"}, true},
		{"swap", Recommendation{Action: "SWAP", SellToken: "USDC", BuyToken: "WETH", SellAmount: "1"}, true},
		{"same token", Recommendation{Action: "SWAP", SellToken: "USDC", BuyToken: "usdc", SellAmount: "1"}, false},
		{"zero amount", Recommendation{Action: "SWAP", SellToken: "USDC", BuyToken: "WETH", SellAmount: "0"}, false},
		{"bad venue", Recommendation{Action: "SWAP", SellToken: "USDC", BuyToken: "WETH", SellAmount: "1", Venue: "dex"}, false},
		{"bad action", Recommendation{Action: "LONG"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rec.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
