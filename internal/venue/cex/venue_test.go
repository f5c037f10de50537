package cex

import (
	"context"
	"errors"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"

	"agent-trader/internal/agent"
	"agent-trader/internal/config"
	"agent-trader/internal/queue"
	"agent-trader/internal/secret"
	"agent-trader/internal/store"
	"agent-trader/internal/venue"
)

const (
	usdc      = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	weth      = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	masterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

type mockOrderClient struct {
	calls    []string
	symbol   string
	side     string
	amount   float64
	order    ccxt.Order
	err      error
	fetched  ccxt.Order
	fetchErr error
}

func (m *mockOrderClient) CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error) {
	m.calls = append(m.calls, "CreateMarketOrder")
	m.symbol, m.side, m.amount = symbol, side, amount
	return m.order, m.err
}

func (m *mockOrderClient) FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error) {
	m.calls = append(m.calls, "FetchOrder")
	return m.fetched, m.fetchErr
}

func strPtr(v string) *string { return &v }

func floatPtr(v float64) *float64 { return &v }

type testEnv struct {
	store  *store.Store
	venue  *Venue
	agents *agent.Repository
	client *mockOrderClient
	creds  []Credentials
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	secrets, err := secret.NewStore(st, masterKey, nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	agents, err := agent.NewRepository(st, nil)
	if err != nil {
		t.Fatalf("agent.NewRepository returned error: %v", err)
	}

	ctx := context.Background()
	if err := secrets.Seal(ctx, "cred-1-secret", []byte(`{"api_key":"k","api_secret":"s"}`)); err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if err := agents.CreateCredential(ctx, &agent.Credential{
		ID: "cred-1", AccountID: "acct-1", Exchange: "binance", SecretRef: "cred-1-secret",
	}); err != nil {
		t.Fatalf("CreateCredential returned error: %v", err)
	}

	env := &testEnv{store: st, agents: agents, client: &mockOrderClient{}}
	adapter := newCCXTAdapterWithFactory("binance", func(creds Credentials, sandbox bool) orderClient {
		env.creds = append(env.creds, creds)
		return env.client
	}, nil)
	env.venue = NewVenue(agents, secrets, venue.NewTokens(config.DefaultTokens()), true, nil, adapter)
	return env
}

func cexRequest() queue.TradeRequest {
	return queue.TradeRequest{
		ID:           "8f14e45f-ceea-467f-a8c2-5c1a3c2b9e10",
		AgentID:      "agent-1",
		Venue:        queue.VenueCentralized,
		CredentialID: "cred-1",
		SellToken:    usdc,
		BuyToken:     weth,
		SellAmount:   decimal.RequireFromString("500000000"),
	}
}

func TestVenue_QuoteResolvesPair(t *testing.T) {
	env := newTestEnv(t)

	snap, err := env.venue.Quote(context.Background(), cexRequest(), agent.Agent{})
	if err != nil {
		t.Fatalf("Quote returned error: %v", err)
	}
	if snap.Symbol != "ETH/USDC" || snap.Side != "buy" || !snap.QuantityIsQuote || snap.Quantity != "500" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(env.client.calls) != 0 {
		t.Fatalf("quote must not call the exchange, got %v", env.client.calls)
	}
}

func TestVenue_SubmitReportsImmediateFill(t *testing.T) {
	env := newTestEnv(t)
	env.client.order = ccxt.Order{
		Id:      strPtr("123"),
		Status:  strPtr("closed"),
		Filled:  floatPtr(0.25),
		Average: floatPtr(2000),
	}

	req := cexRequest()
	snap, err := env.venue.Quote(context.Background(), req, agent.Agent{})
	if err != nil {
		t.Fatalf("Quote returned error: %v", err)
	}
	req.Quote = snap

	res, err := env.venue.Submit(context.Background(), req, agent.Agent{})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if res.OrderID != "123" {
		t.Errorf("order id = %s, want 123", res.OrderID)
	}
	if res.Fill == nil || !res.Fill.EntryPrice.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected fill at 2000, got %+v", res.Fill)
	}
	if env.client.symbol != "ETH/USDC" || env.client.side != "buy" || env.client.amount != 500 {
		t.Errorf("unexpected order: %s %s %f", env.client.symbol, env.client.side, env.client.amount)
	}
	if len(env.creds) != 1 || env.creds[0].APIKey != "k" {
		t.Errorf("expected decrypted credentials to reach the adapter once")
	}
}

func TestVenue_SubmitErrorsAreClassified(t *testing.T) {
	env := newTestEnv(t)
	req := cexRequest()
	req.Quote = &queue.QuoteSnapshot{Symbol: "ETH/USDC", Side: "buy", Quantity: "500", QuantityIsQuote: true}

	env.client.err = &ccxt.Error{Type: ccxt.InsufficientFundsErrType, Message: "balance too low"}
	_, err := env.venue.Submit(context.Background(), req, agent.Agent{})
	if !errors.Is(err, venue.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	env.client.err = &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "connection reset"}
	_, err = env.venue.Submit(context.Background(), req, agent.Agent{})
	if venue.Classify(err) != venue.ClassTransient {
		t.Fatalf("expected transient classification, got %v", err)
	}
}

func TestVenue_RevokedCredentialIsFatal(t *testing.T) {
	env := newTestEnv(t)
	if err := env.agents.RevokeCredential(context.Background(), "cred-1"); err != nil {
		t.Fatalf("RevokeCredential returned error: %v", err)
	}

	_, err := env.venue.Quote(context.Background(), cexRequest(), agent.Agent{})
	if !errors.Is(err, venue.ErrCredentials) {
		t.Fatalf("expected ErrCredentials, got %v", err)
	}
}

func TestVenue_UndecryptableCredentialIsFatal(t *testing.T) {
	env := newTestEnv(t)
	rotated, err := secret.NewStore(env.store, "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100", nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	env.venue.secrets = rotated

	req := cexRequest()
	req.Quote = &queue.QuoteSnapshot{Symbol: "ETH/USDC", Side: "buy", Quantity: "500", QuantityIsQuote: true}
	_, err = env.venue.Submit(context.Background(), req, agent.Agent{})
	if !errors.Is(err, venue.ErrCredentials) {
		t.Fatalf("expected ErrCredentials, got %v", err)
	}
	if venue.Classify(err) != venue.ClassFatal {
		t.Fatalf("expected fatal classification, got %v", err)
	}
	if len(env.creds) != 0 {
		t.Fatalf("adapter must not receive credentials")
	}
}

func TestVenue_PollStatusMapsExchangeStates(t *testing.T) {
	env := newTestEnv(t)
	req := cexRequest()
	req.VenueOrderID = "123"
	req.Quote = &queue.QuoteSnapshot{Symbol: "ETH/USDC"}

	cases := []struct {
		order ccxt.Order
		want  venue.Phase
	}{
		{ccxt.Order{Status: strPtr("open")}, venue.PhasePending},
		{ccxt.Order{Status: strPtr("closed"), Filled: floatPtr(1), Average: floatPtr(1999.5)}, venue.PhaseFilled},
		{ccxt.Order{Status: strPtr("canceled")}, venue.PhaseCancelled},
		{ccxt.Order{Status: strPtr("rejected")}, venue.PhaseCancelled},
		{ccxt.Order{Status: strPtr("canceled"), Filled: floatPtr(0.5), Cost: floatPtr(1000)}, venue.PhaseFilled},
	}
	for _, tc := range cases {
		env.client.fetched = tc.order
		state, err := env.venue.PollStatus(context.Background(), req)
		if err != nil {
			t.Fatalf("PollStatus returned error: %v", err)
		}
		if state.Phase != tc.want {
			t.Errorf("status %s: phase = %s, want %s", *tc.order.Status, state.Phase, tc.want)
		}
	}
}

func TestClientOrderIDFitsExchangeLimits(t *testing.T) {
	id := clientOrderID("8f14e45f-ceea-467f-a8c2-5c1a3c2b9e10")
	if len(id) != 32 {
		t.Fatalf("client order id length = %d, want 32", len(id))
	}
}
