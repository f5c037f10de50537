package outcome

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"agent-trader/internal/monitor"
	"agent-trader/internal/store"
)

func TestParseConfidence(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     float64
	}{
		{"plain json percent", `{"action":"buy","confidence":72}`, 72},
		{"fraction scaled", `Sure. {"action":"buy","confidence":0.85} good luck`, 85},
		{"last match wins", `draft {"confidence": 40} final {"action":"sell","confidence": 65}`, 65},
		{"nested braces in strings", `{"reason":"range {low} to {high}","confidence":"60%"}`, 60},
		{"ignores objects without field", `{"confidence":30} then {"action":"hold"}`, 30},
		{"absent", `I would buy ETH now.`, DefaultConfidence},
		{"malformed", `{"confidence": high}`, DefaultConfidence},
		{"clamped", `{"confidence": 250}`, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseConfidence(tc.response); got != tc.want {
				t.Fatalf("ParseConfidence(%q) = %v, want %v", tc.response, got, tc.want)
			}
		})
	}
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo, err := NewRepository(st, nil)
	require.NoError(t, err)
	return repo
}

func TestLinker_WritesEntryPriceAndConfidence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := &Consultation{AgentID: "a-1", Model: "gpt", Action: "buy", Response: `{"action":"buy","confidence":0.8}`}
	require.NoError(t, repo.Insert(ctx, c))
	require.NoError(t, repo.AttachTrade(ctx, c.ID, "t-1"))

	linker := NewLinker(repo, nil)
	price := decimal.RequireFromString("3000.00000000")
	require.NoError(t, linker.Handle(ctx, monitor.Event{
		Type:    monitor.EventTradeFilled,
		TradeID: "t-1",
		Payload: monitor.TradePayload{EntryPriceUSD: &price},
	}))

	stored, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EntryPriceUSD)
	require.True(t, stored.EntryPriceUSD.Equal(decimal.NewFromInt(3000)))
	require.NotNil(t, stored.ConfidenceAtRec)
	require.InDelta(t, 80, *stored.ConfidenceAtRec, 1e-9)
	require.False(t, stored.LinkedAt.IsZero())
}

func TestLinker_NoConsultationIsNoop(t *testing.T) {
	repo := newTestRepo(t)
	linked, err := NewLinker(repo, nil).Link(context.Background(), "unknown", decimal.NewFromInt(1))
	require.NoError(t, err)
	require.False(t, linked)
}
