package cex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agent-trader/internal/agent"
	"agent-trader/internal/queue"
	"agent-trader/internal/secret"
	"agent-trader/internal/venue"
)

// SchemeAPIKey 是中心化场所的授权方式，凭证在提交时才解密。
const SchemeAPIKey = "api_key"

// CredentialStore 查询交易所凭证元数据。
type CredentialStore interface {
	GetCredential(ctx context.Context, id string) (agent.Credential, error)
}

// Revealer 在回调内提供解密后的凭证。
type Revealer interface {
	Reveal(ctx context.Context, ref string, fn func(secret.Plaintext) error) error
}

// Venue 是中心化交易所场所，报价阶段内联完成授权与提交。
type Venue struct {
	adapters map[string]Adapter
	creds    CredentialStore
	secrets  Revealer
	tokens   *venue.Tokens
	sandbox  bool
	now      func() time.Time
	logger   *zap.Logger
}

// NewVenue 创建中心化场所。
func NewVenue(creds CredentialStore, secrets Revealer, tokens *venue.Tokens, sandbox bool, logger *zap.Logger, adapters ...Adapter) *Venue {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Venue{
		adapters: make(map[string]Adapter, len(adapters)),
		creds:    creds,
		secrets:  secrets,
		tokens:   tokens,
		sandbox:  sandbox,
		now:      time.Now,
		logger:   logger,
	}
	for _, a := range adapters {
		if a != nil {
			v.adapters[strings.ToLower(a.Name())] = a
		}
	}
	return v
}

// SetClock 替换时间源。
func (v *Venue) SetClock(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Kind 实现 venue.Venue。
func (v *Venue) Kind() queue.Venue { return queue.VenueCentralized }

// InlineExecution 实现 venue.Venue。
func (v *Venue) InlineExecution() bool { return true }

// Quote 解析交易对与下单数量，不向交易所发起请求。
func (v *Venue) Quote(ctx context.Context, req queue.TradeRequest, _ agent.Agent) (*queue.QuoteSnapshot, error) {
	cred, adapter, err := v.resolve(ctx, req.CredentialID)
	if err != nil {
		return nil, err
	}

	pair, err := v.tokens.ResolvePair(req.SellToken, req.BuyToken, req.SellAmount, adapter.QuoteAsset())
	if err != nil {
		return nil, err
	}
	if !pair.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: 下单数量低于交易所精度", venue.ErrUnsupported)
	}

	return &queue.QuoteSnapshot{
		Exchange:        cred.Exchange,
		Symbol:          pair.Symbol,
		Side:            pair.Side,
		Quantity:        pair.Quantity.String(),
		QuantityIsQuote: pair.QuantityIsQuote,
		QuotedAt:        v.now().UTC(),
	}, nil
}

// Authorize 只确认凭证仍然有效。
func (v *Venue) Authorize(ctx context.Context, req queue.TradeRequest, _ agent.Agent) (*queue.SignedPayload, error) {
	if _, _, err := v.resolve(ctx, req.CredentialID); err != nil {
		return nil, err
	}
	return &queue.SignedPayload{Scheme: SchemeAPIKey, SignedAt: v.now().UTC()}, nil
}

// Submit 解密凭证并提交市价单，交易所即时成交时一并返回成交数据。
func (v *Venue) Submit(ctx context.Context, req queue.TradeRequest, _ agent.Agent) (venue.SubmitResult, error) {
	if req.Quote == nil || req.Quote.Symbol == "" {
		return venue.SubmitResult{}, fmt.Errorf("%w: 缺少交易对快照", venue.ErrRejected)
	}
	quantity, err := decimal.NewFromString(req.Quote.Quantity)
	if err != nil || !quantity.IsPositive() {
		return venue.SubmitResult{}, fmt.Errorf("%w: 下单数量无效 %q", venue.ErrRejected, req.Quote.Quantity)
	}

	cred, adapter, err := v.resolve(ctx, req.CredentialID)
	if err != nil {
		return venue.SubmitResult{}, err
	}

	var res OrderResult
	err = v.withCredentials(ctx, cred, func(creds Credentials) error {
		var placeErr error
		res, placeErr = adapter.PlaceMarketOrder(ctx, creds, v.sandbox || cred.Sandbox, OrderRequest{
			Symbol:          req.Quote.Symbol,
			Side:            req.Quote.Side,
			Quantity:        quantity,
			QuantityIsQuote: req.Quote.QuantityIsQuote,
			ClientOrderID:   req.ID,
		})
		return placeErr
	})
	if err != nil {
		return venue.SubmitResult{}, err
	}
	if res.ID == "" {
		return venue.SubmitResult{}, venue.Transient(errors.New("cex: 交易所未返回订单号"))
	}

	v.logger.Info("中心化交易所订单已提交",
		zap.String("trade_id", req.ID),
		zap.String("exchange", cred.Exchange),
		zap.String("symbol", req.Quote.Symbol),
		zap.String("order_id", res.ID),
		zap.String("status", res.Status),
	)

	result := venue.SubmitResult{OrderID: res.ID}
	if phaseOf(res) == venue.PhaseFilled && res.Filled.IsPositive() {
		fill := fillOf(res)
		if fill.EntryPrice.IsPositive() {
			result.Fill = fill
		}
	}
	return result, nil
}

// PollStatus 查询交易所订单状态。
func (v *Venue) PollStatus(ctx context.Context, req queue.TradeRequest) (venue.OrderState, error) {
	if req.VenueOrderID == "" {
		return venue.OrderState{}, fmt.Errorf("%w: 缺少订单号", venue.ErrRejected)
	}
	symbol := ""
	if req.Quote != nil {
		symbol = req.Quote.Symbol
	}

	cred, adapter, err := v.resolve(ctx, req.CredentialID)
	if err != nil {
		return venue.OrderState{}, err
	}

	var res OrderResult
	err = v.withCredentials(ctx, cred, func(creds Credentials) error {
		var fetchErr error
		res, fetchErr = adapter.FetchOrder(ctx, creds, v.sandbox || cred.Sandbox, req.VenueOrderID, symbol)
		return fetchErr
	})
	if err != nil {
		return venue.OrderState{}, err
	}

	phase := phaseOf(res)
	state := venue.OrderState{Phase: phase, VenueStatus: res.Status}
	if phase == venue.PhaseFilled {
		fill := fillOf(res)
		if !fill.EntryPrice.IsPositive() {
			return venue.OrderState{Phase: venue.PhasePending, VenueStatus: res.Status}, nil
		}
		state.Fill = fill
	}
	return state, nil
}

func (v *Venue) resolve(ctx context.Context, credentialID string) (agent.Credential, Adapter, error) {
	cred, err := v.creds.GetCredential(ctx, credentialID)
	if errors.Is(err, agent.ErrNotFound) {
		return agent.Credential{}, nil, fmt.Errorf("%w: 凭证 %s 不存在", venue.ErrCredentials, credentialID)
	}
	if err != nil {
		return agent.Credential{}, nil, venue.Transient(err)
	}
	if cred.Revoked {
		return agent.Credential{}, nil, fmt.Errorf("%w: 凭证 %s 已吊销", venue.ErrCredentials, credentialID)
	}
	adapter, ok := v.adapters[strings.ToLower(cred.Exchange)]
	if !ok {
		return agent.Credential{}, nil, fmt.Errorf("%w: 未配置交易所 %q", venue.ErrUnsupported, cred.Exchange)
	}
	return cred, adapter, nil
}

func (v *Venue) withCredentials(ctx context.Context, cred agent.Credential, fn func(Credentials) error) error {
	err := v.secrets.Reveal(ctx, cred.SecretRef, func(pt secret.Plaintext) error {
		creds, err := ParseCredentials(pt)
		if err != nil {
			return err
		}
		return fn(creds)
	})
	if errors.Is(err, secret.ErrNotFound) || errors.Is(err, secret.ErrUndecryptable) {
		return fmt.Errorf("%w: %v", venue.ErrCredentials, err)
	}
	return err
}
