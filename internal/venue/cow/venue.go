package cow

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agent-trader/internal/agent"
	"agent-trader/internal/config"
	"agent-trader/internal/queue"
	"agent-trader/internal/secret"
	"agent-trader/internal/venue"
)

const (
	orderKindSell  = "sell"
	balanceERC20   = "erc20"
	bpsDenominator = 10000
)

// Orderbook 是订单簿客户端接口。
type Orderbook interface {
	Quote(ctx context.Context, req QuoteRequest) (QuoteResponse, error)
	PlaceOrder(ctx context.Context, order OrderCreation) (string, error)
	GetOrder(ctx context.Context, uid string) (Order, error)
}

// Allowances 负责授权检查。
type Allowances interface {
	Ensure(ctx context.Context, token common.Address, key *ecdsa.PrivateKey, required *big.Int) (bool, error)
}

// Revealer 在回调内提供解密后的密钥。
type Revealer interface {
	Reveal(ctx context.Context, ref string, fn func(secret.Plaintext) error) error
}

// Venue 是链上批量拍卖场所。
type Venue struct {
	orderbook  Orderbook
	allowances Allowances
	signer     *Signer
	secrets    Revealer
	tokens     *venue.Tokens
	cfg        config.ChainConfig
	now        func() time.Time
	logger     *zap.Logger
}

// NewVenue 创建链上场所。
func NewVenue(orderbook Orderbook, allowances Allowances, secrets Revealer, tokens *venue.Tokens, cfg config.ChainConfig, logger *zap.Logger) *Venue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Venue{
		orderbook:  orderbook,
		allowances: allowances,
		signer:     NewSigner(cfg.ChainID, cfg.SettlementContract),
		secrets:    secrets,
		tokens:     tokens,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
	}
}

// SetClock 替换时间源。
func (v *Venue) SetClock(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Kind 实现 venue.Venue。
func (v *Venue) Kind() queue.Venue { return queue.VenueOnChain }

// InlineExecution 实现 venue.Venue；链上订单按阶段逐步推进。
func (v *Venue) InlineExecution() bool { return false }

// Quote 向订单簿请求卖出报价并计算滑点保护后的最小买入数量。
func (v *Venue) Quote(ctx context.Context, req queue.TradeRequest, ag agent.Agent) (*queue.QuoteSnapshot, error) {
	if req.ChainID != v.cfg.ChainID {
		return nil, fmt.Errorf("%w: 不支持的链 %d", venue.ErrUnsupported, req.ChainID)
	}
	if !common.IsHexAddress(ag.WalletAddress) {
		return nil, fmt.Errorf("%w: agent %s 未配置钱包地址", venue.ErrCredentials, ag.ID)
	}
	wallet := common.HexToAddress(ag.WalletAddress).Hex()

	resp, err := v.orderbook.Quote(ctx, QuoteRequest{
		SellToken:           req.SellToken,
		BuyToken:            req.BuyToken,
		From:                wallet,
		Receiver:            wallet,
		Kind:                orderKindSell,
		SellAmountBeforeFee: req.SellAmount.String(),
		ValidFor:            uint32(v.cfg.QuoteValidity / time.Second),
		AppData:             v.cfg.AppData,
		SigningScheme:       SigningScheme,
		SellTokenBalance:    balanceERC20,
		BuyTokenBalance:     balanceERC20,
	})
	if err != nil {
		// 报价失败一律重试，拒绝类错误只在提交阶段终止请求。
		return nil, fmt.Errorf("%w: %v", venue.ErrTransient, err)
	}

	buyAmount, err := decimal.NewFromString(resp.Quote.BuyAmount)
	if err != nil || !buyAmount.IsPositive() {
		return nil, venue.Transient(fmt.Errorf("cow: 报价买入数量无效 %q", resp.Quote.BuyAmount))
	}
	keepBps := int64(bpsDenominator - v.cfg.SlippageBps)
	minBuy := buyAmount.Mul(decimal.NewFromInt(keepBps)).
		Div(decimal.NewFromInt(bpsDenominator)).
		Truncate(0)

	receiver := resp.Quote.Receiver
	if receiver == "" {
		receiver = wallet
	}

	return &queue.QuoteSnapshot{
		QuoteID:           resp.ID,
		SellAmount:        resp.Quote.SellAmount,
		BuyAmount:         resp.Quote.BuyAmount,
		MinBuyAmount:      minBuy.String(),
		FeeAmount:         resp.Quote.FeeAmount,
		ValidTo:           resp.Quote.ValidTo,
		Kind:              resp.Quote.Kind,
		AppData:           resp.Quote.AppData,
		Receiver:          receiver,
		PartiallyFillable: resp.Quote.PartiallyFillable,
		SellTokenBalance:  resp.Quote.SellTokenBalance,
		BuyTokenBalance:   resp.Quote.BuyTokenBalance,
		SlippageBps:       v.cfg.SlippageBps,
		QuotedAt:          v.now().UTC(),
	}, nil
}

// Authorize 确保授权额度后对报价快照签名，签名私钥只在本次调用内解密。
func (v *Venue) Authorize(ctx context.Context, req queue.TradeRequest, ag agent.Agent) (*queue.SignedPayload, error) {
	q := req.Quote
	if q == nil {
		return nil, fmt.Errorf("%w: 缺少报价快照", venue.ErrRejected)
	}
	now := v.now()
	if q.Expired(now) {
		return nil, fmt.Errorf("%w: validTo=%d", venue.ErrQuoteExpired, q.ValidTo)
	}
	if ag.SigningKeyRef == "" || !common.IsHexAddress(ag.WalletAddress) {
		return nil, fmt.Errorf("%w: agent %s 未配置签名密钥", venue.ErrCredentials, ag.ID)
	}

	order := orderFromQuote(req, q)
	required, err := requiredAllowance(q)
	if err != nil {
		return nil, err
	}
	wallet := common.HexToAddress(ag.WalletAddress)

	var signature string
	err = v.secrets.Reveal(ctx, ag.SigningKeyRef, func(pt secret.Plaintext) error {
		key, err := parseKey(pt)
		if err != nil {
			return err
		}
		defer zeroKey(key)

		if crypto.PubkeyToAddress(key.PublicKey) != wallet {
			return fmt.Errorf("%w: 签名密钥与钱包地址不匹配", venue.ErrCredentials)
		}
		if _, err := v.allowances.Ensure(ctx, common.HexToAddress(req.SellToken), key, required); err != nil {
			return err
		}
		signature, err = v.signer.Sign(order, key)
		return err
	})
	if errors.Is(err, secret.ErrNotFound) || errors.Is(err, secret.ErrUndecryptable) {
		return nil, fmt.Errorf("%w: %v", venue.ErrCredentials, err)
	}
	if err != nil {
		return nil, err
	}

	v.logger.Debug("订单已签名",
		zap.String("trade_id", req.ID),
		zap.String("signer", wallet.Hex()),
	)

	return &queue.SignedPayload{
		Scheme:    SigningScheme,
		Signature: signature,
		Signer:    wallet.Hex(),
		Order:     &order,
		SignedAt:  now.UTC(),
	}, nil
}

// Submit 把已签名订单提交到订单簿。
func (v *Venue) Submit(ctx context.Context, req queue.TradeRequest, _ agent.Agent) (venue.SubmitResult, error) {
	if req.Signed == nil || req.Signed.Order == nil {
		return venue.SubmitResult{}, fmt.Errorf("%w: 缺少签名订单", venue.ErrRejected)
	}
	o := req.Signed.Order
	creation := OrderCreation{
		OrderParameters: OrderParameters{
			SellToken:         o.SellToken,
			BuyToken:          o.BuyToken,
			Receiver:          o.Receiver,
			SellAmount:        o.SellAmount,
			BuyAmount:         o.BuyAmount,
			ValidTo:           o.ValidTo,
			AppData:           o.AppData,
			FeeAmount:         o.FeeAmount,
			Kind:              o.Kind,
			PartiallyFillable: o.PartiallyFillable,
			SellTokenBalance:  o.SellTokenBalance,
			BuyTokenBalance:   o.BuyTokenBalance,
		},
		SigningScheme: req.Signed.Scheme,
		Signature:     req.Signed.Signature,
		From:          req.Signed.Signer,
	}
	if req.Quote != nil {
		creation.QuoteID = req.Quote.QuoteID
	}

	uid, err := v.orderbook.PlaceOrder(ctx, creation)
	if err != nil {
		return venue.SubmitResult{}, err
	}
	return venue.SubmitResult{OrderID: uid}, nil
}

// PollStatus 查询订单簿中的订单状态。
func (v *Venue) PollStatus(ctx context.Context, req queue.TradeRequest) (venue.OrderState, error) {
	if req.VenueOrderID == "" {
		return venue.OrderState{}, fmt.Errorf("%w: 缺少订单 UID", venue.ErrRejected)
	}
	order, err := v.orderbook.GetOrder(ctx, req.VenueOrderID)
	if err != nil {
		return venue.OrderState{}, venue.Transient(err)
	}

	switch {
	case order.Status == "fulfilled" || order.Status == "traded":
		sold, err := decimal.NewFromString(order.ExecutedSellAmount)
		if err != nil {
			return venue.OrderState{}, venue.Transient(fmt.Errorf("cow: 成交卖出数量无效: %w", err))
		}
		bought, err := decimal.NewFromString(order.ExecutedBuyAmount)
		if err != nil {
			return venue.OrderState{}, venue.Transient(fmt.Errorf("cow: 成交买入数量无效: %w", err))
		}
		price, err := v.tokens.EntryPrice(req.SellToken, req.BuyToken, sold, bought)
		if err != nil {
			return venue.OrderState{}, venue.Transient(err)
		}
		return venue.OrderState{
			Phase:       venue.PhaseFilled,
			VenueStatus: order.Status,
			Fill: &venue.Fill{
				ExecutedSellAmount: order.ExecutedSellAmount,
				ExecutedBuyAmount:  order.ExecutedBuyAmount,
				EntryPrice:         price,
				VenueStatus:        order.Status,
			},
		}, nil
	case order.Invalidated, order.Status == "expired", order.Status == "cancelled":
		return venue.OrderState{Phase: venue.PhaseExpired, VenueStatus: order.Status}, nil
	default:
		return venue.OrderState{Phase: venue.PhasePending, VenueStatus: order.Status}, nil
	}
}

func orderFromQuote(req queue.TradeRequest, q *queue.QuoteSnapshot) queue.SignedOrder {
	kind := q.Kind
	if kind == "" {
		kind = orderKindSell
	}
	sellBalance := q.SellTokenBalance
	if sellBalance == "" {
		sellBalance = balanceERC20
	}
	buyBalance := q.BuyTokenBalance
	if buyBalance == "" {
		buyBalance = balanceERC20
	}
	return queue.SignedOrder{
		SellToken:         req.SellToken,
		BuyToken:          req.BuyToken,
		Receiver:          q.Receiver,
		SellAmount:        q.SellAmount,
		BuyAmount:         q.MinBuyAmount,
		ValidTo:           q.ValidTo,
		AppData:           q.AppData,
		FeeAmount:         q.FeeAmount,
		Kind:              kind,
		PartiallyFillable: q.PartiallyFillable,
		SellTokenBalance:  sellBalance,
		BuyTokenBalance:   buyBalance,
	}
}

func requiredAllowance(q *queue.QuoteSnapshot) (*big.Int, error) {
	sell, ok := new(big.Int).SetString(q.SellAmount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: 报价卖出数量无效 %q", venue.ErrRejected, q.SellAmount)
	}
	fee := big.NewInt(0)
	if q.FeeAmount != "" {
		if _, ok := fee.SetString(q.FeeAmount, 10); !ok {
			return nil, fmt.Errorf("%w: 报价手续费无效 %q", venue.ErrRejected, q.FeeAmount)
		}
	}
	return sell.Add(sell, fee), nil
}

func parseKey(pt secret.Plaintext) (*ecdsa.PrivateKey, error) {
	trimmed := bytes.TrimPrefix(bytes.TrimSpace(pt), []byte("0x"))
	raw := make([]byte, hex.DecodedLen(len(trimmed)))
	defer secret.Plaintext(raw).Zero()
	if _, err := hex.Decode(raw, trimmed); err != nil {
		return nil, fmt.Errorf("%w: 签名密钥格式错误", venue.ErrCredentials)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: 签名密钥无效", venue.ErrCredentials)
	}
	return key, nil
}

func zeroKey(key *ecdsa.PrivateKey) {
	if key != nil && key.D != nil {
		key.D.SetInt64(0)
	}
}

