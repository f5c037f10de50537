package cex

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"go.uber.org/zap"

	"agent-trader/internal/venue"
)

const (
	alpacaPaperURL = "https://paper-api.alpaca.markets"
	alpacaLiveURL  = "https://api.alpaca.markets"
)

type alpacaClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
}

type alpacaFactory func(creds Credentials, sandbox bool) alpacaClient

// AlpacaAdapter 对接 Alpaca 加密货币现货，计价货币固定为 USD。
type AlpacaAdapter struct {
	factory alpacaFactory
	logger  *zap.Logger
}

// NewAlpacaAdapter 创建 Alpaca 适配器；baseURL 为空时按沙盒标记选择纸面或实盘地址。
func NewAlpacaAdapter(baseURL string, logger *zap.Logger) *AlpacaAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlpacaAdapter{
		factory: func(creds Credentials, sandbox bool) alpacaClient {
			url := baseURL
			if url == "" {
				url = alpacaLiveURL
				if sandbox {
					url = alpacaPaperURL
				}
			}
			return alpaca.NewClient(alpaca.ClientOpts{
				APIKey:    creds.APIKey,
				APISecret: creds.APISecret,
				BaseURL:   url,
			})
		},
		logger: logger,
	}
}

// Name 实现 Adapter。
func (a *AlpacaAdapter) Name() string { return "alpaca" }

// QuoteAsset 实现 Adapter。
func (a *AlpacaAdapter) QuoteAsset() string { return "USD" }

// PlaceMarketOrder 提交市价单；买入按名义金额，卖出按数量。
func (a *AlpacaAdapter) PlaceMarketOrder(ctx context.Context, creds Credentials, sandbox bool, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, venue.Transient(err)
	}

	quantity := req.Quantity
	orderReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientOrderID,
	}
	if req.QuantityIsQuote {
		orderReq.Notional = &quantity
	} else {
		orderReq.Qty = &quantity
	}

	order, err := a.factory(creds, sandbox).PlaceOrder(orderReq)
	if err != nil {
		normalized := classifyAlpacaError(err)
		a.logger.Warn("Alpaca 下单失败",
			zap.String("symbol", req.Symbol),
			zap.String("side", req.Side),
			zap.Error(normalized),
		)
		return OrderResult{}, normalized
	}
	return convertAlpacaOrder(order), nil
}

// FetchOrder 查询订单状态。
func (a *AlpacaAdapter) FetchOrder(ctx context.Context, creds Credentials, sandbox bool, id, _ string) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, venue.Transient(err)
	}
	order, err := a.factory(creds, sandbox).GetOrder(id)
	if err != nil {
		return OrderResult{}, classifyAlpacaError(err)
	}
	return convertAlpacaOrder(order), nil
}

func convertAlpacaOrder(order *alpaca.Order) OrderResult {
	if order == nil {
		return OrderResult{}
	}
	res := OrderResult{
		ID:     order.ID,
		Status: order.Status,
		Filled: order.FilledQty,
	}
	if order.FilledAvgPrice != nil {
		res.Average = *order.FilledAvgPrice
		res.Cost = order.FilledQty.Mul(*order.FilledAvgPrice)
	}
	return res
}

func classifyAlpacaError(err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return venue.Transient(err)
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
		return venue.Transient(err)
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		if strings.Contains(strings.ToLower(apiErr.Message), "insufficient") {
			return fmt.Errorf("%w: %w", venue.ErrInsufficientFunds, err)
		}
		return fmt.Errorf("%w: %w", venue.ErrCredentials, err)
	case strings.Contains(strings.ToLower(apiErr.Message), "insufficient"):
		return fmt.Errorf("%w: %w", venue.ErrInsufficientFunds, err)
	case apiErr.StatusCode >= 400:
		return fmt.Errorf("%w: %w", venue.ErrRejected, err)
	default:
		return venue.Transient(err)
	}
}
