package cex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agent-trader/internal/venue"
)

// ErrMaintenance 表示交易所处于维护状态。
var ErrMaintenance = errors.New("exchange on maintenance")

type orderClient interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
}

type clientFactory func(creds Credentials, sandbox bool) orderClient

// CCXTAdapter 通过 ccxt 对接 binance、bybit、okx 现货。
type CCXTAdapter struct {
	name    string
	factory clientFactory
	logger  *zap.Logger
}

// NewCCXTAdapter 为指定交易所创建适配器。
func NewCCXTAdapter(name string, timeout time.Duration, logger *zap.Logger) (*CCXTAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name = strings.ToLower(strings.TrimSpace(name))
	factory, err := ccxtFactory(name, timeout)
	if err != nil {
		return nil, err
	}
	return &CCXTAdapter{name: name, factory: factory, logger: logger}, nil
}

func newCCXTAdapterWithFactory(name string, factory clientFactory, logger *zap.Logger) *CCXTAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CCXTAdapter{name: name, factory: factory, logger: logger}
}

func ccxtFactory(name string, timeout time.Duration) (clientFactory, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	build := func(creds Credentials) map[string]interface{} {
		userConfig := map[string]interface{}{
			"enableRateLimit": true,
			"timeout":         timeout.Milliseconds(),
			"apiKey":          creds.APIKey,
			"secret":          creds.APISecret,
			"options": map[string]interface{}{
				"adjustForTimeDifference": true,
				"defaultType":             "spot",
			},
		}
		if creds.Passphrase != "" {
			userConfig["password"] = creds.Passphrase
		}
		return userConfig
	}

	switch name {
	case "binance":
		return func(creds Credentials, sandbox bool) orderClient {
			ex := ccxt.NewBinance(build(creds))
			if sandbox {
				ex.SetSandboxMode(true)
			}
			return ex
		}, nil
	case "bybit":
		return func(creds Credentials, sandbox bool) orderClient {
			ex := ccxt.NewBybit(build(creds))
			if sandbox {
				ex.SetSandboxMode(true)
			}
			return ex
		}, nil
	case "okx":
		return func(creds Credentials, sandbox bool) orderClient {
			ex := ccxt.NewOkx(build(creds))
			if sandbox {
				ex.SetSandboxMode(true)
			}
			return ex
		}, nil
	default:
		return nil, fmt.Errorf("%w: ccxt 不支持交易所 %q", venue.ErrUnsupported, name)
	}
}

// Name 实现 Adapter。
func (a *CCXTAdapter) Name() string { return a.name }

// QuoteAsset 实现 Adapter。
func (a *CCXTAdapter) QuoteAsset() string { return "" }

// PlaceMarketOrder 提交现货市价单；买入时按计价金额下单。
func (a *CCXTAdapter) PlaceMarketOrder(ctx context.Context, creds Credentials, sandbox bool, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, venue.Transient(err)
	}

	amount := req.Quantity.InexactFloat64()
	params := map[string]interface{}{
		"clientOrderId": clientOrderID(req.ClientOrderID),
	}
	if req.QuantityIsQuote {
		params["cost"] = amount
	}

	client := a.factory(creds, sandbox)
	start := time.Now()
	order, err := client.CreateMarketOrder(req.Symbol, req.Side, amount, ccxt.WithCreateMarketOrderParams(params))
	if err != nil {
		normalized := classifyError(err)
		a.logger.Warn("交易所下单失败",
			zap.String("exchange", a.name),
			zap.String("symbol", req.Symbol),
			zap.String("side", req.Side),
			zap.Duration("latency", time.Since(start)),
			zap.Error(normalized),
		)
		return OrderResult{}, normalized
	}

	a.logger.Info("交易所下单成功",
		zap.String("exchange", a.name),
		zap.String("symbol", req.Symbol),
		zap.String("side", req.Side),
		zap.Duration("latency", time.Since(start)),
	)
	return convertOrder(order), nil
}

// FetchOrder 查询订单状态。
func (a *CCXTAdapter) FetchOrder(ctx context.Context, creds Credentials, sandbox bool, id, symbol string) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, venue.Transient(err)
	}
	client := a.factory(creds, sandbox)
	order, err := client.FetchOrder(id, ccxt.WithFetchOrderSymbol(symbol))
	if err != nil {
		return OrderResult{}, classifyError(err)
	}
	return convertOrder(order), nil
}

func convertOrder(order ccxt.Order) OrderResult {
	res := OrderResult{}
	if order.Id != nil {
		res.ID = *order.Id
	}
	if order.Status != nil {
		res.Status = *order.Status
	}
	if order.Filled != nil {
		res.Filled = decimal.NewFromFloat(*order.Filled)
	}
	if order.Average != nil {
		res.Average = decimal.NewFromFloat(*order.Average)
	}
	if order.Cost != nil {
		res.Cost = decimal.NewFromFloat(*order.Cost)
	}
	return res
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return venue.Transient(err)
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return venue.Transient(err)
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return venue.Transient(fmt.Errorf("%w: %s", ErrMaintenance, message))
		case ccxt.InsufficientFundsErrType:
			return fmt.Errorf("%w: %w", venue.ErrInsufficientFunds, err)
		case ccxt.AuthenticationErrorErrType,
			ccxt.PermissionDeniedErrType,
			ccxt.AccountSuspendedErrType:
			return fmt.Errorf("%w: %w", venue.ErrCredentials, err)
		case ccxt.InvalidOrderErrType,
			ccxt.BadSymbolErrType,
			ccxt.BadRequestErrType:
			return fmt.Errorf("%w: %w", venue.ErrRejected, err)
		default:
			return venue.Transient(err)
		}
	}

	return venue.Transient(err)
}
