package cex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"agent-trader/internal/secret"
	"agent-trader/internal/venue"
)

// Credentials 是解密后的交易所 API 凭证，只在单次调用内使用。
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// String 避免凭证被意外格式化进日志。
func (c Credentials) String() string {
	return "[redacted]"
}

// ParseCredentials 解析密钥存储中保存的 JSON 凭证。
func ParseCredentials(pt secret.Plaintext) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(pt, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: 凭证格式错误", venue.ErrCredentials)
	}
	if strings.TrimSpace(creds.APIKey) == "" || strings.TrimSpace(creds.APISecret) == "" {
		return Credentials{}, fmt.Errorf("%w: 凭证缺少 api_key 或 api_secret", venue.ErrCredentials)
	}
	return creds, nil
}

// OrderRequest 描述一笔现货市价单。
type OrderRequest struct {
	Symbol          string
	Side            string
	Quantity        decimal.Decimal
	QuantityIsQuote bool
	ClientOrderID   string
}

// OrderResult 为交易所返回的订单快照。
type OrderResult struct {
	ID      string
	Status  string
	Filled  decimal.Decimal
	Average decimal.Decimal
	Cost    decimal.Decimal
}

// Adapter 封装单个交易所的下单与查询。
type Adapter interface {
	// Name 返回凭证中使用的交易所名称。
	Name() string
	// QuoteAsset 返回交易所固定使用的计价货币，空字符串表示沿用稳定币符号。
	QuoteAsset() string
	PlaceMarketOrder(ctx context.Context, creds Credentials, sandbox bool, req OrderRequest) (OrderResult, error)
	FetchOrder(ctx context.Context, creds Credentials, sandbox bool, id, symbol string) (OrderResult, error)
}

// phaseOf 把交易所订单状态归一化。部分成交后被撤销的订单按成交处理。
func phaseOf(res OrderResult) venue.Phase {
	switch strings.ToLower(res.Status) {
	case "closed", "filled":
		return venue.PhaseFilled
	case "canceled", "cancelled", "rejected", "done_for_day":
		if res.Filled.IsPositive() {
			return venue.PhaseFilled
		}
		return venue.PhaseCancelled
	case "expired":
		if res.Filled.IsPositive() {
			return venue.PhaseFilled
		}
		return venue.PhaseExpired
	default:
		return venue.PhasePending
	}
}

func fillOf(res OrderResult) *venue.Fill {
	price := res.Average
	if !price.IsPositive() && res.Filled.IsPositive() && res.Cost.IsPositive() {
		price = res.Cost.DivRound(res.Filled, 8)
	}
	return &venue.Fill{
		FilledQuantity: res.Filled.String(),
		AveragePrice:   price.String(),
		EntryPrice:     price,
		VenueStatus:    res.Status,
	}
}

func clientOrderID(tradeID string) string {
	return strings.ReplaceAll(tradeID, "-", "")
}
