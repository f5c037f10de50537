package venue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"agent-trader/internal/config"
)

const (
	defaultDecimals  = 18
	pricePrecision   = 8
	defaultPrecision = 6
)

// Token 是代币注册表中的一项。
type Token struct {
	Address      string
	Symbol       string
	Decimals     int32
	Stable       bool
	CEXAsset     string
	CEXPrecision int32
	Known        bool
}

// Tokens 提供代币精度换算与交易对解析。
type Tokens struct {
	byAddress map[string]Token
}

// NewTokens 根据配置构建代币注册表。
func NewTokens(entries []config.TokenConfig) *Tokens {
	t := &Tokens{byAddress: make(map[string]Token, len(entries))}
	for _, e := range entries {
		precision := e.CEXPrecision
		if precision <= 0 {
			precision = defaultPrecision
		}
		t.byAddress[normalize(e.Address)] = Token{
			Address:      e.Address,
			Symbol:       e.Symbol,
			Decimals:     e.Decimals,
			Stable:       e.Stable,
			CEXAsset:     strings.ToUpper(e.CEXAsset),
			CEXPrecision: precision,
			Known:        true,
		}
	}
	return t
}

// Lookup 返回代币信息；未注册的代币按 18 位精度处理。
func (t *Tokens) Lookup(address string) Token {
	if tok, ok := t.byAddress[normalize(address)]; ok {
		return tok
	}
	return Token{Address: address, Decimals: defaultDecimals, CEXPrecision: defaultPrecision}
}

// Resolve 按合约地址或符号查找已注册代币。
func (t *Tokens) Resolve(ref string) (Token, bool) {
	if tok, ok := t.byAddress[normalize(ref)]; ok {
		return tok, true
	}
	for _, tok := range t.byAddress {
		if strings.EqualFold(tok.Symbol, strings.TrimSpace(ref)) {
			return tok, true
		}
	}
	return Token{}, false
}

// ToUnits 把最小单位整数换算为代币数量。
func (t *Tokens) ToUnits(address string, raw decimal.Decimal) decimal.Decimal {
	return raw.Shift(-t.Lookup(address).Decimals)
}

// FromUnits 把代币数量换算为最小单位整数（向下取整）。
func (t *Tokens) FromUnits(address string, units decimal.Decimal) decimal.Decimal {
	return units.Shift(t.Lookup(address).Decimals).Truncate(0)
}

// EntryPrice 计算实际成交价：以稳定币计价的一侧除以另一侧数量；两侧都不是稳定币时返回每单位买入币的卖出币数量。
func (t *Tokens) EntryPrice(sellToken, buyToken string, executedSell, executedBuy decimal.Decimal) (decimal.Decimal, error) {
	sell := t.ToUnits(sellToken, executedSell)
	buy := t.ToUnits(buyToken, executedBuy)
	if !sell.IsPositive() || !buy.IsPositive() {
		return decimal.Zero, errors.New("venue: 成交数量必须为正")
	}

	if t.Lookup(buyToken).Stable && !t.Lookup(sellToken).Stable {
		return buy.DivRound(sell, pricePrecision), nil
	}
	return sell.DivRound(buy, pricePrecision), nil
}

// Pair 是中心化交易所的交易对解析结果。
type Pair struct {
	Symbol          string
	Base            string
	Quote           string
	Side            string
	Quantity        decimal.Decimal
	QuantityIsQuote bool
}

// ResolvePair 把链上代币对映射为交易所现货交易对，稳定币一侧作为计价货币。
// 用稳定币买入时数量为计价金额，卖出为稳定币时数量为基础币数量。
func (t *Tokens) ResolvePair(sellToken, buyToken string, sellAmount decimal.Decimal, quoteOverride string) (Pair, error) {
	sell := t.Lookup(sellToken)
	buy := t.Lookup(buyToken)
	if !sell.Known || !buy.Known || sell.CEXAsset == "" || buy.CEXAsset == "" {
		return Pair{}, fmt.Errorf("%w: 无法解析交易对 %s/%s", ErrUnsupported, sellToken, buyToken)
	}

	amount := sellAmount.Shift(-sell.Decimals)

	switch {
	case sell.Stable && !buy.Stable:
		quote := sell.CEXAsset
		if quoteOverride != "" {
			quote = quoteOverride
		}
		return Pair{
			Symbol:          buy.CEXAsset + "/" + quote,
			Base:            buy.CEXAsset,
			Quote:           quote,
			Side:            "buy",
			Quantity:        amount.Truncate(sell.CEXPrecision),
			QuantityIsQuote: true,
		}, nil
	case buy.Stable && !sell.Stable:
		quote := buy.CEXAsset
		if quoteOverride != "" {
			quote = quoteOverride
		}
		return Pair{
			Symbol:   sell.CEXAsset + "/" + quote,
			Base:     sell.CEXAsset,
			Quote:    quote,
			Side:     "sell",
			Quantity: amount.Truncate(sell.CEXPrecision),
		}, nil
	default:
		return Pair{}, fmt.Errorf("%w: 交易对 %s/%s 缺少稳定币一侧", ErrUnsupported, sell.CEXAsset, buy.CEXAsset)
	}
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
