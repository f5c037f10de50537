package queue

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status 表示交易请求所处的生命周期阶段。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusQuoted    Status = "quoted"
	StatusSigned    Status = "signed"
	StatusSubmitted Status = "submitted"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Venue 表示执行场所类别。
type Venue string

const (
	VenueOnChain     Venue = "on_chain"
	VenueCentralized Venue = "centralized"
)

// Valid 判断场所取值是否合法。
func (v Venue) Valid() bool {
	return v == VenueOnChain || v == VenueCentralized
}

// TradeRequest 是交易队列中的一条持久化记录。
type TradeRequest struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	AccountID    string          `json:"account_id"`
	Venue        Venue           `json:"venue"`
	ChainID      int64           `json:"chain_id,omitempty"`
	CredentialID string          `json:"credential_id,omitempty"`
	SellToken    string          `json:"sell_token"`
	BuyToken     string          `json:"buy_token"`
	SellAmount   decimal.Decimal `json:"sell_amount"`
	Recurring    bool            `json:"recurring"`
	Status       Status          `json:"status"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	Quote        *QuoteSnapshot  `json:"quote,omitempty"`
	Signed       *SignedPayload  `json:"signed,omitempty"`
	VenueOrderID string          `json:"venue_order_id,omitempty"`
	Execution    *Execution      `json:"execution,omitempty"`
	NextRunAt    time.Time       `json:"next_run_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// QuoteSnapshot 保存报价阶段得到的不可变快照。
type QuoteSnapshot struct {
	QuoteID           int64  `json:"quote_id,omitempty"`
	SellAmount        string `json:"sell_amount,omitempty"`
	BuyAmount         string `json:"buy_amount,omitempty"`
	MinBuyAmount      string `json:"min_buy_amount,omitempty"`
	FeeAmount         string `json:"fee_amount,omitempty"`
	ValidTo           uint32 `json:"valid_to,omitempty"`
	Kind              string `json:"kind,omitempty"`
	AppData           string `json:"app_data,omitempty"`
	Receiver          string `json:"receiver,omitempty"`
	PartiallyFillable bool   `json:"partially_fillable,omitempty"`
	SellTokenBalance  string `json:"sell_token_balance,omitempty"`
	BuyTokenBalance   string `json:"buy_token_balance,omitempty"`
	SlippageBps       int    `json:"slippage_bps,omitempty"`

	Exchange        string `json:"exchange,omitempty"`
	Symbol          string `json:"symbol,omitempty"`
	Side            string `json:"side,omitempty"`
	Quantity        string `json:"quantity,omitempty"`
	QuantityIsQuote bool   `json:"quantity_is_quote,omitempty"`

	QuotedAt time.Time `json:"quoted_at"`
}

// Expired 判断链上报价是否已过期。
func (q *QuoteSnapshot) Expired(now time.Time) bool {
	if q == nil || q.ValidTo == 0 {
		return false
	}
	return int64(q.ValidTo) <= now.Unix()
}

// SignedOrder 是实际参与签名的订单字段。
type SignedOrder struct {
	SellToken         string `json:"sell_token"`
	BuyToken          string `json:"buy_token"`
	Receiver          string `json:"receiver"`
	SellAmount        string `json:"sell_amount"`
	BuyAmount         string `json:"buy_amount"`
	ValidTo           uint32 `json:"valid_to"`
	AppData           string `json:"app_data"`
	FeeAmount         string `json:"fee_amount"`
	Kind              string `json:"kind"`
	PartiallyFillable bool   `json:"partially_fillable"`
	SellTokenBalance  string `json:"sell_token_balance"`
	BuyTokenBalance   string `json:"buy_token_balance"`
}

// SignedPayload 保存授权结果，中心化场所仅记录授权方式。
type SignedPayload struct {
	Scheme    string       `json:"scheme"`
	Signature string       `json:"signature,omitempty"`
	Signer    string       `json:"signer,omitempty"`
	Order     *SignedOrder `json:"order,omitempty"`
	SignedAt  time.Time    `json:"signed_at"`
}

// Execution 记录成交结果。
type Execution struct {
	ExecutedSellAmount string          `json:"executed_sell_amount,omitempty"`
	ExecutedBuyAmount  string          `json:"executed_buy_amount,omitempty"`
	FilledQuantity     string          `json:"filled_quantity,omitempty"`
	AveragePrice       string          `json:"average_price,omitempty"`
	EntryPriceUSD      decimal.Decimal `json:"entry_price_usd"`
	VenueStatus        string          `json:"venue_status,omitempty"`
	FilledAt           time.Time       `json:"filled_at"`
}

// Patch 描述一次状态迁移同时写入的字段。
type Patch struct {
	Quote        *QuoteSnapshot
	Signed       *SignedPayload
	VenueOrderID string
	Execution    *Execution
	Reason       string
}
