package cow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agent-trader/internal/config"
	"agent-trader/internal/venue"
)

// OrderParameters 是订单簿报价与下单共用的订单字段。
type OrderParameters struct {
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	Receiver          string `json:"receiver"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           uint32 `json:"validTo"`
	AppData           string `json:"appData"`
	FeeAmount         string `json:"feeAmount"`
	Kind              string `json:"kind"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	SellTokenBalance  string `json:"sellTokenBalance"`
	BuyTokenBalance   string `json:"buyTokenBalance"`
}

// QuoteRequest 对应 POST /quote 的请求体。
type QuoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	From                string `json:"from"`
	Receiver            string `json:"receiver"`
	Kind                string `json:"kind"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidFor            uint32 `json:"validFor,omitempty"`
	AppData             string `json:"appData"`
	SigningScheme       string `json:"signingScheme"`
	PartiallyFillable   bool   `json:"partiallyFillable"`
	SellTokenBalance    string `json:"sellTokenBalance"`
	BuyTokenBalance     string `json:"buyTokenBalance"`
}

// QuoteResponse 对应 POST /quote 的响应体。
type QuoteResponse struct {
	Quote      OrderParameters `json:"quote"`
	From       string          `json:"from"`
	Expiration string          `json:"expiration"`
	ID         int64           `json:"id"`
}

// OrderCreation 对应 POST /orders 的请求体。
type OrderCreation struct {
	OrderParameters
	SigningScheme string `json:"signingScheme"`
	Signature     string `json:"signature"`
	From          string `json:"from"`
	QuoteID       int64  `json:"quoteId,omitempty"`
}

// Order 对应 GET /orders/{uid} 的响应体中关注的字段。
type Order struct {
	UID                string `json:"uid"`
	Status             string `json:"status"`
	ExecutedSellAmount string `json:"executedSellAmount"`
	ExecutedBuyAmount  string `json:"executedBuyAmount"`
	ExecutedFeeAmount  string `json:"executedFeeAmount"`
	Invalidated        bool   `json:"invalidated"`
}

// APIError 为订单簿返回的非 2xx 响应。
type APIError struct {
	StatusCode  int    `json:"-"`
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orderbook %d %s: %s", e.StatusCode, e.ErrorType, e.Description)
}

var insufficientFundsTypes = map[string]struct{}{
	"InsufficientBalance":   {},
	"InsufficientAllowance": {},
	"InsufficientFee":       {},
}

// Client 是批量拍卖订单簿 REST 客户端。
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient 创建订单簿客户端。
func NewClient(cfg config.OrderbookConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Quote 请求报价。
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (QuoteResponse, error) {
	var resp QuoteResponse
	if err := c.do(ctx, http.MethodPost, "/quote", req, &resp); err != nil {
		return QuoteResponse{}, err
	}
	return resp, nil
}

// PlaceOrder 提交已签名订单，返回订单 UID。
func (c *Client) PlaceOrder(ctx context.Context, order OrderCreation) (string, error) {
	var uid string
	if err := c.do(ctx, http.MethodPost, "/orders", order, &uid); err != nil {
		return "", err
	}
	if uid == "" {
		return "", venue.Transient(errors.New("cow: 下单响应缺少订单 UID"))
	}
	return uid, nil
}

// GetOrder 查询订单状态。
func (c *Client) GetOrder(ctx context.Context, uid string) (Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(uid), nil, &order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cow: 序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("cow: 构造请求失败: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-Id", requestID)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("订单簿请求失败",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return venue.Transient(fmt.Errorf("cow: %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return venue.Transient(fmt.Errorf("cow: 读取响应失败: %w", err))
	}

	c.logger.Debug("订单簿请求完成",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyResponse(resp.StatusCode, payload)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return venue.Transient(fmt.Errorf("cow: 解析响应失败: %w", err))
	}
	return nil
}

func classifyResponse(status int, payload []byte) error {
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(payload, apiErr); err != nil || apiErr.ErrorType == "" {
		apiErr.Description = strings.TrimSpace(string(payload))
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return venue.Transient(apiErr)
	case status == http.StatusNotFound:
		return venue.Transient(apiErr)
	}

	if _, ok := insufficientFundsTypes[apiErr.ErrorType]; ok {
		return fmt.Errorf("%w: %w", venue.ErrInsufficientFunds, apiErr)
	}
	return fmt.Errorf("%w: %w", venue.ErrRejected, apiErr)
}
