package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"agent-trader/internal/config"
)

// chatCompleter 抽象 go-openai 的对话接口，便于测试替换。
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client 封装 OpenAI 调用逻辑。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    chatCompleter
}

// NewClient 使用给定配置创建 AI 客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ai: openai api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return newClient(cfg, openai.NewClientWithConfig(sdkConfig), logger), nil
}

func newClient(cfg config.OpenAIConfig, sdk chatCompleter, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger, sdk: sdk}
}

// Model 返回使用的模型名称。
func (c *Client) Model() string {
	return c.cfg.Model
}

// Consult 请求模型给出交易建议，同时返回原始回复文本以便留存。
func (c *Client) Consult(ctx context.Context, req Request) (Recommendation, string, error) {
	if c.cfg.Model == "" {
		return Recommendation{}, "", errors.New("ai: openai model 不能为空")
	}

	prompt, err := BuildPrompt(req)
	if err != nil {
		return Recommendation{}, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("调用OpenAI失败", zap.Error(err), zap.String("agent_id", req.Agent.ID))
		return Recommendation{}, "", fmt.Errorf("ai: 调用OpenAI失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return Recommendation{}, "", errors.New("ai: OpenAI 返回结果为空")
	}

	raw := strings.TrimSpace(response.Choices[0].Message.Content)
	if raw == "" {
		return Recommendation{}, "", errors.New("ai: OpenAI 返回内容为空")
	}

	rec, err := parseRecommendation(raw)
	if err != nil {
		c.logger.Error("解析模型建议失败", zap.Error(err), zap.String("raw_content", raw))
		return Recommendation{}, raw, err
	}
	if err := rec.Validate(); err != nil {
		return Recommendation{}, raw, err
	}

	c.logger.Info("AI 建议生成成功",
		zap.String("agent_id", req.Agent.ID),
		zap.String("action", string(rec.Action)),
		zap.String("sell_token", rec.SellToken),
		zap.String("buy_token", rec.BuyToken),
		zap.Float64("confidence", rec.Confidence),
	)
	return rec, raw, nil
}

func parseRecommendation(content string) (Recommendation, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return Recommendation{}, err
	}
	var rec Recommendation
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Recommendation{}, fmt.Errorf("ai: 解析建议JSON失败: %w", err)
	}
	return rec, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("ai: 模型输出未找到有效JSON: %s", content)
	}
	return []byte(content[start : end+1]), nil
}
