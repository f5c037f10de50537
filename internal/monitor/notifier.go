package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"agent-trader/internal/config"
)

const defaultChannel = "agent-trader:events"

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Notification 是推送到通知通道的消息体。
type Notification struct {
	AgentID   string      `json:"agent_id"`
	EventType EventType   `json:"event_type"`
	TradeID   string      `json:"trade_id,omitempty"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notifier 通过 Redis PUBLISH 推送事件，发送失败不影响交易流程。
type Notifier struct {
	client  publisher
	closer  func() error
	channel string
	timeout time.Duration
	logger  *zap.Logger
}

// NewNotifier 根据配置连接 Redis。
func NewNotifier(cfg config.NotifyConfig, logger *zap.Logger) (*Notifier, error) {
	if cfg.Addr == "" {
		return nil, errors.New("monitor: notify.addr 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	n := newNotifier(client, cfg.Channel, logger)
	n.closer = client.Close
	return n, nil
}

func newNotifier(client publisher, channel string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channel == "" {
		channel = defaultChannel
	}
	return &Notifier{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// Handle 实现事件订阅者。
func (n *Notifier) Handle(ctx context.Context, event Event) error {
	return n.publish(ctx, Notification{
		AgentID:   event.AgentID,
		EventType: event.Type,
		TradeID:   event.TradeID,
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
	})
}

func (n *Notifier) publish(ctx context.Context, msg Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("monitor: 序列化通知失败: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.client.Publish(pubCtx, n.channel, body).Err(); err != nil {
		return fmt.Errorf("monitor: 推送通知失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (n *Notifier) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer()
}
