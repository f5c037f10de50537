package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler 处理单个事件。
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc 把函数适配为 Handler。
type HandlerFunc func(ctx context.Context, event Event) error

// Handle 实现 Handler。
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	name    string
	handler Handler
	types   map[EventType]struct{}
}

// Dispatcher 同步分发事件，订阅者之间互相隔离：panic 会被恢复，错误只记录日志。
type Dispatcher struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *zap.Logger
	now    func() time.Time
}

// NewDispatcher 创建事件分发器。
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger, now: time.Now}
}

// Subscribe 注册订阅者；types 为空表示订阅全部事件。
func (d *Dispatcher) Subscribe(name string, handler Handler, types ...EventType) {
	if handler == nil {
		return
	}
	sub := subscription{name: name, handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()
}

// Publish 依次调用匹配的订阅者，永不返回错误。
func (d *Dispatcher) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now().UTC()
	}

	d.mu.RLock()
	subs := make([]subscription, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		if err := d.invoke(ctx, sub, event); err != nil {
			d.logger.Warn("事件订阅者处理失败",
				zap.String("subscriber", sub.name),
				zap.String("event_type", string(event.Type)),
				zap.String("trade_id", event.TradeID),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, sub subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor: 订阅者 panic: %v", r)
		}
	}()
	return sub.handler.Handle(ctx, event)
}
