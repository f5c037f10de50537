package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agent-trader/internal/store"
)

// Service 负责持久化监控事件，作为审计订阅者挂在分发器上。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS monitor_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			agent_id TEXT,
			trade_id TEXT,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_trade ON monitor_events(trade_id);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("monitor: 初始化表失败: %w", err)
		}
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, agent_id, trade_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(event.Type), event.AgentID, event.TradeID, string(payload), store.Millis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// Handle 实现审计订阅者。
func (s *Service) Handle(ctx context.Context, event Event) error {
	return s.Record(ctx, event)
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	query := `SELECT event_type, COALESCE(agent_id, ''), COALESCE(trade_id, ''), payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	return s.query(ctx, query, args, limit)
}

// ListByTrade 返回某笔交易的全部事件。
func (s *Service) ListByTrade(ctx context.Context, tradeID string, limit int) ([]Event, error) {
	query := `SELECT event_type, COALESCE(agent_id, ''), COALESCE(trade_id, ''), payload, created_at FROM monitor_events WHERE trade_id = ?`
	return s.query(ctx, query, []interface{}{tradeID}, limit)
}

func (s *Service) query(ctx context.Context, query string, args []interface{}, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			agentID string
			tradeID string
			payload string
			created int64
		)
		if scanErr := rows.Scan(&typ, &agentID, &tradeID, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		events = append(events, Event{
			Type:      EventType(typ),
			AgentID:   agentID,
			TradeID:   tradeID,
			Timestamp: store.FromMillis(created),
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
