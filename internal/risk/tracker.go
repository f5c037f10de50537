package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agent-trader/internal/store"
)

// ActivityLog 持久化风控事件，供人工复核暂停原因。
type ActivityLog struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewActivityLog 创建风控活动日志并初始化表结构。
func NewActivityLog(db *sql.DB, logger *zap.Logger) (*ActivityLog, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &ActivityLog{db: db, logger: logger, now: time.Now}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *ActivityLog) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			trade_id TEXT,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_agent ON risk_activity_log(agent_id, occurred_at);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// LogEvent 记录风控事件。
func (l *ActivityLog) LogEvent(ctx context.Context, ev ActivityEvent) error {
	if ev.EventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = l.now()
	}
	if ev.TradingDate == "" {
		ev.TradingDate = tradingDay(ev.OccurredAt)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, agent_id, trade_id, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		store.Millis(ev.OccurredAt), ev.EventType, ev.AgentID, ev.TradeID, ev.Message, ev.Details, ev.TradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}
	return nil
}

// ListByAgent 按时间倒序返回代理的风控事件。
func (l *ActivityLog) ListByAgent(ctx context.Context, agentID string, limit int) ([]ActivityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, occurred_at, event_type, agent_id, COALESCE(trade_id, ''), message, COALESCE(details, ''), trading_date
		 FROM risk_activity_log WHERE agent_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("risk: 查询风险事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]ActivityEvent, 0, limit)
	for rows.Next() {
		var (
			ev         ActivityEvent
			occurredAt int64
		)
		if err := rows.Scan(&ev.ID, &occurredAt, &ev.EventType, &ev.AgentID, &ev.TradeID, &ev.Message, &ev.Details, &ev.TradingDate); err != nil {
			return nil, fmt.Errorf("risk: 解析风险事件失败: %w", err)
		}
		ev.OccurredAt = store.FromMillis(occurredAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("risk: 遍历风险事件失败: %w", err)
	}
	return events, nil
}

func tradingDay(ts time.Time) string {
	utc := ts.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}
