package outcome

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agent-trader/internal/store"
)

// ErrNotFound 表示咨询记录不存在。
var ErrNotFound = errors.New("outcome: consultation not found")

// Consultation 是一次 AI 咨询记录，成交后回填入场价与推荐时的置信度。
type Consultation struct {
	ID              string           `json:"id"`
	AgentID         string           `json:"agent_id"`
	TradeQueueID    string           `json:"trade_queue_id,omitempty"`
	Model           string           `json:"model"`
	Response        string           `json:"response"`
	Action          string           `json:"action"`
	EntryPriceUSD   *decimal.Decimal `json:"entry_price_usd,omitempty"`
	ConfidenceAtRec *float64         `json:"confidence_at_rec,omitempty"`
	LinkedAt        time.Time        `json:"linked_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Repository 管理 consultations 表。
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository 创建咨询记录仓库并初始化表结构。
func NewRepository(st *store.Store, logger *zap.Logger) (*Repository, error) {
	if st == nil {
		return nil, errors.New("outcome: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{db: st.DB(), logger: logger, now: time.Now}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS consultations (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			trade_queue_id TEXT,
			model TEXT NOT NULL,
			response TEXT NOT NULL,
			action TEXT NOT NULL,
			entry_price_usd TEXT,
			confidence_at_rec REAL,
			linked_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_consultations_trade ON consultations(trade_queue_id);`,
		`CREATE INDEX IF NOT EXISTS idx_consultations_agent ON consultations(agent_id, created_at);`,
	}
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("outcome: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// SetClock 替换时间源。
func (r *Repository) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Insert 写入咨询记录，ID 为空时自动生成。
func (r *Repository) Insert(ctx context.Context, c *Consultation) error {
	if c.AgentID == "" {
		return errors.New("outcome: agent_id 不能为空")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = r.now()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO consultations (id, agent_id, trade_queue_id, model, response, action, created_at)
		 VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
		c.ID, c.AgentID, c.TradeQueueID, c.Model, c.Response, c.Action, store.Millis(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("outcome: 写入咨询记录失败: %w", err)
	}
	return nil
}

// AttachTrade 把咨询记录关联到交易请求。
func (r *Repository) AttachTrade(ctx context.Context, id, tradeID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE consultations SET trade_queue_id = ? WHERE id = ?`, tradeID, id)
	if err != nil {
		return fmt.Errorf("outcome: 关联交易失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get 读取咨询记录。
func (r *Repository) Get(ctx context.Context, id string) (Consultation, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE id = ?`, id))
}

// FindByTradeID 查找关联到交易请求的咨询记录。
func (r *Repository) FindByTradeID(ctx context.Context, tradeID string) (Consultation, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+consultationColumns+` FROM consultations WHERE trade_queue_id = ? ORDER BY created_at DESC LIMIT 1`,
		tradeID,
	))
}

// RecordOutcome 回填入场价与置信度。
func (r *Repository) RecordOutcome(ctx context.Context, id string, entryPrice decimal.Decimal, confidence float64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE consultations SET entry_price_usd = ?, confidence_at_rec = ?, linked_at = ? WHERE id = ?`,
		entryPrice.String(), confidence, store.Millis(r.now()), id,
	)
	if err != nil {
		return fmt.Errorf("outcome: 回填成交结果失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const consultationColumns = `id, agent_id, COALESCE(trade_queue_id, ''), model, response, action, entry_price_usd, confidence_at_rec, linked_at, created_at`

func (r *Repository) scanOne(row *sql.Row) (Consultation, error) {
	var (
		c          Consultation
		entryPrice sql.NullString
		confidence sql.NullFloat64
		linkedAt   int64
		createdAt  int64
	)
	err := row.Scan(&c.ID, &c.AgentID, &c.TradeQueueID, &c.Model, &c.Response, &c.Action,
		&entryPrice, &confidence, &linkedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Consultation{}, ErrNotFound
	}
	if err != nil {
		return Consultation{}, fmt.Errorf("outcome: 读取咨询记录失败: %w", err)
	}

	if entryPrice.Valid {
		price, err := decimal.NewFromString(entryPrice.String)
		if err != nil {
			return Consultation{}, fmt.Errorf("outcome: 入场价格式错误: %w", err)
		}
		c.EntryPriceUSD = &price
	}
	if confidence.Valid {
		v := confidence.Float64
		c.ConfidenceAtRec = &v
	}
	c.LinkedAt = store.FromMillis(linkedAt)
	c.CreatedAt = store.FromMillis(createdAt)
	return c, nil
}
