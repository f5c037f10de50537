package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agent-trader/internal/store"
)

const selectColumns = `id, agent_id, account_id, venue, chain_id, credential_id, sell_token, buy_token,
	sell_amount, recurring, status, attempts, last_error, quote, signed, venue_order_id, execution,
	next_run_at, created_at, updated_at`

// Repository 负责交易队列的持久化与状态迁移。
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository 创建队列仓库并初始化表结构。
func NewRepository(st *store.Store, logger *zap.Logger) (*Repository, error) {
	if st == nil {
		return nil, errors.New("queue: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Repository{
		db:     st.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := r.initSchema(); err != nil {
		return nil, err
	}

	return r, nil
}

// SetClock 替换时间来源。
func (r *Repository) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

func (r *Repository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS trade_queue (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			venue TEXT NOT NULL,
			chain_id INTEGER NOT NULL DEFAULT 0,
			credential_id TEXT NOT NULL DEFAULT '',
			sell_token TEXT NOT NULL,
			buy_token TEXT NOT NULL,
			sell_amount TEXT NOT NULL,
			recurring INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			quote TEXT,
			signed TEXT,
			venue_order_id TEXT NOT NULL DEFAULT '',
			execution TEXT,
			next_run_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_queue_claim ON trade_queue(status, next_run_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_queue_agent ON trade_queue(agent_id, created_at);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("queue: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Enqueue 校验并写入一条新的交易请求，状态固定为 queued。
func (r *Repository) Enqueue(ctx context.Context, req *TradeRequest) error {
	if err := validateNew(req); err != nil {
		return err
	}

	now := r.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = StatusQueued
	req.Attempts = 0
	req.CreatedAt = now
	req.UpdatedAt = now
	if req.NextRunAt.IsZero() {
		req.NextRunAt = now
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO trade_queue (id, agent_id, account_id, venue, chain_id, credential_id, sell_token, buy_token,
			sell_amount, recurring, status, attempts, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		req.ID, req.AgentID, req.AccountID, string(req.Venue), req.ChainID, req.CredentialID,
		req.SellToken, req.BuyToken, req.SellAmount.String(), boolToInt(req.Recurring), string(req.Status),
		store.Millis(req.NextRunAt), store.Millis(req.CreatedAt), store.Millis(req.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("queue: 写入交易请求失败: %w", err)
	}

	r.logger.Info("交易请求已入队",
		zap.String("trade_id", req.ID),
		zap.String("agent_id", req.AgentID),
		zap.String("venue", string(req.Venue)),
	)
	return nil
}

// Get 按 ID 读取记录。
func (r *Repository) Get(ctx context.Context, id string) (TradeRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM trade_queue WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TradeRequest{}, ErrNotFound
	}
	if err != nil {
		return TradeRequest{}, fmt.Errorf("queue: 读取交易请求失败: %w", err)
	}
	return req, nil
}

// ClaimBatch 取出指定状态下在 asOf 之前到期的记录，最早到期者优先。
// 迁移会把 next_run_at 置为迁移时刻，因此以本轮开始时间作为 asOf 时，本轮刚推进的记录不会被后续阶段再次取出。
func (r *Repository) ClaimBatch(ctx context.Context, status Status, asOf time.Time, limit int) ([]TradeRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	if asOf.IsZero() {
		asOf = r.now()
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM trade_queue
		 WHERE status = ? AND next_run_at < ?
		 ORDER BY next_run_at ASC, created_at ASC
		 LIMIT ?`,
		string(status), store.Millis(asOf), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: 查询待处理记录失败: %w", err)
	}
	return collect(rows, limit)
}

// ListByAgent 返回代理最近的交易请求。
func (r *Repository) ListByAgent(ctx context.Context, agentID string, limit int) ([]TradeRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM trade_queue WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: 查询代理交易失败: %w", err)
	}
	return collect(rows, limit)
}

// Transition 以状态为条件推进记录；记录已不在 from 状态时返回 ErrStaleStatus 且不写入任何字段。
func (r *Repository) Transition(ctx context.Context, id string, from, to Status, patch Patch) error {
	if !CanTransition(from, to) || !validPatch(to, patch) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := r.now()
	sets := []string{"status = ?", "attempts = 0", "last_error = ?", "next_run_at = ?", "updated_at = ?"}
	args := []interface{}{string(to), truncate(patch.Reason), store.Millis(now), store.Millis(now)}

	if patch.Quote != nil {
		raw, err := json.Marshal(patch.Quote)
		if err != nil {
			return fmt.Errorf("queue: 序列化报价失败: %w", err)
		}
		sets = append(sets, "quote = ?")
		args = append(args, string(raw))
	}
	if patch.Signed != nil {
		raw, err := json.Marshal(patch.Signed)
		if err != nil {
			return fmt.Errorf("queue: 序列化签名失败: %w", err)
		}
		sets = append(sets, "signed = ?")
		args = append(args, string(raw))
	}
	if patch.VenueOrderID != "" {
		sets = append(sets, "venue_order_id = ?")
		args = append(args, patch.VenueOrderID)
	}
	if patch.Execution != nil {
		raw, err := json.Marshal(patch.Execution)
		if err != nil {
			return fmt.Errorf("queue: 序列化成交结果失败: %w", err)
		}
		sets = append(sets, "execution = ?")
		args = append(args, string(raw))
	}

	args = append(args, id, string(from))
	res, err := r.db.ExecContext(ctx,
		`UPDATE trade_queue SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: 更新状态失败: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: 读取更新行数失败: %w", err)
	}
	if affected == 0 {
		r.logger.Debug("状态已被推进，跳过本次迁移",
			zap.String("trade_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return ErrStaleStatus
	}

	return nil
}

// Reschedule 保持状态不变，仅推迟下次执行时间并累计失败次数。
func (r *Repository) Reschedule(ctx context.Context, id string, status Status, nextRunAt time.Time, reason string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE trade_queue SET attempts = attempts + 1, last_error = ?, next_run_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		truncate(reason), store.Millis(nextRunAt), store.Millis(r.now()), id, string(status),
	)
	if err != nil {
		return fmt.Errorf("queue: 重新排期失败: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: 读取更新行数失败: %w", err)
	}
	if affected == 0 {
		return ErrStaleStatus
	}
	return nil
}

func validateNew(req *TradeRequest) error {
	if req == nil {
		return fmt.Errorf("%w: 请求为空", ErrInvalidRequest)
	}

	var problems []string
	if strings.TrimSpace(req.AgentID) == "" {
		problems = append(problems, "agent_id 不能为空")
	}
	if strings.TrimSpace(req.AccountID) == "" {
		problems = append(problems, "account_id 不能为空")
	}
	if strings.TrimSpace(req.SellToken) == "" || strings.TrimSpace(req.BuyToken) == "" {
		problems = append(problems, "sell_token 与 buy_token 不能为空")
	}
	if strings.EqualFold(req.SellToken, req.BuyToken) {
		problems = append(problems, "sell_token 与 buy_token 不能相同")
	}
	if !req.SellAmount.IsPositive() {
		problems = append(problems, "sell_amount 必须为正")
	}
	if !req.SellAmount.Equal(req.SellAmount.Truncate(0)) {
		problems = append(problems, "sell_amount 必须为最小单位整数")
	}

	switch req.Venue {
	case VenueOnChain:
		if req.ChainID <= 0 || req.CredentialID != "" {
			problems = append(problems, "链上请求必须携带 chain_id 且不能携带 credential_id")
		}
	case VenueCentralized:
		if req.CredentialID == "" || req.ChainID != 0 {
			problems = append(problems, "中心化请求必须携带 credential_id 且不能携带 chain_id")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知场所 %q", req.Venue))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func collect(rows *sql.Rows, capacity int) ([]TradeRequest, error) {
	defer rows.Close()

	result := make([]TradeRequest, 0, capacity)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: 解析记录失败: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: 读取记录失败: %w", err)
	}
	return result, nil
}

func scanRequest(row rowScanner) (TradeRequest, error) {
	var (
		req        TradeRequest
		venue      string
		status     string
		sellAmount string
		recurring  int
		quote      sql.NullString
		signed     sql.NullString
		execution  sql.NullString
		nextRunAt  int64
		createdAt  int64
		updatedAt  int64
	)

	if err := row.Scan(
		&req.ID, &req.AgentID, &req.AccountID, &venue, &req.ChainID, &req.CredentialID,
		&req.SellToken, &req.BuyToken, &sellAmount, &recurring, &status, &req.Attempts, &req.LastError,
		&quote, &signed, &req.VenueOrderID, &execution, &nextRunAt, &createdAt, &updatedAt,
	); err != nil {
		return TradeRequest{}, err
	}

	amount, err := decimal.NewFromString(sellAmount)
	if err != nil {
		return TradeRequest{}, fmt.Errorf("sell_amount %q 非法: %w", sellAmount, err)
	}

	req.Venue = Venue(venue)
	req.Status = Status(status)
	req.SellAmount = amount
	req.Recurring = recurring == 1
	req.NextRunAt = store.FromMillis(nextRunAt)
	req.CreatedAt = store.FromMillis(createdAt)
	req.UpdatedAt = store.FromMillis(updatedAt)

	if quote.Valid && quote.String != "" {
		req.Quote = &QuoteSnapshot{}
		if err := json.Unmarshal([]byte(quote.String), req.Quote); err != nil {
			return TradeRequest{}, fmt.Errorf("quote 解析失败: %w", err)
		}
	}
	if signed.Valid && signed.String != "" {
		req.Signed = &SignedPayload{}
		if err := json.Unmarshal([]byte(signed.String), req.Signed); err != nil {
			return TradeRequest{}, fmt.Errorf("signed 解析失败: %w", err)
		}
	}
	if execution.Valid && execution.String != "" {
		req.Execution = &Execution{}
		if err := json.Unmarshal([]byte(execution.String), req.Execution); err != nil {
			return TradeRequest{}, fmt.Errorf("execution 解析失败: %w", err)
		}
	}

	return req, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func truncate(reason string) string {
	const limit = 500
	if len(reason) <= limit {
		return reason
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
