package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agent-trader/internal/store"
)

const agentColumns = `id, account_id, name, status, trading_enabled, max_drawdown_pct, pnl_pct, trade_count,
	last_trade_at, wallet_address, signing_key_ref, credential_id, created_at, updated_at`

// Repository 管理代理与交易所凭证记录。
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository 创建代理仓库并初始化表结构。
func NewRepository(st *store.Store, logger *zap.Logger) (*Repository, error) {
	if st == nil {
		return nil, errors.New("agent: store 不能为空")
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
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			trading_enabled INTEGER NOT NULL DEFAULT 1,
			max_drawdown_pct REAL NOT NULL,
			pnl_pct REAL NOT NULL DEFAULT 0,
			trade_count INTEGER NOT NULL DEFAULT 0,
			last_trade_at INTEGER NOT NULL DEFAULT 0,
			wallet_address TEXT NOT NULL DEFAULT '',
			signing_key_ref TEXT NOT NULL DEFAULT '',
			credential_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS exchange_credentials (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			secret_ref TEXT NOT NULL,
			sandbox INTEGER NOT NULL DEFAULT 0,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_account ON exchange_credentials(account_id);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("agent: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Create 写入新代理，ID 为空时自动生成。
func (r *Repository) Create(ctx context.Context, a *Agent) error {
	if a.AccountID == "" {
		return errors.New("agent: account_id 不能为空")
	}
	if a.MaxDrawdownPct <= 0 {
		return errors.New("agent: max_drawdown_pct 必须大于0")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	now := r.now()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AccountID, a.Name, string(a.Status), boolToInt(a.TradingEnabled), a.MaxDrawdownPct, a.PnLPct,
		a.TradeCount, store.Millis(a.LastTradeAt), a.WalletAddress, a.SigningKeyRef, a.CredentialID,
		store.Millis(a.CreatedAt), store.Millis(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("agent: 写入代理失败: %w", err)
	}
	return nil
}

// Get 读取代理。
func (r *Repository) Get(ctx context.Context, id string) (Agent, error) {
	var (
		a           Agent
		status      string
		enabled     int
		lastTradeAt int64
		createdAt   int64
		updatedAt   int64
	)

	err := r.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id).Scan(
		&a.ID, &a.AccountID, &a.Name, &status, &enabled, &a.MaxDrawdownPct, &a.PnLPct, &a.TradeCount,
		&lastTradeAt, &a.WalletAddress, &a.SigningKeyRef, &a.CredentialID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("agent: 读取代理失败: %w", err)
	}

	a.Status = Status(status)
	a.TradingEnabled = enabled == 1
	a.LastTradeAt = store.FromMillis(lastTradeAt)
	a.CreatedAt = store.FromMillis(createdAt)
	a.UpdatedAt = store.FromMillis(updatedAt)
	return a, nil
}

// Pause 暂停代理并关闭交易开关，返回本次调用是否真正改变了状态。
func (r *Repository) Pause(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, trading_enabled = 0, updated_at = ?
		 WHERE id = ? AND (status != ? OR trading_enabled != 0)`,
		string(StatusPaused), store.Millis(r.now()), id, string(StatusPaused),
	)
	if err != nil {
		return false, fmt.Errorf("agent: 暂停代理失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("agent: 读取更新行数失败: %w", err)
	}
	return affected > 0, nil
}

// UpdatePnL 写入代理最新的收益率。
func (r *Repository) UpdatePnL(ctx context.Context, id string, pnlPct float64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET pnl_pct = ?, updated_at = ? WHERE id = ?`,
		pnlPct, store.Millis(r.now()), id,
	)
	if err != nil {
		return fmt.Errorf("agent: 更新收益率失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFill 累加成交次数并刷新最近成交时间。
func (r *Repository) RecordFill(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET trade_count = trade_count + 1, last_trade_at = ?, updated_at = ? WHERE id = ?`,
		store.Millis(at), store.Millis(r.now()), id,
	)
	if err != nil {
		return fmt.Errorf("agent: 更新成交统计失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateCredential 写入交易所凭证引用，密文由 secret 存储单独保存。
func (r *Repository) CreateCredential(ctx context.Context, c *Credential) error {
	if c.AccountID == "" || c.Exchange == "" || c.SecretRef == "" {
		return errors.New("agent: 凭证字段不完整")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = r.now()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO exchange_credentials (id, account_id, exchange, secret_ref, sandbox, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.Exchange, c.SecretRef, boolToInt(c.Sandbox), boolToInt(c.Revoked), store.Millis(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("agent: 写入凭证失败: %w", err)
	}
	return nil
}

// GetCredential 读取交易所凭证引用。
func (r *Repository) GetCredential(ctx context.Context, id string) (Credential, error) {
	var (
		c         Credential
		sandbox   int
		revoked   int
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, account_id, exchange, secret_ref, sandbox, revoked, created_at FROM exchange_credentials WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.AccountID, &c.Exchange, &c.SecretRef, &sandbox, &revoked, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("agent: 读取凭证失败: %w", err)
	}
	c.Sandbox = sandbox == 1
	c.Revoked = revoked == 1
	c.CreatedAt = store.FromMillis(createdAt)
	return c, nil
}

// RevokeCredential 吊销凭证。
func (r *Repository) RevokeCredential(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE exchange_credentials SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("agent: 吊销凭证失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
