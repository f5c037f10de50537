package secret

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"agent-trader/internal/store"
)

var (
	// ErrNotFound 表示引用对应的密文不存在。
	ErrNotFound = errors.New("secret: reference not found")
	// ErrInvalidKey 表示主密钥格式不正确。
	ErrInvalidKey = errors.New("secret: master key must be 32 bytes (hex or base64)")
	// ErrUndecryptable 表示密文损坏或主密钥不匹配。
	ErrUndecryptable = errors.New("secret: ciphertext cannot be decrypted")
)

// Plaintext 是解密后的敏感数据，只在 Reveal 回调内有效。
type Plaintext []byte

// String 避免明文被意外格式化进日志。
func (p Plaintext) String() string {
	return "[redacted]"
}

// Zero 覆写明文内容。
func (p Plaintext) Zero() {
	for i := range p {
		p[i] = 0
	}
}

// Store 基于 AES-256-GCM 保存加密的签名私钥与交易所凭证。
type Store struct {
	db     *sql.DB
	aead   cipher.AEAD
	logger *zap.Logger
}

// NewStore 使用主密钥创建密钥存储并初始化表结构。
func NewStore(st *store.Store, masterKey string, logger *zap.Logger) (*Store, error) {
	if st == nil {
		return nil, errors.New("secret: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	key, err := decodeKey(masterKey)
	if err != nil {
		return nil, err
	}
	defer Plaintext(key).Zero()

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: 初始化加密器失败: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: 初始化 GCM 失败: %w", err)
	}

	s := &Store{db: st.DB(), aead: aead, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS secrets (
	ref TEXT PRIMARY KEY,
	ciphertext BLOB NOT NULL,
	created_at INTEGER NOT NULL
);`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("secret: 初始化表失败: %w", err)
	}
	return nil
}

// Seal 加密并保存明文，同一引用重复写入时覆盖旧值。
func (s *Store) Seal(ctx context.Context, ref string, plaintext []byte) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return errors.New("secret: ref 不能为空")
	}
	if len(plaintext) == 0 {
		return errors.New("secret: 明文不能为空")
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("secret: 生成随机数失败: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, []byte(ref))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (ref, ciphertext, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(ref) DO UPDATE SET ciphertext = excluded.ciphertext, created_at = excluded.created_at`,
		ref, sealed, store.Millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("secret: 写入密文失败: %w", err)
	}

	s.logger.Info("密钥已写入", zap.String("ref", ref))
	return nil
}

// Reveal 解密 ref 对应的明文并交给 fn 使用，fn 返回后明文立即被清零。
// fn 不得保留明文引用。
func (s *Store) Reveal(ctx context.Context, ref string, fn func(Plaintext) error) error {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT ciphertext FROM secrets WHERE ref = ?`, ref).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return fmt.Errorf("secret: 读取密文失败: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(sealed) <= nonceSize {
		return fmt.Errorf("%w: 密文长度异常: %s", ErrUndecryptable, ref)
	}

	plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(ref))
	if err != nil {
		return fmt.Errorf("%w: 解密失败: %s", ErrUndecryptable, ref)
	}

	pt := Plaintext(plain)
	defer pt.Zero()
	return fn(pt)
}

func decodeKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidKey
	}
	if key, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, ErrInvalidKey
}
