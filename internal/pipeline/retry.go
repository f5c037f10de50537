package pipeline

import (
	"math"
	"time"

	"agent-trader/internal/config"
)

const (
	defaultBaseDelay = 5 * time.Minute
	defaultMaxDelay  = time.Hour
)

// RetryPolicy 决定瞬时失败后的重试间隔与上限。
type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// NewRetryPolicy 根据配置构建重试策略，未设置的字段使用默认值（5 分钟固定间隔，不限次数）。
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		BaseDelay:   cfg.BaseDelay,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = maxDuration(p.BaseDelay, defaultMaxDelay)
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// Next 返回已失败 attempts 次后的等待时间。
func (p RetryPolicy) Next(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempts))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Exhausted 判断已失败 attempts 次后是否不再重试；MaxAttempts 为 0 表示不限。
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
