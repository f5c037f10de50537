package venue

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient 表示可在后续调度中重试的失败。
	ErrTransient = errors.New("venue: transient failure")
	// ErrRejected 表示场所拒绝了订单。
	ErrRejected = errors.New("venue: order rejected")
	// ErrInsufficientFunds 表示余额或授权额度不足。
	ErrInsufficientFunds = errors.New("venue: insufficient funds")
	// ErrQuoteExpired 表示报价已过期。
	ErrQuoteExpired = errors.New("venue: quote expired")
	// ErrCredentials 表示凭证缺失、吊销或无法解密。
	ErrCredentials = errors.New("venue: credentials unavailable")
	// ErrUnsupported 表示交易对或场所不受支持。
	ErrUnsupported = errors.New("venue: unsupported")
)

// Class 是错误的处理类别。
type Class int

const (
	// ClassTransient 保持状态并重新排期。
	ClassTransient Class = iota
	// ClassFatal 直接进入终态。
	ClassFatal
)

func (c Class) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "transient"
}

// Classify 判断错误应重试还是终止；未识别的错误按瞬时处理，由重试策略兜底。
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrRejected),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrQuoteExpired),
		errors.Is(err, ErrCredentials),
		errors.Is(err, ErrUnsupported):
		return ClassFatal
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// Transient 把 err 标记为瞬时失败。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
