package queue

import "errors"

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = errors.New("queue: trade request not found")
	// ErrStaleStatus 表示记录状态已被其他调用推进，本次写入未生效。
	ErrStaleStatus = errors.New("queue: status changed concurrently")
	// ErrInvalidTransition 表示迁移不在状态图中或附带了不属于该迁移的字段。
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	// ErrInvalidRequest 表示入队请求字段不合法。
	ErrInvalidRequest = errors.New("queue: invalid trade request")
)
