package service

import (
	"errors"
	"fmt"
)

// ErrorKind 投票被拒绝的原因
type ErrorKind string

const (
	KindInvalidInput    ErrorKind = "invalid_input"
	KindNotFound        ErrorKind = "not_found"
	KindInvalidSecret   ErrorKind = "invalid_secret"
	KindRewardsDisabled ErrorKind = "rewards_disabled"
	KindCooldown        ErrorKind = "cooldown"
	KindStoreFailure    ErrorKind = "store_failure"
)

// VoteError 投票服务返回的类型化错误，Error() 即面向用户的提示
type VoteError struct {
	Kind        ErrorKind
	RemainingMs int64 // 仅 KindCooldown 有效
	Err         error // 底层存储错误，只用于日志
}

func (e *VoteError) Error() string {
	switch e.Kind {
	case KindInvalidInput:
		return "username and server must be 1 to 64 characters"
	case KindNotFound:
		return "server not found"
	case KindInvalidSecret:
		return "invalid secret"
	case KindRewardsDisabled:
		return "rewards are disabled for this server"
	case KindCooldown:
		return "you can vote again in " + FormatRemaining(e.RemainingMs)
	default:
		return "vote could not be processed, please try again"
	}
}

func (e *VoteError) Unwrap() error {
	return e.Err
}

// KindOf 返回错误对应的拒绝原因，非 VoteError 时返回空
func KindOf(err error) ErrorKind {
	var voteErr *VoteError
	if errors.As(err, &voteErr) {
		return voteErr.Kind
	}
	return ""
}

func storeFailure(err error) *VoteError {
	return &VoteError{Kind: KindStoreFailure, Err: err}
}

// FormatRemaining 把剩余毫秒格式化为 "11h 59m 3s"，不足一秒按一秒计
func FormatRemaining(ms int64) string {
	if ms <= 0 {
		return "0s"
	}
	total := (ms + 999) / 1000
	h, m, s := total/3600, (total%3600)/60, total%60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
