package model

import (
	"time"
)

// MaxIdentifierLength 投票者和服务器slug的最大字符数，与表结构的列宽一致
const MaxIdentifierLength = 64

// ServerRecord 服务器目录中的服务器记录
type ServerRecord struct {
	Slug           string `json:"slug"`
	Secret         string `json:"-"`
	RewardsEnabled bool   `json:"rewardsEnabled"`
	CooldownMs     int64  `json:"cooldownMs"` // 0 表示使用默认冷却时间
	VoteCount      int64  `json:"voteCount"`
	Disabled       bool   `json:"disabled"`
}

// CooldownResult 冷却检查并记录的结果
type CooldownResult struct {
	Allowed     bool  `json:"allowed"`
	RemainingMs int64 `json:"remainingMs"`
}

// CooldownStatus 冷却查询结果（只读）
type CooldownStatus struct {
	ServerSlug  string `json:"serverSlug"`
	RemainingMs int64  `json:"remainingMs"`
	CooldownMs  int64  `json:"cooldownMs"`
}

// VoteRecord 投票日志
type VoteRecord struct {
	ID         int64     `json:"id,omitempty"`
	Voter      string    `json:"voterIdentity"`
	ServerSlug string    `json:"serverSlug"`
	VotedAt    time.Time `json:"timestamp"`
}

// RewardPayload 推送给游戏服务器的奖励通知内容
type RewardPayload struct {
	Voter      string `json:"voterIdentity"`
	ServerSlug string `json:"serverSlug"`
	Timestamp  int64  `json:"timestamp"`
}

// RewardEvent Kafka中转的奖励事件，用于把奖励投递到持有连接的其他实例
type RewardEvent struct {
	Origin  string        `json:"origin"`
	Payload RewardPayload `json:"payload"`
}

// VoteRequest 投票请求
type VoteRequest struct {
	Voter  string `json:"username"`
	Server string `json:"server"`
	Secret string `json:"secret,omitempty"`
}

// VoteResult 投票成功结果
type VoteResult struct {
	ServerSlug string `json:"serverSlug"`
	RewardSent bool   `json:"rewardSent"`
}
