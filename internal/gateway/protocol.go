package gateway

import (
	"encoding/json"

	"github.com/lvdashuaibi/craftvote/internal/model"
)

// 消息类型
const (
	TypeAuth        = "auth"
	TypePong        = "pong"
	TypeAuthSuccess = "auth_success"
	TypeAuthFailed  = "auth_failed"
	TypeError       = "error"
	TypeVote        = "vote"
)

// 回复给游戏服务器的文本
const (
	MsgAuthenticated      = "Authenticated"
	MsgServerNotFound     = "Server not found"
	MsgInvalidSecret      = "Invalid secret"
	MsgDatabaseError      = "Database error"
	MsgInvalidJSON        = "Invalid JSON"
	MsgUnknownMessageType = "Unknown message type"
)

// InboundMessage 游戏服务器发来的消息
type InboundMessage struct {
	Type     string `json:"type"`
	Secret   string `json:"secret,omitempty"`
	ServerID string `json:"serverId,omitempty"`
}

// parseInbound 解析入站消息，只有不是合法JSON时 ok 为 false。
// 合法JSON但不是对象、或字段不是字符串时，对应字段按缺失处理。
func parseInbound(data []byte) (msg InboundMessage, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return InboundMessage{}, json.Valid(data)
	}
	return InboundMessage{
		Type:     stringField(fields, "type"),
		Secret:   stringField(fields, "secret"),
		ServerID: stringField(fields, "serverId"),
	}, true
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// ReplyMessage 网关回复的控制消息
type ReplyMessage struct {
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
	ServerID string `json:"serverId,omitempty"`
}

// VoteMessage 推送给游戏服务器的投票奖励通知
type VoteMessage struct {
	Type string `json:"type"`
	model.RewardPayload
}
