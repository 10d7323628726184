package adapter

import (
	"relay-gateway/config"
	"relay-gateway/models"
)

// LegacyAdapter 旧版聊天接口：按 driver 寻址，消息内容必须是纯字符串
type LegacyAdapter struct{}

func NewLegacyAdapter() *LegacyAdapter {
	return &LegacyAdapter{}
}

func (a *LegacyAdapter) Name() string {
	return "legacy"
}

func (a *LegacyAdapter) BuildCall(up config.UpstreamConfig, call ChatCall) *models.DriverCall {
	return &models.DriverCall{
		Interface: up.LegacyChatInterface,
		Driver:    call.Service,
		Method:    up.ChatMethod,
		Args:      chatArgs(call, flattenMessages(call.Messages)),
	}
}

type legacyMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// flattenMessages 多段内容拼接为字符串
func flattenMessages(messages []models.ChatMessage) []legacyMessage {
	out := make([]legacyMessage, len(messages))
	for i := range messages {
		out[i] = legacyMessage{
			Role:       messages[i].Role,
			Content:    messages[i].StringContent(),
			ToolCallID: messages[i].ToolCallID,
		}
	}
	return out
}
