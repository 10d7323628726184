package adapter

import (
	"relay-gateway/config"
	"relay-gateway/models"
)

// PrimaryAdapter 当前版本的聊天接口：按 service 寻址，消息原样透传（支持多段内容）
type PrimaryAdapter struct{}

func NewPrimaryAdapter() *PrimaryAdapter {
	return &PrimaryAdapter{}
}

func (a *PrimaryAdapter) Name() string {
	return "primary"
}

func (a *PrimaryAdapter) BuildCall(up config.UpstreamConfig, call ChatCall) *models.DriverCall {
	return &models.DriverCall{
		Interface: up.ChatInterface,
		Service:   call.Service,
		Method:    up.ChatMethod,
		Args:      chatArgs(call, call.Messages),
	}
}
