package adapter

import (
	"relay-gateway/config"
	"relay-gateway/models"
)

// EmbeddingCall 向量接口调用；单条输入按字符串发送，多条按数组发送
func EmbeddingCall(up config.UpstreamConfig, service, model string, inputs []string) *models.DriverCall {
	var input interface{} = inputs
	if len(inputs) == 1 {
		input = inputs[0]
	}
	return &models.DriverCall{
		Interface: up.EmbeddingInterface,
		Service:   service,
		Method:    up.EmbeddingMethod,
		Args: map[string]interface{}{
			"input": input,
			"model": model,
		},
	}
}

// ModelListCall 模型列表调用；service 为空时列出全部
func ModelListCall(up config.UpstreamConfig, service string) *models.DriverCall {
	return &models.DriverCall{
		Interface: up.ChatInterface,
		Service:   service,
		Method:    up.ModelsMethod,
		Args:      map[string]interface{}{},
	}
}
