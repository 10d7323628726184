package adapter

import (
	"relay-gateway/config"
	"relay-gateway/core/utils"
	"relay-gateway/models"
)

// ChatCall 一次聊天调用的语义参数，与上游形态无关
type ChatCall struct {
	Service     string
	Model       string
	Messages    []models.ChatMessage
	Temperature *float64
	MaxTokens   *int
	Tools       []models.ChatTool
	Stream      bool
}

// ChatAdapter 把语义参数转换为某种上游接口形态
type ChatAdapter interface {
	// Name 接口变体名称，用于日志和指标
	Name() string

	// BuildCall 生成上游 drivers 调用
	BuildCall(up config.UpstreamConfig, call ChatCall) *models.DriverCall
}

// cleanTools 清洗工具参数 Schema，返回新切片
func cleanTools(tools []models.ChatTool) []models.ChatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]models.ChatTool, len(tools))
	for i, tool := range tools {
		out[i] = tool
		if tool.Function != nil {
			fn := *tool.Function
			fn.Parameters = utils.CleanToolSchema(fn.Parameters)
			out[i].Function = &fn
		}
	}
	return out
}

func chatArgs(call ChatCall, messages interface{}) map[string]interface{} {
	args := map[string]interface{}{
		"messages": messages,
		"model":    call.Model,
		"stream":   call.Stream,
	}
	if call.Temperature != nil {
		args["temperature"] = *call.Temperature
	}
	if call.MaxTokens != nil {
		args["max_tokens"] = *call.MaxTokens
	}
	if tools := cleanTools(call.Tools); len(tools) > 0 {
		args["tools"] = tools
	}
	return utils.CompactArgs(args)
}
