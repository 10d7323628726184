package models

import (
	"encoding/json"
	"strings"
)

// 默认模型
const (
	DefaultChatModel      = "gpt-4o-mini"
	DefaultEmbeddingModel = "text-embedding-3-small"
)

// ChatCompletionRequest OpenAI 聊天请求
type ChatCompletionRequest struct {
	Model            string                 `json:"model,omitempty"`
	Messages         []ChatMessage          `json:"messages"`
	Stream           bool                   `json:"stream,omitempty"`
	Temperature      *float64               `json:"temperature,omitempty"`
	TopP             *float64               `json:"top_p,omitempty"`
	Stop             interface{}            `json:"stop,omitempty"`
	MaxTokens        *int                   `json:"max_tokens,omitempty"`
	MaxCompletion    *int                   `json:"max_completion_tokens,omitempty"`
	PresencePenalty  *float64               `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64               `json:"frequency_penalty,omitempty"`
	User             string                 `json:"user,omitempty"`
	Tools            []ChatTool             `json:"tools,omitempty"`
	ToolChoice       interface{}            `json:"tool_choice,omitempty"`
	ResponseFormat   map[string]interface{} `json:"response_format,omitempty"`
}

// OutputTokenLimit 返回 max_tokens / max_completion_tokens 中被设置的一个
func (r *ChatCompletionRequest) OutputTokenLimit() *int {
	if r.MaxTokens != nil {
		return r.MaxTokens
	}
	return r.MaxCompletion
}

// ChatMessage 聊天消息
type ChatMessage struct {
	Role       string         `json:"role,omitempty"`
	Content    interface{}    `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
}

// ChatTool 工具定义
// Type 不限于 function：部分客户端直接声明 {"type":"web_search"} 这类能力标签
type ChatTool struct {
	Type     string            `json:"type"`
	Function *ChatToolFunction `json:"function,omitempty"`
}

// ChatToolFunction 工具函数
type ChatToolFunction struct {
	Description string                 `json:"description,omitempty"`
	Name        string                 `json:"name"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Strict      *bool                  `json:"strict,omitempty"`
}

// ChatToolCall 工具调用
type ChatToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type"`
	Function ChatToolCallFunc `json:"function"`
}

// ChatToolCallFunc 工具调用函数
type ChatToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse OpenAI 聊天响应
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   ChatCompletionUsage    `json:"usage"`
}

// ChatCompletionChoice 聊天选择
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionChunk 流式增量帧
type ChatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
}

// ChatChunkChoice 增量帧中的选择；FinishReason 为 nil 时序列化为 null
type ChatChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta 增量内容
type ChunkDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// ChatCompletionUsage 使用统计（上游不提供，固定为 0）
type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EmbeddingRequest OpenAI Embeddings 请求
// Input 可以是单个字符串或字符串数组
type EmbeddingRequest struct {
	Input          interface{} `json:"input"`
	Model          string      `json:"model,omitempty"`
	EncodingFormat string      `json:"encoding_format,omitempty"`
	Dimensions     *int        `json:"dimensions,omitempty"`
	User           string      `json:"user,omitempty"`
}

// Inputs 将 Input 统一为字符串列表；ok=false 表示形状非法
func (r *EmbeddingRequest) Inputs() ([]string, bool) {
	switch v := r.Input.(type) {
	case string:
		if v == "" {
			return nil, false
		}
		return []string{v}, true
	case []string:
		return v, len(v) > 0
	case []interface{}:
		if len(v) == 0 {
			return nil, false
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// EmbeddingResponse 规范化后的向量列表
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  EmbeddingUsage  `json:"usage"`
}

// EmbeddingData 单个向量
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingUsage 向量用量占位
type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ModelInfo 模型列表项
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList 模型列表响应
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Upstream string `json:"upstream,omitempty"`
}

// NewError 创建错误响应
func NewError(message, errType string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status         string `json:"status"`
	Gateway        string `json:"gateway"`
	Tokens         int    `json:"tokens"`
	DisabledTokens int    `json:"disabled_tokens"`
	Timestamp      int64  `json:"timestamp"`
}

// MaskAPIKey 脱敏API Key
func MaskAPIKey(key string) string {
	if key == "" {
		return "***"
	}

	if len(key) <= 4 {
		return key[:1] + "***"
	}

	if len(key) <= 8 {
		return key[:2] + "***" + key[len(key)-2:]
	}

	return key[:3] + "***" + key[len(key)-4:]
}

// StringContent 从ChatMessage.Content提取字符串内容
// 支持普通字符串和多模态数组格式，多段文本直接拼接
func (m *ChatMessage) StringContent() string {
	if m.Content == nil {
		return ""
	}

	if str, ok := m.Content.(string); ok {
		return str
	}

	if arr, ok := m.Content.([]interface{}); ok {
		var result strings.Builder
		for _, item := range arr {
			switch part := item.(type) {
			case string:
				result.WriteString(part)
			case map[string]interface{}:
				if text, ok := part["text"].(string); ok {
					result.WriteString(text)
				}
			}
		}
		return result.String()
	}

	if jsonBytes, err := json.Marshal(m.Content); err == nil {
		return string(jsonBytes)
	}

	return ""
}
