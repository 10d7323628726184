package mapper

import (
	"encoding/json"
	"strings"

	"relay-gateway/models"

	"github.com/tidwall/gjson"
)

// UnwrapEnvelope 剥离上游 {success, result} 包装，可能有多层
func UnwrapEnvelope(raw []byte) gjson.Result {
	r := gjson.ParseBytes(raw)
	for r.IsObject() {
		inner := r.Get("result")
		if !inner.Exists() {
			break
		}
		if !r.Get("success").Exists() && len(r.Map()) != 1 {
			break
		}
		r = inner
	}
	return r
}

// DetectFailure 识别 HTTP 200 但负载内携带的失败标记
// success:false，或顶层 error 且没有 result/choices
func DetectFailure(raw []byte) (string, bool) {
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return "", false
	}

	success := r.Get("success")
	errNode := r.Get("error")
	failed := success.Exists() && success.Type == gjson.False
	if !failed && errNode.Exists() && errNode.Type != gjson.Null &&
		!r.Get("result").Exists() && !r.Get("choices").Exists() {
		failed = true
	}
	if !failed {
		return "", false
	}

	for _, path := range []string{"error.message", "error.msg", "message", "result.error.message"} {
		if v := r.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String(), true
		}
	}
	switch errNode.Type {
	case gjson.String:
		return errNode.String(), true
	case gjson.JSON:
		return errNode.Raw, true
	}
	return "upstream reported failure", true
}

// ChatShape 上游聊天结果的已知形态（封闭集合）
type ChatShape int

const (
	ChatShapeOpaque ChatShape = iota // 未识别，整体序列化为文本
	ChatShapeString
	ChatShapeParts
	ChatShapeMessage
	ChatShapeContent
	ChatShapeText
	ChatShapeChoices
)

func (s ChatShape) String() string {
	switch s {
	case ChatShapeString:
		return "string"
	case ChatShapeParts:
		return "parts"
	case ChatShapeMessage:
		return "message.content"
	case ChatShapeContent:
		return "content"
	case ChatShapeText:
		return "text"
	case ChatShapeChoices:
		return "choices"
	default:
		return "opaque"
	}
}

// MatchChatShape 按优先级匹配聊天结果形态
func MatchChatShape(r gjson.Result) ChatShape {
	switch {
	case r.Type == gjson.String:
		return ChatShapeString
	case r.IsArray():
		return ChatShapeParts
	case !r.IsObject():
		return ChatShapeOpaque
	case isText(r.Get("message.content")):
		return ChatShapeMessage
	case isText(r.Get("content")):
		return ChatShapeContent
	case r.Get("text").Type == gjson.String:
		return ChatShapeText
	case isText(r.Get("choices.0.message.content")):
		return ChatShapeChoices
	default:
		return ChatShapeOpaque
	}
}

func isText(r gjson.Result) bool {
	return r.Type == gjson.String || r.IsArray()
}

// ChatText 提取助手文本，永不失败
// 未识别的形态返回整个负载的 JSON 文本
func ChatText(r gjson.Result) string {
	switch MatchChatShape(r) {
	case ChatShapeString:
		return r.String()
	case ChatShapeParts:
		return joinParts(r)
	case ChatShapeMessage:
		return textOf(r.Get("message.content"))
	case ChatShapeContent:
		return textOf(r.Get("content"))
	case ChatShapeText:
		return r.Get("text").String()
	case ChatShapeChoices:
		return textOf(r.Get("choices.0.message.content"))
	default:
		return r.Raw
	}
}

func textOf(r gjson.Result) string {
	if r.IsArray() {
		return joinParts(r)
	}
	return r.String()
}

// joinParts 多段内容直接拼接，不加分隔符
func joinParts(r gjson.Result) string {
	var sb strings.Builder
	r.ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Type == gjson.String:
			sb.WriteString(part.String())
		case part.Get("text").Type == gjson.String:
			sb.WriteString(part.Get("text").String())
		case part.Get("content").Type == gjson.String:
			sb.WriteString(part.Get("content").String())
		}
		return true
	})
	return sb.String()
}

// ToolCalls 提取结果中的工具调用（如有）
func ToolCalls(r gjson.Result) []models.ChatToolCall {
	for _, path := range []string{"message.tool_calls", "tool_calls", "choices.0.message.tool_calls"} {
		node := r.Get(path)
		if !node.IsArray() || len(node.Array()) == 0 {
			continue
		}
		var calls []models.ChatToolCall
		if err := json.Unmarshal([]byte(node.Raw), &calls); err == nil {
			return calls
		}
	}
	return nil
}

// FinishReason 上游给出的结束原因，缺省为 stop
func FinishReason(r gjson.Result) string {
	for _, path := range []string{"finish_reason", "choices.0.finish_reason", "message.finish_reason"} {
		if v := r.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return "stop"
}
