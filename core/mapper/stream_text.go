package mapper

import (
	"github.com/tidwall/gjson"
)

// 增量文本候选字段，按优先级排列
var streamTextPaths = []string{
	"choices.0.delta.content",
	"delta.content",
	"delta.text",
	"delta",
	"text",
	"content",
	"message.content",
	"result.message.content",
	"result.text",
}

// StreamText 从一行增量数据中提取文本
// structured=false 表示该行不是 JSON，调用方应原样转发；
// structured=true 且 text 为空表示该行没有可见文本（例如仅有 role 的首帧）
func StreamText(line []byte) (text string, structured bool) {
	if !gjson.ValidBytes(line) {
		return "", false
	}
	r := gjson.ParseBytes(line)
	if r.Type == gjson.String {
		return r.String(), true
	}
	if !r.IsObject() && !r.IsArray() {
		return "", false
	}

	for _, path := range streamTextPaths {
		v := r.Get(path)
		if v.Type == gjson.String {
			return v.String(), true
		}
		if v.IsArray() && path != "delta" {
			if s := joinParts(v); s != "" {
				return s, true
			}
		}
	}
	return "", true
}
