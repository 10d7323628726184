package core

import (
	"strings"

	"relay-gateway/models"
)

// 仅旧版接口支持的检索能力标签
var searchToolTags = map[string]struct{}{
	"web_search":         {},
	"web_search_preview": {},
	"search":             {},
	"browse":             {},
	"google_search":      {},
}

// DetectSearchIntent 判断工具声明是否包含检索意图
// 精确的能力标签，或函数名中含 search / browse
func DetectSearchIntent(tools []models.ChatTool) bool {
	for _, tool := range tools {
		if _, ok := searchToolTags[strings.ToLower(tool.Type)]; ok {
			return true
		}
		if tool.Function == nil {
			continue
		}
		name := strings.ToLower(tool.Function.Name)
		if _, ok := searchToolTags[name]; ok {
			return true
		}
		if strings.Contains(name, "search") || strings.Contains(name, "browse") {
			return true
		}
	}
	return false
}

// CanonicalSearchTools 旧版接口接受的唯一检索工具声明，其余声明全部丢弃
func CanonicalSearchTools() []models.ChatTool {
	return []models.ChatTool{{Type: "web_search"}}
}
