package core

import (
	"sort"
	"strings"
)

// knownPrefixes 模型名前缀 -> 上游服务，按顺序匹配
var knownPrefixes = []struct {
	prefix  string
	service string
}{
	{"gpt", "openai-completion"},
	{"o1", "openai-completion"},
	{"o3", "openai-completion"},
	{"o4", "openai-completion"},
	{"chatgpt", "openai-completion"},
	{"text-embedding", "openai-completion"},
	{"claude", "claude"},
	{"gemini", "gemini"},
	{"mistral", "mistral"},
	{"codestral", "mistral"},
	{"pixtral", "mistral"},
	{"ministral", "mistral"},
	{"grok", "xai"},
	{"deepseek", "deepseek"},
	{"meta-llama", "together-ai"},
	{"llama", "together-ai"},
	{"qwen", "openrouter"},
}

// Route 服务解析结果
type Route struct {
	Service       string // 上游服务/驱动名
	UpstreamModel string // 发往上游的模型名
}

// ResolveService 从模型名解析上游服务，纯函数且对任意输入都有结果
// 顺序：覆盖前缀（最长匹配） -> provider/model 显式前缀 -> 内置前缀表 -> 默认服务
func ResolveService(model string, overrides map[string]string, defaultService string) Route {
	trimmed := strings.TrimSpace(model)
	lower := strings.ToLower(trimmed)

	if service := matchOverride(lower, overrides); service != "" {
		return Route{Service: service, UpstreamModel: trimmed}
	}

	if provider, rest, ok := strings.Cut(trimmed, "/"); ok && provider != "" && rest != "" {
		return Route{Service: provider, UpstreamModel: rest}
	}

	for _, p := range knownPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return Route{Service: p.service, UpstreamModel: trimmed}
		}
	}

	return Route{Service: defaultService, UpstreamModel: trimmed}
}

// matchOverride 最长前缀匹配，长度相同时按字典序取第一个以保证确定性
func matchOverride(lower string, overrides map[string]string) string {
	if len(overrides) == 0 {
		return ""
	}
	prefixes := make([]string, 0, len(overrides))
	for p := range overrides {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(lower, strings.ToLower(p)) {
			return overrides[p]
		}
	}
	return ""
}
