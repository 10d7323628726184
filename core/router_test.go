package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveService(t *testing.T) {
	tests := []struct {
		name          string
		model         string
		overrides     map[string]string
		service       string
		upstreamModel string
	}{
		{"gpt prefix", "gpt-4o-mini", nil, "openai-completion", "gpt-4o-mini"},
		{"o-series", "o3-mini", nil, "openai-completion", "o3-mini"},
		{"embedding model", "text-embedding-3-small", nil, "openai-completion", "text-embedding-3-small"},
		{"claude", "claude-3-5-sonnet-latest", nil, "claude", "claude-3-5-sonnet-latest"},
		{"case insensitive", "Gemini-1.5-Pro", nil, "gemini", "Gemini-1.5-Pro"},
		{"mistral family", "codestral-latest", nil, "mistral", "codestral-latest"},
		{"grok", "grok-2", nil, "xai", "grok-2"},
		{"deepseek", "deepseek-chat", nil, "deepseek", "deepseek-chat"},
		{"meta llama", "meta-llama-3.1-70b", nil, "together-ai", "meta-llama-3.1-70b"},
		{"qwen", "qwen-max", nil, "openrouter", "qwen-max"},
		{"explicit provider", "openrouter/anthropic/claude-3", nil, "openrouter", "anthropic/claude-3"},
		{"unknown falls back", "my-custom-model", nil, "openai-completion", "my-custom-model"},
		{"empty model", "", nil, "openai-completion", ""},
		{"trailing slash is not a provider", "weird/", nil, "openai-completion", "weird/"},
		{"override wins", "gpt-4o", map[string]string{"gpt-4": "azure"}, "azure", "gpt-4o"},
		{"longest override", "claude-3-opus", map[string]string{"claude": "a", "claude-3": "b"}, "b", "claude-3-opus"},
		{"override before provider form", "x/y", map[string]string{"x/": "custom"}, "custom", "x/y"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := ResolveService(tt.model, tt.overrides, "openai-completion")
			assert.Equal(t, tt.service, route.Service)
			assert.Equal(t, tt.upstreamModel, route.UpstreamModel)
		})
	}
}
