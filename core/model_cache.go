package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"relay-gateway/models"

	"github.com/sirupsen/logrus"
)

// 上游不可用时返回的内置模型列表
var fallbackModels = []models.ModelInfo{
	{ID: "gpt-4o-mini", Object: "model", OwnedBy: "openai-completion"},
	{ID: "gpt-4o", Object: "model", OwnedBy: "openai-completion"},
	{ID: "o3-mini", Object: "model", OwnedBy: "openai-completion"},
	{ID: "text-embedding-3-small", Object: "model", OwnedBy: "openai-completion"},
	{ID: "claude-3-5-sonnet-latest", Object: "model", OwnedBy: "claude"},
	{ID: "gemini-1.5-flash", Object: "model", OwnedBy: "gemini"},
	{ID: "mistral-large-latest", Object: "model", OwnedBy: "mistral"},
	{ID: "grok-2", Object: "model", OwnedBy: "xai"},
	{ID: "deepseek-chat", Object: "model", OwnedBy: "deepseek"},
}

// FallbackModels 内置列表，provider 非空时按提供方过滤
func FallbackModels(provider string) []models.ModelInfo {
	out := make([]models.ModelInfo, 0, len(fallbackModels))
	for _, m := range fallbackModels {
		if provider == "" || strings.EqualFold(m.OwnedBy, provider) {
			out = append(out, m)
		}
	}
	return out
}

type modelCacheEntry struct {
	models    []models.ModelInfo
	expiresAt time.Time
}

// ModelFetcher 从上游拉取模型列表
type ModelFetcher func(ctx context.Context, provider string) ([]models.ModelInfo, error)

// ModelCache 按过滤条件缓存模型列表
// 上游失败或返回空列表时使用内置列表，且不缓存该结果
type ModelCache struct {
	mu      sync.Mutex
	entries map[string]modelCacheEntry
	ttl     func() time.Duration
	fetch   ModelFetcher
	now     func() time.Time
	logger  *logrus.Logger
}

// NewModelCache 创建模型缓存；ttl 每次读取，支持热重载
func NewModelCache(fetch ModelFetcher, ttl func() time.Duration, logger *logrus.Logger) *ModelCache {
	return &ModelCache{
		entries: make(map[string]modelCacheEntry),
		ttl:     ttl,
		fetch:   fetch,
		now:     time.Now,
		logger:  logger,
	}
}

// Get 返回模型列表，永不失败
func (c *ModelCache) Get(ctx context.Context, provider string) []models.ModelInfo {
	key := strings.ToLower(strings.TrimSpace(provider))

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Before(entry.expiresAt) {
		return entry.models
	}

	list, err := c.fetch(ctx, key)
	if err != nil || len(list) == 0 {
		if err != nil {
			c.logger.Warnf("⚠️ Model list fetch failed (provider=%q), serving built-in list: %v", key, err)
		}
		return FallbackModels(key)
	}

	created := c.now().Unix()
	for i := range list {
		if list[i].Created == 0 {
			list[i].Created = created
		}
	}

	c.mu.Lock()
	c.entries[key] = modelCacheEntry{models: list, expiresAt: c.now().Add(c.ttl())}
	c.mu.Unlock()
	return list
}

// Invalidate 清空缓存
func (c *ModelCache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]modelCacheEntry)
	c.mu.Unlock()
}
