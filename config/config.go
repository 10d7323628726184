package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"relay-gateway/core/security"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort              = 8000
	DefaultCooldown          = 15 * time.Minute
	DefaultMaxAttempts       = 3
	DefaultHeartbeatInterval = 8 * time.Second
	MinHeartbeatInterval     = 3 * time.Second
	DefaultModelsCacheTTL    = 10 * time.Minute
	DefaultService           = "openai-completion"
	DefaultMaxLogRows        = 1000

	// 加密凭证前缀，值为 AES-GCM 密文的 base64
	EncryptedPrefix = security.TokenPrefix
)

// Config 网关运行配置
type Config struct {
	Port              int               `yaml:"port"`
	Tokens            []string          `yaml:"tokens"`
	TokensFile        string            `yaml:"tokens_file"`
	AccessKey         string            `yaml:"access_key"`
	Cooldown          time.Duration     `yaml:"cooldown"`
	MaxAttempts       int               `yaml:"max_attempts"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	ProviderOverrides map[string]string `yaml:"provider_overrides"`
	AllowTemperature  bool              `yaml:"allow_temperature"`
	DefaultService    string            `yaml:"default_service"`
	ModelsCacheTTL    time.Duration     `yaml:"models_cache_ttl"`
	SecretKey         string            `yaml:"secret_key"`
	HealthCheck       string            `yaml:"health_check"` // cron 表达式，空表示关闭
	Upstream          UpstreamConfig    `yaml:"upstream"`
	Log               LogConfig         `yaml:"log"`
	Storage           StorageConfig     `yaml:"storage"`
	RateLimit         RateLimitConfig   `yaml:"rate_limit"`
}

// UpstreamConfig 上游聚合服务
type UpstreamConfig struct {
	Hosts               []string `yaml:"hosts"`
	CallPath            string   `yaml:"call_path"`
	ChatInterface       string   `yaml:"chat_interface"`
	LegacyChatInterface string   `yaml:"legacy_chat_interface"`
	EmbeddingInterface  string   `yaml:"embedding_interface"`
	ChatMethod          string   `yaml:"chat_method"`
	EmbeddingMethod     string   `yaml:"embedding_method"`
	ModelsMethod        string   `yaml:"models_method"`
}

// LogConfig 日志输出
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // json | text
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	Backups   int    `yaml:"backups"`
}

// StorageConfig 请求审计日志存储，DBPath 为空时关闭
type StorageConfig struct {
	DBPath  string `yaml:"db_path"`
	MaxRows int    `yaml:"max_rows"`
}

// RateLimitConfig 入站 IP 限流，RPS 为 0 时关闭
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default 返回内置默认配置
func Default() *Config {
	return &Config{
		Port:              DefaultPort,
		Cooldown:          DefaultCooldown,
		MaxAttempts:       DefaultMaxAttempts,
		HeartbeatInterval: DefaultHeartbeatInterval,
		DefaultService:    DefaultService,
		ModelsCacheTTL:    DefaultModelsCacheTTL,
		ProviderOverrides: map[string]string{},
		Upstream: UpstreamConfig{
			Hosts:               []string{"https://api.puter.com", "https://puter.com"},
			CallPath:            "/drivers/call",
			ChatInterface:       "puter-chat-completion",
			LegacyChatInterface: "puter-chat-completion",
			EmbeddingInterface:  "puter-embeddings",
			ChatMethod:          "complete",
			EmbeddingMethod:     "embed",
			ModelsMethod:        "models",
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			MaxSizeMB: 50,
			Backups:   3,
		},
		Storage: StorageConfig{MaxRows: DefaultMaxLogRows},
	}
}

// Load 按 默认值 -> YAML 文件 -> 环境变量 -> 校验 的顺序加载配置
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv 与 Load 相同，但环境变量来源可注入
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, getenv); err != nil {
		return nil, err
	}

	if cfg.TokensFile != "" {
		data, err := os.ReadFile(cfg.TokensFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read tokens file %q: %w", cfg.TokensFile, err)
		}
		cfg.Tokens = append(cfg.Tokens, SplitTokens(string(data))...)
	}

	if err := cfg.decryptTokens(); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖，格式为 GATEWAY_FIELD
func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	if v := getenv("GATEWAY_TOKENS"); v != "" {
		cfg.Tokens = SplitTokens(v)
	}
	if v := getenv("GATEWAY_TOKEN"); v != "" {
		cfg.Tokens = append(cfg.Tokens, SplitTokens(v)...)
	}
	if v := getenv("GATEWAY_TOKENS_FILE"); v != "" {
		cfg.TokensFile = v
	}
	if v := getenv("GATEWAY_ACCESS_KEY"); v != "" {
		cfg.AccessKey = strings.TrimSpace(v)
	}
	if v := getenv("GATEWAY_SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
	if v := getenv("GATEWAY_DEFAULT_SERVICE"); v != "" {
		cfg.DefaultService = strings.TrimSpace(v)
	}
	if v := getenv("GATEWAY_PROVIDER_OVERRIDES"); v != "" {
		for prefix, service := range ParseOverrides(v) {
			cfg.ProviderOverrides[prefix] = service
		}
	}
	if v := getenv("GATEWAY_UPSTREAM_HOSTS"); v != "" {
		cfg.Upstream.Hosts = SplitTokens(v)
	}
	if v := getenv("GATEWAY_HEALTH_CHECK"); v != "" {
		cfg.HealthCheck = strings.TrimSpace(v)
	}
	if v := getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("GATEWAY_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := getenv("GATEWAY_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := getenv("GATEWAY_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}

	var errs []error
	if v := getenv("GATEWAY_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("GATEWAY_PORT", err))
		cfg.Port = n
	}
	if v := getenv("GATEWAY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("GATEWAY_MAX_ATTEMPTS", err))
		cfg.MaxAttempts = n
	}
	if v := getenv("GATEWAY_COOLDOWN"); v != "" {
		d, err := parseDuration(v)
		errs = append(errs, wrapEnv("GATEWAY_COOLDOWN", err))
		cfg.Cooldown = d
	}
	if v := getenv("GATEWAY_HEARTBEAT_INTERVAL"); v != "" {
		d, err := parseDuration(v)
		errs = append(errs, wrapEnv("GATEWAY_HEARTBEAT_INTERVAL", err))
		cfg.HeartbeatInterval = d
	}
	if v := getenv("GATEWAY_MODELS_CACHE_TTL"); v != "" {
		d, err := parseDuration(v)
		errs = append(errs, wrapEnv("GATEWAY_MODELS_CACHE_TTL", err))
		cfg.ModelsCacheTTL = d
	}
	if v := getenv("GATEWAY_ALLOW_TEMPERATURE"); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, wrapEnv("GATEWAY_ALLOW_TEMPERATURE", err))
		cfg.AllowTemperature = b
	}
	if v := getenv("GATEWAY_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, wrapEnv("GATEWAY_RATE_LIMIT", err))
		cfg.RateLimit.RPS = f
	}
	if v := getenv("GATEWAY_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("GATEWAY_RATE_BURST", err))
		cfg.RateLimit.Burst = n
	}
	return errors.Join(errs...)
}

func wrapEnv(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("invalid %s: %w", name, err)
}

// parseDuration 接受 Go duration（"90s"）或纯数字秒
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (c *Config) decryptTokens() error {
	hasEncrypted := false
	for _, t := range c.Tokens {
		if security.IsSealed(t) {
			hasEncrypted = true
			break
		}
	}
	if !hasEncrypted {
		return nil
	}
	if c.SecretKey == "" {
		return fmt.Errorf("encrypted tokens configured but GATEWAY_SECRET_KEY is empty")
	}
	provider, err := security.NewAESSecretProvider(c.SecretKey)
	if err != nil {
		return err
	}
	for i, t := range c.Tokens {
		plain, err := provider.OpenToken(t)
		if err != nil {
			return fmt.Errorf("failed to decrypt token #%d: %w", i+1, err)
		}
		c.Tokens[i] = plain
	}
	return nil
}

// normalize 修正越界的值
func (c *Config) normalize() {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatInterval < MinHeartbeatInterval {
		c.HeartbeatInterval = MinHeartbeatInterval
	}
	if c.ModelsCacheTTL <= 0 {
		c.ModelsCacheTTL = DefaultModelsCacheTTL
	}
	if c.DefaultService == "" {
		c.DefaultService = DefaultService
	}
	if c.Storage.MaxRows <= 0 {
		c.Storage.MaxRows = DefaultMaxLogRows
	}
	if c.ProviderOverrides == nil {
		c.ProviderOverrides = map[string]string{}
	}
	hosts := make([]string, 0, len(c.Upstream.Hosts))
	for _, h := range c.Upstream.Hosts {
		if h = strings.TrimRight(strings.TrimSpace(h), "/"); h != "" {
			hosts = append(hosts, h)
		}
	}
	c.Upstream.Hosts = hosts
}

// Validate 校验配置
// 凭证为空不是配置错误：请求到达时才会以 server_error 失败
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if len(c.Upstream.Hosts) == 0 {
		return fmt.Errorf("upstream.hosts must not be empty")
	}
	for _, h := range c.Upstream.Hosts {
		u, err := url.Parse(h)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid upstream host %q", h)
		}
	}
	if c.Upstream.ChatInterface == "" || c.Upstream.LegacyChatInterface == "" {
		return fmt.Errorf("upstream chat interfaces must be set")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit.rps must be >= 0")
	}
	return nil
}

// SplitTokens 按空白、逗号、分号、竖线切分凭证列表
func SplitTokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', ';', '|', ' ', '\t', '\n', '\r':
			return true
		}
		return false
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ParseOverrides 解析 "prefix=service,prefix2=service2"
func ParseOverrides(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == '\n' }) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// Store 持有当前生效的配置，可被热重载替换
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore 创建配置存储
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Get 返回当前配置，调用方不得修改
func (s *Store) Get() *Config {
	return s.current.Load()
}

// Set 替换当前配置
func (s *Store) Set(cfg *Config) {
	s.current.Store(cfg)
}
