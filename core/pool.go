package core

import (
	"sync"
	"time"

	"relay-gateway/models"

	"github.com/sirupsen/logrus"
)

const (
	// StatusNetworkError 传输层失败（未拿到任何响应）时上报的合成状态码
	StatusNetworkError = 599

	authCooldownFloor    = time.Hour
	transientCooldownCap = 5 * time.Minute
	maxBackoffMultiplier = 8
	maxErrorMessageLen   = 200
)

// TokenError 最近一次失败
type TokenError struct {
	Status  int
	Message string
	At      time.Time
}

// TokenEntry 池中的一个凭证及其健康状态
type TokenEntry struct {
	Value               string
	DisabledUntil       time.Time // 零值表示可用
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastError           *TokenError
}

func (e *TokenEntry) disabledAt(now time.Time) bool {
	return !e.DisabledUntil.IsZero() && now.Before(e.DisabledUntil)
}

// Outcome 一次调用的结果反馈
type Outcome struct {
	OK      bool
	Status  int
	Message string
}

// Success 成功反馈
func Success() Outcome {
	return Outcome{OK: true, Status: 200}
}

// Failure 失败反馈
func Failure(status int, message string) Outcome {
	return Outcome{Status: status, Message: message}
}

// TokenStatus 对外展示的凭证状态（已脱敏）
type TokenStatus struct {
	Token               string     `json:"token"`
	Disabled            bool       `json:"disabled"`
	DisabledUntil       *time.Time `json:"disabled_until,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastErrorStatus     int        `json:"last_error_status,omitempty"`
	LastErrorMessage    string     `json:"last_error_message,omitempty"`
}

// Pool 凭证池 (线程安全)
// 轮询选择 + 跳过冷却中的凭证；冷却只是建议，全部冷却时仍返回最快恢复的那个
type Pool struct {
	mu           sync.Mutex
	entries      []*TokenEntry
	cursor       int
	baseCooldown time.Duration
	now          func() time.Time
	logger       *logrus.Logger
}

// NewPool 创建凭证池
func NewPool(tokens []string, baseCooldown time.Duration, logger *logrus.Logger) *Pool {
	p := &Pool{
		baseCooldown: baseCooldown,
		now:          time.Now,
		logger:       logger,
	}
	p.entries = buildEntries(dedupe(tokens))
	return p
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func buildEntries(values []string) []*TokenEntry {
	entries := make([]*TokenEntry, len(values))
	for i, v := range values {
		entries[i] = &TokenEntry{Value: v}
	}
	return entries
}

// SetBaseCooldown 热重载时更新基础冷却时长
func (p *Pool) SetBaseCooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.baseCooldown = d
	p.mu.Unlock()
}

// Sync 与配置中的凭证列表对齐
// 去重后逐个按序比较，存在差异则整体替换（健康状态随之丢弃）；返回是否发生替换
func (p *Pool) Sync(values []string) bool {
	values = dedupe(values)

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(values) == len(p.entries) {
		same := true
		for i, v := range values {
			if p.entries[i].Value != v {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}

	p.entries = buildEntries(values)
	p.cursor = 0
	p.logger.Infof("🔄 Token pool re-synced: %d token(s)", len(values))
	return true
}

// HasAnyToken 是否配置了至少一个凭证
func (p *Pool) HasAnyToken() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries) > 0
}

// Len 凭证数量
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// GetToken 选择下一个凭证
// 从游标开始向前扫描，返回第一个可用项并把游标移到它之后；
// 全部冷却时返回 DisabledUntil 最早的一项；池为空时返回 false
func (p *Pool) GetToken() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	if n == 0 {
		return "", false
	}

	now := p.now()
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if !p.entries[idx].disabledAt(now) {
			p.cursor = (idx + 1) % n
			return p.entries[idx].Value, true
		}
	}

	soonest := 0
	for i := 1; i < n; i++ {
		if p.entries[i].DisabledUntil.Before(p.entries[soonest].DisabledUntil) {
			soonest = i
		}
	}
	p.cursor = (soonest + 1) % n
	p.logger.Warnf("⚠️ All %d tokens cooling down, using %s (recovers at %s)",
		n, models.MaskAPIKey(p.entries[soonest].Value), p.entries[soonest].DisabledUntil.Format(time.RFC3339))
	return p.entries[soonest].Value, true
}

// ReportTokenResult 上报一次调用结果
func (p *Pool) ReportTokenResult(token string, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var entry *TokenEntry
	for _, e := range p.entries {
		if e.Value == token {
			entry = e
			break
		}
	}
	if entry == nil {
		// 池在请求期间被重新同步过
		p.logger.Debugf("Outcome for unknown token %s ignored", models.MaskAPIKey(token))
		return
	}

	now := p.now()
	if outcome.OK {
		entry.DisabledUntil = time.Time{}
		entry.ConsecutiveFailures = 0
		entry.LastSuccess = now
		return
	}

	entry.ConsecutiveFailures++
	entry.LastError = &TokenError{Status: outcome.Status, Message: truncate(outcome.Message, maxErrorMessageLen), At: now}

	cooldown := Cooldown(outcome.Status, entry.ConsecutiveFailures, p.baseCooldown)
	entry.DisabledUntil = now.Add(cooldown)

	p.logger.WithFields(logrus.Fields{
		"token":    models.MaskAPIKey(token),
		"status":   outcome.Status,
		"failures": entry.ConsecutiveFailures,
		"cooldown": cooldown.String(),
	}).Warn("🧊 Token cooling down")
}

// Cooldown 按状态码分级计算冷却时长
//   - 401/403: max(base, 1h)
//   - 429 / 5xx / 网络错误: min(5m, base × min(8, failures))
//   - 其他: base
func Cooldown(status, failures int, base time.Duration) time.Duration {
	switch {
	case status == 401 || status == 403:
		if base > authCooldownFloor {
			return base
		}
		return authCooldownFloor
	case status == 429 || (status >= 500 && status <= 599):
		if failures < 1 {
			failures = 1
		}
		if failures > maxBackoffMultiplier {
			failures = maxBackoffMultiplier
		}
		d := base * time.Duration(failures)
		if d > transientCooldownCap {
			return transientCooldownCap
		}
		return d
	default:
		return base
	}
}

// DisabledCount 当前处于冷却中的凭证数量
func (p *Pool) DisabledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	count := 0
	for _, e := range p.entries {
		if e.disabledAt(now) {
			count++
		}
	}
	return count
}

// DisabledTokens 返回冷却中的凭证原值，供健康检查探测
func (p *Pool) DisabledTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var out []string
	for _, e := range p.entries {
		if e.disabledAt(now) {
			out = append(out, e.Value)
		}
	}
	return out
}

// Values 全部凭证原值，按池内顺序
func (p *Pool) Values() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Value
	}
	return out
}

// Snapshot 脱敏后的池状态
func (p *Pool) Snapshot() []TokenStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]TokenStatus, 0, len(p.entries))
	for _, e := range p.entries {
		s := TokenStatus{
			Token:               models.MaskAPIKey(e.Value),
			Disabled:            e.disabledAt(now),
			ConsecutiveFailures: e.ConsecutiveFailures,
		}
		if !e.DisabledUntil.IsZero() {
			until := e.DisabledUntil
			s.DisabledUntil = &until
		}
		if !e.LastSuccess.IsZero() {
			last := e.LastSuccess
			s.LastSuccess = &last
		}
		if e.LastError != nil {
			s.LastErrorStatus = e.LastError.Status
			s.LastErrorMessage = e.LastError.Message
		}
		out = append(out, s)
	}
	return out
}
