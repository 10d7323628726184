package core

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestPool 返回时钟可控的池
func newTestPool(tokens []string, base time.Duration) (*Pool, *time.Time) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewPool(tokens, base, quietLogger())
	p.now = func() time.Time { return now }
	return p, &now
}

func (p *Pool) entryFor(token string) *TokenEntry {
	for _, e := range p.entries {
		if e.Value == token {
			return e
		}
	}
	return nil
}

func TestPoolRoundRobinVisitsEachTokenTwice(t *testing.T) {
	tokens := []string{"tok-a", "tok-b", "tok-c", "tok-d"}
	p, _ := newTestPool(tokens, 15*time.Minute)

	var got []string
	for i := 0; i < 2*len(tokens); i++ {
		tok, ok := p.GetToken()
		assert.True(t, ok)
		got = append(got, tok)
	}

	assert.Equal(t, append(append([]string{}, tokens...), tokens...), got)
}

func TestPoolDedupesPreservingOrder(t *testing.T) {
	p, _ := newTestPool([]string{"b", "a", "b", "", "c", "a"}, time.Minute)
	assert.Equal(t, 3, p.Len())

	first, _ := p.GetToken()
	second, _ := p.GetToken()
	third, _ := p.GetToken()
	assert.Equal(t, []string{"b", "a", "c"}, []string{first, second, third})
}

func TestPoolEmpty(t *testing.T) {
	p, _ := newTestPool(nil, time.Minute)
	assert.False(t, p.HasAnyToken())

	tok, ok := p.GetToken()
	assert.False(t, ok)
	assert.Empty(t, tok)
}

func TestPoolSkipsDisabledTokens(t *testing.T) {
	p, _ := newTestPool([]string{"tok-a", "tok-b", "tok-c"}, 15*time.Minute)
	p.ReportTokenResult("tok-b", Failure(401, "unauthorized"))

	for i := 0; i < 6; i++ {
		tok, ok := p.GetToken()
		assert.True(t, ok)
		assert.NotEqual(t, "tok-b", tok, "disabled token should be skipped")
	}
	assert.Equal(t, 1, p.DisabledCount())
	assert.Equal(t, []string{"tok-b"}, p.DisabledTokens())
}

func TestPoolSuccessClearsState(t *testing.T) {
	p, now := newTestPool([]string{"tok-a"}, 15*time.Minute)
	p.ReportTokenResult("tok-a", Failure(500, "boom"))
	p.ReportTokenResult("tok-a", Failure(500, "boom"))

	e := p.entryFor("tok-a")
	assert.Equal(t, 2, e.ConsecutiveFailures)
	assert.False(t, e.DisabledUntil.IsZero())

	p.ReportTokenResult("tok-a", Success())
	assert.True(t, e.DisabledUntil.IsZero())
	assert.Equal(t, 0, e.ConsecutiveFailures)
	assert.Equal(t, *now, e.LastSuccess)
}

func TestPoolAuthFailureCooldownAtLeastOneHour(t *testing.T) {
	p, now := newTestPool([]string{"tok-a"}, time.Minute)

	for i := 0; i < 3; i++ {
		p.ReportTokenResult("tok-a", Failure(401, "invalid token"))
		e := p.entryFor("tok-a")
		assert.GreaterOrEqual(t, e.DisabledUntil.Sub(*now), time.Hour)
	}

	p.ReportTokenResult("tok-a", Failure(403, "forbidden"))
	assert.GreaterOrEqual(t, p.entryFor("tok-a").DisabledUntil.Sub(*now), time.Hour)
}

func TestPoolRateLimitBackoff(t *testing.T) {
	base := time.Minute
	p, now := newTestPool([]string{"tok-a"}, base)

	p.ReportTokenResult("tok-a", Failure(429, "slow down"))
	assert.Equal(t, base, p.entryFor("tok-a").DisabledUntil.Sub(*now))

	for i := 0; i < 4; i++ {
		p.ReportTokenResult("tok-a", Failure(429, "slow down"))
	}
	e := p.entryFor("tok-a")
	assert.Equal(t, 5, e.ConsecutiveFailures)
	assert.Equal(t, 5*time.Minute, e.DisabledUntil.Sub(*now))
}

func TestPoolRecordsTruncatedError(t *testing.T) {
	p, _ := newTestPool([]string{"tok-a"}, time.Minute)
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	p.ReportTokenResult("tok-a", Failure(400, string(long)))

	e := p.entryFor("tok-a")
	assert.Equal(t, 400, e.LastError.Status)
	assert.Len(t, e.LastError.Message, maxErrorMessageLen)
}

func TestPoolTruncatesErrorOnRuneBoundary(t *testing.T) {
	p, _ := newTestPool([]string{"tok-a"}, time.Minute)
	p.ReportTokenResult("tok-a", Failure(502, "x"+strings.Repeat("你", 100)))

	// 第 200 字节落在字符中间，退回到完整字符
	assert.Equal(t, "x"+strings.Repeat("你", 66), p.entryFor("tok-a").LastError.Message)
}

func TestPoolAllDisabledReturnsSoonestRecovery(t *testing.T) {
	p, now := newTestPool([]string{"tok-a", "tok-b", "tok-c"}, time.Minute)
	p.entryFor("tok-a").DisabledUntil = now.Add(30 * time.Minute)
	p.entryFor("tok-b").DisabledUntil = now.Add(5 * time.Minute)
	p.entryFor("tok-c").DisabledUntil = now.Add(10 * time.Minute)

	for i := 0; i < 3; i++ {
		tok, ok := p.GetToken()
		assert.True(t, ok)
		assert.Equal(t, "tok-b", tok)
	}
}

func TestPoolCooldownExpires(t *testing.T) {
	p, now := newTestPool([]string{"tok-a", "tok-b"}, time.Minute)
	p.ReportTokenResult("tok-a", Failure(503, "overloaded"))
	assert.Equal(t, 1, p.DisabledCount())

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, 0, p.DisabledCount())

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		tok, _ := p.GetToken()
		seen[tok] = true
	}
	assert.True(t, seen["tok-a"])
	assert.True(t, seen["tok-b"])
}

func TestPoolSync(t *testing.T) {
	p, _ := newTestPool([]string{"tok-a", "tok-b"}, time.Minute)
	p.ReportTokenResult("tok-a", Failure(401, "bad"))

	assert.False(t, p.Sync([]string{"tok-a", "tok-b", "tok-a"}), "same set after dedupe keeps state")
	assert.Equal(t, 1, p.DisabledCount())

	assert.True(t, p.Sync([]string{"tok-b", "tok-a"}), "order change replaces")
	assert.Equal(t, 0, p.DisabledCount())

	assert.True(t, p.Sync([]string{"tok-c"}))
	tok, _ := p.GetToken()
	assert.Equal(t, "tok-c", tok)
}

func TestPoolIgnoresUnknownToken(t *testing.T) {
	p, _ := newTestPool([]string{"tok-a"}, time.Minute)
	p.ReportTokenResult("tok-zzz", Failure(500, "x"))
	assert.Equal(t, 0, p.DisabledCount())
}

func TestPoolSnapshotMasksValues(t *testing.T) {
	p, _ := newTestPool([]string{"secret-token-value"}, time.Minute)
	p.ReportTokenResult("secret-token-value", Failure(429, "limited"))

	snap := p.Snapshot()
	assert.Len(t, snap, 1)
	assert.NotContains(t, snap[0].Token, "secret-token-value")
	assert.True(t, snap[0].Disabled)
	assert.Equal(t, 429, snap[0].LastErrorStatus)
}

func TestCooldownTiers(t *testing.T) {
	base := 15 * time.Minute
	tests := []struct {
		name     string
		status   int
		failures int
		base     time.Duration
		expected time.Duration
	}{
		{"unauthorized uses hour floor", 401, 1, base, time.Hour},
		{"forbidden keeps larger base", 403, 1, 2 * time.Hour, 2 * time.Hour},
		{"rate limit capped", 429, 1, base, 5 * time.Minute},
		{"rate limit first failure", 429, 1, 30 * time.Second, 30 * time.Second},
		{"server error backoff", 502, 3, 30 * time.Second, 90 * time.Second},
		{"multiplier capped at eight", 500, 20, 10 * time.Second, 80 * time.Second},
		{"network error", StatusNetworkError, 2, time.Minute, 2 * time.Minute},
		{"other status flat", 404, 7, base, base},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Cooldown(tt.status, tt.failures, tt.base))
		})
	}
}
