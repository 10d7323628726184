package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"relay-gateway/config"
	"relay-gateway/models"

	"github.com/stretchr/testify/assert"
)

// fakeReply 一次假上游调用的结果
type fakeReply struct {
	status      int
	contentType string
	body        string
	err         error
}

type recordedCall struct {
	token string
	call  *models.DriverCall
}

// fakeDispatcher 按脚本返回结果并记录所有调用
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []recordedCall
	reply func(n int, token string, call *models.DriverCall) fakeReply
}

func (f *fakeDispatcher) Call(ctx context.Context, token string, call *models.DriverCall) (*UpstreamResponse, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, recordedCall{token: token, call: call})
	f.mu.Unlock()

	r := f.reply(n, token, call)
	if r.err != nil {
		return nil, r.err
	}
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if r.contentType == "" {
		r.contentType = "application/json"
	}
	return &UpstreamResponse{
		StatusCode: r.status,
		Header:     http.Header{"Content-Type": []string{r.contentType}},
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Host:       "fake",
	}, nil
}

func (f *fakeDispatcher) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.token
	}
	return out
}

type memRecorder struct {
	mu   sync.Mutex
	logs []*models.RequestLog
}

func (m *memRecorder) Log(entry *models.RequestLog) {
	m.mu.Lock()
	m.logs = append(m.logs, entry)
	m.mu.Unlock()
}

type orchestratorFixture struct {
	orch     *Orchestrator
	pool     *Pool
	now      *time.Time
	recorder *memRecorder
	metrics  *Metrics
	store    *config.Store
}

func newFixture(tokens []string, d Dispatcher, mutate func(*config.Config)) *orchestratorFixture {
	cfg := config.Default()
	cfg.Tokens = tokens
	if mutate != nil {
		mutate(cfg)
	}
	store := config.NewStore(cfg)
	pool, now := newTestPool(tokens, cfg.Cooldown)
	metrics := NewMetrics(pool)
	rec := &memRecorder{}
	return &orchestratorFixture{
		orch:     NewOrchestrator(pool, d, store, quietLogger(), metrics, rec),
		pool:     pool,
		now:      now,
		recorder: rec,
		metrics:  metrics,
		store:    store,
	}
}

// scrape 以文本格式抓取一次指标
func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func chatRequest(model string) *models.ChatCompletionRequest {
	return &models.ChatCompletionRequest{
		Model:    model,
		Messages: []models.ChatMessage{{Role: "user", Content: "hello"}},
	}
}

const okChat = `{"success":true,"result":{"message":{"role":"assistant","content":"hi there"}}}`

func TestChatFallsBackToLegacyWhenPrimaryUnimplemented(t *testing.T) {
	d := &fakeDispatcher{reply: func(n int, _ string, call *models.DriverCall) fakeReply {
		if call.Service != "" {
			return fakeReply{body: `{"success":false,"error":{"message":"No implementation available for interface puter-chat-completion"}}`}
		}
		return fakeReply{body: `{"success":true,"result":{"message":{"content":"hi from legacy"}}}`}
	}}
	f := newFixture([]string{"tok-1"}, d, nil)

	out, err := f.orch.Chat(context.Background(), chatRequest("claude-3-5-sonnet-latest"))
	assert.NoError(t, err)
	assert.Equal(t, "hi from legacy", out.Completion.Choices[0].Message.Content)
	assert.Equal(t, "claude-3-5-sonnet-latest", out.Completion.Model)

	assert.Len(t, d.calls, 2)
	assert.Equal(t, []string{"tok-1", "tok-1"}, d.tokens())

	legacy, err := json.Marshal(d.calls[1].call)
	assert.NoError(t, err)
	assert.Contains(t, string(legacy), `"driver":"claude"`)
	assert.NotContains(t, string(legacy), `"service"`)

	// 未实现不算凭证故障
	entry := f.pool.entryFor("tok-1")
	assert.Equal(t, 0, entry.ConsecutiveFailures)
	assert.True(t, entry.DisabledUntil.IsZero())
}

func TestChatRetriesNextTokenAfterRateLimit(t *testing.T) {
	d := &fakeDispatcher{reply: func(n int, token string, _ *models.DriverCall) fakeReply {
		if token == "tok-1" {
			return fakeReply{status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`}
		}
		return fakeReply{body: okChat}
	}}
	f := newFixture([]string{"tok-1", "tok-2"}, d, nil)

	out, err := f.orch.Chat(context.Background(), chatRequest("gpt-4o-mini"))
	assert.NoError(t, err)
	assert.Equal(t, "hi there", out.Completion.Choices[0].Message.Content)
	assert.Equal(t, []string{"tok-1", "tok-2"}, d.tokens())

	cooled := f.pool.entryFor("tok-1")
	assert.Equal(t, 1, cooled.ConsecutiveFailures)
	assert.Equal(t, f.now.Add(5*time.Minute), cooled.DisabledUntil)
	assert.Equal(t, 429, cooled.LastError.Status)
	assert.Equal(t, "slow down", cooled.LastError.Message)

	healthy := f.pool.entryFor("tok-2")
	assert.True(t, healthy.DisabledUntil.IsZero())
	assert.False(t, healthy.LastSuccess.IsZero())

	assert.Len(t, f.recorder.logs, 1)
	assert.Equal(t, 2, f.recorder.logs[0].Attempts)
	assert.Equal(t, 200, f.recorder.logs[0].StatusCode)
	assert.Equal(t, models.MaskAPIKey("tok-2"), f.recorder.logs[0].Token)

	exposition := scrape(t, f.metrics)
	assert.Contains(t, exposition, `relay_token_reports_total{result="failure"} 1`)
	assert.Contains(t, exposition, `relay_token_reports_total{result="success"} 1`)
	assert.Contains(t, exposition, `relay_requests_total{endpoint="chat",outcome="success"} 1`)
	assert.Contains(t, exposition, `relay_tokens_total 2`)
}

func TestChatWithoutTokens(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply { return fakeReply{body: okChat} }}
	f := newFixture(nil, d, nil)

	_, err := f.orch.Chat(context.Background(), chatRequest(""))
	assert.ErrorIs(t, err, ErrNoTokens)
	gwErr := AsGatewayError(err)
	assert.Equal(t, http.StatusInternalServerError, gwErr.Status)
	assert.Equal(t, KindServer, gwErr.Kind)
	assert.Empty(t, d.calls)
}

func TestChatDoesNotRetrySemanticStatus(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		return fakeReply{status: http.StatusBadRequest, body: `{"error":{"message":"model not found"}}`}
	}}
	f := newFixture([]string{"tok-1", "tok-2"}, d, nil)

	_, err := f.orch.Chat(context.Background(), chatRequest("gpt-4o"))
	gwErr := AsGatewayError(err)
	assert.Equal(t, http.StatusBadRequest, gwErr.Status)
	assert.Equal(t, KindUpstream, gwErr.Kind)
	assert.Equal(t, "model not found", gwErr.Message)
	assert.Len(t, d.calls, 1)
}

func TestChatSemanticFailureEnvelopeIsFatal(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		return fakeReply{body: `{"success":false,"error":{"message":"content policy violation"}}`}
	}}
	f := newFixture([]string{"tok-1", "tok-2"}, d, nil)

	_, err := f.orch.Chat(context.Background(), chatRequest("gpt-4o"))
	gwErr := AsGatewayError(err)
	assert.Equal(t, http.StatusBadGateway, gwErr.Status)
	assert.Equal(t, "content policy violation", gwErr.Message)
	assert.Len(t, d.calls, 1)
	assert.Equal(t, 502, f.pool.entryFor("tok-1").LastError.Status)
}

func TestChatRetryableFailureEnvelope(t *testing.T) {
	d := &fakeDispatcher{reply: func(n int, _ string, _ *models.DriverCall) fakeReply {
		if n == 0 {
			return fakeReply{body: `{"success":false,"error":"Model is temporarily overloaded"}`}
		}
		return fakeReply{body: okChat}
	}}
	f := newFixture([]string{"tok-1", "tok-2"}, d, nil)

	_, err := f.orch.Chat(context.Background(), chatRequest("gpt-4o"))
	assert.NoError(t, err)
	assert.Equal(t, []string{"tok-1", "tok-2"}, d.tokens())
	assert.Equal(t, http.StatusServiceUnavailable, f.pool.entryFor("tok-1").LastError.Status)
}

func TestChatExhaustsAttempts(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		return fakeReply{status: http.StatusServiceUnavailable, body: `{"error":{"message":"upstream busy"}}`}
	}}
	f := newFixture([]string{"a", "b", "c", "d"}, d, nil)

	_, err := f.orch.Chat(context.Background(), chatRequest("gpt-4o"))
	gwErr := AsGatewayError(err)
	assert.Equal(t, http.StatusServiceUnavailable, gwErr.Status)
	assert.Equal(t, KindUpstream, gwErr.Kind)
	assert.Equal(t, "upstream busy", gwErr.Message)
	assert.Equal(t, []string{"a", "b", "c"}, d.tokens())

	assert.Len(t, f.recorder.logs, 1)
	assert.Equal(t, 3, f.recorder.logs[0].Attempts)
}

func TestChatTransportFailuresSurfaceAsBadGateway(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		return fakeReply{err: errors.New("dial tcp: connection refused")}
	}}
	f := newFixture([]string{"a", "b"}, d, func(c *config.Config) { c.MaxAttempts = 2 })

	_, err := f.orch.Chat(context.Background(), chatRequest("gpt-4o"))
	gwErr := AsGatewayError(err)
	assert.Equal(t, http.StatusBadGateway, gwErr.Status)
	assert.Contains(t, gwErr.Message, "connection refused")
	assert.Equal(t, StatusNetworkError, f.pool.entryFor("a").LastError.Status)
}

func TestChatCanceledRequestDoesNotPenalizeToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		cancel()
		return fakeReply{err: context.Canceled}
	}}
	f := newFixture([]string{"a", "b"}, d, nil)

	_, err := f.orch.Chat(ctx, chatRequest("gpt-4o"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, d.calls, 1)
	assert.Equal(t, 0, f.pool.entryFor("a").ConsecutiveFailures)
}

func TestChatBothInterfacesUnimplemented(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		return fakeReply{body: `{"success":false,"error":{"message":"not implemented"}}`}
	}}
	f := newFixture([]string{"a", "b"}, d, nil)

	_, err := f.orch.Chat(context.Background(), chatRequest("gpt-4o"))
	assert.Equal(t, http.StatusBadGateway, AsGatewayError(err).Status)
	assert.Len(t, d.calls, 2)
	assert.Equal(t, 0, f.pool.entryFor("a").ConsecutiveFailures)
}

func TestChatSearchIntentGoesStraightToLegacy(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply { return fakeReply{body: okChat} }}
	f := newFixture([]string{"a"}, d, nil)

	req := chatRequest("gpt-4o")
	req.Tools = []models.ChatTool{
		{Type: "function", Function: &models.ChatToolFunction{Name: "calculator"}},
		{Type: "function", Function: &models.ChatToolFunction{Name: "web_browse"}},
	}
	_, err := f.orch.Chat(context.Background(), req)
	assert.NoError(t, err)

	assert.Len(t, d.calls, 1)
	call := d.calls[0].call
	assert.Equal(t, "openai-completion", call.Driver)
	assert.Empty(t, call.Service)

	tools, err := json.Marshal(call.Args["tools"])
	assert.NoError(t, err)
	assert.JSONEq(t, `[{"type":"web_search"}]`, string(tools))
}

func TestChatTemperaturePolicy(t *testing.T) {
	temp := 0.3
	tests := []struct {
		name  string
		model string
		allow bool
		want  bool
	}{
		{"default service drops temperature", "gpt-4o", false, false},
		{"override flag keeps it", "gpt-4o", true, true},
		{"other service keeps it", "claude-3-5-sonnet-latest", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply { return fakeReply{body: okChat} }}
			f := newFixture([]string{"a"}, d, func(c *config.Config) { c.AllowTemperature = tt.allow })

			req := chatRequest(tt.model)
			req.Temperature = &temp
			_, err := f.orch.Chat(context.Background(), req)
			assert.NoError(t, err)

			_, present := d.calls[0].call.Args["temperature"]
			assert.Equal(t, tt.want, present)
		})
	}
}

func TestChatStreamHandsOffIncrementalBody(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		return fakeReply{contentType: "text/event-stream", body: "data: {\"text\":\"a\"}\n\ndata: {\"text\":\"b\"}\n\ndata: [DONE]\n\n"}
	}}
	f := newFixture([]string{"a"}, d, nil)

	req := chatRequest("gpt-4o")
	req.Stream = true
	out, err := f.orch.Chat(context.Background(), req)
	assert.NoError(t, err)
	assert.NotNil(t, out.Stream)
	assert.Nil(t, out.Completion)
	out.Stream.Close()

	req.Stream = false
	out, err = f.orch.Chat(context.Background(), req)
	assert.NoError(t, err)
	assert.Nil(t, out.Stream)
	assert.Equal(t, "ab", out.Completion.Choices[0].Message.Content)
}

func TestChatToolCallsSetFinishReason(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		return fakeReply{body: `{"success":true,"result":{"message":{"content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"calc","arguments":"{}"}}]}}}`}
	}}
	f := newFixture([]string{"a"}, d, nil)

	out, err := f.orch.Chat(context.Background(), chatRequest("gpt-4o"))
	assert.NoError(t, err)
	choice := out.Completion.Choices[0]
	assert.Equal(t, "tool_calls", choice.FinishReason)
	assert.Len(t, choice.Message.ToolCalls, 1)
	assert.Equal(t, "calc", choice.Message.ToolCalls[0].Function.Name)
}

func TestEmbeddingsNormalizesBareVector(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		return fakeReply{body: `{"success":true,"result":[0.1,0.2,0.3]}`}
	}}
	f := newFixture([]string{"a"}, d, nil)

	resp, err := f.orch.Embeddings(context.Background(), &models.EmbeddingRequest{Input: "hello"})
	assert.NoError(t, err)
	assert.Equal(t, "list", resp.Object)
	assert.Equal(t, models.DefaultEmbeddingModel, resp.Model)
	assert.Len(t, resp.Data, 1)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, resp.Data[0].Embedding)

	call := d.calls[0].call
	assert.Equal(t, "puter-embeddings", call.Interface)
	assert.Equal(t, "hello", call.Args["input"])
}

func TestEmbeddingsUnrecognizedPayload(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		return fakeReply{body: `{"success":true,"result":{"vector":"nope"}}`}
	}}
	f := newFixture([]string{"a"}, d, nil)

	_, err := f.orch.Embeddings(context.Background(), &models.EmbeddingRequest{Input: []interface{}{"x", "y"}})
	gwErr := AsGatewayError(err)
	assert.Equal(t, http.StatusBadGateway, gwErr.Status)
	assert.Contains(t, gwErr.Raw, "vector")
}

func TestEmbeddingsRejectsBadInput(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply { return fakeReply{} }}
	f := newFixture([]string{"a"}, d, nil)

	_, err := f.orch.Embeddings(context.Background(), &models.EmbeddingRequest{Input: 42})
	gwErr := AsGatewayError(err)
	assert.Equal(t, http.StatusBadRequest, gwErr.Status)
	assert.Equal(t, KindInvalidRequest, gwErr.Kind)
	assert.Empty(t, d.calls)
}

func TestListModelsCachesUpstreamResult(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		return fakeReply{body: `{"success":true,"result":["gpt-4o","claude-3-5-sonnet"]}`}
	}}
	f := newFixture([]string{"a"}, d, nil)

	first := f.orch.ListModels(context.Background(), "")
	second := f.orch.ListModels(context.Background(), "")
	assert.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Len(t, d.calls, 1)
	assert.NotZero(t, first[0].Created)

	f.orch.InvalidateModels()
	f.orch.ListModels(context.Background(), "")
	assert.Len(t, d.calls, 2)
}

func TestListModelsFallsBackWithoutCaching(t *testing.T) {
	d := &fakeDispatcher{reply: func(int, string, *models.DriverCall) fakeReply {
		return fakeReply{err: errors.New("unreachable")}
	}}
	f := newFixture([]string{"a"}, d, func(c *config.Config) { c.MaxAttempts = 1 })

	list := f.orch.ListModels(context.Background(), "claude")
	assert.Equal(t, FallbackModels("claude"), list)
	assert.NotEmpty(t, list)

	f.orch.ListModels(context.Background(), "claude")
	assert.Len(t, d.calls, 2)
}
