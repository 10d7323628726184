package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"relay-gateway/config"
	"relay-gateway/core/adapter"
	"relay-gateway/core/mapper"
	"relay-gateway/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	EndpointChat       = "chat"
	EndpointEmbeddings = "embeddings"
	EndpointModels     = "models"

	maxErrorBodyBytes = 64 << 10
	maxRawAttachment  = 2048
)

// 负载内失败信息的分类依据
var (
	unimplementedMarkers = []string{"no implementation available", "not implemented", "unknown interface"}
	rateLimitMarkers     = []string{"rate limit", "ratelimit", "too many requests", "quota"}
	transientMarkers     = []string{"temporarily", "overloaded", "unavailable", "try again", "timeout"}
	authMarkers          = []string{"unauthorized", "unauthenticated", "authentication", "invalid token", "token expired", "forbidden", "permission denied"}
)

type verdict int

const (
	verdictSuccess       verdict = iota
	verdictRetry                 // 已上报失败，换凭证重试
	verdictFatal                 // 立即返回调用方
	verdictUnimplemented         // 当前接口上游未实现，同一次尝试内切换下一接口
)

// plannedCall 一次尝试内按顺序执行的调用
type plannedCall struct {
	name string
	call *models.DriverCall
}

// upstreamResult 成功的上游结果：增量 Body 或完整 Body 二选一
type upstreamResult struct {
	stream *UpstreamResponse
	body   []byte
}

// ChatOutcome 聊天请求的结果
// Stream 非空时调用方负责通过 StreamRelay 转发并关闭；否则 Completion 为完整回复
type ChatOutcome struct {
	Completion *models.ChatCompletionResponse
	Stream     *UpstreamResponse
	Model      string
	RequestID  string
}

// Orchestrator 重试编排器：取凭证、调用上游、分类结果、回报凭证池、决定重试或返回
type Orchestrator struct {
	pool       *Pool
	dispatcher Dispatcher
	store      *config.Store
	logger     *logrus.Logger
	metrics    *Metrics
	recorder   RequestRecorder
	primary    adapter.ChatAdapter
	legacy     adapter.ChatAdapter
	modelCache *ModelCache
}

// NewOrchestrator 创建编排器；metrics 和 recorder 可为 nil
func NewOrchestrator(pool *Pool, dispatcher Dispatcher, store *config.Store, logger *logrus.Logger, metrics *Metrics, recorder RequestRecorder) *Orchestrator {
	o := &Orchestrator{
		pool:       pool,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		recorder:   recorder,
		primary:    adapter.NewPrimaryAdapter(),
		legacy:     adapter.NewLegacyAdapter(),
	}
	o.modelCache = NewModelCache(o.fetchModels, func() time.Duration { return o.store.Get().ModelsCacheTTL }, logger)
	return o
}

// prepare 按当前配置同步凭证池，并检查是否有可用凭证
func (o *Orchestrator) prepare() (*config.Config, error) {
	cfg := o.store.Get()
	o.pool.SetBaseCooldown(cfg.Cooldown)
	o.pool.Sync(cfg.Tokens)
	if !o.pool.HasAnyToken() {
		return nil, NewServerError("no upstream credentials configured", ErrNoTokens)
	}
	return cfg, nil
}

// Chat 处理一次聊天请求
func (o *Orchestrator) Chat(ctx context.Context, req *models.ChatCompletionRequest) (*ChatOutcome, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = models.DefaultChatModel
	}

	cfg, err := o.prepare()
	if err != nil {
		o.finish(newAttempt(EndpointChat, model, Route{}, req.Stream), err)
		return nil, err
	}

	route := ResolveService(model, cfg.ProviderOverrides, cfg.DefaultService)
	att := newAttempt(EndpointChat, model, route, req.Stream)

	call := adapter.ChatCall{
		Service:     route.Service,
		Model:       route.UpstreamModel,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.OutputTokenLimit(),
		Tools:       req.Tools,
		Stream:      req.Stream,
	}
	// 部分服务商拒绝非默认采样值
	if route.Service == cfg.DefaultService && !cfg.AllowTemperature {
		call.Temperature = nil
	}

	var plan []plannedCall
	if DetectSearchIntent(req.Tools) {
		call.Tools = CanonicalSearchTools()
		plan = []plannedCall{{o.legacy.Name(), o.legacy.BuildCall(cfg.Upstream, call)}}
		o.logger.WithFields(att.fields()).Info("🔎 Search intent detected, routing through legacy interface")
	} else {
		plan = []plannedCall{
			{o.primary.Name(), o.primary.BuildCall(cfg.Upstream, call)},
			{o.legacy.Name(), o.legacy.BuildCall(cfg.Upstream, call)},
		}
	}

	o.logger.Infof("🚀 Request: ID=%s | Model=%s | Service=%s | Stream=%v", att.RequestID, model, route.Service, req.Stream)

	res, err := o.execute(ctx, cfg, att, plan, req.Stream)
	o.finish(att, err)
	if err != nil {
		return nil, err
	}

	outcome := &ChatOutcome{Model: model, RequestID: att.RequestID}
	if res.stream != nil {
		outcome.Stream = res.stream
		return outcome, nil
	}
	outcome.Completion = buildCompletion(res.body, model)
	return outcome, nil
}

// Embeddings 处理一次向量请求；向量接口没有旧版回退
func (o *Orchestrator) Embeddings(ctx context.Context, req *models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = models.DefaultEmbeddingModel
	}

	inputs, ok := req.Inputs()
	if !ok {
		return nil, &GatewayError{Status: http.StatusBadRequest, Kind: KindInvalidRequest, Message: "input must be a non-empty string or list of strings"}
	}

	cfg, err := o.prepare()
	if err != nil {
		o.finish(newAttempt(EndpointEmbeddings, model, Route{}, false), err)
		return nil, err
	}

	route := ResolveService(model, cfg.ProviderOverrides, cfg.DefaultService)
	att := newAttempt(EndpointEmbeddings, model, route, false)
	plan := []plannedCall{{"embeddings", adapter.EmbeddingCall(cfg.Upstream, route.Service, route.UpstreamModel, inputs)}}

	res, err := o.execute(ctx, cfg, att, plan, false)
	if err != nil {
		o.finish(att, err)
		return nil, err
	}

	resp, shape, err := mapper.NormalizeEmbeddings(mapper.UnwrapEnvelope(res.body), model)
	if err != nil {
		gwErr := NewUpstreamError(http.StatusBadGateway, "unrecognized embedding payload from upstream")
		gwErr.Raw = truncate(string(res.body), maxRawAttachment)
		gwErr.cause = err
		o.finish(att, gwErr)
		return nil, gwErr
	}
	o.logger.WithFields(att.fields()).Debugf("Embedding payload matched shape %s", shape)
	o.finish(att, nil)
	return resp, nil
}

// ListModels 返回模型列表（带缓存），永不失败
func (o *Orchestrator) ListModels(ctx context.Context, provider string) []models.ModelInfo {
	list := o.modelCache.Get(ctx, provider)
	o.metrics.RecordRequest(EndpointModels, "success")
	return list
}

// InvalidateModels 清空模型缓存
func (o *Orchestrator) InvalidateModels() {
	o.modelCache.Invalidate()
}

func (o *Orchestrator) fetchModels(ctx context.Context, provider string) ([]models.ModelInfo, error) {
	cfg, err := o.prepare()
	if err != nil {
		return nil, err
	}
	att := newAttempt(EndpointModels, "", Route{Service: provider}, false)
	plan := []plannedCall{{"models", adapter.ModelListCall(cfg.Upstream, provider)}}

	res, err := o.execute(ctx, cfg, att, plan, false)
	if err != nil {
		return nil, err
	}
	return mapper.NormalizeModelList(res.body, provider), nil
}

// execute 核心重试循环
func (o *Orchestrator) execute(ctx context.Context, cfg *config.Config, att *Attempt, plan []plannedCall, wantStream bool) (*upstreamResult, error) {
	for att.Number = 1; att.Number <= cfg.MaxAttempts; att.Number++ {
		token, ok := o.pool.GetToken()
		if !ok {
			break
		}
		att.Token = token

		res, v, err := o.tryPlan(ctx, att, token, plan, wantStream)
		switch v {
		case verdictSuccess:
			o.logger.WithFields(att.fields()).Infof("✅ Success on attempt %d/%d", att.Number, cfg.MaxAttempts)
			return res, nil
		case verdictFatal:
			o.logger.WithFields(att.fields()).Warnf("❌ Not retryable: %v", err)
			return nil, err
		}
	}
	if att.Number > cfg.MaxAttempts {
		att.Number = cfg.MaxAttempts
	}

	o.logger.WithFields(att.fields()).Errorf("💀 Failed: all %d attempts exhausted", cfg.MaxAttempts)
	return nil, att.exhaustedError()
}

// tryPlan 一次尝试：按计划顺序调用，仅在"未实现"时切换到下一个接口
func (o *Orchestrator) tryPlan(ctx context.Context, att *Attempt, token string, plan []plannedCall, wantStream bool) (*upstreamResult, verdict, error) {
	for i, pc := range plan {
		res, v, err := o.callOnce(ctx, att, token, pc, wantStream)
		if v != verdictUnimplemented {
			return res, v, err
		}
		if i == len(plan)-1 {
			return nil, verdictFatal, err
		}
		o.logger.WithFields(att.fields()).Infof("🔁 Interface %s unimplemented upstream, falling back to %s", pc.name, plan[i+1].name)
	}
	return nil, verdictFatal, NewServerError("empty call plan", nil)
}

// callOnce 执行单次上游调用并分类结果
func (o *Orchestrator) callOnce(ctx context.Context, att *Attempt, token string, pc plannedCall, wantStream bool) (*upstreamResult, verdict, error) {
	att.Interface = pc.call.Interface
	o.logger.WithFields(att.fields()).Infof("🎯 Attempt %d via %s (%s)", att.Number, pc.name, pc.call.Provider())

	resp, err := o.dispatcher.Call(ctx, token, pc.call)
	if err != nil {
		if ctx.Err() != nil {
			o.metrics.RecordAttempt(pc.name, "canceled", 0)
			return nil, verdictFatal, NewServerError("request canceled", ctx.Err())
		}
		o.logger.WithFields(att.fields()).Warnf("⚠️ Transport error: %v", err)
		o.report(token, Failure(StatusNetworkError, err.Error()))
		att.fail(StatusNetworkError, err.Error(), false)
		o.metrics.RecordAttempt(pc.name, "transport_error", 0)
		return nil, verdictRetry, nil
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Close()
		msg := failureMessage(body, resp.StatusCode)
		o.report(token, Failure(resp.StatusCode, msg))
		att.fail(resp.StatusCode, msg, true)

		if retryableStatus(resp.StatusCode) {
			o.logger.WithFields(att.fields()).Warnf("⚠️ Upstream %d %s - retrying with next token", resp.StatusCode, http.StatusText(resp.StatusCode))
			o.metrics.RecordAttempt(pc.name, "retryable_status", resp.Latency)
			return nil, verdictRetry, nil
		}
		o.metrics.RecordAttempt(pc.name, "fatal_status", resp.Latency)
		return nil, verdictFatal, NewUpstreamError(resp.StatusCode, msg)
	}

	if wantStream && resp.Incremental() {
		o.report(token, Success())
		o.metrics.RecordAttempt(pc.name, "success", resp.Latency)
		return &upstreamResult{stream: resp}, verdictSuccess, nil
	}

	body, err := resp.ReadBody()
	if err != nil {
		if ctx.Err() != nil {
			return nil, verdictFatal, NewServerError("request canceled", ctx.Err())
		}
		o.report(token, Failure(StatusNetworkError, err.Error()))
		att.fail(StatusNetworkError, err.Error(), false)
		o.metrics.RecordAttempt(pc.name, "transport_error", resp.Latency)
		return nil, verdictRetry, nil
	}
	if resp.Incremental() {
		body = collectIncremental(body)
	}

	if msg, failed := mapper.DetectFailure(body); failed {
		kind, status := classifyFailureMessage(msg)
		switch kind {
		case failureUnimplemented:
			o.metrics.RecordAttempt(pc.name, "unimplemented", resp.Latency)
			return nil, verdictUnimplemented, NewUpstreamError(http.StatusBadGateway, msg)
		case failureRetryable:
			o.logger.WithFields(att.fields()).Warnf("⚠️ Upstream failure envelope (%d): %s - retrying", status, truncate(msg, 120))
			o.report(token, Failure(status, msg))
			att.fail(status, msg, false)
			o.metrics.RecordAttempt(pc.name, "retryable_envelope", resp.Latency)
			return nil, verdictRetry, nil
		default:
			o.report(token, Failure(http.StatusBadGateway, msg))
			att.fail(http.StatusBadGateway, msg, false)
			o.metrics.RecordAttempt(pc.name, "fatal_envelope", resp.Latency)
			return nil, verdictFatal, NewUpstreamError(http.StatusBadGateway, msg)
		}
	}

	o.report(token, Success())
	o.metrics.RecordAttempt(pc.name, "success", resp.Latency)
	return &upstreamResult{body: body}, verdictSuccess, nil
}

func (o *Orchestrator) report(token string, outcome Outcome) {
	o.pool.ReportTokenResult(token, outcome)
	o.metrics.RecordTokenReport(outcome.OK)
}

// finish 记录请求级指标与审计日志
func (o *Orchestrator) finish(att *Attempt, err error) {
	status, outcome, msg := http.StatusOK, "success", ""
	if err != nil {
		gwErr := AsGatewayError(err)
		status, outcome, msg = gwErr.Status, gwErr.Kind, gwErr.Message
	}
	o.metrics.RecordRequest(att.Endpoint, outcome)
	if o.recorder != nil {
		o.recorder.Log(att.auditRecord(status, msg))
	}
}

// retryableStatus 401/403/429/5xx 换凭证重试
func retryableStatus(status int) bool {
	return status == 401 || status == 403 || status == 429 || status >= 500
}

type failureKind int

const (
	failureSemantic failureKind = iota
	failureUnimplemented
	failureRetryable
)

// classifyFailureMessage 对负载内失败信息分类，可重试时给出等效状态码
func classifyFailureMessage(msg string) (failureKind, int) {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, unimplementedMarkers):
		return failureUnimplemented, 0
	case containsAny(lower, rateLimitMarkers):
		return failureRetryable, http.StatusTooManyRequests
	case containsAny(lower, transientMarkers):
		return failureRetryable, http.StatusServiceUnavailable
	case containsAny(lower, authMarkers):
		return failureRetryable, http.StatusUnauthorized
	default:
		return failureSemantic, 0
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// failureMessage 从错误响应体中提取可读信息
func failureMessage(body []byte, status int) string {
	if msg, ok := mapper.DetectFailure(body); ok {
		return msg
	}
	if v := gjson.GetBytes(body, "message"); v.Type == gjson.String {
		return v.String()
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Sprintf("upstream returned %d %s", status, http.StatusText(status))
	}
	return truncate(text, maxSurfacedMessageLen)
}

// collectIncremental 把增量 Body 聚合为一个 JSON 字符串，供非流式请求使用
func collectIncremental(body []byte) []byte {
	var sb strings.Builder
	for _, line := range bytes.Split(body, []byte("\n")) {
		payload, ok := streamPayload(line)
		if !ok {
			continue
		}
		if isDoneSentinel(payload) {
			break
		}
		text, structured := mapper.StreamText(payload)
		if !structured {
			text = string(payload)
		}
		sb.WriteString(text)
	}
	out, err := json.Marshal(sb.String())
	if err != nil {
		return body
	}
	return out
}

// buildCompletion 把上游结果组装为 OpenAI 聊天响应
func buildCompletion(body []byte, model string) *models.ChatCompletionResponse {
	result := mapper.UnwrapEnvelope(body)
	msg := models.ChatMessage{Role: "assistant", Content: mapper.ChatText(result)}
	finish := mapper.FinishReason(result)
	if calls := mapper.ToolCalls(result); len(calls) > 0 {
		msg.ToolCalls = calls
		finish = "tool_calls"
		if mapper.MatchChatShape(result) == mapper.ChatShapeOpaque {
			msg.Content = nil
		}
	}
	return &models.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChatCompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: finish,
		}},
	}
}
