package core

import (
	"net/http"
	"time"

	"relay-gateway/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Attempt 单个入站请求的重试上下文，请求结束即丢弃，不跨请求共享
type Attempt struct {
	RequestID string
	Endpoint  string
	Model     string
	Route     Route
	Interface string
	Stream    bool
	Number    int
	Token     string

	LastStatus     int
	LastMessage    string
	lastHTTPStatus int
	start          time.Time
}

func newAttempt(endpoint, model string, route Route, stream bool) *Attempt {
	return &Attempt{
		RequestID: uuid.NewString(),
		Endpoint:  endpoint,
		Model:     model,
		Route:     route,
		Stream:    stream,
		start:     time.Now(),
	}
}

// fail 记录最近一次失败；fromHTTP 表示 status 是上游真实返回的 HTTP 状态码
func (a *Attempt) fail(status int, message string, fromHTTP bool) {
	a.LastStatus = status
	a.LastMessage = message
	if fromHTTP {
		a.lastHTTPStatus = status
	}
}

// exhaustedError 所有尝试用尽后对外返回的错误
func (a *Attempt) exhaustedError() *GatewayError {
	if a.LastMessage == "" {
		return NewUpstreamError(http.StatusBadGateway, "all credentials failed")
	}
	status := http.StatusBadGateway
	if a.lastHTTPStatus >= 400 {
		status = a.lastHTTPStatus
	}
	return NewUpstreamError(status, a.LastMessage)
}

func (a *Attempt) fields() logrus.Fields {
	return logrus.Fields{
		"request_id": a.RequestID,
		"attempt":    a.Number,
		"service":    a.Route.Service,
		"interface":  a.Interface,
		"token":      models.MaskAPIKey(a.Token),
	}
}

// auditRecord 审计日志条目
func (a *Attempt) auditRecord(status int, errMsg string) *models.RequestLog {
	rec := &models.RequestLog{
		RequestID:  a.RequestID,
		Endpoint:   a.Endpoint,
		Model:      a.Model,
		Service:    a.Route.Service,
		Interface:  a.Interface,
		Attempts:   a.Number,
		StatusCode: status,
		Duration:   time.Since(a.start).Milliseconds(),
		Stream:     a.Stream,
		ErrorMsg:   truncate(errMsg, maxErrorMessageLen),
	}
	if a.Token != "" {
		rec.Token = models.MaskAPIKey(a.Token)
	}
	return rec
}
