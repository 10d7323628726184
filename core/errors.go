package core

import (
	"errors"
	"fmt"
	"net/http"

	"relay-gateway/core/utils"
)

// 错误类别（对外的 error.type）
const (
	KindUpstream       = "upstream_error"
	KindServer         = "server_error"
	KindInvalidRequest = "invalid_request_error"
	KindAuthentication = "authentication_error"
	KindRateLimit      = "rate_limit_error"
)

const maxSurfacedMessageLen = 500

// ErrNoTokens 未配置任何上游凭证
var ErrNoTokens = errors.New("no upstream credentials configured")

// GatewayError 穿过核心边界的唯一错误类型
// Raw 仅在上游负载无法识别时携带原始内容，便于排查
type GatewayError struct {
	Status  int
	Kind    string
	Message string
	Raw     string
	cause   error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.cause
}

// NewUpstreamError 上游错误，消息截断后原样透出
func NewUpstreamError(status int, message string) *GatewayError {
	if status < 400 {
		status = http.StatusBadGateway
	}
	return &GatewayError{Status: status, Kind: KindUpstream, Message: truncate(message, maxSurfacedMessageLen)}
}

// NewServerError 网关自身错误
func NewServerError(message string, cause error) *GatewayError {
	return &GatewayError{Status: http.StatusInternalServerError, Kind: KindServer, Message: message, cause: cause}
}

// AsGatewayError 将任意错误转换为 GatewayError
func AsGatewayError(err error) *GatewayError {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return NewServerError(err.Error(), err)
}

func truncate(s string, n int) string {
	return utils.TruncateString(s, n)
}
