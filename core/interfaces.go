package core

import (
	"context"

	"relay-gateway/models"
)

// Dispatcher 抽象上游调用 (便于测试替换)
// 一次 Call 内部完成多 Host 的顺序故障转移
type Dispatcher interface {
	Call(ctx context.Context, token string, call *models.DriverCall) (*UpstreamResponse, error)
}

// RequestRecorder 请求审计日志的写入端
// AsyncRequestLogger 实现此接口；未启用数据库时注入 nil
type RequestRecorder interface {
	Log(entry *models.RequestLog)
}
