package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"relay-gateway/config"
	"relay-gateway/models"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

const userAgent = "Relay-Gateway/1.0"

// UpstreamResponse 上游响应，Body 已按 Content-Encoding 解码
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Host       string
	Latency    time.Duration
}

// ContentType 上游声明的内容类型
func (r *UpstreamResponse) ContentType() string {
	return strings.ToLower(r.Header.Get("Content-Type"))
}

// Incremental 上游是否返回了增量（流式）Body，以声明的内容类型为准
func (r *UpstreamResponse) Incremental() bool {
	ct := r.ContentType()
	for _, marker := range []string{"text/event-stream", "ndjson", "jsonl", "text/plain"} {
		if strings.Contains(ct, marker) {
			return true
		}
	}
	return false
}

// ReadBody 读取完整 Body 并关闭
func (r *UpstreamResponse) ReadBody() ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// Close 关闭 Body
func (r *UpstreamResponse) Close() error {
	return r.Body.Close()
}

// HTTPDispatcher 通过 HTTP 调用上游 drivers 接口
// 按配置顺序尝试各 Host，第一个返回任何 HTTP 响应的 Host 胜出
type HTTPDispatcher struct {
	client  *http.Client
	store   *config.Store
	logger  *logrus.Logger
	metrics *Metrics
}

// NewHTTPDispatcher 创建 Dispatcher
func NewHTTPDispatcher(client *http.Client, store *config.Store, logger *logrus.Logger, metrics *Metrics) *HTTPDispatcher {
	if client == nil {
		client = NewHTTPClient()
	}
	return &HTTPDispatcher{
		client:  client,
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// Call 发送一次上游调用
// 传输层错误会落到下一个 Host；全部失败时返回最后一个传输错误
func (d *HTTPDispatcher) Call(ctx context.Context, token string, call *models.DriverCall) (*UpstreamResponse, error) {
	payload, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream call: %w", err)
	}

	upstream := d.store.Get().Upstream
	if len(upstream.Hosts) == 0 {
		return nil, errors.New("no upstream hosts configured")
	}

	var lastErr error
	for _, host := range upstream.Hosts {
		target := host + upstream.CallPath
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			lastErr = fmt.Errorf("failed to create request for %s: %w", host, err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept-Encoding", "zstd, gzip")
		req.Header.Set("User-Agent", userAgent)

		start := time.Now()
		resp, err := d.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.logger.Warnf("⚠️ Upstream host %s unreachable: %v", host, err)
			d.metrics.RecordHostFailure(host)
			lastErr = err
			continue
		}

		body, err := decodeBody(resp)
		if err != nil {
			resp.Body.Close()
			d.logger.Warnf("⚠️ Upstream host %s sent undecodable body: %v", host, err)
			d.metrics.RecordHostFailure(host)
			lastErr = err
			continue
		}

		return &UpstreamResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
			Host:       host,
			Latency:    time.Since(start),
		}, nil
	}
	return nil, fmt.Errorf("all upstream hosts failed: %w", lastErr)
}

// decodeBody 按 Content-Encoding 包装解码器
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		resp.Header.Del("Content-Encoding")
		return &decodedBody{Reader: zr, close: func() error {
			zr.Close()
			return resp.Body.Close()
		}}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd body: %w", err)
		}
		resp.Header.Del("Content-Encoding")
		return &decodedBody{Reader: zr, close: func() error {
			zr.Close()
			return resp.Body.Close()
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

type decodedBody struct {
	io.Reader
	close func() error
}

func (b *decodedBody) Close() error {
	return b.close()
}
