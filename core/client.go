package core

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient 创建上游调用使用的 HTTP Client
// 不设全局超时，由请求 Context 控制；流式响应可能持续数分钟
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 60 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 120 * time.Second, // 等待首字节超时
			// Accept-Encoding 由 Dispatcher 显式声明并自行解码
			DisableCompression: true,
		},
	}
}
