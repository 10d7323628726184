package main

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"relay-gateway/config"
	"relay-gateway/core"
	"relay-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxLoggedBodyLen = 1000

// verifyAccessKey 校验访问密钥；未配置密钥时放行
// 每次请求读取当前配置，热重载后立即生效
func verifyAccessKey(store *config.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		key := store.Get().AccessKey
		if key == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				models.NewError("Missing or malformed Authorization header (expected Bearer <key>)", core.KindAuthentication))
			return
		}
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.NewError("Invalid access key", core.KindAuthentication))
			return
		}
		c.Next()
	}
}

// requestLoggerMiddleware 请求日志中间件，只记录错误响应
func requestLoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var bodyBytes []byte
		var readErr error
		if c.Request.Body != nil {
			bodyBytes, readErr = io.ReadAll(c.Request.Body)
			c.Request.Body.Close()
			if readErr != nil {
				log.Errorf("Failed to read request body: %v", readErr)
			}
			// 重新设置请求体，以便后续处理器可以读取
			c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		c.Next()

		statusCode := c.Writer.Status()
		if statusCode < 400 {
			log.Debugf("Request processed - %s %s (status: %d, latency: %v)",
				c.Request.Method, c.Request.URL.Path, statusCode, time.Since(start))
			return
		}

		fields := logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"query":      c.Request.URL.RawQuery,
			"status":     statusCode,
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}
		if readErr != nil {
			fields["body_read_error"] = readErr.Error()
		}
		if len(bodyBytes) > 0 && c.Request.Method == http.MethodPost {
			bodyStr := string(bodyBytes)
			if len(bodyStr) > maxLoggedBodyLen {
				bodyStr = bodyStr[:maxLoggedBodyLen] + "...(truncated)"
			}
			fields["request_body"] = bodyStr
			fields["body_size"] = len(bodyBytes)
		}

		entry := log.WithFields(fields)
		if statusCode >= 500 {
			entry.Error("Server error")
		} else {
			entry.Warn("Client error")
		}
	}
}

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// client 包装限流器及其最后访问时间
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 按 IP 限流，定期清理不活跃的 IP
type IPRateLimiter struct {
	clients map[string]*client
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	quit    chan struct{}
	once    sync.Once
}

// NewIPRateLimiter 创建限流器；burst 小于 1 时取 rps 向上取整
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	if burst < 1 {
		burst = int(rps)
		if float64(burst) < rps {
			burst++
		}
		if burst < 1 {
			burst = 1
		}
	}
	i := &IPRateLimiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(rps),
		burst:   burst,
		quit:    make(chan struct{}),
	}
	go i.cleanupClients()
	return i
}

// Allow 判断该 IP 当前请求是否放行
func (i *IPRateLimiter) Allow(ip string) bool {
	i.mu.Lock()
	c, exists := i.clients[ip]
	if !exists {
		c = &client{limiter: rate.NewLimiter(i.rate, i.burst)}
		i.clients[ip] = c
	}
	c.lastSeen = time.Now()
	i.mu.Unlock()
	return c.limiter.Allow()
}

// cleanupClients 每分钟清理一次超过 3 分钟未活跃的 IP
func (i *IPRateLimiter) cleanupClients() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-i.quit:
			return
		case <-ticker.C:
			i.mu.Lock()
			for ip, c := range i.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(i.clients, ip)
				}
			}
			i.mu.Unlock()
		}
	}
}

// Stop 停止后台清理
func (i *IPRateLimiter) Stop() {
	i.once.Do(func() { close(i.quit) })
}

// rateLimitMiddleware IP 限流中间件；limiter 为 nil 时不限流
func rateLimitMiddleware(limiter *IPRateLimiter, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		clientIP := c.ClientIP()
		if !limiter.Allow(clientIP) {
			log.Warnf("Rate limit exceeded for IP: %s", clientIP)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.NewError("Too Many Requests", core.KindRateLimit))
			return
		}
		c.Next()
	}
}
