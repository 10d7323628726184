package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relay-gateway/core"
	"relay-gateway/models"

	"github.com/gin-gonic/gin"
)

const (
	gatewayName           = "Relay Gateway"
	defaultRecentRequests = 100
)

// renderError 把核心错误渲染为 OpenAI 风格的错误响应
func renderError(c *gin.Context, err error) {
	gwErr := core.AsGatewayError(err)
	c.JSON(gwErr.Status, models.ErrorResponse{
		Error: models.ErrorDetail{
			Message:  gwErr.Message,
			Type:     gwErr.Kind,
			Upstream: gwErr.Raw,
		},
	})
}

func invalidRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, models.NewError(message, core.KindInvalidRequest))
}

// validateChatRequest 校验聊天请求，错误信息指明字段
func validateChatRequest(req *models.ChatCompletionRequest) error {
	if len(req.Messages) == 0 {
		return errors.New("messages: must be a non-empty array")
	}
	for i, m := range req.Messages {
		if strings.TrimSpace(m.Role) == "" {
			return fmt.Errorf("messages[%d].role: is required", i)
		}
	}
	return nil
}

// handleChatCompletions 处理聊天请求；stream=true 时以 SSE 输出
func handleChatCompletions(gw *gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ChatCompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidRequest(c, "invalid JSON body: "+err.Error())
			return
		}
		if err := validateChatRequest(&req); err != nil {
			invalidRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()
		outcome, err := gw.orchestrator.Chat(ctx, &req)
		if err != nil {
			renderError(c, err)
			return
		}

		if !req.Stream {
			c.JSON(http.StatusOK, outcome.Completion)
			return
		}

		core.SetStreamHeaders(c.Writer.Header())
		c.Status(http.StatusOK)
		relay := core.NewStreamRelay(gw.store.Get().HeartbeatInterval, gw.log, gw.metrics)

		if outcome.Stream != nil {
			err = relay.Relay(ctx, c.Writer, outcome.Stream.Body, outcome.Model)
		} else {
			err = relay.EmitCompletion(c.Writer, outcome.Completion)
		}
		if err != nil && ctx.Err() == nil {
			gw.log.Errorf("❌ Stream %s ended with error: %v", outcome.RequestID, err)
		}
	}
}

// handleEmbeddings 处理向量请求
func handleEmbeddings(gw *gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.EmbeddingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidRequest(c, "invalid JSON body: "+err.Error())
			return
		}

		resp, err := gw.orchestrator.Embeddings(c.Request.Context(), &req)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleListModels 模型列表，永不失败
func handleListModels(gw *gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := strings.TrimSpace(c.Query("provider"))
		c.JSON(http.StatusOK, models.ModelList{
			Object: "list",
			Data:   gw.orchestrator.ListModels(c.Request.Context(), provider),
		})
	}
}

// handleRoot 处理根路径请求
func handleRoot(gw *gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name": gatewayName,
			"endpoints": gin.H{
				"chat":       "/v1/chat/completions",
				"embeddings": "/v1/embeddings",
				"models":     "/v1/models",
				"health":     "/health",
				"metrics":    "/metrics",
			},
			"tokens":    gw.pool.Len(),
			"timestamp": time.Now().Unix(),
		})
	}
}

// handleHealth 健康检查：进程存活即 200，凭证全部冷却时标记 degraded
func handleHealth(gw *gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		gw.pool.Sync(gw.store.Get().Tokens)
		total, disabled := gw.pool.Len(), gw.pool.DisabledCount()

		status := "healthy"
		if total == 0 || disabled == total {
			status = "degraded"
		}
		c.JSON(http.StatusOK, models.HealthResponse{
			Status:         status,
			Gateway:        gatewayName,
			Tokens:         total,
			DisabledTokens: disabled,
			Timestamp:      time.Now().Unix(),
		})
	}
}

// handleListTokens 脱敏后的凭证池状态
func handleListTokens(gw *gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		gw.pool.Sync(gw.store.Get().Tokens)
		c.JSON(http.StatusOK, gin.H{
			"total":    gw.pool.Len(),
			"disabled": gw.pool.DisabledCount(),
			"tokens":   gw.pool.Snapshot(),
		})
	}
}

// handleRecentRequests 最近的请求审计记录
func handleRecentRequests(gw *gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gw.audit == nil {
			c.JSON(http.StatusNotFound, models.NewError("request audit log is disabled (set GATEWAY_DB_PATH)", core.KindInvalidRequest))
			return
		}

		limit := defaultRecentRequests
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				invalidRequest(c, "limit: must be a positive integer")
				return
			}
			limit = n
		}

		logs, err := gw.audit.Recent(limit)
		if err != nil {
			renderError(c, core.NewServerError("failed to read request log", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": logs, "count": len(logs)})
	}
}

// handleRunHealthCheck 立即执行一轮凭证健康检查；?all=true 探测全部凭证
func handleRunHealthCheck(gw *gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		all, _ := strconv.ParseBool(c.Query("all"))
		report, ran := gw.checker.RunOnce(c.Request.Context(), all)
		if !ran {
			c.JSON(http.StatusConflict, models.NewError("a health check is already running", core.KindInvalidRequest))
			return
		}
		gw.log.Infof("🩺 Manual health check: checked=%d recovered=%d failed=%d", report.Checked, report.Recovered, report.Failed)
		c.JSON(http.StatusOK, gin.H{
			"report": report,
			"tokens": gw.pool.Snapshot(),
		})
	}
}
