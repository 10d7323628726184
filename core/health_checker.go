package core

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"relay-gateway/config"
	"relay-gateway/core/adapter"
	"relay-gateway/core/mapper"
	"relay-gateway/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const probeTimeout = 20 * time.Second

// CheckReport 一轮健康检查的结果
type CheckReport struct {
	Checked   int `json:"checked"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// HealthChecker 定时探测冷却中的凭证，探测成功即提前恢复
// 同一时刻最多运行一轮（定时与手动触发共用同一把原子锁）
type HealthChecker struct {
	pool       *Pool
	dispatcher Dispatcher
	store      *config.Store
	logger     *logrus.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	started bool
	running atomic.Bool
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(pool *Pool, dispatcher Dispatcher, store *config.Store, logger *logrus.Logger) *HealthChecker {
	return &HealthChecker{
		pool:       pool,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(logger)),
			cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
		)),
	}
}

// Start 按 cron 表达式（支持 @every 5m）启动定时检查；schedule 为空时不启动
func (h *HealthChecker) Start(schedule string) error {
	if schedule == "" {
		h.logger.Info("Token health check disabled")
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}

	if _, err := h.cron.AddFunc(schedule, func() {
		report, ran := h.RunOnce(context.Background(), false)
		if ran && report.Checked > 0 {
			h.logger.Infof("🩺 Health check: checked=%d recovered=%d failed=%d", report.Checked, report.Recovered, report.Failed)
		}
	}); err != nil {
		return fmt.Errorf("invalid health check schedule %q: %w", schedule, err)
	}

	h.cron.Start()
	h.started = true
	h.logger.Infof("🩺 Token health check scheduled: %s", schedule)
	return nil
}

// Stop 停止调度并等待正在运行的检查结束
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return
	}
	<-h.cron.Stop().Done()
	h.started = false
}

// RunOnce 执行一轮检查；all=false 只探测冷却中的凭证
// 已有一轮在运行时直接返回 ran=false
func (h *HealthChecker) RunOnce(ctx context.Context, all bool) (CheckReport, bool) {
	if !h.running.CompareAndSwap(false, true) {
		return CheckReport{}, false
	}
	defer h.running.Store(false)

	cfg := h.store.Get()
	h.pool.Sync(cfg.Tokens)

	tokens := h.pool.DisabledTokens()
	if all {
		tokens = h.pool.Values()
	}

	var report CheckReport
	for _, token := range tokens {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		outcome := h.probe(ctx, cfg, token)
		h.pool.ReportTokenResult(token, outcome)
		if outcome.OK {
			report.Recovered++
		} else {
			report.Failed++
			h.logger.Debugf("Probe failed for %s: %d %s", models.MaskAPIKey(token), outcome.Status, outcome.Message)
		}
	}
	return report, true
}

// probe 用模型列表调用做轻量探测
func (h *HealthChecker) probe(ctx context.Context, cfg *config.Config, token string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := h.dispatcher.Call(ctx, token, adapter.ModelListCall(cfg.Upstream, ""))
	if err != nil {
		return Failure(StatusNetworkError, err.Error())
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Close()
	if err != nil {
		return Failure(StatusNetworkError, err.Error())
	}
	if resp.StatusCode >= 400 {
		return Failure(resp.StatusCode, failureMessage(body, resp.StatusCode))
	}
	if msg, failed := mapper.DetectFailure(body); failed {
		_, status := classifyFailureMessage(msg)
		if status == 0 {
			status = 502
		}
		return Failure(status, msg)
	}
	return Success()
}
