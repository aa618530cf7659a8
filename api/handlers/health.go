package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/spanflow/internal/cache"
	"github.com/BaSui01/spanflow/internal/database"
	"github.com/BaSui01/spanflow/queue"
)

// =============================================================================
// 🏥 存活与就绪检查
// =============================================================================

// 就绪状态
const (
	StatusReady       = "ready"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// 单项检查状态
const (
	CheckPass = "pass"
	CheckWarn = "warn"
	CheckFail = "fail"
)

const defaultReadyTimeout = 5 * time.Second

// DependencyCheck 摄取链路依赖（Redis、数据库、队列）的就绪检查
type DependencyCheck interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Latency string         `json:"latency,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ReadinessResponse /ready 响应
type ReadinessResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// HealthHandler 存活与就绪处理器
type HealthHandler struct {
	logger  *zap.Logger
	timeout time.Duration
	checks  []DependencyCheck
}

// NewHealthHandler 创建处理器，checks 在每次就绪请求时并发执行
func NewHealthHandler(logger *zap.Logger, checks ...DependencyCheck) *HealthHandler {
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		timeout: defaultReadyTimeout,
		checks:  checks,
	}
}

// WithTimeout 设置就绪检查的总超时
func (h *HealthHandler) WithTimeout(d time.Duration) *HealthHandler {
	h.timeout = d
	return h
}

// HandleLive 处理 /health 与 /healthz，进程能响应即存活
func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now()})
}

// HandleReady 处理 /ready 与 /readyz。
// 任一检查失败返回 503；只有告警（例如队列积压）时返回 200，状态为 degraded。
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results := make([]CheckResult, len(h.checks))
	var g errgroup.Group
	for i, check := range h.checks {
		g.Go(func() error {
			start := time.Now()
			res := check.Check(ctx)
			res.Latency = time.Since(start).String()
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	resp := ReadinessResponse{
		Status:    StatusReady,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(h.checks)),
	}
	for i, check := range h.checks {
		res := results[i]
		resp.Checks[check.Name()] = res
		switch res.Status {
		case CheckFail:
			resp.Status = StatusUnavailable
			h.logger.Warn("readiness check failed", zap.String("check", check.Name()), zap.String("message", res.Message))
		case CheckWarn:
			if resp.Status == StatusReady {
				resp.Status = StatusDegraded
			}
		}
	}

	status := http.StatusOK
	if resp.Status == StatusUnavailable {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// =============================================================================
// 🔧 依赖检查
// =============================================================================

type namedCheck struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func (c namedCheck) Name() string                          { return c.name }
func (c namedCheck) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

func failed(err error) CheckResult {
	return CheckResult{Status: CheckFail, Message: err.Error()}
}

// RedisStats 配额缓存与 Redis Streams 共用的连接
type RedisStats interface {
	Ping(ctx context.Context) error
	GetStats(ctx context.Context) (*cache.Stats, error)
}

// RedisCheck Ping 失败即不可用；统计信息只作为附加详情
func RedisCheck(c RedisStats) DependencyCheck {
	return namedCheck{name: "redis", fn: func(ctx context.Context) CheckResult {
		if err := c.Ping(ctx); err != nil {
			return failed(err)
		}
		stats, err := c.GetStats(ctx)
		if err != nil {
			return CheckResult{Status: CheckPass, Message: "stats unavailable"}
		}
		return CheckResult{Status: CheckPass, Details: map[string]any{
			"connections": stats.Connections,
			"keys":        stats.Keys,
			"used_memory": stats.UsedMemory,
		}}
	}}
}

// DatabasePool 计量与 Span 存储使用的连接池
type DatabasePool interface {
	Ping(ctx context.Context) error
	GetStats() database.PoolStats
}

// DatabaseCheck 检查连接池可用并报告连接使用情况
func DatabaseCheck(db DatabasePool) DependencyCheck {
	return namedCheck{name: "database", fn: func(ctx context.Context) CheckResult {
		if err := db.Ping(ctx); err != nil {
			return failed(err)
		}
		stats := db.GetStats()
		return CheckResult{Status: CheckPass, Details: map[string]any{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"wait_count":       stats.WaitCount,
		}}
	}}
}

// QueueCheck 报告消费端积压。积压（pending + lag）超过 warnBacklog 时告警，
// warnBacklog 为 0 不告警。ping 可为 nil。
func QueueCheck(driver string, inspector queue.Inspector, warnBacklog int64, ping func(ctx context.Context) error) DependencyCheck {
	return namedCheck{name: "queue", fn: func(ctx context.Context) CheckResult {
		if ping != nil {
			if err := ping(ctx); err != nil {
				return failed(err)
			}
		}
		backlog, err := inspector.Backlog(ctx)
		if err != nil {
			return failed(err)
		}

		res := CheckResult{Status: CheckPass, Details: map[string]any{
			"driver":  driver,
			"pending": backlog.Pending,
			"lag":     backlog.Lag,
		}}
		// lag 为 -1 表示无法确定
		total := backlog.Pending + max(backlog.Lag, 0)
		if warnBacklog > 0 && total > warnBacklog {
			res.Status = CheckWarn
			res.Message = fmt.Sprintf("backlog %d exceeds %d", total, warnBacklog)
		}
		return res
	}}
}
