// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 摄取指标
	spansReceived   *prometheus.CounterVec
	spansDropped    *prometheus.CounterVec
	batchesRejected *prometheus.CounterVec
	ingestDuration  *prometheus.HistogramVec
	tracedCost      prometheus.Counter
	tracedTokens    *prometheus.CounterVec

	// 配额指标
	quotaChecks *prometheus.CounterVec

	// 队列与 Worker 指标
	queuePublish   *prometheus.CounterVec
	workerBatches  *prometheus.CounterVec
	workerDuration prometheus.Histogram

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "path"},
	)

	// 摄取指标
	c.spansReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_received_total",
			Help:      "Total number of spans accepted for ingestion",
		},
		[]string{"transport"},
	)

	c.spansDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_dropped_total",
			Help:      "Total number of spans dropped before publishing",
		},
		[]string{"reason"},
	)

	c.batchesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_rejected_total",
			Help:      "Total number of rejected ingestion batches",
		},
		[]string{"reason"},
	)

	c.ingestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time spent processing one ingestion batch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	c.tracedCost = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traced_cost_total",
			Help:      "Sum of root span cumulative cost accepted for ingestion",
		},
	)

	c.tracedTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traced_tokens_total",
			Help:      "Sum of root span cumulative tokens accepted for ingestion",
		},
		[]string{"type"},
	)

	// 配额指标
	c.quotaChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_checks_total",
			Help:      "Total number of quota checks",
		},
		[]string{"layer", "result"},
	)

	// 队列与 Worker 指标
	c.queuePublish = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_publish_total",
			Help:      "Total number of batches published to the ingestion queue",
		},
		[]string{"driver", "status"},
	)

	c.workerBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_batches_total",
			Help:      "Total number of batches handled by the persistence worker",
		},
		[]string{"status"},
	)

	c.workerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_batch_duration_seconds",
			Help:      "Time spent persisting one batch",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📥 摄取指标记录
// =============================================================================

// RecordIngest 记录一次成功的批次摄取
func (c *Collector) RecordIngest(transport string, accepted, dropped int, duration time.Duration) {
	c.spansReceived.WithLabelValues(transport).Add(float64(accepted))
	if dropped > 0 {
		c.spansDropped.WithLabelValues("normalization").Add(float64(dropped))
	}
	c.ingestDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordBatchRejected 记录被拒绝的批次
func (c *Collector) RecordBatchRejected(reason string) {
	c.batchesRejected.WithLabelValues(reason).Inc()
}

// RecordSpansDropped 记录丢弃的 Span
func (c *Collector) RecordSpansDropped(reason string, n int) {
	c.spansDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordTracedUsage 记录根 Span 汇总后的成本与 token
func (c *Collector) RecordTracedUsage(cost float64, promptTokens, completionTokens int64) {
	if cost > 0 {
		c.tracedCost.Add(cost)
	}
	if promptTokens > 0 {
		c.tracedTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.tracedTokens.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// =============================================================================
// 🎫 配额指标记录
// =============================================================================

// RecordQuotaCheck 记录配额检查，layer 为 soft/hard，result 为 allowed/denied/error
func (c *Collector) RecordQuotaCheck(layer, result string) {
	c.quotaChecks.WithLabelValues(layer, result).Inc()
}

// =============================================================================
// 📨 队列与 Worker 指标记录
// =============================================================================

// RecordQueuePublish 记录队列发布
func (c *Collector) RecordQueuePublish(driver string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.queuePublish.WithLabelValues(driver, status).Inc()
}

// RecordWorkerBatch 记录 Worker 处理结果
func (c *Collector) RecordWorkerBatch(status string, duration time.Duration) {
	c.workerBatches.WithLabelValues(status).Inc()
	c.workerDuration.Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
