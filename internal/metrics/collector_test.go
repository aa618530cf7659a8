package metrics

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.spansReceived)
	assert.NotNil(t, collector.quotaChecks)
	assert.NotNil(t, collector.queuePublish)
	assert.NotNil(t, collector.workerBatches)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("POST", "/v1/traces", 200, 100*time.Millisecond, 1024, 16)
	collector.RecordHTTPRequest("POST", "/v1/traces", 413, 5*time.Millisecond, 1<<23, 32)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.httpRequestsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/v1/traces", "4xx")))
}

func TestCollector_RecordIngest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordIngest("http", 9, 1, 20*time.Millisecond)
	collector.RecordIngest("grpc", 3, 0, 10*time.Millisecond)

	assert.Equal(t, float64(9), testutil.ToFloat64(collector.spansReceived.WithLabelValues("http")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.spansDropped.WithLabelValues("normalization")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.ingestDuration))
}

func TestCollector_RecordBatchRejected(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordBatchRejected("quota")
	collector.RecordBatchRejected("quota")
	collector.RecordBatchRejected("too_large")

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.batchesRejected.WithLabelValues("quota")))
}

func TestCollector_RecordTracedUsage(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordTracedUsage(0.003, 15, 0)

	assert.InDelta(t, 0.003, testutil.ToFloat64(collector.tracedCost), 1e-12)
	assert.Equal(t, float64(15), testutil.ToFloat64(collector.tracedTokens.WithLabelValues("prompt")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.tracedTokens))
}

func TestCollector_RecordQuotaAndQueue(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordQuotaCheck("soft", "allowed")
	collector.RecordQuotaCheck("hard", "denied")
	collector.RecordQueuePublish("redis", nil)
	collector.RecordQueuePublish("redis", errors.New("down"))
	collector.RecordWorkerBatch("persisted", time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.quotaChecks))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.queuePublish.WithLabelValues("redis", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.workerBatches.WithLabelValues("persisted")))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("quota")
	collector.RecordCacheMiss("quota")

	assert.Greater(t, testutil.CollectAndCount(collector.cacheHits), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.cacheMisses), 0)
}

func TestCollector_RecordDatabase(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBQuery("postgres", "upsert", 20*time.Millisecond)
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("POST", "/v1/traces", 200, 100*time.Millisecond, 1024, 16)
			collector.RecordIngest("http", 1, 0, time.Millisecond)
			collector.RecordCacheHit("quota")
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.spansReceived.WithLabelValues("http")))
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.cacheHits.WithLabelValues("quota")))
}
