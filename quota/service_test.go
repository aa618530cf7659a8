package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/spanflow/internal/cache"
)

// =============================================================================
// 🧪 测试替身
// =============================================================================

// memoryMeters 记录调用次数的内存计量存储
type memoryMeters struct {
	mu      sync.Mutex
	values  map[MeterKey]int64
	charges map[uuid.UUID]struct{}
	gets    atomic.Int64
	adjusts atomic.Int64
	err     error
}

func newMemoryMeters() *memoryMeters {
	return &memoryMeters{values: make(map[MeterKey]int64), charges: make(map[uuid.UUID]struct{})}
}

func (m *memoryMeters) Get(_ context.Context, key MeterKey) (int64, error) {
	m.gets.Add(1)
	if m.err != nil {
		return 0, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memoryMeters) Adjust(_ context.Context, key MeterKey, delta int64, limit *int64) (int64, bool, error) {
	m.adjusts.Add(1)
	if m.err != nil {
		return 0, false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.values[key] + delta
	if limit != nil && next > *limit {
		return 0, false, nil
	}
	m.values[key] = next
	return next, true, nil
}

func (m *memoryMeters) AdjustOnce(ctx context.Context, key MeterKey, chargeID uuid.UUID, delta int64, limit *int64) (int64, bool, error) {
	m.mu.Lock()
	_, charged := m.charges[chargeID]
	m.mu.Unlock()
	if charged {
		value, err := m.Get(ctx, key)
		return value, err == nil, err
	}
	value, ok, err := m.Adjust(ctx, key, delta, limit)
	if err == nil && ok {
		m.mu.Lock()
		m.charges[chargeID] = struct{}{}
		m.mu.Unlock()
	}
	return value, ok, err
}

// countingCache 统计缓存写入次数
type countingCache struct {
	Cache
	sets    atomic.Int64
	deletes atomic.Int64
}

func (c *countingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.sets.Add(1)
	return c.Cache.Set(ctx, key, value, ttl)
}

func (c *countingCache) Delete(ctx context.Context, keys ...string) error {
	c.deletes.Add(1)
	return c.Cache.Delete(ctx, keys...)
}

type staticSubs map[uuid.UUID]Subscription

func (s staticSubs) GetSubscription(_ context.Context, orgID uuid.UUID) (*Subscription, error) {
	sub, ok := s[orgID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

var fixedNow = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

func testCatalog(limit int64) Catalog {
	return Catalog{
		"test": {
			Name: "test",
			Quotas: map[Key]Quota{
				KeyTraces:       {Limit: Limit(limit), Monthly: true},
				KeyUsers:        {Limit: Limit(2)},
				KeyApplications: {},
			},
			Flags: map[Key]bool{KeyHooks: true},
		},
	}
}

type fixture struct {
	mr      *miniredis.Miniredis
	cache   *countingCache
	manager *cache.Manager
	meters  *memoryMeters
	service *Service
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	manager, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	cc := &countingCache{Cache: manager}
	meters := newMemoryMeters()
	cfg := Config{Enabled: true, CacheTTL: 24 * time.Hour, DefaultPlan: "test"}
	svc := NewService(meters, nil, cc, testCatalog(limit), cfg, zap.NewNop(), WithClock(func() time.Time { return fixedNow }))

	return &fixture{mr: mr, cache: cc, manager: manager, meters: meters, service: svc}
}

// =============================================================================
// 🧪 软检查
// =============================================================================

func TestSoftCheck_ColdCacheReadsDurableOnce(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	org := uuid.New()

	key := MeterKey{OrganizationID: org, Key: KeyTraces, Year: 2024, Month: 5}
	f.meters.values[key] = 40

	allowed, meter, err := f.service.Check(ctx, org, KeyTraces, 3, true)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(43), meter.Value)

	assert.Equal(t, int64(1), f.meters.gets.Load())
	assert.Equal(t, int64(1), f.cache.sets.Load())
	assert.Equal(t, int64(0), f.meters.adjusts.Load())
	assert.Equal(t, int64(40), f.meters.values[key])

	cached, err := f.mr.Get(key.CacheKey())
	require.NoError(t, err)
	assert.Equal(t, "43", cached)
	assert.Equal(t, 24*time.Hour, f.mr.TTL(key.CacheKey()))
}

func TestSoftCheck_WarmCacheSkipsDurable(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	org := uuid.New()

	key := MeterKey{OrganizationID: org, Key: KeyTraces, Year: 2024, Month: 5}
	require.NoError(t, f.mr.Set(key.CacheKey(), "98"))

	allowed, _, err := f.service.Check(ctx, org, KeyTraces, 2, true)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, meter, err := f.service.Check(ctx, org, KeyTraces, 1, true)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(100), meter.Value)

	assert.Equal(t, int64(0), f.meters.gets.Load())
	assert.Equal(t, int64(0), f.meters.adjusts.Load())
	// 放行写回一次，拒绝不写
	assert.Equal(t, int64(1), f.cache.sets.Load())
}

func TestSoftCheck_ColdCacheDenied(t *testing.T) {
	f := newFixture(t, 10)
	org := uuid.New()
	key := MeterKey{OrganizationID: org, Key: KeyTraces, Year: 2024, Month: 5}
	f.meters.values[key] = 10

	allowed, _, err := f.service.Check(context.Background(), org, KeyTraces, 1, true)
	require.NoError(t, err)
	assert.False(t, allowed)

	cached, err := f.mr.Get(key.CacheKey())
	require.NoError(t, err)
	assert.Equal(t, "10", cached)
}

func TestSoftCheck_MalformedCacheEntryTreatedAsCold(t *testing.T) {
	f := newFixture(t, 10)
	org := uuid.New()
	key := MeterKey{OrganizationID: org, Key: KeyTraces, Year: 2024, Month: 5}
	require.NoError(t, f.mr.Set(key.CacheKey(), "garbage"))

	allowed, _, err := f.service.Check(context.Background(), org, KeyTraces, 1, true)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), f.meters.gets.Load())
}

func TestSoftCheck_DurableErrorSurfaces(t *testing.T) {
	f := newFixture(t, 10)
	f.meters.err = errors.New("db down")

	_, _, err := f.service.Check(context.Background(), uuid.New(), KeyTraces, 1, true)
	assert.Error(t, err)
}

// =============================================================================
// 🧪 硬检查
// =============================================================================

func TestHardCheck_SyncsCache(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	org := uuid.New()
	key := MeterKey{OrganizationID: org, Key: KeyTraces, Year: 2024, Month: 5}

	allowed, meter, err := f.service.Check(ctx, org, KeyTraces, 5, false)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(5), meter.Value)

	cached, err := f.mr.Get(key.CacheKey())
	require.NoError(t, err)
	assert.Equal(t, "5", cached)

	allowed, _, err = f.service.Check(ctx, org, KeyTraces, 1, false)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.False(t, f.mr.Exists(key.CacheKey()))
	assert.Equal(t, int64(1), f.cache.deletes.Load())
	assert.Equal(t, int64(5), f.meters.values[key])
}

func TestHardCheck_GaugeHasNoPeriod(t *testing.T) {
	f := newFixture(t, 5)
	org := uuid.New()

	for i := 0; i < 2; i++ {
		allowed, meter, err := f.service.Check(context.Background(), org, KeyUsers, 1, false)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 0, meter.Year)
		assert.Equal(t, 0, meter.Month)
	}

	allowed, _, err := f.service.Check(context.Background(), org, KeyUsers, 1, false)
	require.NoError(t, err)
	assert.False(t, allowed)
}

// =============================================================================
// 🧪 无 I/O 路径
// =============================================================================

func TestCheck_NoIOPaths(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	org := uuid.New()

	allowed, meter, err := f.service.Check(ctx, org, KeyApplications, 100, true)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Nil(t, meter)

	allowed, _, err = f.service.Check(ctx, org, KeyHooks, 1, true)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = f.service.Check(ctx, org, KeyRBAC, 1, true)
	require.NoError(t, err)
	assert.False(t, allowed)

	disabled := NewService(f.meters, nil, f.cache, testCatalog(0), Config{Enabled: false}, zap.NewNop())
	allowed, _, err = disabled.Check(ctx, org, KeyTraces, 1_000, false)
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.Equal(t, int64(0), f.meters.gets.Load())
	assert.Equal(t, int64(0), f.meters.adjusts.Load())
	assert.Equal(t, int64(0), f.cache.sets.Load())
}

func TestCheck_SubscriptionAnchorAndPlan(t *testing.T) {
	f := newFixture(t, 5)
	org := uuid.New()
	catalog := testCatalog(5)
	catalog["big"] = Plan{Name: "big", Quotas: map[Key]Quota{KeyTraces: {Limit: Limit(1000), Monthly: true}}}

	svc := NewService(f.meters, staticSubs{org: {OrganizationID: org, Plan: "big", AnchorDay: 10}}, f.cache, catalog,
		Config{Enabled: true, DefaultPlan: "test", SubscriptionTTL: time.Minute}, zap.NewNop(),
		WithClock(func() time.Time { return fixedNow }))

	allowed, meter, err := svc.Check(context.Background(), org, KeyTraces, 500, false)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 2024, meter.Year)
	assert.Equal(t, 6, meter.Month)

	_, _, err = NewService(f.meters, staticSubs{org: {Plan: "missing"}}, f.cache, catalog,
		Config{Enabled: true}, zap.NewNop()).Check(context.Background(), org, KeyTraces, 1, false)
	assert.Error(t, err)
}

func TestSetCatalog_TakesEffectImmediately(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	org := uuid.New()

	allowed, _, err := f.service.Check(ctx, org, KeyTraces, 2, false)
	require.NoError(t, err)
	assert.False(t, allowed)

	f.service.SetCatalog(testCatalog(10))

	allowed, meter, err := f.service.Check(ctx, org, KeyTraces, 2, false)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(2), meter.Value)
}

// =============================================================================
// 🧪 Gate
// =============================================================================

func TestGate_SoftCheck(t *testing.T) {
	f := newFixture(t, 2)
	gate := NewGate(f.service, zap.NewNop())
	ctx := context.Background()
	org := uuid.New()

	require.NoError(t, gate.SoftCheck(ctx, org, 0))
	assert.Equal(t, int64(0), f.meters.gets.Load())

	require.NoError(t, gate.SoftCheck(ctx, org, 2))

	err := gate.SoftCheck(ctx, org, 1)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "reached monthly quota for traces", denied.Message())
}

func TestGate_SoftCheckFailsOpen(t *testing.T) {
	f := newFixture(t, 2)
	gate := NewGate(f.service, zap.NewNop())

	// 缓存不可用
	require.NoError(t, f.manager.Close())
	assert.NoError(t, gate.SoftCheck(context.Background(), uuid.New(), 1_000))
}

func TestGate_HardCheck(t *testing.T) {
	f := newFixture(t, 1)
	gate := NewGate(f.service, zap.NewNop())
	org := uuid.New()

	require.NoError(t, gate.HardCheck(context.Background(), org, uuid.New(), 1))

	var denied *DeniedError
	assert.ErrorAs(t, gate.HardCheck(context.Background(), org, uuid.New(), 1), &denied)

	f.meters.err = errors.New("db down")
	err := gate.HardCheck(context.Background(), org, uuid.New(), 1)
	require.Error(t, err)
	assert.False(t, errors.As(err, &denied))
}

func TestGate_HardCheckChargesBatchOnce(t *testing.T) {
	f := newFixture(t, 3)
	gate := NewGate(f.service, zap.NewNop())
	ctx := context.Background()
	org := uuid.New()
	batchID := uuid.New()

	for i := 0; i < 3; i++ {
		require.NoError(t, gate.HardCheck(ctx, org, batchID, 2))
	}

	year, month := PeriodFor(fixedNow, 0)
	v, err := f.meters.Get(ctx, MeterKey{OrganizationID: org, Key: KeyTraces, Year: year, Month: month})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// 其他批次照常计数
	var denied *DeniedError
	assert.ErrorAs(t, gate.HardCheck(ctx, org, uuid.New(), 2), &denied)
	require.NoError(t, gate.HardCheck(ctx, org, uuid.New(), 1))
}

func TestCheck_ConcurrentSoftAndHardNearLimit(t *testing.T) {
	const limit = 20
	f := newFixture(t, limit)
	ctx := context.Background()
	org := uuid.New()
	year, month := PeriodFor(fixedNow, 0)
	mk := MeterKey{OrganizationID: org, Key: KeyTraces, Year: year, Month: month}

	// 软检查与硬检查交替，硬检查总数超过上限
	var hardAllowed atomic.Int64
	var g errgroup.Group
	for i := 0; i < 3*limit; i++ {
		useCache := i%2 == 0
		g.Go(func() error {
			allowed, _, err := f.service.Check(ctx, org, KeyTraces, 1, useCache)
			if allowed && !useCache {
				hardAllowed.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	durable, err := f.meters.Get(ctx, mk)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), durable)
	assert.Equal(t, durable, hardAllowed.Load())

	// 拒绝使缓存失效，随后的软检查从持久层取值
	allowed, _, err := f.service.Check(ctx, org, KeyTraces, 1, false)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.False(t, f.mr.Exists(mk.CacheKey()))

	allowed, meter, err := f.service.Check(ctx, org, KeyTraces, 1, true)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, durable, meter.Value)
	cached, err := f.mr.Get(mk.CacheKey())
	require.NoError(t, err)
	assert.Equal(t, "20", cached)
}

func TestCheck_HardCheckResyncsInflatedCache(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	org := uuid.New()

	// 只有软检查时缓存乐观累加到上限，持久层仍为 0
	for i := 0; i < 5; i++ {
		allowed, _, err := f.service.Check(ctx, org, KeyTraces, 1, true)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, _, err := f.service.Check(ctx, org, KeyTraces, 1, true)
	require.NoError(t, err)
	assert.False(t, allowed)

	// 硬检查以持久值覆盖缓存，软检查恢复放行
	allowed, meter, err := f.service.Check(ctx, org, KeyTraces, 1, false)
	require.NoError(t, err)
	require.True(t, allowed)
	assert.Equal(t, int64(1), meter.Value)

	allowed, meter, err = f.service.Check(ctx, org, KeyTraces, 1, true)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(2), meter.Value)
}

func TestDeniedError_Messages(t *testing.T) {
	assert.Equal(t, "reached resource limit for users", (&DeniedError{Key: KeyUsers}).Message())
	assert.Equal(t, "feature rbac not entitled", (&DeniedError{Key: KeyRBAC}).Message())
	assert.Contains(t, (&DeniedError{Key: KeyTraces}).Error(), "monthly quota")
}

// =============================================================================
// 🧪 用量查询
// =============================================================================

func TestUsage(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	org := uuid.New()

	_, _, err := f.service.Check(ctx, org, KeyTraces, 5, false)
	require.NoError(t, err)
	_, _, err = f.service.Check(ctx, org, KeyUsers, 1, false)
	require.NoError(t, err)

	u, err := f.service.Usage(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, "test", u.Plan)

	byKey := make(map[Key]UsageEntry)
	for _, e := range u.Entries {
		byKey[e.Key] = e
	}
	require.Len(t, byKey, 4)

	traces := byKey[KeyTraces]
	assert.Equal(t, int64(5), traces.Value)
	assert.False(t, traces.Allowed)
	assert.Equal(t, 2024, traces.Year)
	assert.Equal(t, 5, traces.Month)

	users := byKey[KeyUsers]
	assert.Equal(t, int64(1), users.Value)
	assert.True(t, users.Allowed)
	assert.Zero(t, users.Month)

	assert.True(t, byKey[KeyApplications].Allowed)
	assert.Nil(t, byKey[KeyApplications].Limit)
	assert.Equal(t, "flag", byKey[KeyHooks].Kind)
	assert.True(t, byKey[KeyHooks].Allowed)
}
