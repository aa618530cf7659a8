package quota

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/internal/cache"
	"github.com/BaSui01/spanflow/internal/metrics"
)

// Cache 软检查使用的缓存，Get 未命中时返回 cache.ErrCacheMiss
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Config 配额服务配置
type Config struct {
	// 关闭时所有检查直接放行
	Enabled bool

	// 软检查缓存过期时间
	CacheTTL time.Duration

	// 无订阅记录时使用的计划
	DefaultPlan string

	// 订阅信息进程内缓存时间
	SubscriptionTTL time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		CacheTTL:        24 * time.Hour,
		DefaultPlan:     "hobby",
		SubscriptionTTL: time.Minute,
	}
}

// Option 服务选项
type Option func(*Service)

// WithMetrics 记录检查结果
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// =============================================================================
// 🎫 配额服务
// =============================================================================

// Service 配额检查服务
type Service struct {
	meters  MeterStore
	subs    SubscriptionStore
	cache   Cache
	catalog atomic.Pointer[Catalog]
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	subMu    sync.Mutex
	subCache map[uuid.UUID]cachedSubscription
}

type cachedSubscription struct {
	sub     Subscription
	expires time.Time
}

// NewService 创建配额服务。subs 可为 nil，此时所有组织使用默认计划。
func NewService(meters MeterStore, subs SubscriptionStore, c Cache, catalog Catalog, config Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultConfig().CacheTTL
	}
	s := &Service{
		meters:   meters,
		subs:     subs,
		cache:    c,
		config:   config,
		logger:   logger.With(zap.String("component", "quota")),
		now:      time.Now,
		subCache: make(map[uuid.UUID]cachedSubscription),
	}
	s.catalog.Store(&catalog)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCatalog 替换计划目录，后续检查立即生效
func (s *Service) SetCatalog(catalog Catalog) {
	s.catalog.Store(&catalog)
	s.logger.Info("plan catalog replaced", zap.Int("plans", len(catalog)))
}

// Enabled 是否启用配额
func (s *Service) Enabled() bool { return s.config.Enabled }

// Check 检查并预占额度。
// useCache 为 true 时只读写缓存（冷缓存时读取一次持久层），不写持久层；
// 为 false 时对持久层执行原子条件累加。
// 被拒绝时返回 allowed=false 且 err 为 nil。
func (s *Service) Check(ctx context.Context, orgID uuid.UUID, key Key, delta int64, useCache bool) (bool, *Meter, error) {
	mk, q, decided, allowed, err := s.resolve(ctx, orgID, key)
	if err != nil || decided {
		return allowed, nil, err
	}
	if useCache {
		return s.softCheck(ctx, mk, delta, *q.Limit)
	}
	return s.hardCheck(ctx, mk, func() (int64, bool, error) {
		return s.meters.Adjust(ctx, mk, delta, q.Limit)
	})
}

// CheckOnce 持久层检查，同一 chargeID 只扣费一次。
// 队列重投的批次以批次 ID 作为 chargeID，重复投递不会重复计数。
func (s *Service) CheckOnce(ctx context.Context, orgID uuid.UUID, key Key, chargeID uuid.UUID, delta int64) (bool, *Meter, error) {
	mk, q, decided, allowed, err := s.resolve(ctx, orgID, key)
	if err != nil || decided {
		return allowed, nil, err
	}
	return s.hardCheck(ctx, mk, func() (int64, bool, error) {
		return s.meters.AdjustOnce(ctx, mk, chargeID, delta, q.Limit)
	})
}

// resolve 解析组织计划。decided 为 true 时无需访问计量（未启用、功能开关或无上限）。
func (s *Service) resolve(ctx context.Context, orgID uuid.UUID, key Key) (mk MeterKey, q Quota, decided, allowed bool, err error) {
	if !s.config.Enabled {
		return mk, q, true, true, nil
	}

	sub, err := s.subscription(ctx, orgID)
	if err != nil {
		return mk, q, true, false, err
	}
	plan, ok := s.catalog.Load().Lookup(sub.Plan)
	if !ok {
		return mk, q, true, false, fmt.Errorf("unknown plan %q for organization %s", sub.Plan, orgID)
	}

	if key.Kind() == KindFlag {
		return mk, q, true, plan.Flags[key], nil
	}

	q, ok = plan.Quotas[key]
	if !ok || q.Unlimited() {
		return mk, q, true, true, nil
	}

	mk = MeterKey{OrganizationID: orgID, Key: key}
	if q.Monthly {
		mk.Year, mk.Month = PeriodFor(s.now(), sub.AnchorDay)
	}
	return mk, q, false, false, nil
}

// softCheck 缓存层检查：冷缓存读取一次持久层并写入一次缓存
func (s *Service) softCheck(ctx context.Context, mk MeterKey, delta, limit int64) (bool, *Meter, error) {
	cacheKey := mk.CacheKey()

	current, warm, err := s.cachedValue(ctx, cacheKey)
	if err != nil {
		return false, nil, err
	}
	if !warm {
		current, err = s.meters.Get(ctx, mk)
		if err != nil {
			return false, nil, err
		}
	}

	allowed := current+delta <= limit
	value := current
	if allowed {
		value = current + delta
	}

	if !warm || (allowed && delta != 0) {
		if err := s.cache.Set(ctx, cacheKey, strconv.FormatInt(value, 10), s.config.CacheTTL); err != nil {
			s.logger.Warn("failed to write quota cache", zap.String("key", cacheKey), zap.Error(err))
		}
	}

	s.record("soft", allowed)
	return allowed, &Meter{MeterKey: mk, Value: value}, nil
}

// hardCheck 持久层原子检查，结果回写缓存；被拒绝时使缓存失效
func (s *Service) hardCheck(ctx context.Context, mk MeterKey, adjust func() (int64, bool, error)) (bool, *Meter, error) {
	value, allowed, err := adjust()
	if err != nil {
		return false, nil, err
	}

	cacheKey := mk.CacheKey()
	if s.cache != nil {
		var cerr error
		if allowed {
			cerr = s.cache.Set(ctx, cacheKey, strconv.FormatInt(value, 10), s.config.CacheTTL)
		} else {
			cerr = s.cache.Delete(ctx, cacheKey)
		}
		if cerr != nil {
			s.logger.Warn("failed to sync quota cache", zap.String("key", cacheKey), zap.Error(cerr))
		}
	}

	s.record("hard", allowed)
	if !allowed {
		return false, &Meter{MeterKey: mk}, nil
	}
	return true, &Meter{MeterKey: mk, Value: value, UpdatedAt: s.now()}, nil
}

// cachedValue 读取缓存值；未命中或内容损坏时 warm 为 false
func (s *Service) cachedValue(ctx context.Context, key string) (int64, bool, error) {
	if s.cache == nil {
		return 0, false, errors.New("quota cache not configured")
	}
	raw, err := s.cache.Get(ctx, key)
	if cache.IsCacheMiss(err) {
		s.recordCache(false)
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read quota cache: %w", err)
	}
	v, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		s.logger.Warn("discarding malformed quota cache entry", zap.String("key", key), zap.String("value", raw))
		s.recordCache(false)
		return 0, false, nil
	}
	s.recordCache(true)
	return v, true, nil
}

// subscription 解析组织订阅，结果在进程内短暂缓存
func (s *Service) subscription(ctx context.Context, orgID uuid.UUID) (Subscription, error) {
	fallback := Subscription{OrganizationID: orgID, Plan: s.config.DefaultPlan}
	if s.subs == nil {
		return fallback, nil
	}

	now := s.now()
	s.subMu.Lock()
	cached, ok := s.subCache[orgID]
	s.subMu.Unlock()
	if ok && now.Before(cached.expires) {
		return cached.sub, nil
	}

	sub, err := s.subs.GetSubscription(ctx, orgID)
	if err != nil {
		return Subscription{}, err
	}
	result := fallback
	if sub != nil {
		result = *sub
	}

	if s.config.SubscriptionTTL > 0 {
		s.subMu.Lock()
		s.subCache[orgID] = cachedSubscription{sub: result, expires: now.Add(s.config.SubscriptionTTL)}
		s.subMu.Unlock()
	}
	return result, nil
}

func (s *Service) record(layer string, allowed bool) {
	if s.metrics == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	s.metrics.RecordQuotaCheck(layer, result)
}

func (s *Service) recordCache(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.RecordCacheHit("quota")
	} else {
		s.metrics.RecordCacheMiss("quota")
	}
}

// =============================================================================
// 📋 用量查询
// =============================================================================

// UsageEntry 单个计量项的当前用量
type UsageEntry struct {
	Key     Key    `json:"key"`
	Kind    string `json:"kind"`
	Value   int64  `json:"value"`
	Limit   *int64 `json:"limit,omitempty"`
	Year    int    `json:"year,omitempty"`
	Month   int    `json:"month,omitempty"`
	Allowed bool   `json:"allowed"`
}

// Usage 组织的计划与用量
type Usage struct {
	OrganizationID uuid.UUID    `json:"organization_id"`
	Plan           string       `json:"plan"`
	AnchorDay      int          `json:"anchor_day,omitempty"`
	Entries        []UsageEntry `json:"entries"`
}

// Usage 从持久层读取组织所有计量项的当前值，不经过缓存
func (s *Service) Usage(ctx context.Context, orgID uuid.UUID) (*Usage, error) {
	sub, err := s.subscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	plan, ok := s.catalog.Load().Lookup(sub.Plan)
	if !ok {
		return nil, fmt.Errorf("unknown plan %q for organization %s", sub.Plan, orgID)
	}

	keys := make([]Key, 0, len(plan.Quotas)+len(plan.Flags))
	for k := range plan.Quotas {
		keys = append(keys, k)
	}
	for k := range plan.Flags {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	u := &Usage{OrganizationID: orgID, Plan: plan.Name, AnchorDay: sub.AnchorDay}
	for _, k := range keys {
		entry := UsageEntry{Key: k, Kind: k.Kind().String()}
		if k.Kind() == KindFlag {
			entry.Allowed = plan.Flags[k]
			u.Entries = append(u.Entries, entry)
			continue
		}

		q := plan.Quotas[k]
		mk := MeterKey{OrganizationID: orgID, Key: k}
		if q.Monthly {
			mk.Year, mk.Month = PeriodFor(s.now(), sub.AnchorDay)
		}
		v, err := s.meters.Get(ctx, mk)
		if err != nil {
			return nil, fmt.Errorf("read meter %s: %w", k, err)
		}
		entry.Value = v
		entry.Limit = q.Limit
		entry.Year, entry.Month = mk.Year, mk.Month
		entry.Allowed = q.Unlimited() || v < *q.Limit
		u.Entries = append(u.Entries, entry)
	}
	return u, nil
}
