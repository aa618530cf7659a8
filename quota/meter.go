package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MeterKey 计量主键。非按月计量项的 Year/Month 为 0。
type MeterKey struct {
	OrganizationID uuid.UUID
	Key            Key
	Year           int
	Month          int
}

// CacheKey 软检查使用的缓存键
func (k MeterKey) CacheKey() string {
	return fmt.Sprintf("meters:%s:%s:%d:%d", k.OrganizationID, k.Key, k.Year, k.Month)
}

// Meter 计量值
type Meter struct {
	MeterKey
	Value     int64     `json:"value"`
	Synced    int64     `json:"synced"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MeterStore 计量的持久化存储
type MeterStore interface {
	// Get 读取当前值，不存在时返回 0
	Get(ctx context.Context, key MeterKey) (int64, error)

	// Adjust 原子地增加 delta。limit 非 nil 时仅在结果不超过 limit 时生效；
	// 返回调整后的值以及是否生效。
	Adjust(ctx context.Context, key MeterKey, delta int64, limit *int64) (int64, bool, error)

	// AdjustOnce 与 Adjust 相同，但同一 chargeID 只生效一次：
	// 已记账的 chargeID 直接返回当前值且 allowed 为 true。被拒绝的扣费不留记录。
	AdjustOnce(ctx context.Context, key MeterKey, chargeID uuid.UUID, delta int64, limit *int64) (int64, bool, error)
}

// Subscription 组织订阅
type Subscription struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Plan           string    `json:"plan"`
	AnchorDay      int       `json:"anchor_day"`
}

// SubscriptionStore 订阅查询
type SubscriptionStore interface {
	// GetSubscription 返回组织订阅，不存在时返回 nil, nil
	GetSubscription(ctx context.Context, orgID uuid.UUID) (*Subscription, error)
}
