package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =============================================================================
// 🗄️ 计量存储（GORM）
// =============================================================================

// MeterRecord meters 表记录
type MeterRecord struct {
	OrganizationID uuid.UUID `gorm:"column:organization_id;primaryKey"`
	MeterKey       string    `gorm:"column:meter_key;primaryKey;size:64"`
	Year           int       `gorm:"column:year;primaryKey"`
	Month          int       `gorm:"column:month;primaryKey"`
	Value          int64     `gorm:"column:value;not null;default:0"`
	Synced         int64     `gorm:"column:synced;not null;default:0"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// TableName 表名
func (MeterRecord) TableName() string { return "meters" }

// MeterChargeRecord meter_charges 表记录，一个批次最多扣费一次
type MeterChargeRecord struct {
	ChargeID       uuid.UUID `gorm:"column:charge_id;primaryKey"`
	OrganizationID uuid.UUID `gorm:"column:organization_id;not null"`
	MeterKey       string    `gorm:"column:meter_key;size:64;not null"`
	Year           int       `gorm:"column:year;not null"`
	Month          int       `gorm:"column:month;not null"`
	Delta          int64     `gorm:"column:delta;not null"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName 表名
func (MeterChargeRecord) TableName() string { return "meter_charges" }

// adjustSQL 单条语句完成插入或条件累加；更新条件不满足时不返回行
const adjustSQL = `INSERT INTO meters (organization_id, meter_key, year, month, value, synced, updated_at)
VALUES (?, ?, ?, ?, ?, 0, ?)
ON CONFLICT (organization_id, meter_key, year, month)
DO UPDATE SET value = meters.value + excluded.value, updated_at = excluded.updated_at`

// GormMeterStore 基于 GORM 的计量存储，支持 PostgreSQL 与 SQLite
type GormMeterStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormMeterStore 创建计量存储
func NewGormMeterStore(db *gorm.DB) *GormMeterStore {
	return &GormMeterStore{db: db, now: time.Now}
}

// Get 读取当前值
func (s *GormMeterStore) Get(ctx context.Context, key MeterKey) (int64, error) {
	return getMeter(s.db.WithContext(ctx), key)
}

func getMeter(db *gorm.DB, key MeterKey) (int64, error) {
	var rec MeterRecord
	err := db.
		Where("organization_id = ? AND meter_key = ? AND year = ? AND month = ?",
			key.OrganizationID, string(key.Key), key.Year, key.Month).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read meter: %w", err)
	}
	return rec.Value, nil
}

// Adjust 原子条件累加。delta 为正且已超过 limit 时直接拒绝，不访问数据库。
func (s *GormMeterStore) Adjust(ctx context.Context, key MeterKey, delta int64, limit *int64) (int64, bool, error) {
	if limit != nil && delta > 0 && delta > *limit {
		return 0, false, nil
	}
	return s.adjust(s.db.WithContext(ctx), key, delta, limit)
}

// errChargeDenied 回滚被拒绝扣费的记账行
var errChargeDenied = errors.New("charge denied")

// AdjustOnce 在同一事务内写入 meter_charges 记账行并条件累加。
// 记账行已存在说明此前已扣费（例如队列重投），不再累加。
func (s *GormMeterStore) AdjustOnce(ctx context.Context, key MeterKey, chargeID uuid.UUID, delta int64, limit *int64) (int64, bool, error) {
	if limit != nil && delta > 0 && delta > *limit {
		return 0, false, nil
	}

	var (
		value   int64
		allowed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		charge := MeterChargeRecord{
			ChargeID:       chargeID,
			OrganizationID: key.OrganizationID,
			MeterKey:       string(key.Key),
			Year:           key.Year,
			Month:          key.Month,
			Delta:          delta,
			CreatedAt:      s.now().UTC(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&charge)
		if res.Error != nil {
			return fmt.Errorf("failed to record charge: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			v, err := getMeter(tx, key)
			if err != nil {
				return err
			}
			value, allowed = v, true
			return nil
		}

		v, ok, err := s.adjust(tx, key, delta, limit)
		if err != nil {
			return err
		}
		if !ok {
			return errChargeDenied
		}
		value, allowed = v, true
		return nil
	})
	if errors.Is(err, errChargeDenied) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, allowed, nil
}

func (s *GormMeterStore) adjust(db *gorm.DB, key MeterKey, delta int64, limit *int64) (int64, bool, error) {
	stmt := adjustSQL
	args := []any{key.OrganizationID, string(key.Key), key.Year, key.Month, delta, s.now().UTC()}
	if limit != nil && delta > 0 {
		stmt += "\nWHERE meters.value + excluded.value <= ?"
		args = append(args, *limit)
	}
	stmt += "\nRETURNING value"

	var values []int64
	if err := db.Raw(stmt, args...).Scan(&values).Error; err != nil {
		return 0, false, fmt.Errorf("failed to adjust meter: %w", err)
	}
	if len(values) == 0 {
		return 0, false, nil
	}
	return values[0], true, nil
}

// =============================================================================
// 🗄️ 订阅存储（GORM）
// =============================================================================

// SubscriptionRecord subscriptions 表记录
type SubscriptionRecord struct {
	OrganizationID uuid.UUID `gorm:"column:organization_id;primaryKey"`
	Plan           string    `gorm:"column:plan;size:64;not null"`
	AnchorDay      int       `gorm:"column:anchor_day;not null;default:0"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// TableName 表名
func (SubscriptionRecord) TableName() string { return "subscriptions" }

// GormSubscriptionStore 基于 GORM 的订阅存储
type GormSubscriptionStore struct {
	db *gorm.DB
}

// NewGormSubscriptionStore 创建订阅存储
func NewGormSubscriptionStore(db *gorm.DB) *GormSubscriptionStore {
	return &GormSubscriptionStore{db: db}
}

// GetSubscription 查询订阅
func (s *GormSubscriptionStore) GetSubscription(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	var rec SubscriptionRecord
	err := s.db.WithContext(ctx).Where("organization_id = ?", orgID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription: %w", err)
	}
	return &Subscription{OrganizationID: rec.OrganizationID, Plan: rec.Plan, AnchorDay: rec.AnchorDay}, nil
}

// UpsertSubscription 写入或更新订阅
func (s *GormSubscriptionStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	if sub.AnchorDay < 0 || sub.AnchorDay > 31 {
		return fmt.Errorf("anchor day must be within [0, 31], got %d", sub.AnchorDay)
	}
	rec := SubscriptionRecord{
		OrganizationID: sub.OrganizationID,
		Plan:           sub.Plan,
		AnchorDay:      sub.AnchorDay,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "organization_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"plan", "anchor_day", "updated_at"}),
	}).Create(&rec).Error
}
