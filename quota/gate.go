package quota

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeniedError 额度不足或功能未开通
type DeniedError struct {
	OrganizationID uuid.UUID
	Key            Key
}

// Message 面向调用方的拒绝原因
func (e *DeniedError) Message() string {
	switch e.Key.Kind() {
	case KindGauge:
		return fmt.Sprintf("reached resource limit for %s", e.Key)
	case KindFlag:
		return fmt.Sprintf("feature %s not entitled", e.Key)
	default:
		return fmt.Sprintf("reached monthly quota for %s", e.Key)
	}
}

func (e *DeniedError) Error() string {
	return "quota: " + e.Message()
}

// Checker 配额检查
type Checker interface {
	Check(ctx context.Context, orgID uuid.UUID, key Key, delta int64, useCache bool) (bool, *Meter, error)
	CheckOnce(ctx context.Context, orgID uuid.UUID, key Key, chargeID uuid.UUID, delta int64) (bool, *Meter, error)
}

// Gate 摄取链路上的 traces 配额闸门
type Gate struct {
	checker Checker
	logger  *zap.Logger
}

// NewGate 创建闸门
func NewGate(checker Checker, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{checker: checker, logger: logger.With(zap.String("component", "quota_gate"))}
}

// SoftCheck 缓存层检查。delta 为 0 时不做任何 I/O；
// 基础设施错误时放行并记录警告，仅在明确超额时返回 *DeniedError。
func (g *Gate) SoftCheck(ctx context.Context, orgID uuid.UUID, delta int64) error {
	if delta == 0 {
		return nil
	}

	allowed, _, err := g.checker.Check(ctx, orgID, KeyTraces, delta, true)
	if err != nil {
		g.logger.Warn("soft quota check failed, allowing batch",
			zap.String("organization_id", orgID.String()),
			zap.Int64("delta", delta),
			zap.Error(err),
		)
		return nil
	}
	if !allowed {
		return &DeniedError{OrganizationID: orgID, Key: KeyTraces}
	}
	return nil
}

// HardCheck 持久层原子检查。与软检查不同，基础设施错误会返回给调用方。
// chargeID 非零时同一 ID 只扣费一次，重投的批次不会重复计数。
func (g *Gate) HardCheck(ctx context.Context, orgID, chargeID uuid.UUID, delta int64) error {
	if delta == 0 {
		return nil
	}

	var (
		allowed bool
		err     error
	)
	if chargeID == uuid.Nil {
		allowed, _, err = g.checker.Check(ctx, orgID, KeyTraces, delta, false)
	} else {
		allowed, _, err = g.checker.CheckOnce(ctx, orgID, KeyTraces, chargeID, delta)
	}
	if err != nil {
		return fmt.Errorf("hard quota check: %w", err)
	}
	if !allowed {
		return &DeniedError{OrganizationID: orgID, Key: KeyTraces}
	}
	return nil
}
