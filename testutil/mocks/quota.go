package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/BaSui01/spanflow/quota"
)

// --- StaticChecker ---

// CheckCall 一次配额检查调用
type CheckCall struct {
	OrganizationID uuid.UUID
	Key            quota.Key
	Delta          int64
	UseCache       bool
	ChargeID       uuid.UUID
}

// StaticChecker 返回固定结果的 quota.Checker
type StaticChecker struct {
	mu      sync.Mutex
	allowed bool
	err     error
	calls   []CheckCall
}

// NewStaticChecker 创建检查器
func NewStaticChecker(allowed bool) *StaticChecker {
	return &StaticChecker{allowed: allowed}
}

// WithError 之后的检查返回错误
func (c *StaticChecker) WithError(err error) *StaticChecker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	return c
}

// SetAllowed 修改检查结果
func (c *StaticChecker) SetAllowed(allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowed = allowed
}

// Check 实现 quota.Checker
func (c *StaticChecker) Check(_ context.Context, orgID uuid.UUID, key quota.Key, delta int64, useCache bool) (bool, *quota.Meter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, CheckCall{OrganizationID: orgID, Key: key, Delta: delta, UseCache: useCache})
	if c.err != nil {
		return false, nil, c.err
	}
	return c.allowed, nil, nil
}

// CheckOnce 实现 quota.Checker，记录 chargeID 但不去重
func (c *StaticChecker) CheckOnce(_ context.Context, orgID uuid.UUID, key quota.Key, chargeID uuid.UUID, delta int64) (bool, *quota.Meter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, CheckCall{OrganizationID: orgID, Key: key, Delta: delta, ChargeID: chargeID})
	if c.err != nil {
		return false, nil, c.err
	}
	return c.allowed, nil, nil
}

// Calls 已发生的调用
func (c *StaticChecker) Calls() []CheckCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CheckCall, len(c.calls))
	copy(out, c.calls)
	return out
}
