package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-carelink/internal/models"
)

// ScheduleKeyPrefix 远端日程缓存路径前缀：Schedule/<personKey>
const ScheduleKeyPrefix = "Schedule/"

// ScheduleCache 短期缓存远端日程聚合结果，同一人的连续请求不重复访问聚合接口
// 降级结果不缓存：下一次请求仍会尝试远端
type ScheduleCache struct {
	kv  KV
	ttl time.Duration
}

// NewScheduleCache ttl <= 0 时缓存关闭
func NewScheduleCache(kv KV, ttl time.Duration) *ScheduleCache {
	return &ScheduleCache{kv: kv, ttl: ttl}
}

// Enabled 是否启用
func (c *ScheduleCache) Enabled() bool {
	return c != nil && c.ttl > 0
}

// Get 未命中时返回 nil, nil
func (c *ScheduleCache) Get(ctx context.Context, personKey string) (*models.ScheduleBundle, error) {
	if !c.Enabled() {
		return nil, nil
	}
	raw, err := c.kv.Get(ctx, ScheduleKeyPrefix+personKey)
	if errors.Is(err, ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached schedule: %w", err)
	}
	var bundle models.ScheduleBundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached schedule %s: %w", personKey, err)
	}
	return &bundle, nil
}

// Put 写入远端结果；降级结果或缓存关闭时什么都不做
func (c *ScheduleCache) Put(ctx context.Context, bundle models.ScheduleBundle) error {
	if !c.Enabled() || bundle.Degraded || bundle.PersonKey == "" {
		return nil
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	return c.kv.Set(ctx, ScheduleKeyPrefix+bundle.PersonKey, string(raw), c.ttl)
}

// Invalidate 删除某人的缓存（资料或关联关系变化时）
func (c *ScheduleCache) Invalidate(ctx context.Context, personKeys ...string) error {
	if !c.Enabled() || len(personKeys) == 0 {
		return nil
	}
	keys := make([]string, 0, len(personKeys))
	for _, k := range personKeys {
		keys = append(keys, ScheduleKeyPrefix+k)
	}
	return c.kv.Delete(ctx, keys...)
}
