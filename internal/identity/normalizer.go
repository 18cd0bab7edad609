package identity

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Profile 资料记录：同一个人的 UID 与邮箱
type Profile struct {
	UID         string
	Email       string
	DisplayName string
}

// ProfileLookup 资料查询（未找到时返回 nil, nil）
type ProfileLookup interface {
	LookupByUID(ctx context.Context, uid string) (*Profile, error)
	LookupByEmailKey(ctx context.Context, emailKey string) (*Profile, error)
}

// BatchProfileLookup 可选：一次查询多个 UID
type BatchProfileLookup interface {
	LookupByUIDs(ctx context.Context, uids []string) ([]*Profile, error)
}

// Normalizer 标识符规范化
// 等价判定只接受三种证据：字面相同、分隔符编码还原后相同、资料查询指向同一人
type Normalizer struct {
	lookup ProfileLookup
	cache  *ProfileCache
	logger *zap.Logger
}

// NewNormalizer 创建 Normalizer；lookup 为 nil 时只做写法规范化
func NewNormalizer(lookup ProfileLookup, cache *ProfileCache, logger *zap.Logger) *Normalizer {
	if cache == nil {
		cache = NewProfileCache(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{lookup: lookup, cache: cache, logger: logger}
}

// Normalize 任意写法 -> 规范键
// 资料查询失败时记录日志并退回写法键（不缓存失败结果，下次重试）
func (n *Normalizer) Normalize(ctx context.Context, identifier string) (Key, error) {
	key := spellingKey(identifier)
	if key.IsZero() {
		return Key{}, fmt.Errorf("empty identifier")
	}

	if key.EmailKey != "" {
		p, err := n.profileByEmailKey(ctx, key.EmailKey)
		if err != nil {
			n.logger.Warn("Profile lookup by email failed, using spelling key",
				zap.String("email_key", key.EmailKey),
				zap.Error(err),
			)
			return key, nil
		}
		if p != nil && p.UID != "" {
			key.UID = p.UID
		}
		return key, nil
	}

	p, err := n.profileByUID(ctx, key.UID)
	if err != nil {
		n.logger.Warn("Profile lookup by uid failed, using spelling key",
			zap.String("uid", key.UID),
			zap.Error(err),
		)
		return key, nil
	}
	if p != nil && strings.TrimSpace(p.Email) != "" {
		emailKey := SanitizeEmail(p.Email)
		return Key{ID: emailKey, EmailKey: emailKey, UID: key.UID, Raw: key.Raw}, nil
	}
	return key, nil
}

// Prefetch 批量预热 UID 写法的资料缓存；lookup 不支持批量时什么都不做
// 失败只记录日志，后续 Normalize 会逐个重试
func (n *Normalizer) Prefetch(ctx context.Context, identifiers []string) {
	batch, ok := n.lookup.(BatchProfileLookup)
	if !ok {
		return
	}

	seen := make(map[string]struct{})
	var uids []string
	for _, id := range identifiers {
		key := spellingKey(id)
		if key.IsZero() || key.EmailKey != "" {
			continue
		}
		if _, dup := seen[key.UID]; dup {
			continue
		}
		seen[key.UID] = struct{}{}
		if _, cached := n.cache.Get(uidPrefix + key.UID); cached {
			continue
		}
		uids = append(uids, key.UID)
	}
	if len(uids) < 2 {
		return
	}

	profiles, err := batch.LookupByUIDs(ctx, uids)
	if err != nil {
		n.logger.Warn("Batch profile lookup failed",
			zap.Int("uid_count", len(uids)),
			zap.Error(err),
		)
		return
	}
	found := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		if p == nil || p.UID == "" {
			continue
		}
		found[p.UID] = struct{}{}
		n.remember(uidPrefix+p.UID, p)
	}
	// 未返回的 UID 记为未命中
	for _, uid := range uids {
		if _, ok := found[uid]; !ok {
			n.cache.Set(uidPrefix+uid, nil)
		}
	}
}

// Equivalent 判断两个写法是否指向同一人
func (n *Normalizer) Equivalent(ctx context.Context, a, b string) (bool, error) {
	ca, cb := Canonicalize(a), Canonicalize(b)
	if ca == "" || cb == "" {
		return false, nil
	}
	if strings.TrimSpace(a) == strings.TrimSpace(b) || ca == cb {
		return true, nil
	}

	ka, err := n.Normalize(ctx, a)
	if err != nil {
		return false, err
	}
	kb, err := n.Normalize(ctx, b)
	if err != nil {
		return false, err
	}
	if ka.Equal(kb) {
		return true, nil
	}
	// 一侧只有 UID、另一侧查询得到相同 UID
	return ka.UID != "" && ka.UID == kb.UID, nil
}

// Profile 查询资料（供展示名解析使用），优先 UID
func (n *Normalizer) Profile(ctx context.Context, key Key) (*Profile, error) {
	if key.UID != "" {
		p, err := n.profileByUID(ctx, key.UID)
		if err != nil || p != nil {
			return p, err
		}
	}
	if key.EmailKey != "" {
		return n.profileByEmailKey(ctx, key.EmailKey)
	}
	return nil, nil
}

// Invalidate 资料变更后清除缓存
func (n *Normalizer) Invalidate(key Key) {
	var keys []string
	if key.UID != "" {
		keys = append(keys, uidPrefix+key.UID)
	}
	if key.EmailKey != "" {
		keys = append(keys, "email:"+key.EmailKey)
	}
	n.cache.Invalidate(keys...)
}

// CacheStats 缓存统计
func (n *Normalizer) CacheStats() CacheStats {
	return n.cache.Stats()
}

func (n *Normalizer) profileByUID(ctx context.Context, uid string) (*Profile, error) {
	if n.lookup == nil || uid == "" {
		return nil, nil
	}
	cacheKey := uidPrefix + uid
	if p, ok := n.cache.Get(cacheKey); ok {
		return p, nil
	}
	p, err := n.lookup.LookupByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	n.remember(cacheKey, p)
	return p, nil
}

func (n *Normalizer) profileByEmailKey(ctx context.Context, emailKey string) (*Profile, error) {
	if n.lookup == nil || emailKey == "" {
		return nil, nil
	}
	cacheKey := "email:" + emailKey
	if p, ok := n.cache.Get(cacheKey); ok {
		return p, nil
	}
	p, err := n.lookup.LookupByEmailKey(ctx, emailKey)
	if err != nil {
		return nil, err
	}
	n.remember(cacheKey, p)
	return p, nil
}

// remember 同时以 UID 与邮箱存储键缓存命中的资料
func (n *Normalizer) remember(cacheKey string, p *Profile) {
	n.cache.Set(cacheKey, p)
	if p == nil {
		return
	}
	if p.UID != "" {
		n.cache.Set(uidPrefix+p.UID, p)
	}
	if p.Email != "" {
		n.cache.Set("email:"+SanitizeEmail(p.Email), p)
	}
}
