package resolver

import (
	"context"
	"fmt"

	"wisefido-carelink/internal/domain"
	"wisefido-carelink/internal/identity"

	"go.uber.org/zap"
)

// AccountSource 账号读取（不存在时返回 nil, nil）
type AccountSource interface {
	GetAccount(ctx context.Context, emailKey string) (*domain.Account, error)
}

// Resolution 关联关系解析结果
type Resolution struct {
	Viewer        identity.Key
	Account       *domain.Account
	Keys          []identity.Key
	Relationships []domain.LinkedRelationship
	Notice        *domain.CareError // 非致命提示（如 caregiver 未关联任何人）
}

// KeyIDs 规范 ID 列表
func (r *Resolution) KeyIDs() []string {
	ids := make([]string, 0, len(r.Keys))
	for _, k := range r.Keys {
		ids = append(ids, k.ID)
	}
	return ids
}

// Resolver 关联关系解析器
type Resolver struct {
	accounts   AccountSource
	normalizer *identity.Normalizer
	fields     []LinkField
	logger     *zap.Logger
}

// NewResolver 创建解析器（使用默认字段表 LinkFields）
func NewResolver(accounts AccountSource, normalizer *identity.Normalizer, logger *zap.Logger) *Resolver {
	return &Resolver{
		accounts:   accounts,
		normalizer: normalizer,
		fields:     LinkFields,
		logger:     logger,
	}
}

// ResolveByIdentifier 按任意写法（email / 存储键 / UID）读取账号并解析
func (r *Resolver) ResolveByIdentifier(ctx context.Context, identifier string) (*Resolution, error) {
	key, err := r.normalizer.Normalize(ctx, identifier)
	if err != nil {
		return nil, domain.NewCareError(domain.KindNotFound, identifier, "invalid identifier", err)
	}
	if key.EmailPath() == "" {
		return nil, domain.NewCareError(domain.KindNotFound, key.ID, "no account record for this identifier", nil)
	}

	acc, err := r.accounts.GetAccount(ctx, key.EmailPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", key.EmailPath(), err)
	}
	if acc == nil {
		return nil, domain.NewCareError(domain.KindNotFound, key.EmailPath(), "account not found", nil)
	}
	return r.ResolveLinks(ctx, acc)
}

// ResolveLinks 遍历字段表，规范化并去重（保留首次出现顺序）
// elderly 没有任何显式关联时关联自己；caregiver 为空时返回 Notice 而不是错误
func (r *Resolver) ResolveLinks(ctx context.Context, acc *domain.Account) (*Resolution, error) {
	if acc == nil {
		return nil, domain.NewCareError(domain.KindNotFound, "", "account not found", nil)
	}

	viewer, err := r.viewerKey(ctx, acc)
	if err != nil {
		return nil, err
	}

	res := &Resolution{Viewer: viewer, Account: acc}
	index := make(map[string]int)

	type linkValue struct {
		field string
		value string
	}
	var values []linkValue
	for _, field := range r.fields {
		raw, ok := acc.Field(field.Name)
		if !ok {
			continue
		}
		extracted, err := field.Extract(raw)
		if err != nil {
			r.logger.Warn("Skipping malformed link field",
				zap.String("viewer", viewer.ID),
				zap.String("field", field.Name),
				zap.Error(err),
			)
			continue
		}
		for _, v := range extracted {
			values = append(values, linkValue{field: field.Name, value: v})
		}
	}

	identifiers := make([]string, 0, len(values))
	for _, lv := range values {
		identifiers = append(identifiers, lv.value)
	}
	r.normalizer.Prefetch(ctx, identifiers)

	for _, lv := range values {
		key, err := r.normalizer.Normalize(ctx, lv.value)
		if err != nil {
			continue
		}
		if i, seen := index[key.ID]; seen {
			res.Keys[i] = res.Keys[i].Merge(key)
			continue
		}
		index[key.ID] = len(res.Keys)
		res.Keys = append(res.Keys, key)
		res.Relationships = append(res.Relationships, domain.LinkedRelationship{
			Viewer:      viewer.ID,
			LinkedKey:   key.ID,
			SourceField: lv.field,
			Self:        key.Equal(viewer),
		})
	}

	if len(res.Keys) > 0 {
		return res, nil
	}

	switch acc.Role {
	case domain.RoleElderly:
		res.Keys = []identity.Key{viewer}
		res.Relationships = []domain.LinkedRelationship{{
			Viewer:    viewer.ID,
			LinkedKey: viewer.ID,
			Self:      true,
		}}
	case domain.RoleCaregiver:
		res.Notice = domain.NewCareError(domain.KindNoLinkedPerson, viewer.ID, "caregiver has no linked elderly person", nil)
		r.logger.Info("Caregiver has no linked person", zap.String("viewer", viewer.ID))
	}
	return res, nil
}

func (r *Resolver) viewerKey(ctx context.Context, acc *domain.Account) (identity.Key, error) {
	var (
		key identity.Key
		err error
	)
	switch {
	case acc.Email != "":
		key, err = r.normalizer.Normalize(ctx, acc.Email)
	case acc.UID != "":
		key, err = r.normalizer.Normalize(ctx, acc.UID)
	default:
		return identity.Key{}, domain.NewCareError(domain.KindNotFound, "", "account has neither email nor uid", nil)
	}
	if err != nil {
		return identity.Key{}, err
	}
	if key.UID == "" && acc.UID != "" {
		key.UID = acc.UID
	}
	return key, nil
}
