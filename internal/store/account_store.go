package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"wisefido-carelink/internal/domain"
	"wisefido-carelink/internal/identity"
)

// AccountKeyPrefix 账号记录路径前缀：Account/<sanitizedEmailKey>
const AccountKeyPrefix = "Account/"

// AccountStore 账号边界
type AccountStore struct {
	kv KV
}

// NewAccountStore 创建账号存储
func NewAccountStore(kv KV) *AccountStore {
	return &AccountStore{kv: kv}
}

// AccountKey 账号记录的存储键
func AccountKey(emailKey string) string {
	return AccountKeyPrefix + emailKey
}

// GetAccount 读取账号记录（不存在时返回 nil, nil）
func (s *AccountStore) GetAccount(ctx context.Context, emailKey string) (*domain.Account, error) {
	raw, err := s.kv.Get(ctx, AccountKey(emailKey))
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var acc domain.Account
	if err := json.Unmarshal([]byte(raw), &acc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account %s: %w", emailKey, err)
	}
	return &acc, nil
}

// PutAccount 写入账号记录（按邮箱存储键）
func (s *AccountStore) PutAccount(ctx context.Context, acc *domain.Account) error {
	if acc == nil || acc.Email == "" {
		return fmt.Errorf("account email is required")
	}
	raw, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	return s.kv.Set(ctx, AccountKey(identity.SanitizeEmail(acc.Email)), string(raw), 0)
}
