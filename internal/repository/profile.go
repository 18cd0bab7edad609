package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"wisefido-carelink/internal/identity"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ProfileRepository 用户资料查询（user_profiles 表）
type ProfileRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewProfileRepository 创建资料仓库
func NewProfileRepository(db *sql.DB, logger *zap.Logger) *ProfileRepository {
	return &ProfileRepository{
		db:     db,
		logger: logger,
	}
}

// LookupByUID 按认证 UID 查询；未找到返回 nil, nil
func (r *ProfileRepository) LookupByUID(ctx context.Context, uid string) (*identity.Profile, error) {
	query := `
		SELECT uid, email, COALESCE(display_name, '')
		FROM user_profiles
		WHERE uid = $1
		LIMIT 1
	`
	return r.queryOne(ctx, query, uid)
}

// LookupByEmailKey 按邮箱存储键查询；未找到返回 nil, nil
func (r *ProfileRepository) LookupByEmailKey(ctx context.Context, emailKey string) (*identity.Profile, error) {
	query := `
		SELECT uid, email, COALESCE(display_name, '')
		FROM user_profiles
		WHERE email_key = $1
		LIMIT 1
	`
	return r.queryOne(ctx, query, emailKey)
}

// LookupByUIDs 批量按 UID 查询，只返回存在的记录
func (r *ProfileRepository) LookupByUIDs(ctx context.Context, uids []string) ([]*identity.Profile, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	query := `
		SELECT uid, email, COALESCE(display_name, '')
		FROM user_profiles
		WHERE uid = ANY($1)
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(uids))
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*identity.Profile
	for rows.Next() {
		var p identity.Profile
		if err := rows.Scan(&p.UID, &p.Email, &p.DisplayName); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}

	r.logger.Debug("Profiles loaded",
		zap.Int("requested", len(uids)),
		zap.Int("found", len(profiles)),
	)
	return profiles, nil
}

// UpsertProfile 写入或更新资料（email_key 由 email 计算）
func (r *ProfileRepository) UpsertProfile(ctx context.Context, p identity.Profile) error {
	if strings.TrimSpace(p.UID) == "" {
		return fmt.Errorf("profile uid is required")
	}

	query := `
		INSERT INTO user_profiles (uid, email, email_key, display_name)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (uid) DO UPDATE
		SET email = EXCLUDED.email,
		    email_key = EXCLUDED.email_key,
		    display_name = EXCLUDED.display_name
	`
	_, err := r.db.ExecContext(ctx, query, p.UID, p.Email, identity.SanitizeEmail(p.Email), p.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (r *ProfileRepository) queryOne(ctx context.Context, query string, arg string) (*identity.Profile, error) {
	var p identity.Profile
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&p.UID, &p.Email, &p.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	return &p, nil
}
