package subscription

import (
	"context"
	"fmt"

	"wisefido-carelink/internal/domain"
	"wisefido-carelink/internal/identity"
	"wisefido-carelink/internal/models"
	"wisefido-carelink/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UpdateFunc 每次合并视图更新时调用；视图为只读快照
type UpdateFunc func(view *models.MergedView)

// NameLookup 规范键 -> 展示名（查询失败返回空串即可）
type NameLookup func(ctx context.Context, key identity.Key) string

// Recorder 订阅相关的指标
type Recorder interface {
	FeedOpened(category domain.Category)
	FeedClosed(category domain.Category)
	FeedFailed(category domain.Category)
	ViewUpdated(category domain.Category)
}

type nopRecorder struct{}

func (nopRecorder) FeedOpened(domain.Category)  {}
func (nopRecorder) FeedClosed(domain.Category)  {}
func (nopRecorder) FeedFailed(domain.Category)  {}
func (nopRecorder) ViewUpdated(domain.Category) {}

// Manager 订阅管理器：每个（被关联人 × 类别）维护一个实时订阅
type Manager struct {
	source    store.FeedSource
	encodings map[domain.Category][]Encoding
	names     NameLookup
	recorder  Recorder
	logger    *zap.Logger
}

// Option Manager 可选配置
type Option func(*Manager)

// WithEncodings 替换物理键编码顺序
func WithEncodings(encodings map[domain.Category][]Encoding) Option {
	return func(m *Manager) { m.encodings = encodings }
}

// WithNameLookup 设置展示名查询
func WithNameLookup(names NameLookup) Option {
	return func(m *Manager) { m.names = names }
}

// WithRecorder 设置指标记录器
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// NewManager 创建订阅管理器
func NewManager(source store.FeedSource, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		source:    source,
		encodings: DefaultEncodings,
		recorder:  nopRecorder{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ViewOption Attach 可选配置
type ViewOption func(*linkUpdate)

// WithNotice 首次发布的视图附带提示（如 caregiver 尚未关联任何人）
func WithNotice(notice *models.Notice) ViewOption {
	return func(u *linkUpdate) { u.notice = notice }
}

// Attach 为 viewer 打开一个合并视图，keys 中每个键订阅一次
// 视图在 Detach 或 ctx 取消后停止，之后不再调用 onUpdate
func (m *Manager) Attach(ctx context.Context, viewer string, keys []identity.Key, category domain.Category, onUpdate UpdateFunc, opts ...ViewOption) (*View, error) {
	if onUpdate == nil {
		return nil, fmt.Errorf("onUpdate callback required")
	}
	if _, ok := domain.ParseCategory(string(category)); !ok {
		return nil, fmt.Errorf("unknown category %q", category)
	}

	initial := linkUpdate{keys: keys}
	for _, opt := range opts {
		opt(&initial)
	}

	v := newView(ctx, m, uuid.NewString(), viewer, category, onUpdate)
	v.SetLinks(initial.keys, initial.notice)
	go v.loop()

	m.logger.Info("View attached",
		zap.String("view_id", v.id),
		zap.String("viewer", viewer),
		zap.String("category", string(category)),
		zap.Int("key_count", len(keys)),
	)
	return v, nil
}

// open 查找该键在该类别下的物理路径并订阅
// 优先选择已有数据的路径；都没有数据时订阅编码顺序中的第一个
func (m *Manager) open(ctx context.Context, category domain.Category, key identity.Key) (store.Feed, store.Path, error) {
	paths := candidatePaths(m.encodings, category, key)
	if len(paths) == 0 {
		return nil, store.Path{}, fmt.Errorf("no physical key known for %s", key.ID)
	}

	chosen := paths[0]
	for _, p := range paths {
		ok, err := m.source.Exists(ctx, p)
		if err != nil {
			m.logger.Warn("Path lookup failed",
				zap.String("path", p.String()),
				zap.Error(err),
			)
			continue
		}
		if ok {
			chosen = p
			break
		}
	}

	feed, err := m.source.Subscribe(ctx, chosen)
	if err != nil {
		return nil, chosen, err
	}
	return feed, chosen, nil
}

func (m *Manager) displayName(ctx context.Context, key identity.Key) string {
	if m.names == nil {
		return ""
	}
	return m.names(ctx, key)
}

// Paths 该键在该类别下的候选存储路径（按查找顺序）
func (m *Manager) Paths(category domain.Category, key identity.Key) []store.Path {
	return candidatePaths(m.encodings, category, key)
}
