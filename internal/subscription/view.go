package subscription

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-carelink/internal/domain"
	"wisefido-carelink/internal/identity"
	"wisefido-carelink/internal/merge"
	"wisefido-carelink/internal/models"
	"wisefido-carelink/internal/store"

	"go.uber.org/zap"
)

// feedEvent 订阅协程转发给写者协程的事件，带键 ID 与订阅代数
type feedEvent struct {
	keyID string
	gen   uint64
	name  string
	ev    store.ItemEvent
}

// feedHandle 单个键的订阅（仅写者协程访问）
type feedHandle struct {
	key    identity.Key
	gen    uint64
	cancel context.CancelFunc
}

// View 一个 viewer 在一个类别下的实时合并视图
// 所有状态变更都在 loop 协程中串行执行；其他协程只通过 SetKeys / Detach 投递请求
type View struct {
	id       string
	viewer   string
	category domain.Category
	m        *Manager
	onUpdate UpdateFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
	// deliverMu 使“检查 closed 并开始回调”与 Detach 互斥；回调本身不持锁
	deliverMu sync.Mutex

	events chan feedEvent

	pendingMu sync.Mutex
	pending   linkUpdate
	hasKeys   bool
	wake      chan struct{}

	current atomic.Pointer[models.MergedView]

	// 以下字段仅 loop 协程访问
	engine  *merge.Engine
	feeds   map[string]*feedHandle
	keys    []identity.Key
	failed  map[string]error
	notice  *models.Notice
	feedGen uint64
	viewGen uint64
}

// linkUpdate 一次关联关系变更：新的键集合与随之展示的提示
type linkUpdate struct {
	keys   []identity.Key
	notice *models.Notice
}

func newView(parent context.Context, m *Manager, id, viewer string, category domain.Category, onUpdate UpdateFunc) *View {
	ctx, cancel := context.WithCancel(parent)
	return &View{
		id:       id,
		viewer:   viewer,
		category: category,
		m:        m,
		onUpdate: onUpdate,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		events:   make(chan feedEvent, 64),
		wake:     make(chan struct{}, 1),
		engine:   merge.NewEngine(),
		feeds:    make(map[string]*feedHandle),
		failed:   make(map[string]error),
	}
}

// ID 视图 ID
func (v *View) ID() string { return v.id }

// Viewer 视图所属账号
func (v *View) Viewer() string { return v.viewer }

// Category 视图类别
func (v *View) Category() domain.Category { return v.category }

// Current 最近一次发布的合并视图（尚未发布时为 nil）
func (v *View) Current() *models.MergedView {
	return v.current.Load()
}

// Done 写者协程退出后关闭
func (v *View) Done() <-chan struct{} {
	return v.done
}

// SetKeys 替换关联键集合并清除提示；只对增删的键开关订阅，未变化的键保持原订阅
// 不阻塞，可在 onUpdate 回调中调用
func (v *View) SetKeys(keys []identity.Key) {
	v.SetLinks(keys, nil)
}

// SetLinks 同时替换键集合与提示（notice 为 nil 表示无提示），两者在同一次视图更新中生效
func (v *View) SetLinks(keys []identity.Key, notice *models.Notice) {
	cp := make([]identity.Key, len(keys))
	copy(cp, keys)

	v.pendingMu.Lock()
	v.pending = linkUpdate{keys: cp, notice: notice}
	v.hasKeys = true
	v.pendingMu.Unlock()

	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// Detach 关闭视图及其全部订阅；可重复调用，也可在 onUpdate 中调用
// 返回时已经越过 closed 检查的那一次 onUpdate 仍可能执行；Done 关闭后不会再有任何回调
func (v *View) Detach() {
	v.once.Do(func() {
		v.deliverMu.Lock()
		v.closed.Store(true)
		v.deliverMu.Unlock()
		v.cancel()
		v.m.logger.Info("View detached",
			zap.String("view_id", v.id),
			zap.String("viewer", v.viewer),
			zap.String("category", string(v.category)),
		)
	})
}

func (v *View) loop() {
	defer close(v.done)
	defer v.closeFeeds()

	for {
		select {
		case <-v.ctx.Done():
			v.closed.Store(true)
			return
		case <-v.wake:
			u, ok := v.takePending()
			if !ok || v.closed.Load() {
				continue
			}
			changed := v.applyKeys(u.keys)
			if !u.notice.Equal(v.notice) {
				v.notice = u.notice
				changed = true
			}
			if changed {
				v.publish()
			}
		case fe := <-v.events:
			if v.closed.Load() {
				continue
			}
			if v.applyEvent(fe) {
				v.publish()
			}
		}
	}
}

func (v *View) takePending() (linkUpdate, bool) {
	v.pendingMu.Lock()
	defer v.pendingMu.Unlock()
	if !v.hasKeys {
		return linkUpdate{}, false
	}
	u := v.pending
	v.pending = linkUpdate{}
	v.hasKeys = false
	return u, true
}

// applyKeys 计算键集合的增量并开关订阅，返回视图是否需要重新发布
func (v *View) applyKeys(keys []identity.Key) bool {
	desired := make(map[string]identity.Key, len(keys))
	ordered := make([]identity.Key, 0, len(keys))
	for _, k := range keys {
		if k.IsZero() {
			continue
		}
		if prev, ok := desired[k.ID]; ok {
			desired[k.ID] = prev.Merge(k)
			continue
		}
		desired[k.ID] = k
		ordered = append(ordered, k)
	}
	for i, k := range ordered {
		ordered[i] = desired[k.ID]
	}

	changed := false
	for id, h := range v.feeds {
		if _, keep := desired[id]; keep {
			continue
		}
		h.cancel()
		delete(v.feeds, id)
		v.engine.RemoveKey(id)
		changed = true
		v.m.logger.Debug("Feed removed",
			zap.String("view_id", v.id),
			zap.String("key", id),
		)
	}
	for id := range v.failed {
		if _, keep := desired[id]; !keep {
			delete(v.failed, id)
			changed = true
		}
	}

	for _, k := range ordered {
		if _, ok := v.feeds[k.ID]; ok {
			continue
		}
		// 之前失败的键在下一次键集合变化时重试
		delete(v.failed, k.ID)
		v.startFeed(k)
	}

	first := v.keys == nil
	v.keys = ordered
	// 没有任何键时也发布一次空视图，调用方据此结束加载状态
	if first && len(ordered) == 0 {
		return true
	}
	return changed
}

func (v *View) startFeed(key identity.Key) {
	v.feedGen++
	ctx, cancel := context.WithCancel(v.ctx)
	h := &feedHandle{key: key, gen: v.feedGen, cancel: cancel}
	v.feeds[key.ID] = h
	go v.runFeed(ctx, h.key, h.gen)
}

// runFeed 打开单个键的订阅并把事件转发给写者协程
func (v *View) runFeed(ctx context.Context, key identity.Key, gen uint64) {
	name := v.m.displayName(ctx, key)

	feed, path, err := v.m.open(ctx, v.category, key)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		v.forward(ctx, feedEvent{keyID: key.ID, gen: gen, ev: store.ItemEvent{Kind: store.EventError, Err: err}})
		return
	}
	defer feed.Close()

	v.m.recorder.FeedOpened(v.category)
	defer v.m.recorder.FeedClosed(v.category)
	v.m.logger.Debug("Feed opened",
		zap.String("view_id", v.id),
		zap.String("key", key.ID),
		zap.String("path", path.String()),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed.Events():
			if !ok {
				return
			}
			if !v.forward(ctx, feedEvent{keyID: key.ID, gen: gen, name: name, ev: ev}) {
				return
			}
			name = ""
		}
	}
}

func (v *View) forward(ctx context.Context, fe feedEvent) bool {
	select {
	case v.events <- fe:
		return true
	case <-ctx.Done():
		return false
	}
}

// applyEvent 把单个订阅事件交给合并引擎；过期代数或已移除键的事件直接丢弃
func (v *View) applyEvent(fe feedEvent) bool {
	h, ok := v.feeds[fe.keyID]
	if !ok || h.gen != fe.gen {
		return false
	}
	if fe.name != "" {
		v.engine.SetName(fe.keyID, fe.name)
	}

	switch fe.ev.Kind {
	case store.EventSnapshot:
		v.engine.SetSnapshot(h.key, fe.ev.Items)
	case store.EventUpsert:
		for _, it := range fe.ev.Items {
			v.engine.ApplyItem(h.key, it)
		}
	case store.EventDelete:
		v.engine.RemoveItem(h.key, fe.ev.ItemID)
	case store.EventError:
		cerr := domain.NewCareError(domain.KindSubscription, fe.keyID, "feed failed", fe.ev.Err)
		v.m.logger.Warn("Feed failed, key excluded from view",
			zap.String("view_id", v.id),
			zap.String("viewer", v.viewer),
			zap.String("category", string(v.category)),
			zap.Error(cerr),
		)
		v.m.recorder.FeedFailed(v.category)
		h.cancel()
		delete(v.feeds, fe.keyID)
		v.engine.RemoveKey(fe.keyID)
		v.failed[fe.keyID] = cerr
	default:
		return false
	}
	return true
}

// publish 生成新的只读视图快照并通知调用方
func (v *View) publish() {
	if v.closed.Load() {
		return
	}
	v.viewGen++

	keys := make([]string, 0, len(v.keys))
	for _, k := range v.keys {
		keys = append(keys, k.ID)
	}
	var failed []string
	for id := range v.failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)

	view := &models.MergedView{
		ViewID:     v.id,
		Viewer:     v.viewer,
		Category:   v.category,
		Generation: v.viewGen,
		Keys:       keys,
		Items:      v.engine.Items(),
		FailedKeys: failed,
		Notice:     v.notice,
		ProducedAt: time.Now().UTC(),
	}
	v.current.Store(view)
	v.m.recorder.ViewUpdated(v.category)

	v.deliverMu.Lock()
	if v.closed.Load() {
		v.deliverMu.Unlock()
		return
	}
	v.deliverMu.Unlock()
	v.onUpdate(view)
}

func (v *View) closeFeeds() {
	for id, h := range v.feeds {
		h.cancel()
		delete(v.feeds, id)
	}
}
