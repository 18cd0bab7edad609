package merge

import (
	"sort"
	"time"

	"wisefido-carelink/internal/domain"
	"wisefido-carelink/internal/identity"
	"wisefido-carelink/internal/models"
)

// KeySnapshot 某个规范键下最新的完整数据
type KeySnapshot struct {
	Key   identity.Key
	Items []domain.TimedItem
}

// NameFunc 规范键 -> 展示名
type NameFunc func(key identity.Key) string

// DefaultName 没有资料时的展示名：原始写法 > 邮箱存储键 > UID
func DefaultName(key identity.Key) string {
	switch {
	case key.Raw != "":
		return key.Raw
	case key.EmailKey != "":
		return key.EmailKey
	default:
		return key.UID
	}
}

type candidate struct {
	item        models.MergedItem
	at          time.Time
	unscheduled bool
	seq         int
	dropped     bool
}

// Merge 合并多个键的快照
// 排序：生效时间升序，缺少时间按当天零点，无法解析的排最后；相同时间保持插入顺序（键的先后，再按原顺序）
// 去重：同一 item id 出现在多个键下时保留 updatedAt 最大的副本（相同时后到者覆盖）
func Merge(snapshots []KeySnapshot, names NameFunc) []models.MergedItem {
	if names == nil {
		names = DefaultName
	}

	var cands []candidate
	byID := make(map[string]int)
	seq := 0

	for _, snap := range snapshots {
		owner := names(snap.Key)
		for _, it := range snap.Items {
			at, ok := it.EffectiveAt()
			c := candidate{
				item: models.MergedItem{
					TimedItem:   it,
					SourceKey:   snap.Key.ID,
					OwnerName:   owner,
					Unscheduled: !ok,
				},
				at:          at,
				unscheduled: !ok,
				seq:         seq,
			}
			seq++

			if it.ID != "" {
				if prev, exists := byID[it.ID]; exists {
					if it.UpdatedAt < cands[prev].item.UpdatedAt {
						continue
					}
					cands[prev].dropped = true
				}
				byID[it.ID] = len(cands)
			}
			cands = append(cands, c)
		}
	}

	live := cands[:0]
	for _, c := range cands {
		if !c.dropped {
			live = append(live, c)
		}
	}

	sort.SliceStable(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if a.unscheduled != b.unscheduled {
			return !a.unscheduled
		}
		if !a.unscheduled && !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.seq < b.seq
	})

	out := make([]models.MergedItem, 0, len(live))
	for _, c := range live {
		out = append(out, c.item)
	}
	return out
}

// Engine 增量合并引擎：保存每个键的最新快照，单条更新无需重新拉取其他键
// 非并发安全，由订阅管理器的单写者协程独占使用
type Engine struct {
	order     []string
	keys      map[string]identity.Key
	snapshots map[string][]domain.TimedItem
	names     map[string]string
}

// NewEngine 创建合并引擎
func NewEngine() *Engine {
	return &Engine{
		keys:      make(map[string]identity.Key),
		snapshots: make(map[string][]domain.TimedItem),
		names:     make(map[string]string),
	}
}

func (e *Engine) touch(key identity.Key) {
	if _, ok := e.keys[key.ID]; !ok {
		e.order = append(e.order, key.ID)
		e.keys[key.ID] = key
		return
	}
	e.keys[key.ID] = e.keys[key.ID].Merge(key)
}

// SetSnapshot 用完整快照替换某个键的数据（拷贝输入）
func (e *Engine) SetSnapshot(key identity.Key, items []domain.TimedItem) {
	e.touch(key)
	cp := make([]domain.TimedItem, len(items))
	copy(cp, items)
	e.snapshots[key.ID] = cp
}

// ApplyItem 单条新增 / 修改（如完成状态切换）
func (e *Engine) ApplyItem(key identity.Key, item domain.TimedItem) {
	e.touch(key)
	cur := e.snapshots[key.ID]
	next := make([]domain.TimedItem, 0, len(cur)+1)
	replaced := false
	for _, it := range cur {
		if !replaced && item.ID != "" && it.ID == item.ID {
			next = append(next, item)
			replaced = true
			continue
		}
		next = append(next, it)
	}
	if !replaced {
		next = append(next, item)
	}
	e.snapshots[key.ID] = next
}

// RemoveItem 删除单条
func (e *Engine) RemoveItem(key identity.Key, itemID string) {
	cur, ok := e.snapshots[key.ID]
	if !ok {
		return
	}
	next := make([]domain.TimedItem, 0, len(cur))
	for _, it := range cur {
		if it.ID != itemID {
			next = append(next, it)
		}
	}
	e.snapshots[key.ID] = next
}

// RemoveKey 关联关系解除时清除该键的全部数据
func (e *Engine) RemoveKey(keyID string) {
	if _, ok := e.keys[keyID]; !ok {
		return
	}
	delete(e.keys, keyID)
	delete(e.snapshots, keyID)
	delete(e.names, keyID)
	for i, id := range e.order {
		if id == keyID {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
}

// SetName 设置键的展示名
func (e *Engine) SetName(keyID, name string) {
	if name != "" {
		e.names[keyID] = name
	}
}

// HasKey 是否已有该键
func (e *Engine) HasKey(keyID string) bool {
	_, ok := e.keys[keyID]
	return ok
}

// Snapshots 按首次出现顺序返回所有键的快照（拷贝）
func (e *Engine) Snapshots() []KeySnapshot {
	out := make([]KeySnapshot, 0, len(e.order))
	for _, id := range e.order {
		items := e.snapshots[id]
		cp := make([]domain.TimedItem, len(items))
		copy(cp, items)
		out = append(out, KeySnapshot{Key: e.keys[id], Items: cp})
	}
	return out
}

// Items 重新计算合并结果（每次返回新切片）
func (e *Engine) Items() []models.MergedItem {
	return Merge(e.Snapshots(), e.name)
}

func (e *Engine) name(key identity.Key) string {
	if n, ok := e.names[key.ID]; ok {
		return n
	}
	return DefaultName(key)
}
