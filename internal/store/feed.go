package store

import (
	"context"
	"fmt"

	"wisefido-carelink/internal/domain"
)

// Path 存储路径：<Category>/<physicalKey>，条目位于 <Category>/<physicalKey>/<itemId>
type Path struct {
	Category    domain.Category
	PhysicalKey string
}

func (p Path) String() string {
	return fmt.Sprintf("%s/%s", p.Category, p.PhysicalKey)
}

// ItemPath 单条记录的完整路径
func (p Path) ItemPath(itemID string) string {
	return p.String() + "/" + itemID
}

// EventKind 推送事件类型
type EventKind int

const (
	EventSnapshot EventKind = iota // 完整快照
	EventUpsert                    // 单条新增 / 修改
	EventDelete                    // 单条删除
	EventError                     // 订阅出错，之后不再有事件
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventUpsert:
		return "upsert"
	case EventDelete:
		return "delete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ItemEvent 订阅推送的事件
type ItemEvent struct {
	Kind   EventKind
	Items  []domain.TimedItem // EventSnapshot: 全部条目；EventUpsert: 一条
	ItemID string             // EventDelete
	Err    error              // EventError
}

// Feed 一个路径上的实时订阅；Close 幂等
type Feed interface {
	Events() <-chan ItemEvent
	Close() error
}

// FeedSource 支持按路径订阅的层级存储
type FeedSource interface {
	Exists(ctx context.Context, path Path) (bool, error)
	Subscribe(ctx context.Context, path Path) (Feed, error)
}

// ChangeNotice 路径变更通知（发布在与路径同名的频道上）
// ItemID 为空表示需要整体重新加载
type ChangeNotice struct {
	ItemID string `json:"itemId"`
	Op     string `json:"op"` // upsert / delete
}

const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)
