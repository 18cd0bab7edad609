package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"wisefido-carelink/internal/domain"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisFeedSource 基于 Redis 的存储边界
// 数据：HASH <Category>/<physicalKey>（field = itemId，value = TimedItem JSON）
// 通知：PUBLISH 到同名频道，payload 为 ChangeNotice
type RedisFeedSource struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisFeedSource 创建 Redis 存储边界
func NewRedisFeedSource(client *redis.Client, logger *zap.Logger) *RedisFeedSource {
	return &RedisFeedSource{client: client, logger: logger}
}

// Exists 路径下是否有数据
func (s *RedisFeedSource) Exists(ctx context.Context, path Path) (bool, error) {
	n, err := s.client.Exists(ctx, path.String()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", path, err)
	}
	return n > 0, nil
}

// Load 读取路径下的全部条目
func (s *RedisFeedSource) Load(ctx context.Context, path Path) ([]domain.TimedItem, error) {
	fields, err := s.client.HGetAll(ctx, path.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	items := make([]domain.TimedItem, 0, len(fields))
	for id, raw := range fields {
		it, err := decodeItem(id, raw)
		if err != nil {
			s.logger.Warn("Skipping undecodable item",
				zap.String("path", path.ItemPath(id)),
				zap.Error(err),
			)
			continue
		}
		items = append(items, it)
	}
	sortByID(items)
	return items, nil
}

// Subscribe 先订阅频道再加载快照，保证不丢失中间的变更
func (s *RedisFeedSource) Subscribe(ctx context.Context, path Path) (Feed, error) {
	feedCtx, cancel := context.WithCancel(ctx)

	sub := s.client.Subscribe(feedCtx, path.String())
	if _, err := sub.Receive(feedCtx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", path, err)
	}

	f := &redisFeed{
		source: s,
		path:   path,
		sub:    sub,
		cancel: cancel,
		events: make(chan ItemEvent, 16),
	}
	go f.run(feedCtx)
	return f, nil
}

type redisFeed struct {
	source *RedisFeedSource
	path   Path
	sub    *redis.PubSub
	cancel context.CancelFunc
	events chan ItemEvent
	once   sync.Once
}

func (f *redisFeed) Events() <-chan ItemEvent {
	return f.events
}

func (f *redisFeed) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		err = f.sub.Close()
	})
	return err
}

func (f *redisFeed) run(ctx context.Context) {
	defer close(f.events)

	items, err := f.source.Load(ctx, f.path)
	if err != nil {
		f.emit(ctx, ItemEvent{Kind: EventError, Err: err})
		return
	}
	if !f.emit(ctx, ItemEvent{Kind: EventSnapshot, Items: items}) {
		return
	}

	ch := f.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					f.emit(ctx, ItemEvent{Kind: EventError, Err: fmt.Errorf("subscription %s closed", f.path)})
				}
				return
			}
			ev, err := f.handle(ctx, msg.Payload)
			if err != nil {
				f.emit(ctx, ItemEvent{Kind: EventError, Err: err})
				return
			}
			if ev == nil {
				continue
			}
			if !f.emit(ctx, *ev) {
				return
			}
		}
	}
}

// handle 把变更通知转换为事件；返回 nil 表示忽略该通知
func (f *redisFeed) handle(ctx context.Context, payload string) (*ItemEvent, error) {
	var notice ChangeNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil || notice.ItemID == "" {
		items, err := f.source.Load(ctx, f.path)
		if err != nil {
			return nil, err
		}
		return &ItemEvent{Kind: EventSnapshot, Items: items}, nil
	}

	if notice.Op == OpDelete {
		return &ItemEvent{Kind: EventDelete, ItemID: notice.ItemID}, nil
	}

	raw, err := f.source.client.HGet(ctx, f.path.String(), notice.ItemID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &ItemEvent{Kind: EventDelete, ItemID: notice.ItemID}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", f.path.ItemPath(notice.ItemID), err)
	}
	it, err := decodeItem(notice.ItemID, raw)
	if err != nil {
		f.source.logger.Warn("Skipping undecodable item",
			zap.String("path", f.path.ItemPath(notice.ItemID)),
			zap.Error(err),
		)
		return nil, nil
	}
	return &ItemEvent{Kind: EventUpsert, Items: []domain.TimedItem{it}}, nil
}

// emit 在订阅关闭时放弃发送，避免协程泄漏
func (f *redisFeed) emit(ctx context.Context, ev ItemEvent) bool {
	select {
	case f.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func decodeItem(id, raw string) (domain.TimedItem, error) {
	var it domain.TimedItem
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return domain.TimedItem{}, err
	}
	if it.ID == "" {
		it.ID = id
	}
	return it, nil
}
