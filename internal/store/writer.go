package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"wisefido-carelink/internal/domain"

	"github.com/go-redis/redis/v8"
)

// ItemWriter 写入条目并发布变更通知（运维工具与测试使用）
type ItemWriter struct {
	client *redis.Client
}

// NewItemWriter 创建写入器
func NewItemWriter(client *redis.Client) *ItemWriter {
	return &ItemWriter{client: client}
}

// Put 写入单条并通知订阅者
func (w *ItemWriter) Put(ctx context.Context, path Path, item domain.TimedItem) error {
	if item.ID == "" {
		return fmt.Errorf("item id is required")
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	notice, _ := json.Marshal(ChangeNotice{ItemID: item.ID, Op: OpUpsert})

	_, err = w.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, path.String(), item.ID, raw)
		p.Publish(ctx, path.String(), notice)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", path.ItemPath(item.ID), err)
	}
	return nil
}

// Delete 删除单条并通知订阅者
func (w *ItemWriter) Delete(ctx context.Context, path Path, itemID string) error {
	notice, _ := json.Marshal(ChangeNotice{ItemID: itemID, Op: OpDelete})

	_, err := w.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, path.String(), itemID)
		p.Publish(ctx, path.String(), notice)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path.ItemPath(itemID), err)
	}
	return nil
}

func sortByID(items []domain.TimedItem) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}
