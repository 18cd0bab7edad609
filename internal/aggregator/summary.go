package aggregator

import (
	"encoding/json"

	"wisefido-carelink/internal/models"
)

// LocalSummary 本地统计：总数、已完成、未完成、按所属人计数
func LocalSummary(items []models.MergedItem) map[string]json.RawMessage {
	completed := 0
	byOwner := make(map[string]int)
	for _, it := range items {
		if it.Completed {
			completed++
		}
		owner := it.OwnerName
		if owner == "" {
			owner = it.SourceKey
		}
		byOwner[owner]++
	}

	summary := map[string]json.RawMessage{
		"total":     mustJSON(len(items)),
		"completed": mustJSON(completed),
		"pending":   mustJSON(len(items) - completed),
		"byOwner":   mustJSON(byOwner),
	}
	return summary
}

// mustJSON 仅用于 int / map[string]int，不会失败
func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
