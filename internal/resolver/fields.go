package resolver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ExtractFunc 从原始字段值中取出关联标识符
type ExtractFunc func(raw json.RawMessage) ([]string, error)

// LinkField 历史关联字段定义
type LinkField struct {
	Name    string
	Extract ExtractFunc
}

// LinkFields 历史关联字段表（顺序即合并顺序）
// 新增一种历史字段名只需要在这里加一行
var LinkFields = []LinkField{
	{Name: "elderlyId", Extract: extractSingle},
	{Name: "elderlyIds", Extract: extractArray},
	{Name: "linkedElders", Extract: extractArray},
	{Name: "linkedElderUids", Extract: extractArray},
	{Name: "elderlyUids", Extract: extractArray},
}

// extractSingle 单值字段：字符串
func extractSingle(raw json.RawMessage) ([]string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("expected string: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return []string{s}, nil
}

// extractArray 数组字段：["a", "b"]，或旧版的键集合 {"a": true, "k": "b"}
func extractArray(raw json.RawMessage) ([]string, error) {
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}

	var set map[string]interface{}
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("expected array or keyed set")
	}
	// map 无序，按键排序保证结果稳定
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(set))
	for _, k := range keys {
		switch v := set[k].(type) {
		case bool:
			if v && strings.TrimSpace(k) != "" {
				out = append(out, k)
			}
		case string:
			if strings.TrimSpace(v) != "" {
				out = append(out, v)
			}
		}
	}
	return out, nil
}
