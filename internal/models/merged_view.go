package models

import (
	"time"

	"wisefido-carelink/internal/domain"
)

// MergedItem 合并视图中的单条记录（附带来源规范键与所属人展示名）
type MergedItem struct {
	domain.TimedItem
	SourceKey   string `json:"sourceKey"`
	OwnerName   string `json:"ownerName"`
	Unscheduled bool   `json:"unscheduled,omitempty"` // 日期/时间无法解析，排在最后
}

// MergedView 某个 viewer 在某个类别下的合并视图快照
// 快照只读：更新时整体替换，不做原地修改
type MergedView struct {
	ViewID     string          `json:"viewId"`
	Viewer     string          `json:"viewer"`
	Category   domain.Category `json:"category"`
	Generation uint64          `json:"generation"`
	Keys       []string        `json:"keys"`
	Items      []MergedItem    `json:"items"`
	FailedKeys []string        `json:"failedKeys,omitempty"`
	Notice     *Notice         `json:"notice,omitempty"`
	ProducedAt time.Time       `json:"producedAt"`
}

// Notice 可展示给用户的非致命提示（如 caregiver 尚未关联任何人、账号不存在）
type Notice struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// NewNotice 由 CareError 生成提示；err 为 nil 时返回 nil
func NewNotice(err *domain.CareError) *Notice {
	if err == nil {
		return nil
	}
	return &Notice{Kind: err.Kind, Message: err.Actionable()}
}

// Equal 比较两个提示（均可为 nil）
func (n *Notice) Equal(o *Notice) bool {
	if n == nil || o == nil {
		return n == o
	}
	return *n == *o
}

// Len 条目数
func (v *MergedView) Len() int {
	if v == nil {
		return 0
	}
	return len(v.Items)
}

// ItemIDs 按顺序返回条目 ID
func (v *MergedView) ItemIDs() []string {
	if v == nil {
		return nil
	}
	ids := make([]string, 0, len(v.Items))
	for _, it := range v.Items {
		ids = append(ids, it.ID)
	}
	return ids
}
