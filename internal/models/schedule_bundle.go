package models

import "encoding/json"

// BundleSource 日程数据来源
type BundleSource string

const (
	SourceRemote BundleSource = "remote"
	SourceLocal  BundleSource = "local"
)

// ScheduleBundle 跨类别日程聚合结果
type ScheduleBundle struct {
	PersonKey string                     `json:"personKey"`
	Items     []MergedItem               `json:"items"`
	Summary   map[string]json.RawMessage `json:"summary,omitempty"`
	Degraded  bool                       `json:"degraded"`
	Source    BundleSource               `json:"source"`
	Reason    string                     `json:"reason,omitempty"` // 降级原因（aggregation_timeout / aggregation_unavailable）
}

// AggregateRequest 外部聚合接口请求体
type AggregateRequest struct {
	UserID string `json:"userId"`
}

// AggregateResponse 外部聚合接口响应体
type AggregateResponse struct {
	Success  bool                       `json:"success"`
	Schedule []json.RawMessage          `json:"schedule"`
	Summary  map[string]json.RawMessage `json:"summary"`
	Error    string                     `json:"error,omitempty"`
}
