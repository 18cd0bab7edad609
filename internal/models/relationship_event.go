package models

import "wisefido-carelink/internal/domain"

// EventRelationshipChanged 关联关系重新解析后对外发布的事件类型
const EventRelationshipChanged = "relationship.changed"

// RelationshipEvent 关联关系变更事件（发布到 Redis Streams，供下游服务刷新）
type RelationshipEvent struct {
	EventType     string                      `json:"event_type"`
	Viewer        string                      `json:"viewer"`
	Keys          []string                    `json:"keys"`
	Relationships []domain.LinkedRelationship `json:"relationships"`
	Notice        *Notice                     `json:"notice,omitempty"`
	Timestamp     int64                       `json:"timestamp"`
}
