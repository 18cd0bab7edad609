package domain

import (
	"encoding/json"
	"strings"
)

// Role 账号角色
type Role string

const (
	RoleElderly   Role = "elderly"
	RoleCaregiver Role = "caregiver"
	RoleAdmin     Role = "admin"
)

// ParseRole 兼容历史大小写写法（Elderly / CAREGIVER ...）
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "elderly", "elder", "senior":
		return RoleElderly
	case "caregiver", "carer":
		return RoleCaregiver
	case "admin":
		return RoleAdmin
	default:
		return Role(strings.ToLower(strings.TrimSpace(s)))
	}
}

// Account 账号记录（对应存储中的 Account/<sanitizedEmailKey>）
// 历史上出现过多种关联字段命名，原始字段全部保存在 Fields 中，由 resolver 按字段表解析
type Account struct {
	Email     string `json:"email"`
	UID       string `json:"uid"`
	Role      Role   `json:"role"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	DOB       string `json:"dob"`
	Phone     string `json:"phoneNum"`

	// Fields 原始记录的所有字段（含 elderlyId / elderlyIds / linkedElders 等）
	Fields map[string]json.RawMessage `json:"-"`
}

type accountAlias Account

// UnmarshalJSON 解析已知字段，同时保留全部原始字段
func (a *Account) UnmarshalJSON(data []byte) error {
	var alias accountAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*a = Account(alias)
	a.Role = ParseRole(string(alias.Role))
	a.Fields = fields
	return nil
}

// MarshalJSON 原始字段 + 已知字段（已知字段优先）
func (a Account) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(accountAlias(a))
	if err != nil {
		return nil, err
	}
	if len(a.Fields) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(a.Fields)+7)
	for k, v := range a.Fields {
		merged[k] = v
	}
	var knownFields map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownFields); err != nil {
		return nil, err
	}
	for k, v := range knownFields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// DisplayName 展示名称（姓名为空时退回 email / uid）
func (a *Account) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(a.FirstName) + " " + strings.TrimSpace(a.LastName))
	if name != "" {
		return name
	}
	if a.Email != "" {
		return a.Email
	}
	return a.UID
}

// Field 返回原始字段（不存在或为 null 时 ok=false）
func (a *Account) Field(name string) (json.RawMessage, bool) {
	if a == nil || a.Fields == nil {
		return nil, false
	}
	raw, ok := a.Fields[name]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	return raw, true
}

// LinkedRelationship 已解析的关联关系（viewer -> 被关联人的规范键）
type LinkedRelationship struct {
	Viewer      string `json:"viewer"`
	LinkedKey   string `json:"linkedKey"`
	SourceField string `json:"sourceField"`
	Self        bool   `json:"self"`
}
