package subscription

import (
	"wisefido-carelink/internal/domain"
	"wisefido-carelink/internal/identity"
	"wisefido-carelink/internal/store"
)

// Encoding 物理键编码方式
type Encoding string

const (
	EncodingEmail Encoding = "email" // 邮箱存储键（分隔符已替换）
	EncodingUID   Encoding = "uid"   // 认证 UID
)

// DefaultEncodings 各类别历史上使用的物理键编码，按查找顺序排列
var DefaultEncodings = map[domain.Category][]Encoding{
	domain.CategoryAppointments: {EncodingEmail, EncodingUID},
	domain.CategoryMedications:  {EncodingUID, EncodingEmail},
	domain.CategoryReminders:    {EncodingEmail, EncodingUID},
}

func physicalKey(key identity.Key, enc Encoding) string {
	switch enc {
	case EncodingEmail:
		return key.EmailPath()
	case EncodingUID:
		return key.UIDPath()
	default:
		return ""
	}
}

// candidatePaths 按查找顺序列出该键在该类别下可能的存储路径（跳过未知编码）
func candidatePaths(encodings map[domain.Category][]Encoding, category domain.Category, key identity.Key) []store.Path {
	encs, ok := encodings[category]
	if !ok {
		encs = []Encoding{EncodingEmail, EncodingUID}
	}
	paths := make([]store.Path, 0, len(encs))
	for _, enc := range encs {
		if pk := physicalKey(key, enc); pk != "" {
			paths = append(paths, store.Path{Category: category, PhysicalKey: pk})
		}
	}
	return paths
}
