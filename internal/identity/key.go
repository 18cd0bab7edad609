package identity

import "strings"

// uidPrefix 仅由 UID 构成（无法映射到邮箱）的规范键前缀
const uidPrefix = "uid:"

// separatorEncodings 存储键对邮箱分隔符的已知编码方式（'.' 与 ',' 均被替换为 '_'）
var separatorEncodings = strings.NewReplacer(
	".", "_",
	",", "_",
)

// Key 规范身份键：同一个人的 email / 存储键 / UID 都收敛到同一个 ID
type Key struct {
	ID       string `json:"id"`                 // 可比较的规范 ID
	EmailKey string `json:"emailKey,omitempty"` // 邮箱存储键（已替换分隔符）
	UID      string `json:"uid,omitempty"`      // 认证 UID
	Raw      string `json:"raw,omitempty"`      // 首次出现的原始写法
}

// Equal 规范 ID 相同即视为同一个人
func (k Key) Equal(o Key) bool {
	return k.ID != "" && k.ID == o.ID
}

// IsZero 空键
func (k Key) IsZero() bool {
	return k.ID == ""
}

func (k Key) String() string {
	return k.ID
}

// EmailPath 邮箱编码的物理键（未知时为空）
func (k Key) EmailPath() string {
	return k.EmailKey
}

// UIDPath UID 编码的物理键（未知时为空）
func (k Key) UIDPath() string {
	return k.UID
}

// Merge 合并另一写法带来的别名（ID 不变）
func (k Key) Merge(o Key) Key {
	if k.EmailKey == "" {
		k.EmailKey = o.EmailKey
	}
	if k.UID == "" {
		k.UID = o.UID
	}
	if k.Raw == "" {
		k.Raw = o.Raw
	}
	return k
}

// IsEmailLike 邮箱或邮箱存储键（包含 '@'）
func IsEmailLike(identifier string) bool {
	return strings.Contains(identifier, "@")
}

// SanitizeEmail 邮箱 -> 存储键（小写 + 分隔符替换）；对已替换过的存储键幂等
// 邮箱按不区分大小写处理，存储中的键均为小写
func SanitizeEmail(email string) string {
	return separatorEncodings.Replace(strings.ToLower(strings.TrimSpace(email)))
}

// Canonicalize 仅依据写法（不查询资料）得到规范 ID
// 邮箱与存储键 -> 存储键；其他视为不透明 UID，保留大小写
func Canonicalize(identifier string) string {
	s := strings.TrimSpace(identifier)
	if s == "" {
		return ""
	}
	if IsEmailLike(s) {
		return SanitizeEmail(s)
	}
	if strings.HasPrefix(s, uidPrefix) {
		return s
	}
	return uidPrefix + s
}

// spellingKey 仅依据写法构造 Key
func spellingKey(identifier string) Key {
	s := strings.TrimSpace(identifier)
	id := Canonicalize(s)
	if id == "" {
		return Key{}
	}
	if IsEmailLike(s) {
		return Key{ID: id, EmailKey: id, Raw: s}
	}
	return Key{ID: id, UID: strings.TrimPrefix(s, uidPrefix), Raw: s}
}
