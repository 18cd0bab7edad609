package domain

import (
	"strings"
	"time"
)

// Category 数据类别（决定存储路径的第一段）
type Category string

const (
	CategoryAppointments Category = "Appointments"
	CategoryMedications  Category = "Medications"
	CategoryReminders    Category = "Reminders"
)

// ParseCategory 解析类别名称（大小写不敏感，兼容单数形式）
func ParseCategory(s string) (Category, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "appointments", "appointment":
		return CategoryAppointments, true
	case "medications", "medication":
		return CategoryMedications, true
	case "reminders", "reminder", "routines", "routine":
		return CategoryReminders, true
	default:
		return "", false
	}
}

// TimedItem 预约 / 用药 / 提醒 / 日常活动
type TimedItem struct {
	ID        string   `json:"id"`
	Owner     string   `json:"owner"`
	Category  Category `json:"category,omitempty"`
	Title     string   `json:"title"`
	Notes     string   `json:"notes,omitempty"`
	Location  string   `json:"location,omitempty"`
	Date      string   `json:"date"`
	Time      string   `json:"time,omitempty"`
	Completed bool     `json:"completed"`
	UpdatedAt int64    `json:"updatedAt"` // unix millis
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "02/01/2006"}

var timeLayouts = []string{"15:04", "15:04:05", "3:04 PM", "3:04PM"}

var dateTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"}

// EffectiveAt 计算生效时间；缺少时间按当天 00:00；无法解析时 ok=false
func (t TimedItem) EffectiveAt() (time.Time, bool) {
	date := strings.TrimSpace(t.Date)
	clock := strings.TrimSpace(t.Time)
	if date == "" {
		return time.Time{}, false
	}

	// date 字段本身携带完整时间戳时以其为准
	for _, layout := range dateTimeLayouts {
		if ts, err := time.Parse(layout, date); err == nil {
			return ts.UTC(), true
		}
	}

	day, ok := parseDate(date)
	if !ok {
		return time.Time{}, false
	}
	if clock == "" {
		return day, true
	}
	for _, layout := range timeLayouts {
		if tod, err := time.Parse(layout, clock); err == nil {
			return day.Add(time.Duration(tod.Hour())*time.Hour +
				time.Duration(tod.Minute())*time.Minute +
				time.Duration(tod.Second())*time.Second), true
		}
	}
	return time.Time{}, false
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.UTC(), true
		}
	}
	return time.Time{}, false
}
