package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindNotFound               ErrorKind = "not_found"
	KindNoLinkedPerson         ErrorKind = "no_linked_person"
	KindSubscription           ErrorKind = "subscription"
	KindAggregationTimeout     ErrorKind = "aggregation_timeout"
	KindAggregationUnavailable ErrorKind = "aggregation_unavailable"
)

// 哨兵错误，配合 errors.Is 使用
var (
	ErrNotFound               = errors.New("not found")
	ErrNoLinkedPerson         = errors.New("no linked person")
	ErrSubscription           = errors.New("subscription failed")
	ErrAggregationTimeout     = errors.New("aggregation timeout")
	ErrAggregationUnavailable = errors.New("aggregation unavailable")
)

var kindSentinels = map[ErrorKind]error{
	KindNotFound:               ErrNotFound,
	KindNoLinkedPerson:         ErrNoLinkedPerson,
	KindSubscription:           ErrSubscription,
	KindAggregationTimeout:     ErrAggregationTimeout,
	KindAggregationUnavailable: ErrAggregationUnavailable,
}

// CareError 可恢复错误：不会终止查看会话，调用方按 Kind 决定展示方式
type CareError struct {
	Kind    ErrorKind
	Key     string // 相关的账号 / 规范键（可为空）
	Message string
	Err     error
}

// NewCareError 创建 CareError
func NewCareError(kind ErrorKind, key, message string, err error) *CareError {
	return &CareError{Kind: kind, Key: key, Message: message, Err: err}
}

func (e *CareError) Error() string {
	msg := string(e.Kind)
	if e.Key != "" {
		msg += " [" + e.Key + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CareError) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, ErrNotFound) 等判断对 CareError 生效
func (e *CareError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Actionable 面向用户的提示文案
func (e *CareError) Actionable() string {
	switch e.Kind {
	case KindNotFound:
		return "We couldn't find this account. Check the email address or ask the person to register first."
	case KindNoLinkedPerson:
		return "No elderly person is linked to your account yet. Link one from your profile to see their schedule."
	case KindSubscription:
		return "Some live data could not be loaded. Showing what is available."
	case KindAggregationTimeout, KindAggregationUnavailable:
		return "The full schedule is temporarily unavailable. Showing locally synced items."
	default:
		return e.Error()
	}
}

// KindOf 提取错误分类（非 CareError 时返回空）
func KindOf(err error) ErrorKind {
	var ce *CareError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
