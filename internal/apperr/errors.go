// 包 apperr：统一错误类别及其到 HTTP 状态码的映射
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind：返回给调用方的机器可读错误类别
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindUnauthorized      Kind = "unauthorized"
	KindDependency        Kind = "dependency"
	KindInternal          Kind = "internal"
)

// Error：类别、可读消息与可选的底层原因
// 约束：From/To 仅在 KindInvalidTransition 时填写
type Error struct {
	Kind    Kind
	Message string
	From    string
	To      string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidTransition：同时记录当前状态与请求的目标状态
func InvalidTransition(from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot transition from %q to %q", from, to),
		From:    from,
		To:      to,
	}
}

func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Dependency：包装存储或下游调用的失败与超时
func Dependency(op string, err error) *Error {
	return &Error{Kind: KindDependency, Message: op + " failed", Err: err}
}

// KindOf：取错误链中第一个 *Error 的类别，找不到时为 KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// HTTPStatus：REST 接口使用的状态码映射
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Message：可对外返回的消息
// 约束：依赖错误与内部错误的原因不外泄
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
