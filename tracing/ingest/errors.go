package ingest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/BaSui01/spanflow/types"
)

// Kind 请求级错误分类
type Kind int

const (
	KindBadRequest Kind = iota + 1
	KindTooLarge
	KindQuotaDenied
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindTooLarge:
		return "too_large"
	case KindQuotaDenied:
		return "quota_denied"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error 请求级失败。Message 可直接返回给调用方，Err 只进日志。
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingest %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("ingest %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus 错误对应的 HTTP 状态码，只会是 400/403/413/500
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindQuotaDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Code 统一错误码
func (e *Error) Code() types.ErrorCode {
	switch e.Kind {
	case KindBadRequest:
		return types.ErrInvalidRequest
	case KindTooLarge:
		return types.ErrPayloadTooLarge
	case KindQuotaDenied:
		return types.ErrQuotaExceeded
	default:
		return types.ErrInternalError
	}
}

// AsError 提取 *Error，非 *Error 的错误视为内部错误
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}
