package cafe24

import (
	"errors"
	"fmt"
)

// ==================== 错误分类 ====================

// Kind 错误类别
// 核心层对外暴露的所有失败最终都归入以下类别之一，
// 调用方（引擎 / 控制器）只依赖类别做决策，不解析错误文本
type Kind string

const (
	KindCorruptCredential Kind = "corrupt_credential"     // 凭证文件存在但无法解析，致命
	KindRefreshExpired    Kind = "refresh_expired"        // refresh 窗口已过，需要商家重新授权
	KindRefreshRejected   Kind = "refresh_rejected"       // 平台明确拒绝刷新（授权被撤销 / refresh_token 已被消费）
	KindAuthFailed        Kind = "authentication_failed"  // 透明刷新一次后仍返回 401
	KindForbidden         Kind = "forbidden"              // 403，scope 不足，不可重试
	KindNotFound          Kind = "not_found"              // 404
	KindRateLimited       Kind = "rate_limited"           // 429 且重试预算耗尽
	KindUpstream          Kind = "upstream"               // 5xx / 网络错误且重试预算耗尽
	KindValidation        Kind = "validation"             // 调用方输入非法（负价格、未知字段等）
	KindCancelled         Kind = "cancelled"              // 协作式取消
)

// Error 统一错误类型
// Method/Path/StatusCode/Attempts 仅在错误产生于一次具体 API 调用时填充
type Error struct {
	Kind       Kind
	StatusCode int
	Method     string
	Path       string
	Attempts   int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("cafe24: %s [%s %s -> %d, attempts=%d]: %s", e.Kind, e.Method, e.Path, e.StatusCode, e.Attempts, e.Message)
	}
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("cafe24: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("cafe24: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("cafe24: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造不带底层 error 的分类错误
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError 包装底层 error
func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf 取出错误类别，非本包错误统一归为 upstream
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUpstream
}

// IsKind 判断错误是否属于指定类别
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient 瞬态错误调用方可择机重试，其余为终态
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindRateLimited || k == KindUpstream
}

// FatalKind 会话级致命类别：继续发请求没有意义，整批任务应立刻停止
func FatalKind(k Kind) bool {
	return k == KindRefreshExpired || k == KindRefreshRejected || k == KindCorruptCredential
}

// IsFatalToSession 会话级致命错误判定
func IsFatalToSession(err error) bool {
	return FatalKind(KindOf(err))
}
