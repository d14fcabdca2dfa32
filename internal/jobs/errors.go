package jobs

import (
	"errors"
	"fmt"
)

// ドメインエラーの機械可読コード。
const (
	CodeCancelled           = "CANCELLED"
	CodeUnknownJobType      = "UNKNOWN_JOB_TYPE"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeInternalError       = "INTERNAL_ERROR"
)

// Error はジョブ実行中に発生したドメイン固有の失敗を表します。
// Code と Message はそのままジョブレコードに記録されます。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError はドメインエラーを作成します。
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ValidationError は投入時の入力不正を表します。
// ジョブレコードは作成されず、呼び出し元へ同期的に返されます。
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError は入力バリデーションエラーを作成します。
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ストア操作のセンチネルエラー。
var (
	// ErrNotFound は対象のジョブが存在しないことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrNotClaimable は queued 以外の状態のジョブをクレームしようとしたことを表します。
	// 再配送された重複メッセージの検出に使われる、致命的でない内部エラーです。
	ErrNotClaimable = errors.New("job is not claimable")
	// ErrJobFinished は終端状態のレコードへの書き込みを拒否したことを表します。
	ErrJobFinished = errors.New("job already finished")
)
