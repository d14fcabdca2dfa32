package jobs

import (
	"encoding/json"
	"time"
)

// Type はジョブの種別を表します。
// ディスパッチは既知の種別に対する網羅的な switch で行い、
// 新しい種別を追加する際はハンドラー登録を忘れると実行時に
// UNKNOWN_JOB_TYPE として検出されます。
type Type string

const (
	TypeWebsiteAnalysis   Type = "website_analysis"
	TypeContentGeneration Type = "content_generation"
)

// Status はジョブの実行状態を表します。
// 遷移は queued → running → (succeeded | failed) の一方向のみです。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Owner はジョブを作成した呼び出し元の識別情報です。作成後は不変です。
type Owner struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
}

// ProgressInfo は進捗の現在値を表します。
// Percent はジョブ実行中、単調非減少であることが保証されます。
type ProgressInfo struct {
	Percent    int    `json:"percent"`
	Step       string `json:"step,omitempty"`
	ETASeconds int    `json:"estimatedSecondsRemaining,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
// running 以降は、クレームに成功したワーカーだけがこのレコードを変更します。
type Record struct {
	JobID      string          `json:"jobId"`
	Type       Type            `json:"type"`
	Status     Status          `json:"status"`
	Input      json.RawMessage `json:"input,omitempty"`
	Owner      Owner           `json:"owner"`
	Progress   ProgressInfo    `json:"progress"`
	Result     any             `json:"result,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	Cancelled  bool            `json:"cancelled,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  time.Time       `json:"startedAt,omitzero"`
	FinishedAt time.Time       `json:"finishedAt,omitzero"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	ExpiresAt  time.Time       `json:"expiresAt,omitzero"`
}

// Terminal はジョブが終端状態に達しているかを返します。
func (r *Record) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}
