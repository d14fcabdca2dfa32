// Package jobs は非同期ジョブの投入・実行・状態管理を提供します。
//
// キューは at-least-once 配信であり、同じジョブIDが複数回、あるいは
// 複数ワーカーに届くことがあります。重複はクレーム時の状態チェック
// （queued 以外なら破棄）で検出します。クラッシュ後の自動再実行は
// 行わない方針で、タスクは MaxRetry(0) で投入されます。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/site-forge/internal/config"
	"github.com/yourusername/site-forge/internal/pipeline"
)

const (
	taskTypeJob = "job:run"
	queueName   = "jobs"
)

// フェーズ数はジョブ種別ごとに固定です。進捗の重み付けに使われます。
const (
	analysisPhaseCount = 4
	contentPhaseCount  = 3
)

// AnalysisService はサイト解析パイプラインを実行できるサービスが実装します。
type AnalysisService interface {
	ValidateInput(raw json.RawMessage) error
	Analyze(ctx context.Context, raw json.RawMessage, owner Owner, hooks pipeline.Hooks) (any, error)
}

// ContentService はコンテンツ生成パイプラインを実行できるサービスが実装します。
type ContentService interface {
	ValidateInput(raw json.RawMessage) error
	Generate(ctx context.Context, raw json.RawMessage, owner Owner, hooks pipeline.Hooks) (any, error)
}

// Manager はジョブの投入とワーカー実行を担います。
type Manager struct {
	cfg      *config.Config
	client   *asynq.Client
	server   *asynq.Server
	mux      *asynq.ServeMux
	store    Store
	bus      EventBus
	analysis AnalysisService
	content  ContentService
	logger   *log.Logger
}

// TaskPayload はキューに流れるメッセージです。ジョブの実体は Store が
// 持つため、メッセージは「このIDが実行可能になった」という通知のみです。
type TaskPayload struct {
	JobID string `json:"jobId"`
	Type  Type   `json:"type"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store Store, bus EventBus, analysis AnalysisService, content ContentService, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if bus == nil {
		return nil, errors.New("bus is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:      cfg,
		client:   client,
		server:   server,
		mux:      mux,
		store:    store,
		bus:      bus,
		analysis: analysis,
		content:  content,
		logger:   logger,
	}
	mux.HandleFunc(taskTypeJob, manager.handleJobTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// Enqueue は入力を検証し、ジョブレコードを作成してキューへ投入します。
// 入力不正は ValidationError として同期的に返し、レコードは作成しません。
func (m *Manager) Enqueue(ctx context.Context, jobType Type, input json.RawMessage, owner Owner) (*Record, error) {
	if err := m.validateInput(jobType, input); err != nil {
		return nil, err
	}

	record := &Record{
		JobID: uuid.NewString(),
		Type:  jobType,
		Input: input,
		Owner: owner,
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}

	body, err := json.Marshal(TaskPayload{JobID: record.JobID, Type: jobType})
	if err != nil {
		return nil, err
	}

	task := asynq.NewTask(taskTypeJob, body, asynq.Queue(queueName))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return nil, err
	}
	return record, nil
}

func (m *Manager) validateInput(jobType Type, input json.RawMessage) error {
	switch jobType {
	case TypeWebsiteAnalysis:
		if m.analysis == nil {
			return NewValidationError("job type is not available: %s", jobType)
		}
		return m.analysis.ValidateInput(input)
	case TypeContentGeneration:
		if m.content == nil {
			return NewValidationError("job type is not available: %s", jobType)
		}
		return m.content.ValidateInput(input)
	default:
		return NewValidationError("unknown job type: %s", jobType)
	}
}

// GetRecord はジョブ情報を取得します。存在しない場合は (nil, nil) です。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// Cancel はキャンセルフラグを立てます。実行中のパイプラインが次の
// チェックポイントで検出するまで、ジョブは走り続けることがあります。
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	return m.store.RequestCancel(ctx, jobID)
}

// Subscribe はジョブのイベントストリームを購読します。
func (m *Manager) Subscribe(ctx context.Context, jobID string) (<-chan Event, func()) {
	return m.bus.Subscribe(ctx, jobID)
}

func (m *Manager) handleJobTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}
	return m.processJob(ctx, payload.JobID)
}

// processJob は配送された1件のジョブを処理します。
// nil を返した配送は完了扱いとなり、キューから再配送されません。
func (m *Manager) processJob(ctx context.Context, jobID string) error {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if record == nil {
		// レコードがTTLで消えた後の遅延配送。エラーにはしない。
		m.logf("discarding stale delivery: job not found job=%s", jobID)
		return nil
	}

	claimed, err := m.store.Claim(ctx, jobID)
	if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrNotFound) {
		// 再配送された重複メッセージ。別のワーカーが既に処理している。
		m.logf("discarding stale delivery: job not claimable job=%s status=%s", jobID, record.Status)
		return nil
	}
	if err != nil {
		return err
	}

	m.bus.Publish(ctx, jobID, EventStepChange, map[string]any{
		"step": claimed.Progress.Step,
	})

	// クレーム前にキャンセル済みならハンドラーを一切呼ばない。
	if claimed.Cancelled {
		return m.finalizeCancelled(ctx, jobID)
	}

	probe := &cancelProbe{store: m.store, jobID: jobID, logger: m.logger}
	tracker := NewTracker(m.store, m.bus, m.logger, jobID, phaseCount(claimed.Type))
	hooks := pipeline.Hooks{
		OnProgress:  tracker.Report(ctx),
		IsCancelled: probe.Check(ctx),
	}

	result, runErr := m.dispatch(ctx, claimed, hooks)

	// キャンセルは他のどの結果よりも優先される。パイプラインが
	// 完走した後でも、フラグが立っていれば結果は破棄される。
	if probe.Observed() || m.cancelledNow(ctx, jobID) {
		return m.finalizeCancelled(ctx, jobID)
	}
	if runErr != nil {
		return m.finalizeFailed(ctx, jobID, runErr)
	}
	return m.finalizeSucceeded(ctx, jobID, result)
}

// dispatch はジョブ種別ごとのハンドラーへ網羅的に振り分けます。
func (m *Manager) dispatch(ctx context.Context, record *Record, hooks pipeline.Hooks) (any, error) {
	switch record.Type {
	case TypeWebsiteAnalysis:
		if m.analysis == nil {
			return nil, NewError(CodeUnknownJobType, fmt.Sprintf("no handler registered for job type: %s", record.Type))
		}
		return m.analysis.Analyze(ctx, record.Input, record.Owner, hooks)
	case TypeContentGeneration:
		if m.content == nil {
			return nil, NewError(CodeUnknownJobType, fmt.Sprintf("no handler registered for job type: %s", record.Type))
		}
		return m.content.Generate(ctx, record.Input, record.Owner, hooks)
	default:
		return nil, NewError(CodeUnknownJobType, fmt.Sprintf("unknown job type: %s", record.Type))
	}
}

func (m *Manager) finalizeSucceeded(ctx context.Context, jobID string, result any) error {
	if err := m.store.MarkSucceeded(ctx, jobID, result); err != nil {
		return err
	}
	m.bus.Publish(ctx, jobID, EventComplete, map[string]any{
		"result": result,
	})
	return nil
}

func (m *Manager) finalizeFailed(ctx context.Context, jobID string, runErr error) error {
	errInfo := &ErrorInfo{Code: CodeInternalError, Message: runErr.Error()}
	var domainErr *Error
	if errors.As(runErr, &domainErr) {
		errInfo = &ErrorInfo{Code: domainErr.Code, Message: domainErr.Message}
	}
	if err := m.store.MarkFailed(ctx, jobID, errInfo); err != nil {
		return err
	}
	m.bus.Publish(ctx, jobID, EventFailed, map[string]any{
		"error": errInfo,
	})
	return nil
}

func (m *Manager) finalizeCancelled(ctx context.Context, jobID string) error {
	errInfo := &ErrorInfo{Code: CodeCancelled, Message: "Cancelled"}
	if err := m.store.MarkFailed(ctx, jobID, errInfo); err != nil {
		return err
	}
	m.bus.Publish(ctx, jobID, EventFailed, map[string]any{
		"error": errInfo,
	})
	return nil
}

func (m *Manager) cancelledNow(ctx context.Context, jobID string) bool {
	cancelled, err := m.store.IsCancelled(ctx, jobID)
	if err != nil {
		m.logf("failed to read cancel flag job=%s: %v", jobID, err)
		return false
	}
	return cancelled
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func phaseCount(jobType Type) int {
	switch jobType {
	case TypeContentGeneration:
		return contentPhaseCount
	default:
		return analysisPhaseCount
	}
}

// cancelProbe は永続化されたキャンセルフラグをポーリングする協調的
// キャンセルのトークンです。一度 true を観測したら以後は Store に
// 問い合わせず true を返し続けます。読み取りエラーはログに残し、
// キャンセルなしとして扱います。
type cancelProbe struct {
	store    Store
	jobID    string
	logger   *log.Logger
	observed atomic.Bool
}

// Check はパイプラインへ渡すキャンセル判定関数を返します。
func (p *cancelProbe) Check(ctx context.Context) func() bool {
	return func() bool {
		if p.observed.Load() {
			return true
		}
		cancelled, err := p.store.IsCancelled(ctx, p.jobID)
		if err != nil {
			if p.logger != nil {
				p.logger.Printf("failed to read cancel flag job=%s: %v", p.jobID, err)
			}
			return false
		}
		if cancelled {
			p.observed.Store(true)
		}
		return cancelled
	}
}

// Observed は実行中に一度でもキャンセルを観測したかを返します。
func (p *cancelProbe) Observed() bool {
	return p.observed.Load()
}
