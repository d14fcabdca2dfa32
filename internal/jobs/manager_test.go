package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/site-forge/internal/config"
	"github.com/yourusername/site-forge/internal/pipeline"
)

// memoryStore はテスト用のインメモリ Store 実装です。
// 保存された進捗率の履歴を記録し、単調性の検証に使います。
type memoryStore struct {
	mu          sync.Mutex
	records     map[string]*Record
	progressLog map[string][]int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		records:     make(map[string]*Record),
		progressLog: make(map[string][]int),
	}
}

func (s *memoryStore) Create(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	record.Status = StatusQueued
	record.Progress = ProgressInfo{Percent: 0, Step: "queued"}
	record.CreatedAt = now
	record.UpdatedAt = now
	clone := *record
	s.records[record.JobID] = &clone
	return nil
}

func (s *memoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (s *memoryStore) Claim(ctx context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if record.Status != StatusQueued {
		return nil, ErrNotClaimable
	}
	record.Status = StatusRunning
	record.StartedAt = time.Now().UTC()
	record.Progress = ProgressInfo{Percent: 0, Step: "starting"}
	clone := *record
	return &clone, nil
}

func (s *memoryStore) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return ErrNotFound
	}
	if record.Terminal() {
		return ErrJobFinished
	}
	record.Progress = progress
	s.progressLog[jobID] = append(s.progressLog[jobID], progress.Percent)
	return nil
}

func (s *memoryStore) MarkSucceeded(ctx context.Context, jobID string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return ErrNotFound
	}
	if record.Terminal() {
		return ErrJobFinished
	}
	record.Status = StatusSucceeded
	record.Progress = ProgressInfo{Percent: 100, Step: "completed"}
	record.Result = result
	record.FinishedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return ErrNotFound
	}
	if record.Terminal() {
		return ErrJobFinished
	}
	record.Status = StatusFailed
	record.Error = errInfo
	record.FinishedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return ErrNotFound
	}
	if record.Terminal() {
		return ErrJobFinished
	}
	record.Cancelled = true
	return nil
}

func (s *memoryStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return false, ErrNotFound
	}
	return record.Cancelled, nil
}

// memoryBus は発行されたイベントを記録するテスト用 EventBus です。
type memoryBus struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newMemoryBus() *memoryBus {
	return &memoryBus{events: make(map[string][]Event)}
}

func (b *memoryBus) Publish(ctx context.Context, jobID string, event string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[jobID] = append(b.events[jobID], Event{Event: event, Data: data})
}

func (b *memoryBus) Subscribe(ctx context.Context, jobID string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func (b *memoryBus) terminalCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, ev := range b.events[jobID] {
		if ev.Event == EventComplete || ev.Event == EventFailed {
			count++
		}
	}
	return count
}

func (b *memoryBus) names(jobID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for _, ev := range b.events[jobID] {
		names = append(names, ev.Event)
	}
	return names
}

// stubAnalysis は呼び出しを記録するテスト用の解析サービスです。
type stubAnalysis struct {
	mu    sync.Mutex
	calls int
	run   func(ctx context.Context, hooks pipeline.Hooks) (any, error)
}

func (s *stubAnalysis) ValidateInput(raw json.RawMessage) error {
	return nil
}

func (s *stubAnalysis) Analyze(ctx context.Context, raw json.RawMessage, owner Owner, hooks pipeline.Hooks) (any, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.run != nil {
		return s.run(ctx, hooks)
	}
	return map[string]any{"pagesCrawled": 1}, nil
}

func (s *stubAnalysis) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubContent struct {
	run func(ctx context.Context, hooks pipeline.Hooks) (any, error)
}

func (s *stubContent) ValidateInput(raw json.RawMessage) error {
	return nil
}

func (s *stubContent) Generate(ctx context.Context, raw json.RawMessage, owner Owner, hooks pipeline.Hooks) (any, error) {
	if s.run != nil {
		return s.run(ctx, hooks)
	}
	return map[string]any{"path": "articles/test.md"}, nil
}

func newTestManager(t *testing.T, store Store, bus EventBus, analysis AnalysisService, content ContentService) *Manager {
	t.Helper()
	cfg := &config.Config{
		QueueRedisURL:     "redis://127.0.0.1:6379/0",
		WorkerConcurrency: 1,
	}
	manager, err := NewManager(cfg, store, bus, analysis, content, nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return manager
}

func queueJob(t *testing.T, store Store, jobID string, jobType Type) {
	t.Helper()
	err := store.Create(context.Background(), &Record{
		JobID: jobID,
		Type:  jobType,
		Input: json.RawMessage(`{}`),
		Owner: Owner{UserID: "user-1"},
	})
	if err != nil {
		t.Fatalf("failed to create record: %v", err)
	}
}

func TestProcessJobSuccess(t *testing.T) {
	store := newMemoryStore()
	bus := newMemoryBus()
	analysis := &stubAnalysis{}
	manager := newTestManager(t, store, bus, analysis, &stubContent{})

	queueJob(t, store, "job-1", TypeWebsiteAnalysis)

	if err := manager.processJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("processJob returned error: %v", err)
	}

	record, _ := store.Get(context.Background(), "job-1")
	if record.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s", record.Status, StatusSucceeded)
	}
	if record.Progress.Percent != 100 {
		t.Fatalf("progress = %d, want 100", record.Progress.Percent)
	}
	if record.Result == nil {
		t.Fatal("result is nil for succeeded job")
	}
	if analysis.callCount() != 1 {
		t.Fatalf("handler invoked %d times, want 1", analysis.callCount())
	}
	if got := bus.terminalCount("job-1"); got != 1 {
		t.Fatalf("terminal events = %d, want exactly 1 (events: %v)", got, bus.names("job-1"))
	}
}

func TestProcessJobRedelivery(t *testing.T) {
	store := newMemoryStore()
	bus := newMemoryBus()
	analysis := &stubAnalysis{}
	manager := newTestManager(t, store, bus, analysis, &stubContent{})

	queueJob(t, store, "job-1", TypeWebsiteAnalysis)

	if err := manager.processJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("first delivery returned error: %v", err)
	}
	// 同じジョブIDの再配送。2回目のクレームは no-op で破棄される。
	if err := manager.processJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("redelivery returned error: %v", err)
	}

	if analysis.callCount() != 1 {
		t.Fatalf("handler invoked %d times after redelivery, want 1", analysis.callCount())
	}
	if got := bus.terminalCount("job-1"); got != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", got)
	}
}

func TestProcessJobConcurrentClaim(t *testing.T) {
	store := newMemoryStore()
	bus := newMemoryBus()
	// ハンドラーの実行中に2本目の配送が届いたケース。
	// status は既に running なので2本目は何もしない。
	analysis := &stubAnalysis{}
	manager := newTestManager(t, store, bus, analysis, &stubContent{})
	analysis.run = func(ctx context.Context, hooks pipeline.Hooks) (any, error) {
		if err := manager.processJob(ctx, "job-1"); err != nil {
			t.Errorf("second delivery returned error: %v", err)
		}
		return "done", nil
	}

	queueJob(t, store, "job-1", TypeWebsiteAnalysis)
	if err := manager.processJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("processJob returned error: %v", err)
	}

	if analysis.callCount() != 1 {
		t.Fatalf("handler invoked %d times, want 1", analysis.callCount())
	}
	if got := bus.terminalCount("job-1"); got != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", got)
	}
}

func TestProcessJobMissingRecord(t *testing.T) {
	store := newMemoryStore()
	bus := newMemoryBus()
	manager := newTestManager(t, store, bus, &stubAnalysis{}, &stubContent{})

	// レコードのない配送は握りつぶす（エラーではない）
	if err := manager.processJob(context.Background(), "no-such-job"); err != nil {
		t.Fatalf("processJob returned error for missing record: %v", err)
	}
	if len(bus.names("no-such-job")) != 0 {
		t.Fatalf("unexpected events for missing record: %v", bus.names("no-such-job"))
	}
}

func TestProcessJobCancelledBeforeClaim(t *testing.T) {
	store := newMemoryStore()
	bus := newMemoryBus()
	analysis := &stubAnalysis{}
	manager := newTestManager(t, store, bus, analysis, &stubContent{})

	queueJob(t, store, "job-1", TypeWebsiteAnalysis)
	if err := store.RequestCancel(context.Background(), "job-1"); err != nil {
		t.Fatalf("RequestCancel returned error: %v", err)
	}

	if err := manager.processJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("processJob returned error: %v", err)
	}

	if analysis.callCount() != 0 {
		t.Fatalf("handler invoked %d times for pre-cancelled job, want 0", analysis.callCount())
	}
	record, _ := store.Get(context.Background(), "job-1")
	if record.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", record.Status, StatusFailed)
	}
	if record.Error == nil || record.Error.Message != "Cancelled" {
		t.Fatalf("error = %+v, want message Cancelled", record.Error)
	}
	if got := bus.terminalCount("job-1"); got != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", got)
	}
}

func TestProcessJobCancelledDuringRun(t *testing.T) {
	store := newMemoryStore()
	bus := newMemoryBus()
	analysis := &stubAnalysis{
		run: func(ctx context.Context, hooks pipeline.Hooks) (any, error) {
			// 実行中に外部からキャンセルされ、チェックポイントで観測される。
			// パイプラインは完走して結果を返すが、結果は破棄されるべき。
			if err := store.RequestCancel(ctx, "job-1"); err != nil {
				return nil, err
			}
			if !hooks.Cancelled() {
				return nil, nil
			}
			return map[string]any{"pagesCrawled": 3}, nil
		},
	}
	manager := newTestManager(t, store, bus, analysis, &stubContent{})

	queueJob(t, store, "job-1", TypeWebsiteAnalysis)
	if err := manager.processJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("processJob returned error: %v", err)
	}

	record, _ := store.Get(context.Background(), "job-1")
	if record.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", record.Status, StatusFailed)
	}
	if record.Error == nil || record.Error.Code != CodeCancelled {
		t.Fatalf("error = %+v, want code %s", record.Error, CodeCancelled)
	}
	if record.Result != nil {
		t.Fatalf("result should be discarded for cancelled job, got %v", record.Result)
	}
	if got := bus.terminalCount("job-1"); got != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", got)
	}
}

func TestProcessJobHandlerDomainError(t *testing.T) {
	store := newMemoryStore()
	bus := newMemoryBus()
	content := &stubContent{
		run: func(ctx context.Context, hooks pipeline.Hooks) (any, error) {
			return nil, NewError(CodeInsufficientCredits, "クレジット残高が不足しています")
		},
	}
	manager := newTestManager(t, store, bus, &stubAnalysis{}, content)

	queueJob(t, store, "job-1", TypeContentGeneration)
	if err := manager.processJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("processJob returned error: %v", err)
	}

	record, _ := store.Get(context.Background(), "job-1")
	if record.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", record.Status, StatusFailed)
	}
	if record.Error == nil || record.Error.Code != CodeInsufficientCredits {
		t.Fatalf("error = %+v, want code %s", record.Error, CodeInsufficientCredits)
	}
	if got := bus.terminalCount("job-1"); got != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", got)
	}
}

func TestProcessJobUnknownType(t *testing.T) {
	store := newMemoryStore()
	bus := newMemoryBus()
	manager := newTestManager(t, store, bus, &stubAnalysis{}, &stubContent{})

	queueJob(t, store, "job-1", Type("bogus_type"))
	if err := manager.processJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("processJob returned error: %v", err)
	}

	record, _ := store.Get(context.Background(), "job-1")
	if record.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", record.Status, StatusFailed)
	}
	if record.Error == nil || record.Error.Code != CodeUnknownJobType {
		t.Fatalf("error = %+v, want code %s", record.Error, CodeUnknownJobType)
	}
}

func TestValidateInputUnknownType(t *testing.T) {
	manager := newTestManager(t, newMemoryStore(), newMemoryBus(), &stubAnalysis{}, &stubContent{})

	err := manager.validateInput(Type("bogus_type"), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected validation error for unknown job type")
	}
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
}
