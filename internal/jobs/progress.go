package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/yourusername/site-forge/internal/pipeline"
)

// Tracker はパイプライン内部の（フェーズ番号, フェーズ内進捗率）を
// ジョブ全体の単調な 0〜100% へ変換し、Store への保存と EventBus への
// 配信を行います。全フェーズは等しい重み w = 100/N を持ちます。
//
// Tracker は1ジョブにつき1つ作られます。報告された進捗率が
// 一度でも記録された値を下回ることはありません。
type Tracker struct {
	store  Store
	bus    EventBus
	logger *log.Logger
	jobID  string
	phases int

	mu          sync.Mutex
	lastPercent int
	lastStep    string
}

// NewTracker は Tracker を作成します。phases は総フェーズ数です。
func NewTracker(store Store, bus EventBus, logger *log.Logger, jobID string, phases int) *Tracker {
	if phases <= 0 {
		phases = 1
	}
	return &Tracker{
		store:  store,
		bus:    bus,
		logger: logger,
		jobID:  jobID,
		phases: phases,
	}
}

// Report は pipeline.ProgressFunc として Hooks に渡されます。
func (t *Tracker) Report(ctx context.Context) pipeline.ProgressFunc {
	return func(phase int, label string, percent int, etaSeconds int, extra map[string]any) {
		t.report(ctx, phase, label, percent, etaSeconds, extra)
	}
}

func (t *Tracker) report(ctx context.Context, phase int, label string, percent int, etaSeconds int, extra map[string]any) {
	// スクレイピングの細分フェーズは実況用の独立イベントとして流すだけで、
	// 進捗率には一切影響させない。
	if extra != nil {
		if scrapePhase, ok := extra[pipeline.ExtraScrapePhase]; ok {
			t.bus.Publish(ctx, t.jobID, EventScrapePhase, map[string]any{
				"scrapePhase": scrapePhase,
			})
		}
	}

	jobPercent := t.translate(phase, percent)
	step := composeStep(label, extra)

	t.mu.Lock()
	if jobPercent < t.lastPercent {
		// 単調性の保証。フェーズ境界の丸め誤差などで一瞬小さい値が
		// 報告されても、保存済みの進捗率を決して下げない。
		jobPercent = t.lastPercent
	}
	t.lastPercent = jobPercent
	stepChanged := step != "" && step != t.lastStep
	if stepChanged {
		t.lastStep = step
	}
	t.mu.Unlock()

	progress := ProgressInfo{
		Percent:    jobPercent,
		Step:       step,
		ETASeconds: etaSeconds,
	}
	if err := t.store.UpdateProgress(ctx, t.jobID, progress); err != nil {
		if !errors.Is(err, ErrJobFinished) {
			t.logf("failed to update progress job=%s: %v", t.jobID, err)
		}
		return
	}

	if stepChanged {
		t.bus.Publish(ctx, t.jobID, EventStepChange, map[string]any{
			"step": step,
		})
	}
	t.bus.Publish(ctx, t.jobID, EventProgressUpdate, progress)
}

// translate は等重みフェーズの重み付け計算を行います。
func (t *Tracker) translate(phase int, percent int) int {
	if phase < 0 {
		phase = 0
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	w := 100.0 / float64(t.phases)
	jobPercent := int(math.Round(float64(phase)*w + float64(percent)/100.0*w))
	if jobPercent > 100 {
		jobPercent = 100
	}
	return jobPercent
}

// Percent は最後に報告されたジョブ全体の進捗率を返します。
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPercent
}

func (t *Tracker) logf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// composeStep はフェーズのラベルと補足情報から現在ステップの表示名を組み立てます。
func composeStep(label string, extra map[string]any) string {
	if extra != nil {
		if detail, ok := extra[pipeline.ExtraDetail].(string); ok && detail != "" {
			return fmt.Sprintf("%s: %s", label, detail)
		}
	}
	return label
}
