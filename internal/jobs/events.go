package jobs

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// イベント名。1ジョブにつき終端イベント（complete / failed）は
// ちょうど1回だけ発行されます。
const (
	EventStepChange     = "step-change"
	EventProgressUpdate = "progress-update"
	EventScrapePhase    = "scrape-phase"
	EventComplete       = "complete"
	EventFailed         = "failed"
)

// Event は購読者へ配信されるイベントの封筒です。
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// EventBus はジョブ単位のイベント配信チャネルです。
//
// Publish はベストエフォートの通知であり、失敗はログに残すだけで
// 再送も呼び出し元への伝播も行いません（意図的な弱い配信保証）。
// 購読者がいないことはエラーではありません。配信は揮発性で、
// イベント発生後に接続した購読者はそのイベントを受け取れません。
// 永続的な真実はあくまで Store が保持します。
type EventBus interface {
	Publish(ctx context.Context, jobID string, event string, data any)
	// Subscribe は指定ジョブのイベントを発生順に受け取るチャネルと、
	// 購読を解除するための関数を返します。
	Subscribe(ctx context.Context, jobID string) (<-chan Event, func())
}

// RedisBus は Redis Pub/Sub によるイベント配信の実装です。
// チャネル名はジョブIDごとに1つで、ジョブ間の順序は保証しません。
type RedisBus struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewRedisBus は RedisBus を作成します。
func NewRedisBus(rdb *redis.Client, logger *log.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger}
}

// Publish はイベントを発行します。失敗してもワーカーを止めません。
func (b *RedisBus) Publish(ctx context.Context, jobID string, event string, data any) {
	payload, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		b.logf("failed to encode event job=%s event=%s: %v", jobID, event, err)
		return
	}
	if err := b.rdb.Publish(ctx, eventChannel(jobID), payload).Err(); err != nil {
		b.logf("failed to publish event job=%s event=%s: %v", jobID, event, err)
	}
}

// Subscribe はジョブのイベントストリームを購読します。
func (b *RedisBus) Subscribe(ctx context.Context, jobID string) (<-chan Event, func()) {
	sub := b.rdb.Subscribe(ctx, eventChannel(jobID))

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logf("failed to decode event job=%s: %v", jobID, err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		_ = sub.Close()
	}
	return events, cancel
}

func (b *RedisBus) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func eventChannel(jobID string) string {
	return "jobs:events:" + jobID
}
