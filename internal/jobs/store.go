package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"

	// WATCH衝突時の再試行上限。running のジョブは単一ワーカー所有のため
	// 衝突するのは外部からのキャンセル要求との競合時のみです。
	maxTxRetries = 5
)

// Store はジョブ状態の永続化層です。ジョブの受理判断と最終結果の正とな
// る情報源であり、イベント配信と異なり内容は必ず保存されます。
type Store interface {
	// Create は status=queued, progress=0 のレコードを新規作成します。
	Create(ctx context.Context, record *Record) error
	// Get はジョブを取得します。存在しない場合は (nil, nil) を返します。
	Get(ctx context.Context, jobID string) (*Record, error)
	// Claim は queued のジョブを running へ原子的に遷移させます。
	// queued 以外の場合は ErrNotClaimable を返します（再配送の検出）。
	Claim(ctx context.Context, jobID string) (*Record, error)
	// UpdateProgress は実行中ジョブの進捗を更新します。
	// 終端状態のレコードに対しては ErrJobFinished を返します。
	UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error
	// MarkSucceeded はジョブを succeeded で確定し、結果を保存します。
	MarkSucceeded(ctx context.Context, jobID string, result any) error
	// MarkFailed はジョブを failed で確定し、エラー情報を保存します。
	MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error
	// RequestCancel はキャンセルフラグを立てます。終端後は無視されます。
	RequestCancel(ctx context.Context, jobID string) error
	// IsCancelled はキャンセルフラグの現在値を返します。
	IsCancelled(ctx context.Context, jobID string) (bool, error)
}

// RedisStore はジョブ状態を Redis に保存する Store 実装です。
// 1ジョブ=1キーのJSONとして保持し、部分更新は WATCH による
// 楽観的トランザクションで行います。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create は status=queued のレコードを保存します。
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("jobID is required")
	}
	now := time.Now().UTC()
	record.Status = StatusQueued
	record.Progress = ProgressInfo{Percent: 0, Step: "queued"}
	record.CreatedAt = now
	record.UpdatedAt = now
	if s.ttl > 0 {
		record.ExpiresAt = now.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Claim は queued → running の遷移を原子的に行います。
func (s *RedisStore) Claim(ctx context.Context, jobID string) (*Record, error) {
	return s.updatePartial(ctx, jobID, func(record *Record) error {
		if record.Status != StatusQueued {
			return ErrNotClaimable
		}
		record.Status = StatusRunning
		record.StartedAt = time.Now().UTC()
		record.Progress = ProgressInfo{Percent: 0, Step: "starting"}
		return nil
	})
}

// UpdateProgress は進捗を更新します。終端後の遅延コールバックによる
// 書き込みは拒否し、保存される進捗率の単調性を守ります。
func (s *RedisStore) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	_, err := s.updatePartial(ctx, jobID, func(record *Record) error {
		if record.Terminal() {
			return ErrJobFinished
		}
		record.Progress = progress
		return nil
	})
	return err
}

// MarkSucceeded はジョブ成功時の情報を保存します。
func (s *RedisStore) MarkSucceeded(ctx context.Context, jobID string, result any) error {
	_, err := s.updatePartial(ctx, jobID, func(record *Record) error {
		if record.Terminal() {
			return ErrJobFinished
		}
		record.Status = StatusSucceeded
		record.Progress = ProgressInfo{Percent: 100, Step: "completed"}
		record.Result = result
		record.Error = nil
		record.FinishedAt = time.Now().UTC()
		return nil
	})
	return err
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *RedisStore) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	_, err := s.updatePartial(ctx, jobID, func(record *Record) error {
		if record.Terminal() {
			return ErrJobFinished
		}
		record.Status = StatusFailed
		if errInfo != nil {
			record.Error = errInfo
		}
		record.FinishedAt = time.Now().UTC()
		return nil
	})
	return err
}

// RequestCancel はキャンセルフラグを立てます。フラグは永続化され、
// 実行中のパイプラインがチェックポイントで検出するまで有効です。
func (s *RedisStore) RequestCancel(ctx context.Context, jobID string) error {
	_, err := s.updatePartial(ctx, jobID, func(record *Record) error {
		if record.Terminal() {
			return ErrJobFinished
		}
		record.Cancelled = true
		return nil
	})
	return err
}

// IsCancelled はキャンセルフラグを読み取ります。
func (s *RedisStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	record, err := s.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, ErrNotFound
	}
	return record.Cancelled, nil
}

func (s *RedisStore) updatePartial(ctx context.Context, jobID string, mutate func(*Record) error) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	key := jobKey(jobID)

	var updated *Record
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if err := mutate(&record); err != nil {
			return err
		}
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = &record
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("job update conflicted too many times: %s", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
