// Package credits はユーザーのクレジット残高を管理します。
package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	balanceKeyPrefix = "credits:balance:"
	usageKeyPrefix   = "credits:usage:"
)

// Ledger はクレジットの残高確認と消費を提供します。
//
// HasCredits は高コストな処理を始めてよいかの受付判定に使われます。
// UseCredit はベストエフォートであり、失敗してもジョブは失敗しません
// （呼び出し側でログに残すだけです）。
type Ledger interface {
	HasCredits(ctx context.Context, userID string) (bool, error)
	UseCredit(ctx context.Context, userID string, kind string) error
}

// RedisLedger は Redis 上のカウンターによる Ledger 実装です。
type RedisLedger struct {
	rdb            *redis.Client
	initialCredits int
}

// NewRedisLedger は RedisLedger を作成します。initialCredits は
// 残高キーが未作成のユーザーへの初回付与数です。
func NewRedisLedger(rdb *redis.Client, initialCredits int) *RedisLedger {
	return &RedisLedger{
		rdb:            rdb,
		initialCredits: initialCredits,
	}
}

// HasCredits は残高が1以上あるかを返します。
func (l *RedisLedger) HasCredits(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("userID is required")
	}
	// 初回アクセス時に初期クレジットを付与する。SetNX なので既存の
	// 残高が上書きされることはない。
	if l.initialCredits > 0 {
		if err := l.rdb.SetNX(ctx, balanceKey(userID), l.initialCredits, 0).Err(); err != nil {
			return false, err
		}
	}
	balance, err := l.rdb.Get(ctx, balanceKey(userID)).Int()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	return balance > 0, nil
}

// UseCredit は残高を1消費し、用途別の利用数を記録します。
func (l *RedisLedger) UseCredit(ctx context.Context, userID string, kind string) error {
	if userID == "" {
		return fmt.Errorf("userID is required")
	}
	balance, err := l.rdb.Decr(ctx, balanceKey(userID)).Result()
	if err != nil {
		return err
	}
	if balance < 0 {
		// 受付判定との間で残高が尽きた場合。0未満にはしない。
		return l.rdb.Set(ctx, balanceKey(userID), 0, 0).Err()
	}
	if kind != "" {
		return l.rdb.HIncrBy(ctx, usageKey(userID, time.Now().UTC().Format("2006-01")), kind, 1).Err()
	}
	return nil
}

func balanceKey(userID string) string {
	return balanceKeyPrefix + userID
}

func usageKey(userID, month string) string {
	return usageKeyPrefix + userID + ":" + month
}
