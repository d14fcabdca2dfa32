// Package pipeline はドメインパイプラインとジョブ基盤の間の契約を定義します。
package pipeline

import "errors"

// ProgressFunc はパイプラインが進捗を報告するためのコールバックです。
// phase はフェーズ番号（0始まり）、percent はフェーズ内の進捗率（0〜100）、
// etaSeconds は参考値としての残り秒数（不明な場合は0）、extra は補足情報です。
type ProgressFunc func(phase int, label string, percent int, etaSeconds int, extra map[string]any)

// ErrCancelled はキャンセル検出によりパイプラインが処理を打ち切った
// ことを表します。ワーカー側ではキャンセルが他のどの結果よりも優先
// されるため、このエラー自体がジョブレコードに載ることはありません。
var ErrCancelled = errors.New("cancelled at checkpoint")

// extra のキー。
const (
	// ExtraScrapePhase はスクレイピングの細分フェーズを通知するキーです。
	// 進捗率には影響せず、UIの実況表示のためだけに使われます。
	ExtraScrapePhase = "scrapePhase"
	// ExtraDetail は現在ステップの補足説明に使われるキーです。
	ExtraDetail = "detail"
)

// Hooks はジョブ基盤がパイプラインへ渡すコールバックの束です。
// パイプラインは安全なチェックポイント（フェーズ境界など）で
// IsCancelled を呼び、true が返れば速やかに処理を打ち切る契約です。
// キャンセルは協調的であり、実行中のブロッキング呼び出しを中断しません。
type Hooks struct {
	OnProgress  ProgressFunc
	IsCancelled func() bool
}

// Report は nil ガード付きで進捗を報告します。
func (h Hooks) Report(phase int, label string, percent int, etaSeconds int, extra map[string]any) {
	if h.OnProgress == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	h.OnProgress(phase, label, percent, etaSeconds, extra)
}

// Cancelled は nil ガード付きでキャンセル状態を確認します。
func (h Hooks) Cancelled() bool {
	if h.IsCancelled == nil {
		return false
	}
	return h.IsCancelled()
}
