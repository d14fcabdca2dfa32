// Package content は長文コンテンツ生成パイプラインを提供します。
//
// パイプラインは3つの等重みフェーズ（アウトライン作成・本文生成・
// 仕上げと保存）で構成されます。生成は有料のLLM呼び出しを伴うため、
// いかなる生成処理よりも先にクレジット残高の受付チェックを行います。
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/site-forge/internal/credits"
	"github.com/yourusername/site-forge/internal/jobs"
	"github.com/yourusername/site-forge/internal/llm"
	"github.com/yourusername/site-forge/internal/pipeline"
	"github.com/yourusername/site-forge/internal/storage"
)

// フェーズ番号（0始まり）。
const (
	phaseOutline = iota
	phaseDraft
	phaseFinalize
)

const (
	labelOutline  = "アウトライン作成"
	labelDraft    = "本文生成"
	labelFinalize = "仕上げと保存"

	// 1セクション生成の見積もり秒数。残り時間の参考値に使います。
	secondsPerSection = 15

	defaultSections = 5
	maxSections     = 12

	creditKind = "content_generation"
)

// Input はコンテンツ生成ジョブの入力です。
type Input struct {
	Topic    string   `json:"topic"`
	Keywords []string `json:"keywords,omitempty"`
	Sections int      `json:"sections,omitempty"`
	Tone     string   `json:"tone,omitempty"`
}

// Artifact はコンテンツ生成の最終成果物です。本文はストレージに
// 保存され、ジョブレコードにはこのメタデータだけが残ります。
type Artifact struct {
	Path        string    `json:"path"`
	Title       string    `json:"title"`
	WordCount   int       `json:"wordCount"`
	Sections    int       `json:"sections"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Service はコンテンツ生成パイプラインを実行します。
type Service struct {
	llm    llm.Client
	ledger credits.Ledger
	store  storage.Storage
	logger *log.Logger
}

// NewService は Service を作成します。
func NewService(llmClient llm.Client, ledger credits.Ledger, store storage.Storage, logger *log.Logger) *Service {
	return &Service{
		llm:    llmClient,
		ledger: ledger,
		store:  store,
		logger: logger,
	}
}

// ValidateInput は投入時に一度だけ呼ばれる入力検証です。
func (s *Service) ValidateInput(raw json.RawMessage) error {
	var input Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return jobs.NewValidationError("input is not valid JSON: %v", err)
	}
	if strings.TrimSpace(input.Topic) == "" {
		return jobs.NewValidationError("topic is required")
	}
	if input.Sections < 0 || input.Sections > maxSections {
		return jobs.NewValidationError("sections must be between 0 and %d", maxSections)
	}
	return nil
}

// Generate はコンテンツ生成を実行します。
func (s *Service) Generate(ctx context.Context, raw json.RawMessage, owner jobs.Owner, hooks pipeline.Hooks) (any, error) {
	var input Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("failed to decode content input: %w", err)
	}

	// 受付チェック。残高がなければ生成APIは一切呼ばない。
	ok, err := s.ledger.HasCredits(ctx, owner.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to check credits: %w", err)
	}
	if !ok {
		return nil, jobs.NewError(jobs.CodeInsufficientCredits, "クレジット残高が不足しています")
	}

	sections := input.Sections
	if sections <= 0 {
		sections = defaultSections
	}

	// フェーズ0: アウトライン作成
	if hooks.Cancelled() {
		return nil, pipeline.ErrCancelled
	}
	hooks.Report(phaseOutline, labelOutline, 0, (sections+1)*secondsPerSection, nil)
	outline, err := s.buildOutline(ctx, input, sections)
	if err != nil {
		return nil, err
	}
	hooks.Report(phaseOutline, labelOutline, 100, sections*secondsPerSection, nil)

	// フェーズ1: 本文生成（セクション単位で進捗を刻む）
	var body strings.Builder
	for i, heading := range outline {
		if hooks.Cancelled() {
			return nil, pipeline.ErrCancelled
		}
		remaining := len(outline) - i
		hooks.Report(phaseDraft, labelDraft, i*100/len(outline), remaining*secondsPerSection, map[string]any{
			pipeline.ExtraDetail: heading,
		})

		section, err := s.draftSection(ctx, input, outline, heading)
		if err != nil {
			return nil, err
		}
		body.WriteString("## ")
		body.WriteString(heading)
		body.WriteString("\n\n")
		body.WriteString(section)
		body.WriteString("\n\n")
	}
	hooks.Report(phaseDraft, labelDraft, 100, secondsPerSection, nil)

	// フェーズ2: 仕上げと保存
	if hooks.Cancelled() {
		return nil, pipeline.ErrCancelled
	}
	hooks.Report(phaseFinalize, labelFinalize, 0, secondsPerSection, nil)

	document := fmt.Sprintf("# %s\n\n%s", input.Topic, body.String())
	path := fmt.Sprintf("articles/%s.md", uuid.NewString())
	if err := s.store.Save(ctx, path, []byte(document)); err != nil {
		return nil, fmt.Errorf("failed to save artifact: %w", err)
	}

	// クレジット消費はベストエフォート。失敗してもジョブは成功のまま。
	if err := s.ledger.UseCredit(ctx, owner.UserID, creditKind); err != nil {
		s.logf("failed to debit credit user=%s: %v", owner.UserID, err)
	}

	artifact := &Artifact{
		Path:        path,
		Title:       input.Topic,
		WordCount:   len(strings.Fields(document)),
		Sections:    len(outline),
		GeneratedAt: time.Now().UTC(),
	}
	hooks.Report(phaseFinalize, labelFinalize, 100, 0, nil)
	return artifact, nil
}

// buildOutline はLLMにアウトラインを生成させ、見出しの一覧へ整形します。
func (s *Service) buildOutline(ctx context.Context, input Input, sections int) ([]string, error) {
	prompt := fmt.Sprintf(
		"次のトピックについて、%d個のセクション見出しを1行に1つずつ、番号や記号を付けずに出力してください。\nトピック: %s",
		sections, input.Topic,
	)
	if len(input.Keywords) > 0 {
		prompt += "\n含めるキーワード: " + strings.Join(input.Keywords, ", ")
	}

	raw, err := s.llm.Complete(ctx, systemPrompt(input.Tone), prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to build outline: %w", err)
	}

	var outline []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" {
			outline = append(outline, line)
		}
		if len(outline) == sections {
			break
		}
	}
	if len(outline) == 0 {
		return nil, jobs.NewError("OUTLINE_EMPTY", "アウトラインを生成できませんでした")
	}
	return outline, nil
}

func (s *Service) draftSection(ctx context.Context, input Input, outline []string, heading string) (string, error) {
	prompt := fmt.Sprintf(
		"記事「%s」のセクション「%s」の本文をMarkdownで書いてください。見出し自体は出力しないでください。\n記事全体の構成: %s",
		input.Topic, heading, strings.Join(outline, " / "),
	)
	section, err := s.llm.Complete(ctx, systemPrompt(input.Tone), prompt)
	if err != nil {
		return "", fmt.Errorf("failed to draft section %q: %w", heading, err)
	}
	return strings.TrimSpace(section), nil
}

func systemPrompt(tone string) string {
	base := "あなたは経験豊富なWebライターです。正確で読みやすい日本語の記事を書いてください。"
	if tone != "" {
		base += " 文体: " + tone
	}
	return base
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
