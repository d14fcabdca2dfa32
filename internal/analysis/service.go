// Package analysis はWebサイト解析パイプラインを提供します。
//
// パイプラインは4つの等重みフェーズ（取得・コンテンツ解析・SEO評価・
// レポート生成）で構成され、フェーズ境界とページ取得の合間を安全な
// チェックポイントとしてキャンセルを確認します。ネットワーク呼び出しの
// 最中に中断されることはありません。
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/yourusername/site-forge/internal/jobs"
	"github.com/yourusername/site-forge/internal/pipeline"
)

// フェーズ番号（0始まり）。
const (
	phaseFetch = iota
	phaseContent
	phaseSEO
	phaseReport
)

const (
	labelFetch   = "サイト取得"
	labelContent = "コンテンツ解析"
	labelSEO     = "SEO評価"
	labelReport  = "レポート生成"

	// 1ページ取得の見積もり秒数。残り時間の参考値の計算に使います。
	secondsPerPage = 2
)

// Input はサイト解析ジョブの入力です。
type Input struct {
	URL      string `json:"url"`
	MaxPages int    `json:"maxPages,omitempty"`
}

// PageSummary は1ページ分の解析サマリです。
type PageSummary struct {
	URL              string `json:"url"`
	StatusCode       int    `json:"statusCode"`
	Title            string `json:"title,omitempty"`
	Description      string `json:"description,omitempty"`
	WordCount        int    `json:"wordCount"`
	H1Count          int    `json:"h1Count"`
	InternalLinks    int    `json:"internalLinks"`
	ExternalLinks    int    `json:"externalLinks"`
	ImagesMissingAlt int    `json:"imagesMissingAlt"`
}

// Issue はサイト全体で検出された改善項目です。
type Issue struct {
	Severity string `json:"severity"` // error, warning, info
	Code     string `json:"code"`
	Message  string `json:"message"`
	PageURL  string `json:"pageUrl,omitempty"`
}

// Report はサイト解析の最終成果物です。
type Report struct {
	SiteURL      string        `json:"siteUrl"`
	PagesCrawled int           `json:"pagesCrawled"`
	Score        int           `json:"score"`
	Pages        []PageSummary `json:"pages"`
	Issues       []Issue       `json:"issues"`
	GeneratedAt  time.Time     `json:"generatedAt"`
}

// Service はサイト解析パイプラインを実行します。
type Service struct {
	fetcher  Fetcher
	maxPages int
	logger   *log.Logger
}

// NewService は Service を作成します。maxPages は1回の解析で
// 取得するページ数の上限です。
func NewService(fetcher Fetcher, maxPages int, logger *log.Logger) *Service {
	if maxPages <= 0 {
		maxPages = 10
	}
	return &Service{
		fetcher:  fetcher,
		maxPages: maxPages,
		logger:   logger,
	}
}

// ValidateInput は投入時に一度だけ呼ばれる入力検証です。
func (s *Service) ValidateInput(raw json.RawMessage) error {
	var input Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return jobs.NewValidationError("input is not valid JSON: %v", err)
	}
	if input.URL == "" {
		return jobs.NewValidationError("url is required")
	}
	parsed, err := url.Parse(input.URL)
	if err != nil {
		return jobs.NewValidationError("url is not valid: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return jobs.NewValidationError("url must use http or https scheme: %q", input.URL)
	}
	if parsed.Host == "" {
		return jobs.NewValidationError("url is missing a host: %q", input.URL)
	}
	if input.MaxPages < 0 {
		return jobs.NewValidationError("maxPages must not be negative")
	}
	return nil
}

// Analyze はサイト解析を実行します。
func (s *Service) Analyze(ctx context.Context, raw json.RawMessage, owner jobs.Owner, hooks pipeline.Hooks) (any, error) {
	var input Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("failed to decode analysis input: %w", err)
	}
	base, err := url.Parse(input.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse site url: %w", err)
	}

	limit := s.maxPages
	if input.MaxPages > 0 && input.MaxPages < limit {
		limit = input.MaxPages
	}

	// フェーズ0: サイト取得
	pages, infos, err := s.crawl(ctx, base, limit, hooks)
	if err != nil {
		return nil, err
	}
	if hooks.Cancelled() {
		return nil, pipeline.ErrCancelled
	}

	// フェーズ1: コンテンツ解析
	summaries := s.summarize(base, pages, infos, hooks)
	if hooks.Cancelled() {
		return nil, pipeline.ErrCancelled
	}

	// フェーズ2: SEO評価
	issues, score := s.evaluate(summaries, hooks)
	if hooks.Cancelled() {
		return nil, pipeline.ErrCancelled
	}

	// フェーズ3: レポート生成
	hooks.Report(phaseReport, labelReport, 50, 0, nil)
	report := &Report{
		SiteURL:      input.URL,
		PagesCrawled: len(summaries),
		Score:        score,
		Pages:        summaries,
		Issues:       issues,
		GeneratedAt:  time.Now().UTC(),
	}
	hooks.Report(phaseReport, labelReport, 100, 0, nil)
	return report, nil
}

// crawl は開始URLから同一ホストの内部リンクを幅優先でたどります。
// ページとページの合間がキャンセルのチェックポイントです。
func (s *Service) crawl(ctx context.Context, base *url.URL, limit int, hooks pipeline.Hooks) ([]*Page, []*pageInfo, error) {
	queue := []string{base.String()}
	visited := map[string]bool{base.String(): true}

	var pages []*Page
	var infos []*pageInfo

	hooks.Report(phaseFetch, labelFetch, 0, limit*secondsPerPage, map[string]any{
		pipeline.ExtraScrapePhase: "connect",
	})

	for len(queue) > 0 && len(pages) < limit {
		if hooks.Cancelled() {
			return nil, nil, pipeline.ErrCancelled
		}

		pageURL := queue[0]
		queue = queue[1:]

		remaining := limit - len(pages)
		hooks.Report(phaseFetch, labelFetch, len(pages)*100/limit, remaining*secondsPerPage, map[string]any{
			pipeline.ExtraScrapePhase: "fetch",
			pipeline.ExtraDetail:      pageURL,
		})

		page, err := s.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			// 開始ページの失敗は致命的。それ以外は飛ばして続行する。
			if len(pages) == 0 {
				return nil, nil, jobs.NewError("SITE_UNREACHABLE", fmt.Sprintf("サイトを取得できませんでした: %v", err))
			}
			s.logf("skipping page %s: %v", pageURL, err)
			continue
		}

		hooks.Report(phaseFetch, labelFetch, len(pages)*100/limit, remaining*secondsPerPage, map[string]any{
			pipeline.ExtraScrapePhase: "parse",
			pipeline.ExtraDetail:      pageURL,
		})

		info, err := parsePage(base, page.HTML)
		if err != nil {
			s.logf("failed to parse page %s: %v", pageURL, err)
			continue
		}

		pages = append(pages, page)
		infos = append(infos, info)

		for _, link := range info.internalLinks {
			if !visited[link] {
				visited[link] = true
				queue = append(queue, link)
			}
		}
	}

	if len(pages) == 0 {
		return nil, nil, jobs.NewError("SITE_EMPTY", "解析できるページがありませんでした")
	}

	hooks.Report(phaseFetch, labelFetch, 100, 0, nil)
	return pages, infos, nil
}

func (s *Service) summarize(base *url.URL, pages []*Page, infos []*pageInfo, hooks pipeline.Hooks) []PageSummary {
	summaries := make([]PageSummary, 0, len(pages))
	for i, page := range pages {
		info := infos[i]
		summaries = append(summaries, PageSummary{
			URL:              page.URL,
			StatusCode:       page.StatusCode,
			Title:            info.title,
			Description:      info.description,
			WordCount:        info.wordCount,
			H1Count:          info.h1Count,
			InternalLinks:    len(info.internalLinks),
			ExternalLinks:    info.externalLinks,
			ImagesMissingAlt: info.imagesMissingAlt,
		})
		hooks.Report(phaseContent, labelContent, (i+1)*100/len(pages), 0, map[string]any{
			pipeline.ExtraDetail: page.URL,
		})
	}
	return summaries
}

// evaluate はページサマリからサイト全体の改善項目とスコアを導出します。
func (s *Service) evaluate(summaries []PageSummary, hooks pipeline.Hooks) ([]Issue, int) {
	hooks.Report(phaseSEO, labelSEO, 0, 0, nil)

	var issues []Issue
	for _, page := range summaries {
		if page.StatusCode >= 400 {
			issues = append(issues, Issue{
				Severity: "error",
				Code:     "PAGE_ERROR_STATUS",
				Message:  fmt.Sprintf("ページがステータス %d を返しています", page.StatusCode),
				PageURL:  page.URL,
			})
		}
		if page.Title == "" {
			issues = append(issues, Issue{
				Severity: "error",
				Code:     "MISSING_TITLE",
				Message:  "titleタグがありません",
				PageURL:  page.URL,
			})
		} else if len([]rune(page.Title)) > 60 {
			issues = append(issues, Issue{
				Severity: "warning",
				Code:     "TITLE_TOO_LONG",
				Message:  "titleが60文字を超えています",
				PageURL:  page.URL,
			})
		}
		if page.Description == "" {
			issues = append(issues, Issue{
				Severity: "warning",
				Code:     "MISSING_DESCRIPTION",
				Message:  "meta descriptionがありません",
				PageURL:  page.URL,
			})
		}
		if page.H1Count == 0 {
			issues = append(issues, Issue{
				Severity: "warning",
				Code:     "MISSING_H1",
				Message:  "h1見出しがありません",
				PageURL:  page.URL,
			})
		} else if page.H1Count > 1 {
			issues = append(issues, Issue{
				Severity: "info",
				Code:     "MULTIPLE_H1",
				Message:  fmt.Sprintf("h1見出しが%d個あります", page.H1Count),
				PageURL:  page.URL,
			})
		}
		if page.ImagesMissingAlt > 0 {
			issues = append(issues, Issue{
				Severity: "info",
				Code:     "IMAGES_MISSING_ALT",
				Message:  fmt.Sprintf("alt属性のない画像が%d枚あります", page.ImagesMissingAlt),
				PageURL:  page.URL,
			})
		}
		if page.WordCount < 200 {
			issues = append(issues, Issue{
				Severity: "info",
				Code:     "THIN_CONTENT",
				Message:  fmt.Sprintf("本文が%d語と少なめです", page.WordCount),
				PageURL:  page.URL,
			})
		}
	}

	score := 100
	for _, issue := range issues {
		switch issue.Severity {
		case "error":
			score -= 10
		case "warning":
			score -= 5
		case "info":
			score -= 1
		}
	}
	if score < 0 {
		score = 0
	}

	hooks.Report(phaseSEO, labelSEO, 100, 0, nil)
	return issues, score
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
