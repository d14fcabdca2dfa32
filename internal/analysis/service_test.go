package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"

	"github.com/yourusername/site-forge/internal/jobs"
	"github.com/yourusername/site-forge/internal/pipeline"
)

// stubFetcher は事前に用意したHTMLを返すテスト用 Fetcher です。
type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls int
}

func (f *stubFetcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	html, ok := f.pages[pageURL]
	if !ok {
		return nil, fmt.Errorf("no stub page for %s", pageURL)
	}
	return &Page{URL: pageURL, StatusCode: 200, HTML: []byte(html)}, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type progressEntry struct {
	phase   int
	label   string
	percent int
}

// recordingHooks は報告された進捗を記録する Hooks を作ります。
func recordingHooks(entries *[]progressEntry, cancelled func() bool) pipeline.Hooks {
	return pipeline.Hooks{
		OnProgress: func(phase int, label string, percent int, etaSeconds int, extra map[string]any) {
			*entries = append(*entries, progressEntry{phase: phase, label: label, percent: percent})
		},
		IsCancelled: cancelled,
	}
}

const rootHTML = `<html><head><title>Example Site</title>
<meta name="description" content="An example site for tests.">
</head><body><h1>Welcome</h1>
<p>This page has some words in the body for counting purposes.</p>
<a href="/about">About</a>
<a href="https://other.example.org/">External</a>
<img src="/logo.png">
</body></html>`

const aboutHTML = `<html><head><title>About</title></head>
<body><p>Short page.</p><a href="/">Home</a></body></html>`

func TestAnalyzeBuildsReport(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.com":       rootHTML,
		"https://example.com/about": aboutHTML,
	}}
	service := NewService(fetcher, 2, nil)

	var entries []progressEntry
	hooks := recordingHooks(&entries, func() bool { return false })

	input, _ := json.Marshal(Input{URL: "https://example.com"})
	result, err := service.Analyze(context.Background(), input, jobs.Owner{UserID: "user-1"}, hooks)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}

	report, ok := result.(*Report)
	if !ok {
		t.Fatalf("result type = %T, want *Report", result)
	}
	if report.PagesCrawled != 2 {
		t.Fatalf("pagesCrawled = %d, want 2", report.PagesCrawled)
	}
	if report.Score >= 100 {
		t.Fatalf("score = %d, want below 100 for a site with issues", report.Score)
	}

	hasMissingDescription := false
	hasMissingAlt := false
	for _, issue := range report.Issues {
		if issue.Code == "MISSING_DESCRIPTION" && issue.PageURL == "https://example.com/about" {
			hasMissingDescription = true
		}
		if issue.Code == "IMAGES_MISSING_ALT" {
			hasMissingAlt = true
		}
	}
	if !hasMissingDescription {
		t.Fatalf("expected MISSING_DESCRIPTION issue for about page, got %+v", report.Issues)
	}
	if !hasMissingAlt {
		t.Fatalf("expected IMAGES_MISSING_ALT issue, got %+v", report.Issues)
	}

	// 最終フェーズが100%まで報告されていること
	last := entries[len(entries)-1]
	if last.phase != phaseReport || last.percent != 100 {
		t.Fatalf("last progress = %+v, want phase %d at 100%%", last, phaseReport)
	}
}

func TestAnalyzeCancelledAtCheckpoint(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{}}
	service := NewService(fetcher, 3, nil)

	var entries []progressEntry
	hooks := recordingHooks(&entries, func() bool { return true })

	input, _ := json.Marshal(Input{URL: "https://example.com"})
	_, err := service.Analyze(context.Background(), input, jobs.Owner{}, hooks)
	if !errors.Is(err, pipeline.ErrCancelled) {
		t.Fatalf("err = %v, want pipeline.ErrCancelled", err)
	}
	// チェックポイントはフェッチの前にあるため、ネットワーク呼び出しは発生しない
	if fetcher.callCount() != 0 {
		t.Fatalf("fetcher invoked %d times after cancellation, want 0", fetcher.callCount())
	}
}

func TestAnalyzeStartPageUnreachable(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{}}
	service := NewService(fetcher, 3, nil)

	var entries []progressEntry
	hooks := recordingHooks(&entries, func() bool { return false })

	input, _ := json.Marshal(Input{URL: "https://down.example.com"})
	_, err := service.Analyze(context.Background(), input, jobs.Owner{}, hooks)

	var domainErr *jobs.Error
	if !errors.As(err, &domainErr) || domainErr.Code != "SITE_UNREACHABLE" {
		t.Fatalf("err = %v, want domain error SITE_UNREACHABLE", err)
	}
}

func TestValidateInput(t *testing.T) {
	service := NewService(&stubFetcher{}, 3, nil)

	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: `{"url":"https://example.com"}`, wantErr: false},
		{name: "missing url", input: `{}`, wantErr: true},
		{name: "bad scheme", input: `{"url":"ftp://example.com"}`, wantErr: true},
		{name: "not json", input: `not-json`, wantErr: true},
		{name: "negative maxPages", input: `{"url":"https://example.com","maxPages":-1}`, wantErr: true},
	}
	for _, tc := range cases {
		err := service.ValidateInput(json.RawMessage(tc.input))
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestParsePage(t *testing.T) {
	base, _ := url.Parse("https://example.com")
	info, err := parsePage(base, []byte(rootHTML))
	if err != nil {
		t.Fatalf("parsePage returned error: %v", err)
	}
	if info.title != "Example Site" {
		t.Fatalf("title = %q, want %q", info.title, "Example Site")
	}
	if info.description == "" {
		t.Fatal("description not extracted")
	}
	if info.h1Count != 1 {
		t.Fatalf("h1Count = %d, want 1", info.h1Count)
	}
	if len(info.internalLinks) != 1 || info.internalLinks[0] != "https://example.com/about" {
		t.Fatalf("internalLinks = %v, want [https://example.com/about]", info.internalLinks)
	}
	if info.externalLinks != 1 {
		t.Fatalf("externalLinks = %d, want 1", info.externalLinks)
	}
	if info.imagesMissingAlt != 1 {
		t.Fatalf("imagesMissingAlt = %d, want 1", info.imagesMissingAlt)
	}
}
