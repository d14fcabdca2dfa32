package analysis

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ページ本文の読み込み上限。巨大なレスポンスで解析ワーカーの
// メモリを食い潰さないための制限です。
const maxBodyBytes = 2 << 20

// Page は取得した1ページの生データです。
type Page struct {
	URL        string
	StatusCode int
	HTML       []byte
}

// Fetcher はページを取得できるサービスが実装します。
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (*Page, error)
}

// HTTPFetcher は net/http による Fetcher 実装です。
type HTTPFetcher struct {
	hc        *http.Client
	userAgent string
}

// NewHTTPFetcher は HTTPFetcher を作成します。
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPFetcher{
		hc: &http.Client{
			Timeout: timeout,
		},
		userAgent: "site-forge/0.1 (+https://github.com/yourusername/site-forge)",
	}
}

// Fetch はページを取得します。
func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", pageURL, err)
	}

	return &Page{
		URL:        pageURL,
		StatusCode: resp.StatusCode,
		HTML:       body,
	}, nil
}
