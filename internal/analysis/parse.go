package analysis

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// pageInfo は1ページの解析結果です。
type pageInfo struct {
	title            string
	description      string
	h1Count          int
	wordCount        int
	internalLinks    []string
	externalLinks    int
	imagesMissingAlt int
}

// parsePage はHTMLを解析してページ情報を抽出します。
// 内部リンクは base と同一ホストのものだけを絶対URLで返します。
func parsePage(base *url.URL, rawHTML []byte) (*pageInfo, error) {
	doc, err := html.Parse(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}

	info := &pageInfo{}
	seen := map[string]bool{}
	var text strings.Builder

	var walk func(n *html.Node, inBody bool)
	walk = func(n *html.Node, inBody bool) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if info.title == "" {
					info.title = strings.TrimSpace(textContent(n))
				}
			case "meta":
				if strings.EqualFold(attr(n, "name"), "description") {
					info.description = strings.TrimSpace(attr(n, "content"))
				}
			case "h1":
				info.h1Count++
			case "img":
				if strings.TrimSpace(attr(n, "alt")) == "" {
					info.imagesMissingAlt++
				}
			case "a":
				if href := attr(n, "href"); href != "" {
					classifyLink(base, href, seen, info)
				}
			case "body":
				inBody = true
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode && inBody {
			text.WriteString(n.Data)
			text.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inBody)
		}
	}
	walk(doc, false)

	info.wordCount = len(strings.Fields(text.String()))
	return info, nil
}

func classifyLink(base *url.URL, href string, seen map[string]bool, info *pageInfo) {
	if strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
		return
	}
	ref, err := url.Parse(href)
	if err != nil {
		return
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return
	}
	if resolved.Host != base.Host {
		info.externalLinks++
		return
	}
	resolved.Fragment = ""
	link := resolved.String()
	if !seen[link] {
		seen[link] = true
		info.internalLinks = append(info.internalLinks, link)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}
