package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

// maxPageBytes 限制单个 HTML 页面的读取量；页面只用于收集图片地址。
const maxPageBytes = 8 << 20

// FromList 规范化调用方直接给出的 URL 列表：去掉首尾空白与空项，保持顺序。
//
// 不去重：同一 URL 出现多次就预加载多次，每次都是序列中独立的一步。
func FromList(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		out = append(out, u)
	}
	return out
}

// PageError 表示某个页面抓取或解析失败。
type PageError struct {
	Page string
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("收集页面图片失败 page=%s: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// FromPages 并发抓取 pages，并按页面输入顺序拼接各页的图片地址（页内保持文档顺序）。
// 任一页面失败则整体失败：URL 列表不完整时宁可不开始。
func FromPages(ctx context.Context, c *http.Client, pages []string) ([]string, error) {
	pages = FromList(pages)
	if len(pages) == 0 {
		return []string{}, nil
	}
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}

	perPage := make([][]string, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, page := range pages {
		i, page := i, page
		g.Go(func() error {
			urls, err := fetchPage(gctx, c, page)
			if err != nil {
				return &PageError{Page: page, Err: err}
			}
			perPage[i] = urls
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, 16*len(pages))
	for _, urls := range perPage {
		out = append(out, urls...)
	}
	return out, nil
}

func fetchPage(ctx context.Context, c *http.Client, page string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty response body")
	}

	// 重定向后以最终地址作为相对路径的基准。
	base := page
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL.String()
	}
	return ParseHTML(bytes.NewReader(b), base)
}

// ParseHTML 从 HTML 文档中按文档顺序收集图片地址（纯函数：相同输入 => 相同输出）。
//
// 收集范围：
// - <link rel="preload" as="image" href>
// - <img src>，懒加载页面常见的 <img data-src>
// - <picture><source srcset> 的第一候选
//
// 相对地址按 pageURL 解析；data: URI 忽略；同一页面内去重。
func ParseHTML(r io.Reader, pageURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	var (
		out  []string
		seen = make(map[string]struct{}, 32)
	)
	add := func(raw string) {
		u := resolveURL(pageURL, raw)
		if u == "" || strings.HasPrefix(strings.ToLower(u), "data:") {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	doc.Find(`link[rel="preload"][as="image"], img, picture source`).Each(func(_ int, s *goquery.Selection) {
		switch goquery.NodeName(s) {
		case "link":
			href, _ := s.Attr("href")
			add(href)
		case "img":
			if src, ok := s.Attr("src"); ok && strings.TrimSpace(src) != "" {
				add(src)
				return
			}
			if src, ok := s.Attr("data-src"); ok {
				add(src)
			}
		case "source":
			srcset, _ := s.Attr("srcset")
			add(firstSrcsetCandidate(srcset))
		}
	})

	if out == nil {
		out = []string{}
	}
	return out, nil
}

// firstSrcsetCandidate 取 srcset 的第一个候选地址（"a.jpg 1x, b.jpg 2x" => "a.jpg"）。
func firstSrcsetCandidate(srcset string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(srcset), ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	ru, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(ru).String()
}
