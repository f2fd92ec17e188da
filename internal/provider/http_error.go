package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPStatusError 表示上游返回了非 2xx 的 HTTP 状态码（重试已在传输层耗尽或不适用）。
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Location   string
	// Snippet 是响应体前缀，供 provider 识别业务错误码。
	Snippet string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	loc := strings.TrimSpace(e.Location)
	if loc == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d location=%s", e.StatusCode, loc)
}

const snippetMax = 512

// Do 执行请求并读完响应体；非 2xx 返回 *HTTPStatusError。
// 返回的 resp.Body 已关闭，只可读取 Header/Cookies。
func Do(c *http.Client, req *http.Request) ([]byte, *http.Response, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snip := b
		if len(snip) > snippetMax {
			snip = snip[:snippetMax]
		}
		return nil, resp, &HTTPStatusError{
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Location:   resp.Header.Get("Location"),
			Snippet:    string(snip),
		}
	}
	return b, resp, nil
}

// Get 是 Do 的 GET 便捷形式，headers 可为 nil。
func Get(ctx context.Context, c *http.Client, u string, headers http.Header) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return Do(c, req)
}
