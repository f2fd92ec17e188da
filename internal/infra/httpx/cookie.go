package httpx

import (
	"net/http"
	"strings"
)

// CookieValue 从响应的 Set-Cookie 中取出指定 cookie 的值；不存在返回空串。
func CookieValue(resp *http.Response, name string) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// CookieHeader 把 name=value 对拼成 Cookie 请求头，跳过空值。
func CookieHeader(pairs ...[2]string) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if strings.TrimSpace(p[1]) == "" {
			continue
		}
		parts = append(parts, p[0]+"="+p[1])
	}
	return strings.Join(parts, "; ")
}
