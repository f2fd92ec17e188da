package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout        = 120 * time.Second
	defaultAttemptTimeout = 30 * time.Second
	defaultRetryMax       = 4
	defaultBackoff        = 2 * time.Second
	defaultUserAgent      = "HutInfoScraperBot/1.0"
)

// Transport 把“UA + 限速 + keep-alive 策略 + 指数退避重试”固化为统一策略。
//
// provider 只负责“定位页面 + 解析载荷”，不关心网络策略细节。
//
// 约束：
// - 重试条件：连接级错误、5xx、429、403（403 视为软限流）
// - 404 等其余 4xx 原样返回，由上层判定业务含义
// - 只重试可重放的请求：无 body，或带 GetBody
type Transport struct {
	Base *http.Transport

	UserAgent string

	// RetryMax 表示最大重试次数（不含首次尝试）。例如 4 表示最多 5 次尝试。
	RetryMax int

	// Backoff 是首次重试前的等待时间，之后每次翻倍。
	Backoff time.Duration

	// Limiter 非 nil 时，每次尝试（含重试）前都要拿令牌。
	Limiter *rate.Limiter

	// DisableKeepAlives 决定是否对 Request 设置 Close=true（额外保险）。
	DisableKeepAlives bool

	sleep func(ctx context.Context, d time.Duration) error
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	canRetry := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	max := t.RetryMax
	if max < 0 {
		max = 0
	}
	if !canRetry {
		max = 0
	}

	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		if attempt > 0 {
			if err := t.wait(req.Context(), backoffFor(t.Backoff, attempt-1)); err != nil {
				return nil, lastErr
			}
		}
		if t.Limiter != nil {
			if err := t.Limiter.Wait(req.Context()); err != nil {
				return nil, err
			}
		}

		r, err := cloneRequest(req, attempt)
		if err != nil {
			return nil, err
		}
		if r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", t.userAgent())
		}
		if t.DisableKeepAlives {
			r.Close = true
		}

		resp, err := t.Base.RoundTrip(r)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				// ctx 已取消：不再重试，直接返回最后错误（更可解释）。
				return nil, lastErr
			}
			continue
		}
		if !RetryableStatus(resp.StatusCode) || attempt == max {
			return resp, nil
		}
		// 丢弃响应体以便连接复用。
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		lastErr = &statusError{code: resp.StatusCode}
	}
	return nil, lastErr
}

func (t *Transport) userAgent() string {
	if ua := strings.TrimSpace(t.UserAgent); ua != "" {
		return ua
	}
	return defaultUserAgent
}

func (t *Transport) wait(ctx context.Context, d time.Duration) error {
	if t.sleep != nil {
		return t.sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

// RetryableStatus 报告该状态码是否按瞬时故障处理。
func RetryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusTooManyRequests, code == http.StatusForbidden:
		return true
	default:
		return false
	}
}

func backoffFor(base time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	if n > 10 {
		n = 10
	}
	return base << uint(n)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "HTTP " + http.StatusText(e.code) }

func cloneRequest(req *http.Request, attempt int) (*http.Request, error) {
	// Clone 会复制 Header 等，避免在 RoundTripper 内部“污染”调用方的 request。
	r := req.Clone(req.Context())
	if attempt > 0 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	return r, nil
}

// Options 是单个上游客户端的网络策略。零值字段取内置默认。
type Options struct {
	ProxyURL string

	// Timeout 是单次调用（含全部重试）的总预算。
	Timeout time.Duration
	// AttemptTimeout 是单次尝试等待响应头的上限。
	AttemptTimeout time.Duration

	RetryMax int
	Backoff  time.Duration

	// RPS<=0 表示不限速。
	RPS float64

	UserAgent string
}

// NewClient 构造 provider/geo 调用使用的 HTTP client。
//
// 规则：
// - proxyURL 非空：必须走代理，且禁用 keep-alive（每请求新连接）
// - 不自动携带 cookie：会话 cookie 由 provider 显式转发
// - 有界重试 + 指数退避 + 总超时
func NewClient(opts Options) (*http.Client, error) {
	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: attemptTimeout,
		MaxIdleConnsPerHost:   10,
	}

	disableKeepAlives := false
	if p := strings.TrimSpace(opts.ProxyURL); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, err
		}
		base.Proxy = http.ProxyURL(u)
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	retryMax := opts.RetryMax
	if retryMax == 0 {
		retryMax = defaultRetryMax
	}
	backoff := opts.Backoff
	if backoff == 0 {
		backoff = defaultBackoff
	}
	var lim *rate.Limiter
	if opts.RPS > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	tr := &Transport{
		Base:              base,
		UserAgent:         opts.UserAgent,
		RetryMax:          retryMax,
		Backoff:           backoff,
		Limiter:           lim,
		DisableKeepAlives: disableKeepAlives,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
		// 重定向后的 Set-Cookie 仍需可见，交给调用方按需跟随。
		CheckRedirect: nil,
	}, nil
}
