package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/John-Robertt/alpinehuts/internal/domain"
	"github.com/John-Robertt/alpinehuts/internal/provider"
)

// failure 把单元级错误归类为 UnitResult（不向上传播）。
func failure(hutID int, err error) domain.UnitResult {
	out := domain.UnitResult{HutID: hutID, Status: domain.StatusFailed}
	if errors.Is(err, context.DeadlineExceeded) {
		out.ErrorCode = domain.ErrCodeTimeout
		out.ErrorMsg = "单元处理超时"
		return out
	}

	var pe *provider.Error
	if errors.As(err, &pe) && pe.Stage == provider.StageParse {
		out.ErrorCode = domain.ErrCodeParseFailed
		out.ErrorMsg = fmt.Sprintf("%s 解析失败（站点结构可能变化或返回了非预期内容）：%v", pe.Provider, pe.Err)
		return out
	}
	out.ErrorCode = domain.ErrCodeFetchFailed
	out.ErrorMsg = humanize(err)
	return out
}

func storeFailure(hutID int, err error) domain.UnitResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure(hutID, err)
	}
	return domain.UnitResult{
		HutID:     hutID,
		Status:    domain.StatusFailed,
		ErrorCode: domain.ErrCodeStoreFailed,
		ErrorMsg:  err.Error(),
	}
}

// humanize 尽量给出可操作的抓取失败描述（限流、超时是最常见的问题）。
func humanize(err error) string {
	name := "provider"
	inner := err
	var pe *provider.Error
	if errors.As(err, &pe) {
		name, inner = pe.Provider, pe.Err
	}

	var hs *provider.HTTPStatusError
	if errors.As(inner, &hs) {
		switch hs.StatusCode {
		case 403, 429:
			return fmt.Sprintf("%s 返回 HTTP %d（可能触发限流），重试后仍失败。建议降低批大小或拉长冷却。", name, hs.StatusCode)
		default:
			if loc := strings.TrimSpace(hs.Location); loc != "" {
				return fmt.Sprintf("%s 返回 HTTP %d（重定向）：%s", name, hs.StatusCode, loc)
			}
			return fmt.Sprintf("%s 返回 HTTP %d。", name, hs.StatusCode)
		}
	}

	low := strings.ToLower(inner.Error())
	if errors.Is(inner, context.DeadlineExceeded) || strings.Contains(low, "timeout") {
		return fmt.Sprintf("%s 抓取超时。", name)
	}
	return fmt.Sprintf("%s 抓取失败：%v", name, inner)
}
