package domain

import (
	"fmt"
	"strings"
	"time"
)

// Date 是日粒度的日期，固定为 ISO 形式 "2006-01-02"。
// 字符串表示可直接比较大小，也可作为 map key。
type Date string

const (
	isoLayout = "2006-01-02"
	dmyLayout = "02.01.2006"
)

// DateOf 取 t 在其自身时区下的日历日。
func DateOf(t time.Time) Date {
	return Date(t.Format(isoLayout))
}

// ParseDate 解析 ISO 日期（"2006-01-02"）。
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(isoLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("非法日期 %q：%w", s, err)
	}
	return DateOf(t), nil
}

// ParseDMY 解析上游使用的 "DD.MM.YYYY" 日期。
func ParseDMY(s string) (Date, error) {
	t, err := time.Parse(dmyLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("非法日期 %q：%w", s, err)
	}
	return DateOf(t), nil
}

// Time 返回该日 UTC 零点。
func (d Date) Time() time.Time {
	t, err := time.Parse(isoLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// DMY 返回 "DD.MM.YYYY" 形式。
func (d Date) DMY() string {
	t := d.Time()
	if t.IsZero() {
		return ""
	}
	return t.Format(dmyLayout)
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool { return d < o }

func (d Date) IsZero() bool { return d == "" }

func (d Date) String() string { return string(d) }
