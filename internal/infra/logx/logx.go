package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 描述日志输出。File 为空时只写 stderr。
type Options struct {
	Level  string
	Format string // "text" | "json"
	File   string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New 构造进程级 logger，并返回需要在退出时关闭的滚动文件（可能为 nil）。
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	lvl := strings.TrimSpace(opts.Level)
	if lvl == "" {
		lvl = "info"
	}
	level, err := logrus.ParseLevel(lvl)
	if err != nil {
		return nil, nil, fmt.Errorf("非法日志级别 %q：%w", opts.Level, err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("非法日志格式 %q（只能是 text 或 json）", opts.Format)
	}

	if strings.TrimSpace(opts.File) == "" {
		logger.SetOutput(os.Stderr)
		return logger, nil, nil
	}

	rolling := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 10),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 28),
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, rolling))
	return logger, rolling, nil
}

// Discard 返回丢弃所有输出的 logger，供测试与未注入 logger 的调用方使用。
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
