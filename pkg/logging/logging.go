// Package logging 提供按子系统划分的结构化日志，底层为 log/slog。
//
// 用法:
//
//	logging.Init(logging.LevelInfo, "text", os.Stderr)
//	logging.Info("Reconciler", "apply %s", path)
//	logging.Error("CoordClient", err, "reconnect failed")
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Level 日志级别
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String 实现 fmt.Stringer。
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel 解析配置中的级别字符串，未知值返回错误。
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// Init 初始化全局 logger，应在进程启动时调用一次。
// format: "json" 或 "text"（默认）。
func Init(level Level, format string, output io.Writer) {
	opts := &slog.HandlerOptions{Level: level.slogLevel()}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	l := slog.New(handler)
	logger.Store(l)
	slog.SetDefault(l)
}

func logInternal(level Level, subsystem string, err error, format string, args ...any) {
	l := logger.Load()
	if !l.Enabled(context.Background(), level.slogLevel()) {
		return
	}

	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	attrs := []slog.Attr{slog.String("subsystem", subsystem)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.LogAttrs(context.Background(), level.slogLevel(), msg, attrs...)
}

// Debug 输出调试日志。
func Debug(subsystem string, format string, args ...any) {
	logInternal(LevelDebug, subsystem, nil, format, args...)
}

// Info 输出普通日志。
func Info(subsystem string, format string, args ...any) {
	logInternal(LevelInfo, subsystem, nil, format, args...)
}

// Warn 输出告警日志。
func Warn(subsystem string, format string, args ...any) {
	logInternal(LevelWarn, subsystem, nil, format, args...)
}

// Error 输出错误日志，err 以独立字段记录。
func Error(subsystem string, err error, format string, args ...any) {
	logInternal(LevelError, subsystem, err, format, args...)
}
