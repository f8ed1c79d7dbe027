// Package xlog is the leveled logger every package in this module logs
// through instead of the bare log stdlib package.
package xlog

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelNone  = "none"
)

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelNone:  4,
}

// Logger is a small named, leveled, colorized logger in the shape the
// teacher's utils.Logger is used as (NewLogger(name).SetLevel(level),
// Debug/Info/Warn/Error).
type Logger struct {
	name  string
	level atomic.Int32
}

func New(name string) *Logger {
	l := &Logger{name: name}
	l.level.Store(int32(levelRank[LevelInfo]))
	return l
}

func (l *Logger) SetLevel(level string) *Logger {
	level = strings.ToLower(strings.TrimSpace(level))
	rank, ok := levelRank[level]
	if !ok {
		rank = levelRank[LevelInfo]
	}
	l.level.Store(int32(rank))
	return l
}

func (l *Logger) Lev() string {
	rank := int(l.level.Load())
	for name, r := range levelRank {
		if r == rank {
			return name
		}
	}
	return LevelInfo
}

func (l *Logger) Debug(args ...any) { l.log(LevelDebug, color.New(color.FgHiBlack), args...) }
func (l *Logger) Info(args ...any)  { l.log(LevelInfo, color.New(color.FgCyan), args...) }
func (l *Logger) Warn(args ...any)  { l.log(LevelWarn, color.New(color.FgYellow), args...) }
func (l *Logger) Error(args ...any) { l.log(LevelError, color.New(color.FgRed), args...) }

func (l *Logger) log(level string, c *color.Color, args ...any) {
	if int(l.level.Load()) > levelRank[level] {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	prefix := fmt.Sprintf("%s [%s] %s |", ts, strings.ToUpper(level), l.name)
	_, _ = c.Fprintln(os.Stderr, prefix, fmt.Sprint(args...))
}
