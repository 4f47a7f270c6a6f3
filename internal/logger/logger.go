// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package logger

import (
	"io"
	"log"
	"os"

	"github.com/mattn/go-isatty"
)

// Logger provides a simple logging interface
type Logger interface {
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Debug(format string, args ...interface{})
}

// Config for a logger
type Config struct {
	Prefix string
	Debug  bool
	// Output defaults to os.Stderr. Colors are only used when it is a terminal.
	Output io.Writer
}

type defaultLogger struct {
	prefix string
	debug  bool
	color  bool
	out    *log.Logger
}

// New creates a logger writing to stderr with debug output disabled
func New(prefix string) Logger {
	return NewWithConfig(Config{Prefix: prefix})
}

// NewWithConfig creates a logger from config
func NewWithConfig(cfg Config) Logger {
	out := cfg.Output
	color := false
	if out == nil {
		out = os.Stderr
		color = isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("NO_COLOR") == ""
	}

	prefix := cfg.Prefix
	if prefix != "" {
		prefix += ": "
	}

	return &defaultLogger{
		prefix: prefix,
		debug:  cfg.Debug,
		color:  color,
		out:    log.New(out, "", log.LstdFlags),
	}
}

func (l *defaultLogger) tag(level, color string) string {
	if !l.color {
		return "[" + level + "] "
	}
	return color + "[" + level + "]\033[0m "
}

func (l *defaultLogger) Info(format string, args ...interface{}) {
	l.out.Printf(l.tag("INFO", "\033[1;94m")+l.prefix+format, args...)
}

func (l *defaultLogger) Warn(format string, args ...interface{}) {
	l.out.Printf(l.tag("WARN", "\033[1;93m")+l.prefix+format, args...)
}

func (l *defaultLogger) Error(format string, args ...interface{}) {
	l.out.Printf(l.tag("ERROR", "\033[1;91m")+l.prefix+format, args...)
}

func (l *defaultLogger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.out.Printf(l.tag("DEBUG", "\033[1;96m")+l.prefix+format, args...)
}

// Nop returns a logger that discards everything
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Info(format string, args ...interface{})  {}
func (nopLogger) Warn(format string, args ...interface{})  {}
func (nopLogger) Error(format string, args ...interface{}) {}
func (nopLogger) Debug(format string, args ...interface{}) {}
