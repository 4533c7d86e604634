// Package logging provides global logging functions for the UCM core.
// Use dot import to access L_info, L_error, etc. directly.
package logging

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Log levels
const (
	LevelFatal = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	logger *log.Logger
	once   sync.Once

	// currentLevel is used for trace filtering since charmbracelet has no
	// trace level of its own.
	currentLevel int32 = LevelInfo
)

// Config holds logging configuration.
type Config struct {
	Level      int
	TimeFormat string
	ShowCaller bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		TimeFormat: "15:04:05",
		ShowCaller: true,
	}
}

// Init initializes the global logger. Safe to call multiple times.
func Init(cfg *Config) {
	once.Do(func() {
		if cfg == nil {
			cfg = DefaultConfig()
		}

		logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      cfg.TimeFormat,
			ReportCaller:    cfg.ShowCaller,
			CallerOffset:    2,
		})

		atomic.StoreInt32(&currentLevel, int32(cfg.Level))

		switch cfg.Level {
		case LevelTrace, LevelDebug:
			logger.SetLevel(log.DebugLevel)
		case LevelInfo:
			logger.SetLevel(log.InfoLevel)
		case LevelWarn:
			logger.SetLevel(log.WarnLevel)
		case LevelError, LevelFatal:
			logger.SetLevel(log.ErrorLevel)
		}
	})
}

func ensureInit() {
	if logger == nil {
		Init(nil)
	}
}

// hasFmtVerb checks if a string contains printf-style format verbs.
func hasFmtVerb(s string) bool {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '%' {
			next := s[i+1]
			if next != '%' && strings.ContainsRune("vsdtfgeopqxXbcUT+#", rune(next)) {
				return true
			}
		}
	}
	return false
}

func split(msg string, args []interface{}) (string, []interface{}) {
	if len(args) == 0 {
		return msg, nil
	}
	if hasFmtVerb(msg) {
		return fmt.Sprintf(msg, args...), nil
	}
	return msg, args
}

func logMsg(level log.Level, msg string, args ...interface{}) {
	ensureInit()
	finalMsg, keyvals := split(msg, args)

	switch level {
	case log.DebugLevel:
		logger.Debug(finalMsg, keyvals...)
	case log.InfoLevel:
		logger.Info(finalMsg, keyvals...)
	case log.WarnLevel:
		logger.Warn(finalMsg, keyvals...)
	case log.ErrorLevel:
		logger.Error(finalMsg, keyvals...)
	case log.FatalLevel:
		logger.Fatal(finalMsg, keyvals...)
	}
}

// logMsgTrace logs with a synthetic TRAC prefix since charmbracelet/log has
// no trace level of its own.
func logMsgTrace(msg string, args ...interface{}) {
	ensureInit()
	finalMsg, keyvals := split(msg, args)

	now := time.Now().Format("2006/01/02 15:04:05")

	_, file, line, ok := runtime.Caller(2)
	caller := ""
	if ok {
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		caller = fmt.Sprintf("<%s:%d>", file, line)
	}

	var sb strings.Builder
	sb.WriteString(now)
	sb.WriteString(" TRAC ")
	sb.WriteString(caller)
	sb.WriteString(" ")
	sb.WriteString(finalMsg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		sb.WriteString(fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1]))
	}
	sb.WriteString("\n")
	fmt.Fprint(os.Stderr, sb.String())
}

// L_trace logs at trace level (only if trace logging is enabled).
func L_trace(msg string, args ...interface{}) {
	if atomic.LoadInt32(&currentLevel) < int32(LevelTrace) {
		return
	}
	logMsgTrace(msg, args...)
}

// L_debug logs at debug level.
func L_debug(msg string, args ...interface{}) { logMsg(log.DebugLevel, msg, args...) }

// L_info logs at info level.
func L_info(msg string, args ...interface{}) { logMsg(log.InfoLevel, msg, args...) }

// L_warn logs at warn level.
func L_warn(msg string, args ...interface{}) { logMsg(log.WarnLevel, msg, args...) }

// L_error logs at error level.
func L_error(msg string, args ...interface{}) { logMsg(log.ErrorLevel, msg, args...) }

// L_fatal logs at fatal level and exits.
func L_fatal(msg string, args ...interface{}) { logMsg(log.FatalLevel, msg, args...) }

// SetLevel changes the log level at runtime.
func SetLevel(level int) {
	ensureInit()
	atomic.StoreInt32(&currentLevel, int32(level))
	switch level {
	case LevelTrace, LevelDebug:
		logger.SetLevel(log.DebugLevel)
	case LevelInfo:
		logger.SetLevel(log.InfoLevel)
	case LevelWarn:
		logger.SetLevel(log.WarnLevel)
	case LevelError, LevelFatal:
		logger.SetLevel(log.ErrorLevel)
	}
}

// GetLevel returns the current log level.
func GetLevel() int { return int(atomic.LoadInt32(&currentLevel)) }
