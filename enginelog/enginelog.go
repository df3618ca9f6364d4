// Package enginelog is the storage engine's package-level logger, built on
// logrus the same way xmysql-server's logger package is: a global Logger, a
// caller-stamping formatter, and level parsed from a config string.
package enginelog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the package-global instance every engine component logs through.
var Logger *logrus.Logger

// Config controls where and how loudly the engine logs.
type Config struct {
	OutputPath string // empty means stderr
	Level      string // debug|info|warn|error|fatal|panic, default info
}

type callerFormatter struct{}

func (callerFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("15:04:05 2006-01-02")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	msg := fmt.Sprintf("[%s] [%s] (%s) %s\n", timestamp, level, caller(), entry.Message)
	return []byte(msg), nil
}

// caller walks the stack past logrus and this package to find the first
// engine frame that actually emitted the log line.
func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen/logrus") || strings.Contains(file, "enginelog.go") {
			continue
		}
		fn := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), fn, line)
	}
	return "unknown:unknown:0"
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// Init (re)configures the package-global Logger. Called by segconf.Load;
// safe to call before that too, in which case defaults apply.
func Init(cfg Config) error {
	Logger = logrus.New()
	Logger.SetFormatter(callerFormatter{})
	Logger.SetLevel(parseLevel(cfg.Level))

	if cfg.OutputPath == "" {
		Logger.SetOutput(os.Stderr)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0755); err != nil {
		Logger.SetOutput(os.Stderr)
		Logger.Warnf("failed to create log directory, falling back to stderr: %v", err)
		return nil
	}
	f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		Logger.SetOutput(os.Stderr)
		Logger.Warnf("failed to open log file %s, falling back to stderr: %v", cfg.OutputPath, err)
		return nil
	}
	Logger.SetOutput(f)
	return nil
}

func init() {
	_ = Init(Config{Level: "info"})
}

func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Logger.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Logger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }
