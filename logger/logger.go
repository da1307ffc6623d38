package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type Logger struct {
	entry *logrus.Logger
	mu    sync.Mutex
	debug bool // Flag to enable/disable debug logging
}

var (
	instance *Logger
	once     sync.Once
)

// GetLogger returns a singleton logger instance
func GetLogger() *Logger {
	once.Do(func() {
		instance = setupLogger()
	})
	return instance
}

// L is shorthand for GetLogger
func L() *Logger {
	return GetLogger()
}

func setupLogger() *Logger {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "02-01-06:15:04:05",
	})

	var out io.Writer = os.Stdout
	if path := os.Getenv("LOG_FILE"); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err == nil {
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				out = io.MultiWriter(os.Stdout, file)
			}
		}
	}
	base.SetOutput(out)

	l := &Logger{entry: base}
	l.SetLevel(os.Getenv("LOG_LEVEL"))
	return l
}

// New builds a standalone logger writing to w. Mostly useful in tests.
func New(w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return &Logger{entry: base}
}

// SetLevel accepts logrus level names; unknown or empty values fall back to info.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.entry.SetLevel(lvl)
	l.debug = lvl >= logrus.DebugLevel
}

func (l *Logger) withCaller(props map[string]interface{}) *logrus.Entry {
	// Skip withCaller and the public level method
	pc, file, line, ok := runtime.Caller(2)

	fields := logrus.Fields{}
	if ok {
		fields["location"] = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		fields["package"] = filepath.Base(filepath.Dir(file))
		if fn := runtime.FuncForPC(pc); fn != nil {
			fields["function"] = filepath.Base(fn.Name())
		}
	}
	for k, v := range props {
		fields[k] = v
	}
	return l.entry.WithFields(fields)
}

func firstProps(props []map[string]interface{}) map[string]interface{} {
	if len(props) > 0 {
		return props[0]
	}
	return nil
}

func (l *Logger) Info(msg string, props ...map[string]interface{}) {
	l.withCaller(firstProps(props)).Info(msg)
}

func (l *Logger) Warn(msg string, props ...map[string]interface{}) {
	l.withCaller(firstProps(props)).Warn(msg)
}

func (l *Logger) Error(msg string, props ...map[string]interface{}) {
	l.withCaller(firstProps(props)).Error(msg)
}

func (l *Logger) Debug(msg string, props ...map[string]interface{}) {
	l.mu.Lock()
	enabled := l.debug
	l.mu.Unlock()
	if !enabled {
		return // Do not log if debug is disabled
	}
	l.withCaller(firstProps(props)).Debug(msg)
}

// Fatal logs at error level and exits the process.
func (l *Logger) Fatal(msg string, props ...map[string]interface{}) {
	l.withCaller(firstProps(props)).Fatal(msg)
}

// EnableDebug enables debug logging
func (l *Logger) EnableDebug() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = true
	l.entry.SetLevel(logrus.DebugLevel)
}

// DisableDebug disables debug logging
func (l *Logger) DisableDebug() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = false
	l.entry.SetLevel(logrus.InfoLevel)
}
