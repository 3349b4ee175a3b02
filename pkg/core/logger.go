package core

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// Logger provides structured logging capabilities
// This abstraction allows swapping logging implementations
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message
	Debug(args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})

	// WithFields returns a logger that appends the given structured
	// fields to every message
	WithFields(fields map[string]interface{}) Logger
}

// defaultLogger implements Logger using Go's standard log package
// Can be swapped with other logging implementations (e.g., structured loggers)
type defaultLogger struct {
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
	fields      map[string]interface{}
}

// NewDefaultLogger creates a new default logger implementation
func NewDefaultLogger() Logger {
	return &defaultLogger{
		errorLogger: log.New(os.Stderr, "[ERROR] ", log.LstdFlags|log.Lshortfile),
		warnLogger:  log.New(os.Stderr, "[WARN] ", log.LstdFlags|log.Lshortfile),
		infoLogger:  log.New(os.Stdout, "[INFO] ", log.LstdFlags|log.Lshortfile),
		debugLogger: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags|log.Lshortfile),
	}
}

func (l *defaultLogger) suffix() string {
	if len(l.fields) == 0 {
		return ""
	}
	return " " + fmt.Sprint(l.fields)
}

// Error logs an error message
func (l *defaultLogger) Error(args ...interface{}) {
	l.errorLogger.Output(3, fmt.Sprint(args...)+l.suffix())
}

// Errorf logs a formatted error message
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.errorLogger.Output(3, fmt.Sprintf(format, args...)+l.suffix())
}

// Warn logs a warning message
func (l *defaultLogger) Warn(args ...interface{}) {
	l.warnLogger.Output(3, fmt.Sprint(args...)+l.suffix())
}

// Warnf logs a formatted warning message
func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.warnLogger.Output(3, fmt.Sprintf(format, args...)+l.suffix())
}

// Info logs an informational message
func (l *defaultLogger) Info(args ...interface{}) {
	l.infoLogger.Output(3, fmt.Sprint(args...)+l.suffix())
}

// Infof logs a formatted informational message
func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.infoLogger.Output(3, fmt.Sprintf(format, args...)+l.suffix())
}

// Debug logs a debug message
func (l *defaultLogger) Debug(args ...interface{}) {
	l.debugLogger.Output(3, fmt.Sprint(args...)+l.suffix())
}

// Debugf logs a formatted debug message
func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	l.debugLogger.Output(3, fmt.Sprintf(format, args...)+l.suffix())
}

// WithFields returns a copy of the logger carrying the merged fields
func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	merged := mergeFields(l.fields, fields)
	return &defaultLogger{
		errorLogger: l.errorLogger,
		warnLogger:  l.warnLogger,
		infoLogger:  l.infoLogger,
		debugLogger: l.debugLogger,
		fields:      merged,
	}
}

// jsonLogger implements Logger emitting one JSON object per line
// Suitable for production log pipelines
type jsonLogger struct {
	out    *log.Logger
	err    *log.Logger
	fields map[string]interface{}
}

// NewJSONLogger creates a structured JSON logger
// Each entry carries timestamp, level, message and the accumulated fields
func NewJSONLogger() Logger {
	return &jsonLogger{
		out: log.New(os.Stdout, "", 0),
		err: log.New(os.Stderr, "", 0),
	}
}

func (l *jsonLogger) emit(target *log.Logger, level, message string) {
	var b strings.Builder
	b.WriteString(`{"timestamp":"`)
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	b.WriteString(`","level":"`)
	b.WriteString(level)
	b.WriteString(`","message":`)
	msg, encErr := JSONEncode(message)
	if encErr != nil {
		msg = []byte(`"?"`)
	}
	b.Write(msg)
	if len(l.fields) > 0 {
		b.WriteString(`,"fields":{`)
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := JSONEncode(k)
			b.Write(kb)
			b.WriteByte(':')
			vb, vErr := JSONEncode(l.fields[k])
			if vErr != nil {
				vb = []byte(`"?"`)
			}
			b.Write(vb)
		}
		b.WriteByte('}')
	}
	b.WriteByte('}')
	target.Print(b.String())
}

func (l *jsonLogger) Error(args ...interface{}) {
	l.emit(l.err, "ERROR", fmt.Sprint(args...))
}

func (l *jsonLogger) Errorf(format string, args ...interface{}) {
	l.emit(l.err, "ERROR", fmt.Sprintf(format, args...))
}

func (l *jsonLogger) Warn(args ...interface{}) {
	l.emit(l.err, "WARN", fmt.Sprint(args...))
}

func (l *jsonLogger) Warnf(format string, args ...interface{}) {
	l.emit(l.err, "WARN", fmt.Sprintf(format, args...))
}

func (l *jsonLogger) Info(args ...interface{}) {
	l.emit(l.out, "INFO", fmt.Sprint(args...))
}

func (l *jsonLogger) Infof(format string, args ...interface{}) {
	l.emit(l.out, "INFO", fmt.Sprintf(format, args...))
}

func (l *jsonLogger) Debug(args ...interface{}) {
	l.emit(l.out, "DEBUG", fmt.Sprint(args...))
}

func (l *jsonLogger) Debugf(format string, args ...interface{}) {
	l.emit(l.out, "DEBUG", fmt.Sprintf(format, args...))
}

func (l *jsonLogger) WithFields(fields map[string]interface{}) Logger {
	return &jsonLogger{
		out:    l.out,
		err:    l.err,
		fields: mergeFields(l.fields, fields),
	}
}

// nopLogger discards everything; used where a component requires a logger
// but the caller wants silence (tests, embedded use)
type nopLogger struct{}

// NewNopLogger creates a logger that discards all messages
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Error(...interface{})                       {}
func (nopLogger) Errorf(string, ...interface{})              {}
func (nopLogger) Warn(...interface{})                        {}
func (nopLogger) Warnf(string, ...interface{})               {}
func (nopLogger) Info(...interface{})                        {}
func (nopLogger) Infof(string, ...interface{})               {}
func (nopLogger) Debug(...interface{})                       {}
func (nopLogger) Debugf(string, ...interface{})              {}
func (n nopLogger) WithFields(map[string]interface{}) Logger { return n }

func mergeFields(base, extra map[string]interface{}) map[string]interface{} {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
