package logpipe

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap/zapcore"
)

// Width of the varchar columns of the logs table.
const shortWidth = 255

// Record is one log event on its way to storage.
type Record struct {
	Level        string         `json:"level"`
	Message      string         `json:"message"`
	Timestamp    time.Time      `json:"timestamp"`
	Process      string         `json:"process,omitempty"`
	Thread       string         `json:"thread,omitempty"`
	LoggerName   string         `json:"logger_name,omitempty"`
	Module       string         `json:"module,omitempty"`
	LineNo       int            `json:"line_no,omitempty"`
	FunctionName string         `json:"function_name,omitempty"`
	Exception    string         `json:"exception,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Entry is a persisted record.
type Entry struct {
	ID int64 `json:"id"`
	Record
}

var (
	errEmptyMessage = errors.New("logpipe: empty message")
	errBadLevel     = errors.New("logpipe: unknown level")
)

// Validate normalizes the record in place and rejects records that cannot be
// stored. Oversized short fields are truncated to their column width.
func (r *Record) Validate() error {
	r.Level = strings.ToLower(strings.TrimSpace(r.Level))
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(r.Level)); err != nil {
		return fmt.Errorf("%w: %q", errBadLevel, r.Level)
	}
	r.Level = lvl.String()
	if strings.TrimSpace(r.Message) == "" {
		return errEmptyMessage
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Timestamp = r.Timestamp.UTC()
	r.Process = truncate(r.Process, shortWidth)
	r.Thread = truncate(r.Thread, shortWidth)
	r.LoggerName = truncate(r.LoggerName, shortWidth)
	r.Module = truncate(r.Module, shortWidth)
	r.FunctionName = truncate(r.FunctionName, shortWidth)
	return nil
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	return string(runes[:width])
}
