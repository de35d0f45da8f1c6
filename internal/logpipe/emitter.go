package logpipe

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Emitter is a zapcore.Core that turns log entries into records and hands
// them to a Queue. It is meant to be teed next to the console core.
type Emitter struct {
	zapcore.LevelEnabler
	queue   *Queue
	fields  []zapcore.Field
	process string
}

var _ zapcore.Core = (*Emitter)(nil)

// NewEmitter builds an emitter feeding q for entries enabled by level.
func NewEmitter(q *Queue, level zapcore.LevelEnabler) *Emitter {
	return &Emitter{
		LevelEnabler: level,
		queue:        q,
		process:      strconv.Itoa(os.Getpid()),
	}
}

func (e *Emitter) With(fields []zapcore.Field) zapcore.Core {
	clone := *e
	clone.fields = make([]zapcore.Field, 0, len(e.fields)+len(fields))
	clone.fields = append(clone.fields, e.fields...)
	clone.fields = append(clone.fields, fields...)
	return &clone
}

func (e *Emitter) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if e.Enabled(ent.Level) {
		return ce.AddCore(ent, e)
	}
	return ce
}

// Write never fails; a full or closed queue drops the record.
func (e *Emitter) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range e.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	rec := Record{
		Level:      ent.Level.String(),
		Message:    ent.Message,
		Timestamp:  ent.Time,
		Process:    e.process,
		Thread:     goroutineID(),
		LoggerName: ent.LoggerName,
	}
	if ent.Caller.Defined {
		rec.LineNo = ent.Caller.Line
		rec.Module, rec.FunctionName = splitFunction(ent.Caller.Function)
		if rec.Module == "" {
			rec.Module = strings.TrimSuffix(filepath.Base(ent.Caller.File), ".go")
		}
	}
	rec.Exception = exceptionText(enc.Fields, ent.Stack)
	if len(enc.Fields) > 0 {
		rec.Extra = enc.Fields
	}
	e.queue.Enqueue(rec)
	return nil
}

func (e *Emitter) Sync() error { return nil }

// goroutineID reads the calling goroutine's id from the header line of its
// stack trace, "goroutine 42 [running]:". Write runs on the logging goroutine,
// so the id groups the records of one request.
func goroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(header, ' '); i > 0 {
		return "goroutine-" + string(header[:i])
	}
	return ""
}

// splitFunction separates "example.com/pkg.(*T).Method" into the package path
// and the function part.
func splitFunction(full string) (module, function string) {
	if full == "" {
		return "", ""
	}
	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return "", full
	}
	cut := slash + 1 + dot
	return full[:cut], full[cut+1:]
}

// exceptionText pulls the error field (and its verbose form) out of fields
// and joins it with the stack trace.
func exceptionText(fields map[string]any, stack string) string {
	var parts []string
	if v, ok := fields["errorVerbose"]; ok {
		parts = append(parts, toString(v))
		delete(fields, "errorVerbose")
		delete(fields, "error")
	} else if v, ok := fields["error"]; ok {
		parts = append(parts, toString(v))
		delete(fields, "error")
	}
	if stack != "" {
		parts = append(parts, stack)
	}
	return strings.Join(parts, "\n")
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
