// Package eventlog records gateway events as JSONL and fans them out to live
// subscribers. File logging is optional; the broadcast tap works either way.
package eventlog

import (
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Record is one logged gateway event.
type Record struct {
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event kinds.
const (
	KindRequest         = "request"
	KindUpstreamEvent   = "upstream_event"
	KindDownstreamFrame = "downstream_frame"
	KindCompletion      = "completion"
	KindError           = "error"
)

// Logger writes events to a rotating JSONL file (when enabled) and
// broadcasts every record to subscribers. Slow subscribers lose records
// rather than blocking the hot path.
type Logger struct {
	file *zap.Logger

	mu   sync.Mutex
	subs map[int]chan Record
	next int
}

// New builds an event logger. When enabled, records go to
// <dir>/events.jsonl behind a rotating sink.
func New(enabled bool, dir string) *Logger {
	l := &Logger{subs: make(map[int]chan Record)}
	if !enabled {
		l.file = zap.NewNop()
		return l
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "events.jsonl"),
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		MessageKey:  "kind",
		LineEnding:  zapcore.DefaultLineEnding,
		EncodeTime:  zapcore.ISO8601TimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)
	l.file = zap.New(core)
	return l
}

// Log records one event.
func (l *Logger) Log(kind string, data map[string]interface{}) {
	rec := Record{Timestamp: time.Now(), Kind: kind, Data: data}

	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	l.file.Info(kind, fields...)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- rec:
		default:
			// Subscriber is not keeping up; drop rather than stall.
		}
	}
}

// Subscribe registers a live tap. The returned cancel function must be
// called when the subscriber goes away.
func (l *Logger) Subscribe() (<-chan Record, func()) {
	ch := make(chan Record, 64)

	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Sync flushes the file sink.
func (l *Logger) Sync() error { return l.file.Sync() }
