package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/authforge/auth-service/internal/metrics"
)

// Config for the audit logger.
type Config struct {
	Writer Writer
	// BufferSize is the ring buffer capacity (default 1000).
	BufferSize int
	// FlushInterval is the batch interval (default 100ms).
	FlushInterval time.Duration

	Metrics metrics.Metrics
	Logger  *zap.Logger
}

// Logger enqueues events onto a fixed ring buffer that a background
// goroutine drains to the writer. Recording never blocks the request path;
// when the buffer is full the oldest unflushed event is dropped and the
// drop counter incremented.
type Logger struct {
	writer Writer

	buffer []*Event
	size   int
	head   int
	tail   int
	mu     sync.Mutex

	flushCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	interval  time.Duration

	metrics metrics.Metrics
	logger  *zap.Logger
}

// NewLogger creates the audit logger and starts its background writer.
func NewLogger(cfg Config) *Logger {
	if cfg.Writer == nil {
		cfg.Writer = NewStdoutWriter()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOp()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	l := &Logger{
		writer:   cfg.Writer,
		buffer:   make([]*Event, cfg.BufferSize),
		size:     cfg.BufferSize,
		flushCh:  make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		interval: cfg.FlushInterval,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	go l.run()
	return l
}

// Record enqueues one event, filling in ID, timestamp, and the request ID
// carried by the context.
func (l *Logger) Record(ctx context.Context, event *Event) {
	if event.EventID == "" {
		event.EventID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RequestID == "" {
		event.RequestID = requestIDFrom(ctx)
	}

	l.mu.Lock()
	l.buffer[l.tail] = event
	l.tail = (l.tail + 1) % l.size
	if l.tail == l.head {
		l.head = (l.head + 1) % l.size
		l.metrics.RecordAuditDropped()
	}
	l.mu.Unlock()

	select {
	case l.flushCh <- struct{}{}:
	default:
	}
}

func (l *Logger) run() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = l.Flush()
		case <-l.flushCh:
			_ = l.Flush()
		case <-l.doneCh:
			_ = l.Flush()
			return
		}
	}
}

// Flush drains the buffer to the writer.
func (l *Logger) Flush() error {
	l.mu.Lock()
	var events []*Event
	for i := l.head; i != l.tail; i = (i + 1) % l.size {
		events = append(events, l.buffer[i])
	}
	l.head = l.tail
	l.mu.Unlock()

	var lastErr error
	for _, event := range events {
		if err := l.writer.Write(event); err != nil {
			lastErr = err
			l.logger.Warn("Audit write failed", zap.Error(err))
		}
	}
	return lastErr
}

// Close flushes remaining events and closes the writer.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() { close(l.doneCh) })
	_ = l.Flush()
	return l.writer.Close()
}

type requestIDKey struct{}

// WithRequestID stamps the request ID used for audit correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
