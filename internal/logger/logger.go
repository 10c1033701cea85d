// Package logger implements a non-blocking, batched request logger.
//
// Log rows are written to an internal buffered channel and flushed in
// batches by a background goroutine, so logging never blocks the request
// hot path. If the channel fills up (> 10 000 rows), new rows are dropped
// and counted in DroppedLogs. Rows go to the configured Sink (ClickHouse
// in production, slog on stdout otherwise).
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100

	// DefaultFlushInterval between periodic batch writes.
	DefaultFlushInterval = 5 * time.Second
)

// RequestLog is one append-only row of the persistence protocol.
type RequestLog struct {
	RequestID        string
	ModelRequested   string
	ModelUsed        string
	Provider         string
	RoutingStrategy  string
	RoutingDecision  string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        float64
	CostUSD          float64
	CacheHit         bool
	FallbackUsed     bool
	StatusCode       int
	ErrorMessage     string
	CreatedAt        time.Time
}

// Sink receives flushed batches. Implementations must tolerate being
// called from a single background goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, rows []RequestLog) error
	Close() error
}

// Logger batches rows and flushes them to its sink.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx  context.Context
	sink     Sink
	interval time.Duration
	log      *slog.Logger
}

// New starts the flusher goroutine. A nil sink falls back to SlogSink;
// interval ≤ 0 selects DefaultFlushInterval.
func New(ctx context.Context, sink Sink, interval time.Duration, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	l := &Logger{
		ch:       make(chan RequestLog, channelBuffer),
		done:     make(chan struct{}),
		baseCtx:  ctx,
		sink:     sink,
		interval: interval,
		log:      slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a row without blocking; full buffer drops the row.
func (l *Logger) Log(row RequestLog) {
	select {
	case l.ch <- row:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// DroppedLogs reports rows lost to a full buffer.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the buffer, flushes, and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.WriteBatch(l.baseCtx, batch); err != nil {
			l.log.Warn("request_log_flush_failed", "rows", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case row := <-l.ch:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case row := <-l.ch:
					batch = append(batch, row)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes rows as structured log events.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink wraps a slog logger as a Sink.
func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) WriteBatch(ctx context.Context, rows []RequestLog) error {
	for _, r := range rows {
		s.log.InfoContext(ctx, "request",
			slog.String("id", r.RequestID),
			slog.String("provider", r.Provider),
			slog.String("model_requested", r.ModelRequested),
			slog.String("model_used", r.ModelUsed),
			slog.String("strategy", r.RoutingStrategy),
			slog.Int("prompt_tokens", r.PromptTokens),
			slog.Int("completion_tokens", r.CompletionTokens),
			slog.Float64("latency_ms", r.LatencyMs),
			slog.Float64("cost_usd", r.CostUSD),
			slog.Bool("cache_hit", r.CacheHit),
			slog.Bool("fallback_used", r.FallbackUsed),
			slog.Int("status", r.StatusCode),
			slog.Time("created_at", normalizeTime(r.CreatedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
