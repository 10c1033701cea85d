package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const requestLogSchema = `
CREATE TABLE IF NOT EXISTS request_logs (
	request_id        String,
	model_requested   String,
	model_used        String,
	provider          String,
	routing_strategy  String,
	routing_decision  String,
	prompt_tokens     UInt32,
	completion_tokens UInt32,
	total_tokens      UInt32,
	latency_ms        Float64,
	cost_usd          Float64,
	cache_hit         UInt8,
	fallback_used     UInt8,
	status_code       UInt16,
	error_message     String,
	created_at        DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (created_at, provider)
TTL toDateTime(created_at) + INTERVAL 90 DAY
`

// ClickHouseSink appends request-log rows to a ClickHouse table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects, verifies reachability and ensures the
// request_logs table exists.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	if err := conn.Exec(ctx, requestLogSchema); err != nil {
		return nil, fmt.Errorf("clickhouse: ensure schema: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, rows []RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_logs")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare: %w", err)
	}

	for _, r := range rows {
		err := batch.Append(
			r.RequestID,
			r.ModelRequested,
			r.ModelUsed,
			r.Provider,
			r.RoutingStrategy,
			r.RoutingDecision,
			uint32(r.PromptTokens),
			uint32(r.CompletionTokens),
			uint32(r.TotalTokens),
			r.LatencyMs,
			r.CostUSD,
			boolToUInt8(r.CacheHit),
			boolToUInt8(r.FallbackUsed),
			uint16(r.StatusCode),
			r.ErrorMessage,
			normalizeTime(r.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	return batch.Send()
}

// Ready reports ClickHouse reachability (readiness probe).
func (s *ClickHouseSink) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.conn.Ping(ctx) == nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
