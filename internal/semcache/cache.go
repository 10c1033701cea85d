package semcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/prismgate/prismgate/internal/providers"
)

const (
	entryPrefix = "semcache:entry:"
	indexKey    = "semcache:index"
)

// Config for the semantic cache.
type Config struct {
	Enabled    bool
	Threshold  float64       // minimum cosine similarity for a hit
	TTL        time.Duration // per-entry expiry
	MaxEntries int           // live-set cap, oldest evicted first
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Threshold:  0.95,
		TTL:        time.Hour,
		MaxEntries: 10000,
	}
}

// Entry is one cached response keyed by its prompt embedding.
type Entry struct {
	Embedding []float64       `json:"embedding"`
	Response  json.RawMessage `json:"response"`
	Query     string          `json:"query"`
	Model     string          `json:"model"`
	Timestamp int64           `json:"timestamp"`
	HitCount  int             `json:"hit_count"`
}

// Hit is a successful lookup.
type Hit struct {
	Response   json.RawMessage
	Similarity float64
	HitCount   int
}

// Info summarizes the cache for GET /api/cache/stats.
type Info struct {
	TotalEntries int64   `json:"total_entries"`
	Enabled      bool    `json:"enabled"`
	Threshold    float64 `json:"threshold"`
	TTLSeconds   int64   `json:"ttl_seconds"`
}

// Cache is the Redis-backed semantic cache. All failures degrade to a
// miss; nothing here ever fails a request.
type Cache struct {
	rdb   *redis.Client
	embed *EmbeddingClient
	cfg   Config
	log   *slog.Logger
}

// New creates a Cache. A nil Redis client yields a disabled cache.
func New(rdb *redis.Client, embed *EmbeddingClient, cfg Config, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	if rdb == nil {
		cfg.Enabled = false
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.95
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	return &Cache{rdb: rdb, embed: embed, cfg: cfg, log: log}
}

// Enabled reports whether lookups and stores are active.
func (c *Cache) Enabled() bool { return c.cfg.Enabled }

// Ready reports Redis reachability (readiness probe).
func (c *Cache) Ready(ctx context.Context) bool {
	if c.rdb == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return c.rdb.Ping(ctx).Err() == nil
}

// Lookup embeds query and scans live entries for the best match at or
// above the similarity threshold. Entries for a different concrete model
// are skipped unless the request used a virtual model name.
func (c *Cache) Lookup(ctx context.Context, query, model string) *Hit {
	if !c.cfg.Enabled {
		return nil
	}

	queryVec := c.embed.Embed(ctx, query)

	ids, err := c.rdb.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		c.log.Warn("cache_index_read_failed", "error", err)
		return nil
	}
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryPrefix + id
	}
	raw, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("cache_entries_read_failed", "error", err)
		return nil
	}

	var (
		bestSim   float64
		bestID    string
		bestEntry *Entry
		stale     []string
	)
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			// Entry expired out from under the index.
			stale = append(stale, ids[i])
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		if !providers.IsVirtualModel(model) && entry.Model != model {
			continue
		}
		sim := Cosine(queryVec, entry.Embedding)
		if sim >= c.cfg.Threshold && sim > bestSim {
			bestSim = sim
			bestID = ids[i]
			e := entry
			bestEntry = &e
		}
	}

	if len(stale) > 0 {
		if err := c.rdb.ZRem(ctx, indexKey, toAnySlice(stale)...).Err(); err != nil {
			c.log.Warn("cache_index_trim_failed", "error", err)
		}
	}

	if bestEntry == nil {
		return nil
	}

	bestEntry.HitCount++
	if buf, err := json.Marshal(bestEntry); err == nil {
		if err := c.rdb.Set(ctx, entryPrefix+bestID, buf, c.cfg.TTL).Err(); err != nil {
			c.log.Warn("cache_refresh_failed", "error", err)
		}
	}

	return &Hit{
		Response:   bestEntry.Response,
		Similarity: bestSim,
		HitCount:   bestEntry.HitCount,
	}
}

// Store writes a fresh entry and evicts oldest-first past MaxEntries.
func (c *Cache) Store(ctx context.Context, query, model string, response json.RawMessage) {
	if !c.cfg.Enabled {
		return
	}

	entry := Entry{
		Embedding: c.embed.Embed(ctx, query),
		Response:  response,
		Query:     query,
		Model:     model,
		Timestamp: time.Now().Unix(),
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return
	}

	id := uuid.NewString()
	if err := c.rdb.Set(ctx, entryPrefix+id, buf, c.cfg.TTL).Err(); err != nil {
		c.log.Warn("cache_store_failed", "error", err)
		return
	}
	if err := c.rdb.ZAdd(ctx, indexKey, redis.Z{Score: float64(entry.Timestamp), Member: id}).Err(); err != nil {
		c.log.Warn("cache_index_add_failed", "error", err)
		return
	}

	c.evict(ctx)
}

// evict pops the oldest index members until the live set is within bound.
func (c *Cache) evict(ctx context.Context) {
	size, err := c.rdb.ZCard(ctx, indexKey).Result()
	if err != nil || size <= int64(c.cfg.MaxEntries) {
		return
	}

	excess := size - int64(c.cfg.MaxEntries)
	oldest, err := c.rdb.ZRange(ctx, indexKey, 0, excess-1).Result()
	if err != nil || len(oldest) == 0 {
		return
	}

	keys := make([]string, len(oldest))
	for i, id := range oldest {
		keys[i] = entryPrefix + id
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn("cache_evict_failed", "error", err)
	}
	if err := c.rdb.ZRem(ctx, indexKey, toAnySlice(oldest)...).Err(); err != nil {
		c.log.Warn("cache_evict_failed", "error", err)
	}
}

// Invalidate removes entries whose query or model contains pattern; an
// empty pattern drops everything. Returns the number removed.
func (c *Cache) Invalidate(ctx context.Context, pattern string) int {
	if !c.cfg.Enabled {
		return 0
	}

	ids, err := c.rdb.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		c.log.Warn("cache_invalidate_failed", "error", err)
		return 0
	}
	if len(ids) == 0 {
		return 0
	}

	if pattern == "" {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = entryPrefix + id
		}
		c.rdb.Del(ctx, keys...)
		c.rdb.Del(ctx, indexKey)
		return len(ids)
	}

	var doomed []string
	for _, id := range ids {
		s, err := c.rdb.Get(ctx, entryPrefix+id).Result()
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			continue
		}
		if strings.Contains(entry.Query, pattern) || strings.Contains(entry.Model, pattern) {
			doomed = append(doomed, id)
		}
	}
	if len(doomed) == 0 {
		return 0
	}

	keys := make([]string, len(doomed))
	for i, id := range doomed {
		keys[i] = entryPrefix + id
	}
	c.rdb.Del(ctx, keys...)
	c.rdb.ZRem(ctx, indexKey, toAnySlice(doomed)...)
	return len(doomed)
}

// Stats reports the live-entry count and the effective configuration.
func (c *Cache) Stats(ctx context.Context) Info {
	info := Info{
		Enabled:    c.cfg.Enabled,
		Threshold:  c.cfg.Threshold,
		TTLSeconds: int64(c.cfg.TTL.Seconds()),
	}
	if !c.cfg.Enabled {
		return info
	}
	if n, err := c.rdb.ZCard(ctx, indexKey).Result(); err == nil {
		info.TotalEntries = n
	}
	return info
}

func toAnySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
