package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
)

const (
	summaryKeyPrefix = "ledger:summary:"
	summaryCacheName = "ledger_summary"
)

// CacheMetrics records cache lookups.
type CacheMetrics interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
}

// summaryCache implements outbound.LedgerSummaryCachePort.
type summaryCache struct {
	client  redis.UniversalClient
	prefix  string
	metrics CacheMetrics
}

// NewSummaryCache creates a new ledger summary cache adapter. metrics may be nil.
func NewSummaryCache(client redis.UniversalClient, prefix string, metrics CacheMetrics) outbound.LedgerSummaryCachePort {
	return &summaryCache{client: client, prefix: prefix, metrics: metrics}
}

func (c *summaryCache) key(userID uuid.UUID, feature string) string {
	return fmt.Sprintf("%s%s%s:%s", c.prefix, summaryKeyPrefix, userID.String(), feature)
}

func (c *summaryCache) Get(ctx context.Context, userID uuid.UUID, feature string) (*model.LedgerSummary, error) {
	data, err := c.client.Get(ctx, c.key(userID, feature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.miss()
			return nil, outbound.ErrCacheMiss
		}
		return nil, err
	}

	var summary model.LedgerSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		// A payload from an older layout is treated as absent.
		c.miss()
		return nil, outbound.ErrCacheMiss
	}

	if c.metrics != nil {
		c.metrics.RecordCacheHit(summaryCacheName)
	}
	return &summary, nil
}

func (c *summaryCache) Set(ctx context.Context, summary *model.LedgerSummary, ttl time.Duration) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return c.client.Set(ctx, c.key(summary.UserID, summary.Feature), data, ttl).Err()
}

func (c *summaryCache) Invalidate(ctx context.Context, userID uuid.UUID, feature string) error {
	return c.client.Del(ctx, c.key(userID, feature)).Err()
}

func (c *summaryCache) miss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(summaryCacheName)
	}
}

// Compile-time check
var _ outbound.LedgerSummaryCachePort = (*summaryCache)(nil)
