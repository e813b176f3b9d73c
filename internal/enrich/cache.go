package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheConfig 描述 Redis 快照缓存的连接参数。
type CacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Cache 把分析快照缓存在 Redis 中，数据缺失的结果不会被缓存。
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCache 创建 Redis 快照缓存。
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "chainpilot:enrich"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}, nil
}

// Close 关闭 Redis 连接。
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// cachedLookup 先查缓存，未命中或版本不匹配时回源并写回。
// DATA_UNAVAILABLE 直接透传，永远不会进入缓存。
func cachedLookup[T any](ctx context.Context, c *Cache, key string, fetch func(context.Context) (Snapshot[T], error)) (Snapshot[T], error) {
	fullKey := c.prefix + ":" + key

	if raw, err := c.client.Get(ctx, fullKey).Bytes(); err == nil {
		var snap Snapshot[T]
		if unmarshalErr := json.Unmarshal(raw, &snap); unmarshalErr == nil && snap.Version == SnapshotVersion {
			return snap, nil
		}
		// 旧版本或损坏的条目直接丢弃。
		_ = c.client.Del(ctx, fullKey).Err()
	}

	snap, err := fetch(ctx)
	if err != nil {
		return Snapshot[T]{}, err
	}

	if raw, marshalErr := json.Marshal(snap); marshalErr == nil {
		_ = c.client.Set(ctx, fullKey, raw, c.ttl).Err()
	}
	return snap, nil
}

// CachedMarket 为 MarketAnalyzer 增加缓存层。
type CachedMarket struct {
	cache *Cache
	next  MarketAnalyzer
}

// NewCachedMarket 包装一个 MarketAnalyzer。
func NewCachedMarket(cache *Cache, next MarketAnalyzer) *CachedMarket {
	return &CachedMarket{cache: cache, next: next}
}

func (m *CachedMarket) MemeMetrics(ctx context.Context, token string, tf Timeframe) (Snapshot[MemeMetrics], error) {
	key := "meme:" + token + ":" + string(tf)
	return cachedLookup(ctx, m.cache, key, func(ctx context.Context) (Snapshot[MemeMetrics], error) {
		return m.next.MemeMetrics(ctx, token, tf)
	})
}

func (m *CachedMarket) OptimizeLaunch(ctx context.Context, ticker string) (Snapshot[LaunchParams], error) {
	key := "launch:" + ticker
	return cachedLookup(ctx, m.cache, key, func(ctx context.Context) (Snapshot[LaunchParams], error) {
		return m.next.OptimizeLaunch(ctx, ticker)
	})
}

// CachedSentiment 为 SentimentAnalyzer 增加缓存层。
type CachedSentiment struct {
	cache *Cache
	next  SentimentAnalyzer
}

// NewCachedSentiment 包装一个 SentimentAnalyzer。
func NewCachedSentiment(cache *Cache, next SentimentAnalyzer) *CachedSentiment {
	return &CachedSentiment{cache: cache, next: next}
}

func (s *CachedSentiment) Sentiment(ctx context.Context, token string, tf Timeframe, whales, influencers bool) (Snapshot[MarketSentiment], error) {
	key := fmt.Sprintf("sentiment:%s:%s:%t:%t", token, tf, whales, influencers)
	return cachedLookup(ctx, s.cache, key, func(ctx context.Context) (Snapshot[MarketSentiment], error) {
		return s.next.Sentiment(ctx, token, tf, whales, influencers)
	})
}

// CachedPredictor 为 PricePredictor 增加缓存层。
type CachedPredictor struct {
	cache *Cache
	next  PricePredictor
}

// NewCachedPredictor 包装一个 PricePredictor。
func NewCachedPredictor(cache *Cache, next PricePredictor) *CachedPredictor {
	return &CachedPredictor{cache: cache, next: next}
}

func (p *CachedPredictor) Predict(ctx context.Context, token string, tf Timeframe) (Snapshot[PricePrediction], error) {
	key := "prediction:" + token + ":" + string(tf)
	return cachedLookup(ctx, p.cache, key, func(ctx context.Context) (Snapshot[PricePrediction], error) {
		return p.next.Predict(ctx, token, tf)
	})
}

// CachedLiquidity 为 LiquidityAnalyzer 增加缓存层。
type CachedLiquidity struct {
	cache *Cache
	next  LiquidityAnalyzer
}

// NewCachedLiquidity 包装一个 LiquidityAnalyzer。
func NewCachedLiquidity(cache *Cache, next LiquidityAnalyzer) *CachedLiquidity {
	return &CachedLiquidity{cache: cache, next: next}
}

func (l *CachedLiquidity) Liquidity(ctx context.Context, token string) (Snapshot[LiquidityProfile], error) {
	key := "liquidity:" + token
	return cachedLookup(ctx, l.cache, key, func(ctx context.Context) (Snapshot[LiquidityProfile], error) {
		return l.next.Liquidity(ctx, token)
	})
}
