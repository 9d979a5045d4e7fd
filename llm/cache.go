package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	answerCacheTTL     = 10 * time.Minute
	answerCacheTimeout = 300 * time.Millisecond
)

// CachedAnswer is the stored result of one answered question, including the
// source filenames shown to the user.
type CachedAnswer struct {
	Answer     Answer   `json:"answer"`
	Sources    []string `json:"sources,omitempty"`
	AnsweredAt int64    `json:"answered_at"`
}

// AnswerCache keeps recently synthesized answers in Redis, keyed by the
// normalised question. Cache trouble never fails a request; misses and errors
// both mean "synthesize again".
type AnswerCache struct {
	client *redis.Client
}

// NewAnswerCache wraps a Redis client. A nil client yields a no-op cache.
func NewAnswerCache(client *redis.Client) *AnswerCache {
	if client == nil {
		return nil
	}
	return &AnswerCache{client: client}
}

func (c *AnswerCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), answerCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= answerCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, answerCacheTimeout)
}

func (c *AnswerCache) key(query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return "chat:answer:" + hex.EncodeToString(sum[:16])
}

// Get returns the cached answer for the query, or nil on a miss.
func (c *AnswerCache) Get(ctx context.Context, query string) *CachedAnswer {
	if c == nil || c.client == nil {
		return nil
	}
	key := c.key(query)
	if key == "" {
		return nil
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	var cached CachedAnswer
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil
	}
	return &cached
}

// Store writes the answer for the query, best effort.
func (c *AnswerCache) Store(ctx context.Context, query string, cached CachedAnswer) {
	if c == nil || c.client == nil {
		return
	}
	key := c.key(query)
	if key == "" {
		return
	}

	payload, err := json.Marshal(cached)
	if err != nil {
		log.Printf("llm: marshal answer cache payload failed: %v", err)
		return
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, key, payload, answerCacheTTL).Err(); err != nil {
		log.Printf("llm: store answer cache failed: %v", err)
	}
}

// Invalidate drops every cached answer. Called when the knowledge base
// changes so stale answers do not outlive their sources.
func (c *AnswerCache) Invalidate(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	iter := c.client.Scan(ctx, 0, "chat:answer:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Printf("llm: invalidate answer cache key failed: %v", err)
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("llm: scan answer cache failed: %v", err)
	}
}
