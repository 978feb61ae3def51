package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const decisionKeyPrefix = "authz:decision"

const (
	// DefaultCheckTTL caches general permission checks.
	DefaultCheckTTL = 5 * time.Minute
	// DefaultMetadataTTL caches checks against read-heavy, low-churn
	// resource classes such as role metadata. Nothing is cached
	// indefinitely.
	DefaultMetadataTTL = 30 * time.Minute
)

// DecisionCache memoises check decisions in Redis with per-resource
// TTLs and explicit invalidation. All methods are nil-safe: a nil cache
// or client behaves as a permanent miss so the engine can run without
// Redis at all.
type DecisionCache struct {
	client        *redis.Client
	checkTTL      time.Duration
	metadataTTL   time.Duration
	metadataClass map[string]struct{}
}

// CacheOption customises a DecisionCache.
type CacheOption func(*DecisionCache)

// WithCheckTTL overrides the TTL for general permission checks.
func WithCheckTTL(ttl time.Duration) CacheOption {
	return func(c *DecisionCache) { c.checkTTL = ttl }
}

// WithMetadataTTL overrides the long TTL and the resource classes it
// applies to.
func WithMetadataTTL(ttl time.Duration, resources ...string) CacheOption {
	return func(c *DecisionCache) {
		c.metadataTTL = ttl
		c.metadataClass = make(map[string]struct{}, len(resources))
		for _, res := range resources {
			c.metadataClass[res] = struct{}{}
		}
	}
}

// NewDecisionCache wraps a Redis client as a decision cache.
func NewDecisionCache(client *redis.Client, opts ...CacheOption) *DecisionCache {
	cache := &DecisionCache{
		client:      client,
		checkTTL:    DefaultCheckTTL,
		metadataTTL: DefaultMetadataTTL,
		metadataClass: map[string]struct{}{
			"role":   {},
			"system": {},
		},
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

// Key builds the deterministic cache key for one check. The context
// hash is stable regardless of map insertion order.
func (c *DecisionCache) Key(userID, resource, action string, reqCtx Context) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", decisionKeyPrefix, userID, resource, action, HashContext(reqCtx))
}

// Get returns the cached decision for key, reporting whether it was
// present.
func (c *DecisionCache) Get(ctx context.Context, key string) (Decision, bool, error) {
	if c == nil || c.client == nil {
		return Decision{}, false, nil
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	var decision Decision
	if err := json.Unmarshal(payload, &decision); err != nil {
		return Decision{}, false, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	return decision, true, nil
}

// Put stores the decision under key for the given TTL.
func (c *DecisionCache) Put(ctx context.Context, key string, decision Decision, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	return nil
}

// TTLFor returns the TTL class for the resource being checked.
func (c *DecisionCache) TTLFor(resource string) time.Duration {
	if c == nil {
		return DefaultCheckTTL
	}
	if _, ok := c.metadataClass[resource]; ok {
		return c.metadataTTL
	}
	return c.checkTTL
}

// InvalidateUser drops every cached decision for one principal.
func (c *DecisionCache) InvalidateUser(ctx context.Context, userID string) error {
	return c.Invalidate(ctx, fmt.Sprintf("%s:%s:*", decisionKeyPrefix, userID))
}

// InvalidateAll drops every cached decision. The cheap, always-correct
// fallback when targeted invalidation cannot be computed.
func (c *DecisionCache) InvalidateAll(ctx context.Context) error {
	return c.Invalidate(ctx, decisionKeyPrefix+":*")
}

// Invalidate deletes all keys matching the pattern via SCAN, in
// batches.
func (c *DecisionCache) Invalidate(ctx context.Context, pattern string) error {
	if c == nil || c.client == nil {
		return nil
	}
	iter := c.client.Scan(ctx, 0, pattern, 256).Iterator()
	batch := make([]string, 0, 256)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
		}
	}
	return nil
}

// HashContext produces a stable hash of the request context: map keys
// are visited in sorted order at every nesting level, so logically
// equal contexts hash identically regardless of construction order.
func HashContext(reqCtx Context) string {
	h := sha256.New()
	writeCanonical(h, map[string]any(reqCtx))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func writeCanonical(w io.Writer, v any) {
	switch vv := v.(type) {
	case nil:
		io.WriteString(w, "null")
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		io.WriteString(w, "{")
		for _, k := range keys {
			io.WriteString(w, strconv.Quote(k))
			io.WriteString(w, ":")
			writeCanonical(w, vv[k])
			io.WriteString(w, ",")
		}
		io.WriteString(w, "}")
	case []any:
		io.WriteString(w, "[")
		for _, item := range vv {
			writeCanonical(w, item)
			io.WriteString(w, ",")
		}
		io.WriteString(w, "]")
	case []string:
		io.WriteString(w, "[")
		for _, item := range vv {
			io.WriteString(w, strconv.Quote(item))
			io.WriteString(w, ",")
		}
		io.WriteString(w, "]")
	case string:
		io.WriteString(w, strconv.Quote(vv))
	case bool:
		io.WriteString(w, strconv.FormatBool(vv))
	case int:
		io.WriteString(w, strconv.Itoa(vv))
	case int64:
		io.WriteString(w, strconv.FormatInt(vv, 10))
	case float64:
		io.WriteString(w, strconv.FormatFloat(vv, 'g', -1, 64))
	default:
		// Uncommon types fall back to encoding/json, which is
		// deterministic for a fixed value.
		raw, err := json.Marshal(vv)
		if err != nil {
			fmt.Fprintf(w, "%v", vv)
			return
		}
		w.Write(raw)
	}
}
