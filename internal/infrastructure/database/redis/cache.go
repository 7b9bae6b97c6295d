package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/intelligence/tokenizer"
	"github.com/turtacn/ic50bert/pkg/errors"
)

var ErrSerializationFailed = errors.New(errors.ErrCodeSerialization, "serialization failed")

// DefaultPrefix namespaces every key the cache writes.
const DefaultPrefix = "ic50:tok:"

type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

type jsonSerializer struct{}

func (jsonSerializer) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonSerializer) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// EncodingCache keeps unpadded pair encodings in redis so that repeated
// runs over the same table skip WordPiece.
type EncodingCache struct {
	client     *Client
	logger     logging.Logger
	prefix     string
	ttl        time.Duration
	jitter     float64
	serializer Serializer
}

var _ tokenizer.PairCache = (*EncodingCache)(nil)

type CacheOption func(*EncodingCache)

func WithPrefix(prefix string) CacheOption {
	return func(c *EncodingCache) { c.prefix = prefix }
}

// WithTTL sets the expiry of written entries; zero keeps them forever.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *EncodingCache) { c.ttl = ttl }
}

// WithTTLJitter spreads expiries by ±fraction of the TTL.
func WithTTLJitter(fraction float64) CacheOption {
	return func(c *EncodingCache) {
		if fraction >= 0 && fraction < 1 {
			c.jitter = fraction
		}
	}
}

func WithSerializer(s Serializer) CacheOption {
	return func(c *EncodingCache) {
		if s != nil {
			c.serializer = s
		}
	}
}

func NewEncodingCache(client *Client, log logging.Logger, opts ...CacheOption) *EncodingCache {
	c := &EncodingCache{
		client:     client,
		logger:     logging.OrNop(log),
		prefix:     DefaultPrefix,
		ttl:        24 * time.Hour,
		jitter:     0.1,
		serializer: jsonSerializer{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EncodingCache) fullKey(key string) string {
	return c.prefix + key
}

func (c *EncodingCache) jitterTTL() time.Duration {
	if c.ttl == 0 || c.jitter == 0 {
		return c.ttl
	}
	delta := float64(c.ttl) * c.jitter * (rand.Float64()*2 - 1)
	return c.ttl + time.Duration(delta)
}

// GetEncodings fetches keys in one MGET. Missing and undecodable entries are
// left out of the result.
func (c *EncodingCache) GetEncodings(ctx context.Context, keys []string) (map[string]*tokenizer.Encoding, error) {
	if len(keys) == 0 {
		return map[string]*tokenizer.Encoding{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.fullKey(k)
	}

	vals, err := c.client.MGet(ctx, full...).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, errors.ErrCodeCacheError, "mget encodings")
	}

	out := make(map[string]*tokenizer.Encoding, len(keys))
	for i, v := range vals {
		if i >= len(keys) || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		var enc tokenizer.Encoding
		if err := c.serializer.Unmarshal([]byte(s), &enc); err != nil {
			c.logger.Warn("dropping undecodable cache entry",
				logging.String("key", full[i]), logging.Err(err))
			continue
		}
		out[keys[i]] = &enc
	}
	return out, nil
}

// SetEncodings writes items in a single pipeline, in key order.
func (c *EncodingCache) SetEncodings(ctx context.Context, items map[string]*tokenizer.Encoding) error {
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payloads := make([]string, len(keys))
	for i, k := range keys {
		data, err := c.serializer.Marshal(items[k])
		if err != nil {
			return ErrSerializationFailed.WithCause(err).WithDetail(k)
		}
		payloads[i] = string(data)
	}

	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			p.Set(ctx, c.fullKey(k), payloads[i], c.jitterTTL())
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "pipeline set encodings")
	}
	return nil
}

// Purge removes the given keys.
func (c *EncodingCache) Purge(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.fullKey(k)
	}
	n, err := c.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeCacheError, "delete encodings")
	}
	return n, nil
}
