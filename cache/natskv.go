package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KV caches in a JetStream key-value bucket. KV buckets expire values at
// the bucket level, so the per-call TTL is fixed at bucket creation and
// the ttl argument to Set is ignored.
type KV struct {
	kv jetstream.KeyValue
}

// NewKV creates or opens the cache bucket with the given TTL.
func NewKV(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*KV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "workflow snapshot cache",
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache bucket %q: %w", bucket, err)
	}
	return &KV{kv: kv}, nil
}

// KV keys cannot contain ':', so cache keys are mapped to '.' form.
func kvKey(key string) string {
	out := []byte(key)
	for i, c := range out {
		if c == ':' || c == '/' {
			out[i] = '.'
		}
	}
	return string(out)
}

// Get returns the value or ErrMiss.
func (c *KV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := c.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache key %q: %w", key, err)
	}
	return entry.Value(), nil
}

// Set stores the value. The bucket TTL governs expiry.
func (c *KV) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := c.kv.Put(ctx, kvKey(key), value); err != nil {
		return fmt.Errorf("failed to write cache key %q: %w", key, err)
	}
	return nil
}

// Delete drops keys. Missing keys are not an error.
func (c *KV) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		err := c.kv.Delete(ctx, kvKey(key))
		if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("failed to delete cache key %q: %w", key, err)
		}
	}
	return nil
}
