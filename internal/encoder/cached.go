package encoder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"layoutid/internal/logger"
	"layoutid/internal/metrics"
	"layoutid/internal/storage"
)

// store is what the cache needs from a key-value backend.
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Cached memoizes query embeddings in a persistent store. Cache failures are
// logged and never fail an encoding.
type Cached struct {
	inner  Encoder
	store  store
	logger *zap.Logger
}

func NewCached(inner Encoder, s store, log *zap.Logger) *Cached {
	return &Cached{inner: inner, store: s, logger: logger.OrNop(log)}
}

func (c *Cached) ModelID() string { return c.inner.ModelID() }

func (c *Cached) Dims() int { return c.inner.Dims() }

func (c *Cached) Close() error { return c.inner.Close() }

// Encode normalizes text before both keying and encoding, so inputs that
// share a key always produce the same vector.
func (c *Cached) Encode(ctx context.Context, text string) ([]float32, error) {
	text = NormalizeText(text)
	key := c.cacheKey(text)

	if vec, ok := c.getFromCache(ctx, key); ok {
		metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
		return vec, nil
	}
	metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()

	vec, err := c.inner.Encode(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("encode text: %w", err)
	}
	c.putToCache(ctx, key, vec)
	return vec, nil
}

func (c *Cached) cacheKey(text string) string {
	h := sha256.Sum256([]byte(c.inner.ModelID() + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}

func (c *Cached) getFromCache(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			c.logger.Warn("read cached embedding failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}
	vec, err := BytesToVector(data)
	if err != nil {
		c.logger.Warn("parse cached embedding failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return vec, true
}

func (c *Cached) putToCache(ctx context.Context, key string, vec []float32) {
	if err := c.store.Set(ctx, key, VectorToBytes(vec)); err != nil {
		c.logger.Warn("cache embedding failed", zap.String("key", key), zap.Error(err))
	}
}

// VectorToBytes encodes a vector as little-endian float32.
func VectorToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func BytesToVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding data: len=%d (not multiple of 4)", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
