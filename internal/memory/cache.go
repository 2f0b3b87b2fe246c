package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// CachedStore 为热点检索增加 ARC 缓存，任何写入都会使已缓存结果失效。
type CachedStore struct {
	inner      Store
	cache      *lru.ARCCache
	generation atomic.Uint64
}

// NewCachedStore 包装 inner，size 为缓存条目数量。
func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

// Put 写入底层存储并使缓存失效。
func (c *CachedStore) Put(ctx context.Context, record Record) error {
	if err := c.inner.Put(ctx, record); err != nil {
		return err
	}
	c.generation.Add(1)
	c.cache.Purge()
	return nil
}

// Query 优先读取缓存。
func (c *CachedStore) Query(ctx context.Context, embedding []float64, k int, opts ...QueryOption) ([]Scored, error) {
	options := BuildQueryOptions(opts)
	gen := c.generation.Load()
	key := queryKey(gen, embedding, k, options)
	if cached, ok := c.cache.Get(key); ok {
		return cloneScored(cached.([]Scored)), nil
	}
	results, err := c.inner.Query(ctx, embedding, k, opts...)
	if err != nil {
		return nil, err
	}
	// 查询期间发生写入时不缓存，避免旧结果覆盖新代际。
	if c.generation.Load() == gen {
		c.cache.Add(key, cloneScored(results))
	}
	return results, nil
}

func queryKey(gen uint64, embedding []float64, k int, options QueryOptions) string {
	hasher := fnv.New64a()
	var buf [8]byte
	for _, v := range embedding {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = hasher.Write(buf[:])
	}
	return fmt.Sprintf("%d|%s|%d|%g|%d|%x", gen, options.Owner, k, options.MinScore, len(embedding), hasher.Sum64())
}

func cloneScored(in []Scored) []Scored {
	if in == nil {
		return nil
	}
	out := make([]Scored, len(in))
	for i, s := range in {
		out[i] = Scored{Record: s.Record.clone(), Score: s.Score}
	}
	return out
}

// CachedEmbedder 缓存文本到向量的映射，减少对远端向量接口的调用。
type CachedEmbedder struct {
	inner Embedder
	cache *lru.ARCCache
}

// NewCachedEmbedder 包装 inner。
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed 返回缓存的向量副本。
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if cached, ok := c.cache.Get(text); ok {
		return append([]float64(nil), cached.([]float64)...), nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, append([]float64(nil), vec...))
	return vec, nil
}
