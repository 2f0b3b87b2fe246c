package memory

import (
	"context"
	"math"
	"testing"
)

type countingEmbedder struct {
	calls int
	inner Embedder
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	c.calls++
	return c.inner.Embed(ctx, text)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(64)
	a, _ := e.Embed(ctx, "Balance of 0xABC")
	b, _ := e.Embed(ctx, "balance OF 0xabc")
	if len(a) != 64 {
		t.Fatalf("unexpected dimensions %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding should ignore case and punctuation")
		}
	}
	var norm float64
	for _, v := range a {
		norm += v * v
	}
	if math.Abs(norm-1) > 1e-9 {
		t.Fatalf("expected unit vector, norm=%f", norm)
	}
}

func TestHashEmbedderSimilarity(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(0)
	query, _ := e.Embed(ctx, "ethereum balance for wallet")
	related, _ := e.Embed(ctx, "wallet balance on ethereum mainnet")
	unrelated, _ := e.Embed(ctx, "weather forecast tomorrow")
	s1, ok1 := Cosine(query, related)
	s2, ok2 := Cosine(query, unrelated)
	if !ok1 {
		t.Fatalf("related text should be comparable")
	}
	if ok2 && s2 >= s1 {
		t.Fatalf("expected related text to score higher: %f vs %f", s1, s2)
	}
	empty, _ := e.Embed(ctx, "   ")
	if _, ok := Cosine(query, empty); ok {
		t.Fatalf("empty text should produce a zero vector")
	}
}

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{inner: NewHashEmbedder(16)}
	cached, err := NewCachedEmbedder(inner, 4)
	if err != nil {
		t.Fatalf("new cached embedder: %v", err)
	}
	first, _ := cached.Embed(ctx, "hello")
	first[0] = 99
	second, _ := cached.Embed(ctx, "hello")
	if inner.calls != 1 {
		t.Fatalf("expected one underlying call, got %d", inner.calls)
	}
	if second[0] == 99 {
		t.Fatalf("cached vector must not be shared with callers")
	}
}
