package memory

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	xerrors "AgentChain/internal/errors"
)

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func factories() []storeFactory {
	return []storeFactory{
		{name: "local", open: func(t *testing.T) Store { return NewLocalStore() }},
		{name: "leveldb", open: func(t *testing.T) Store {
			s, err := NewMemLevelDBStore()
			if err != nil {
				t.Fatalf("open leveldb: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{name: "cached", open: func(t *testing.T) Store {
			s, err := NewCachedStore(NewLocalStore(), 16)
			if err != nil {
				t.Fatalf("new cached: %v", err)
			}
			return s
		}},
	}
}

func rec(id, owner string, ts time.Time, emb ...float64) Record {
	return Record{ID: id, Owner: owner, Content: id, Embedding: emb, Timestamp: ts}
}

func TestQueryRanking(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			store := f.open(t)
			records := []Record{
				rec("far", "a", base, 0, 1),
				rec("near", "a", base, 1, 0.1),
				rec("exact-old", "a", base, 1, 0),
				rec("exact-new", "a", base.Add(time.Minute), 2, 0),
			}
			for _, r := range records {
				if err := store.Put(ctx, r); err != nil {
					t.Fatalf("put %s: %v", r.ID, err)
				}
			}
			got, err := store.Query(ctx, []float64{1, 0}, 3)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			want := []string{"exact-new", "exact-old", "near"}
			if len(got) != len(want) {
				t.Fatalf("expected %d results, got %d", len(want), len(got))
			}
			for i, id := range want {
				if got[i].Record.ID != id {
					t.Fatalf("position %d: expected %s, got %s", i, id, got[i].Record.ID)
				}
			}
			for i := 1; i < len(got); i++ {
				if got[i].Score > got[i-1].Score {
					t.Fatalf("results not sorted by score")
				}
			}
		})
	}
}

func TestQueryEdgeCases(t *testing.T) {
	ctx := context.Background()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t)
			got, err := store.Query(ctx, []float64{1, 0}, 5)
			if err != nil || len(got) != 0 {
				t.Fatalf("empty store should return nothing, got %v %v", got, err)
			}
			_ = store.Put(ctx, rec("x", "a", time.Now(), 1, 0))
			_ = store.Put(ctx, rec("y", "b", time.Now(), 1, 0))
			if got, _ := store.Query(ctx, []float64{1, 0}, 0); len(got) != 0 {
				t.Fatalf("k=0 should return nothing")
			}
			got, _ = store.Query(ctx, []float64{1, 0}, 10)
			if len(got) != 2 {
				t.Fatalf("k larger than store should return all live records, got %d", len(got))
			}
			got, _ = store.Query(ctx, []float64{1, 0}, 10, WithOwner("b"))
			if len(got) != 1 || got[0].Record.Owner != "b" {
				t.Fatalf("owner filter failed: %+v", got)
			}
			if got, _ := store.Query(ctx, []float64{1, 0, 0}, 10); len(got) != 0 {
				t.Fatalf("mismatched dimensions should not match")
			}
		})
	}
}

func TestTombstoneHidesRecord(t *testing.T) {
	ctx := context.Background()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t)
			_ = store.Put(ctx, rec("keep", "a", time.Now(), 1, 0))
			_ = store.Put(ctx, rec("drop", "a", time.Now(), 1, 0))
			if got, _ := store.Query(ctx, []float64{1, 0}, 5); len(got) != 2 {
				t.Fatalf("expected 2 before tombstone, got %d", len(got))
			}
			if err := store.Put(ctx, NewTombstone("a", "drop", time.Now())); err != nil {
				t.Fatalf("put tombstone: %v", err)
			}
			got, _ := store.Query(ctx, []float64{1, 0}, 5)
			if len(got) != 1 || got[0].Record.ID != "keep" {
				t.Fatalf("tombstoned record still visible: %+v", got)
			}
		})
	}
}

func TestPutRejectsDuplicateAndInvalid(t *testing.T) {
	ctx := context.Background()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t)
			r := rec("dup", "a", time.Now(), 1)
			if err := store.Put(ctx, r); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := store.Put(ctx, r); xerrors.CodeOf(err) != CodeRecordExists {
				t.Fatalf("expected duplicate error, got %v", err)
			}
			if err := store.Put(ctx, Record{ID: "e", Owner: "a"}); xerrors.CodeOf(err) != CodeRecordInvalid {
				t.Fatalf("expected invalid record error, got %v", err)
			}
		})
	}
}

func TestQueryResultsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()
	_ = store.Put(ctx, rec("r", "a", time.Now(), 1, 0))
	got, _ := store.Query(ctx, []float64{1, 0}, 1)
	got[0].Record.Embedding[0] = 42
	again, _ := store.Query(ctx, []float64{1, 0}, 1)
	if again[0].Record.Embedding[0] != 1 {
		t.Fatalf("stored record mutated through query result")
	}
}

func TestConcurrentPutAndQuery(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r := NewRecord("a", "", "content", []float64{float64(n + 1), float64(j + 1)}, time.Now())
				if err := store.Put(ctx, r); err != nil {
					t.Errorf("put: %v", err)
				}
				if _, err := store.Query(ctx, []float64{1, 1}, 3); err != nil {
					t.Errorf("query: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
	if store.Len() != 400 {
		t.Fatalf("expected 400 records, got %d", store.Len())
	}
}

func TestLevelDBStoreReplay(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "memory")
	store, err := OpenLevelDBStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = store.Put(ctx, rec("one", "a", time.Now(), 1, 0))
	_ = store.Put(ctx, rec("two", "a", time.Now(), 0, 1))
	_ = store.Put(ctx, NewTombstone("a", "two", time.Now()))
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenLevelDBStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, _ := reopened.Query(ctx, []float64{0.5, 0.5}, 10)
	if len(got) != 1 || got[0].Record.ID != "one" {
		t.Fatalf("unexpected records after replay: %+v", got)
	}
	if err := reopened.Put(ctx, rec("one", "a", time.Now(), 1)); xerrors.CodeOf(err) != CodeRecordExists {
		t.Fatalf("replayed ids must stay unique, got %v", err)
	}
}

func TestCachedStoreInvalidatesOnPut(t *testing.T) {
	ctx := context.Background()
	store, _ := NewCachedStore(NewLocalStore(), 8)
	_ = store.Put(ctx, rec("a", "o", time.Now(), 1, 0))
	first, _ := store.Query(ctx, []float64{1, 0}, 5)
	if len(first) != 1 {
		t.Fatalf("expected one result")
	}
	_ = store.Put(ctx, rec("b", "o", time.Now(), 1, 0))
	second, _ := store.Query(ctx, []float64{1, 0}, 5)
	if len(second) != 2 {
		t.Fatalf("cache served stale results: %d", len(second))
	}
}
