package memory

import (
	"fmt"
	"math"
	"sort"

	xerrors "AgentChain/internal/errors"
)

// index 是内存中的追加日志视图，由调用方负责加锁。
type index struct {
	records []Record
	byID    map[string]int
	hidden  map[string]struct{}
}

func newIndex() *index {
	return &index{
		byID:   make(map[string]int),
		hidden: make(map[string]struct{}),
	}
}

func (ix *index) has(id string) bool {
	_, ok := ix.byID[id]
	return ok
}

func (ix *index) add(r Record) error {
	if ix.has(r.ID) {
		return xerrors.New(CodeRecordExists, fmt.Sprintf("记忆记录 %s 已存在", r.ID))
	}
	ix.byID[r.ID] = len(ix.records)
	ix.records = append(ix.records, r.clone())
	if r.Tombstone {
		ix.hidden[r.Supersedes] = struct{}{}
	}
	return nil
}

func (ix *index) get(id string) (Record, bool) {
	pos, ok := ix.byID[id]
	if !ok {
		return Record{}, false
	}
	return ix.records[pos].clone(), true
}

func (ix *index) live(r Record) bool {
	if r.Tombstone {
		return false
	}
	_, hidden := ix.hidden[r.ID]
	return !hidden
}

func (ix *index) query(embedding []float64, k int, options QueryOptions) []Scored {
	if k <= 0 || len(embedding) == 0 {
		return nil
	}
	candidates := make([]Scored, 0, len(ix.records))
	for _, r := range ix.records {
		if !ix.live(r) {
			continue
		}
		if options.Owner != "" && r.Owner != options.Owner {
			continue
		}
		score, ok := Cosine(embedding, r.Embedding)
		if !ok || score < options.MinScore {
			continue
		}
		candidates = append(candidates, Scored{Record: r, Score: score})
	}
	ranked := Rank(candidates, k)
	for i := range ranked {
		ranked[i].Record = ranked[i].Record.clone()
	}
	return ranked
}

// Cosine 计算余弦相似度；维度不一致或零向量时返回 false。
func Cosine(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

// Rank 按得分降序排序，得分相同则较新的记录在前，最后按 ID 保证稳定。
func Rank(results []Scored, k int) []Scored {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ti, tj := results[i].Record.Timestamp, results[j].Record.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return results[i].Record.ID < results[j].Record.ID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}
