package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	xerrors "AgentChain/internal/errors"
)

const recordPrefix = "rec/"

// LevelDBStore 将记忆以追加日志的形式持久化到 goleveldb。
//
// 每次写入都同步落盘，Put 返回即代表记录对后续 Query 可见。
// 打开时从日志重建内存索引。
type LevelDBStore struct {
	mu  sync.RWMutex
	db  *leveldb.DB
	idx *index
	seq uint64
}

// OpenLevelDBStore 打开（或创建）指定目录下的记忆日志。
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("打开记忆日志 %s 失败", path))
	}
	return newLevelDBStore(db)
}

// NewMemLevelDBStore 使用内存存储后端，主要用于测试。
func NewMemLevelDBStore() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开内存记忆日志失败")
	}
	return newLevelDBStore(db)
}

func newLevelDBStore(db *leveldb.DB) (*LevelDBStore, error) {
	s := &LevelDBStore{db: db, idx: newIndex()}
	if err := s.replay(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelDBStore) replay() error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var record Record
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析记忆日志条目 %s 失败", iter.Key()))
		}
		if err := s.idx.add(record); err != nil {
			return err
		}
		s.seq++
	}
	if err := iter.Error(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历记忆日志失败")
	}
	return nil
}

// Put 同步追加一条记录。
func (s *LevelDBStore) Put(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(CodeRecordInvalid, err, "编码记忆记录失败")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx.has(record.ID) {
		return xerrors.New(CodeRecordExists, fmt.Sprintf("记忆记录 %s 已存在", record.ID))
	}
	// 键按写入序号排列，重放时保持追加顺序。
	key := fmt.Sprintf("%s%020d/%s", recordPrefix, s.seq, record.ID)
	if err := s.db.Put([]byte(key), encoded, &opt.WriteOptions{Sync: true}); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆日志失败")
	}
	s.seq++
	return s.idx.add(record)
}

// Query 返回与 embedding 最相似的 k 条存活记录。
func (s *LevelDBStore) Query(ctx context.Context, embedding []float64, k int, opts ...QueryOption) ([]Scored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	options := BuildQueryOptions(opts)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.query(embedding, k, options), nil
}

// Close 关闭底层数据库。
func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
