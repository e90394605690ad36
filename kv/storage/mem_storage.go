package storage

import (
	"sync"

	"github.com/google/btree"
)

const memBtreeDegree = 8

// MemStorage is a simple storage backed by memory for testing. Data is not written to disk.
type MemStorage struct {
	mu   sync.RWMutex
	data *btree.BTree
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		data: btree.New(memBtreeDegree),
	}
}

func (s *MemStorage) Start() error {
	return nil
}

func (s *MemStorage) Stop() error {
	return nil
}

func (s *MemStorage) Reader() (StorageReader, error) {
	return &memReader{s}, nil
}

func (s *MemStorage) Write(batch []Modify) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		item := m.Item
		s.data.ReplaceOrInsert(memItem{key: m.Key, item: &item})
	}
	return nil
}

// Set stores item under key directly, bypassing versioning. It is intended for seeding tests.
func (s *MemStorage) Set(key string, version uint64, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ReplaceOrInsert(memItem{key: key, item: &Item{Version: version, Value: value}})
}

func (s *MemStorage) Get(key string) *Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := s.data.Get(memItem{key: key})
	if result == nil {
		return nil
	}
	item := *result.(memItem).item
	return &item
}

func (s *MemStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Len()
}

// memReader is a StorageReader which reads from a MemStorage.
type memReader struct {
	inner *MemStorage
}

func (r *memReader) Get(key string) (*Item, error) {
	return r.inner.Get(key), nil
}

func (r *memReader) Scan(fn func(key string, item *Item) bool) error {
	r.inner.mu.RLock()
	defer r.inner.mu.RUnlock()
	r.inner.data.Ascend(func(i btree.Item) bool {
		mi := i.(memItem)
		item := *mi.item
		return fn(mi.key, &item)
	})
	return nil
}

func (r *memReader) Close() {}

type memItem struct {
	key  string
	item *Item
}

func (it memItem) Less(than btree.Item) bool {
	return it.key < than.(memItem).key
}
