package statestore

import (
	"sync"
	"time"

	"github.com/Velocidex/ttlcache/v2"
	"github.com/google/btree"
)

// setItem orders members by score, then member for equal scores so the tree
// has a total order.
type setItem struct {
	score  int64
	member string
}

func (i setItem) Less(than btree.Item) bool {
	other := than.(setItem)
	if i.score != other.score {
		return i.score < other.score
	}
	return i.member < other.member
}

type scoreSet struct {
	tree   *btree.BTree
	scores map[string]int64
}

func newScoreSet() *scoreSet {
	return &scoreSet{
		tree:   btree.New(16),
		scores: make(map[string]int64),
	}
}

// MemoryStore is the in-process Store. The key/value side sits on a TTL
// cache, the ordered sets on one btree per set name.
type MemoryStore struct {
	kv *ttlcache.Cache

	mu   sync.Mutex
	sets map[string]*scoreSet
}

func NewMemoryStore() *MemoryStore {
	kv := ttlcache.NewCache()
	kv.SkipTTLExtensionOnHit(true)
	return &MemoryStore{
		kv:   kv,
		sets: make(map[string]*scoreSet),
	}
}

func (s *MemoryStore) Close() {
	_ = s.kv.Close()
}

func (s *MemoryStore) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		_ = s.kv.Set(key, value)
		return
	}
	_ = s.kv.SetWithTTL(key, value, ttl)
}

func (s *MemoryStore) Get(key string) ([]byte, bool) {
	v, err := s.kv.Get(key)
	if err != nil {
		return nil, false
	}
	return v.([]byte), true
}

func (s *MemoryStore) Delete(key string) bool {
	return s.kv.Remove(key) == nil
}

func (s *MemoryStore) Exists(key string) bool {
	_, err := s.kv.Get(key)
	return err == nil
}

func (s *MemoryStore) set(name string) *scoreSet {
	ss, ok := s.sets[name]
	if !ok {
		ss = newScoreSet()
		s.sets[name] = ss
	}
	return ss
}

func (s *MemoryStore) ZAdd(set, member string, score int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.set(set)
	old, exists := ss.scores[member]
	if exists {
		ss.tree.Delete(setItem{score: old, member: member})
	}
	ss.tree.ReplaceOrInsert(setItem{score: score, member: member})
	ss.scores[member] = score
	return !exists
}

func (s *MemoryStore) ZRemove(set, member string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sets[set]
	if !ok {
		return false
	}
	score, exists := ss.scores[member]
	if !exists {
		return false
	}
	ss.tree.Delete(setItem{score: score, member: member})
	delete(ss.scores, member)
	return true
}

func (s *MemoryStore) ZPopMin(set string) (string, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sets[set]
	if !ok || ss.tree.Len() == 0 {
		return "", 0, false
	}
	item := ss.tree.DeleteMin().(setItem)
	delete(ss.scores, item.member)
	return item.member, item.score, true
}

func (s *MemoryStore) ZScore(set, member string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sets[set]
	if !ok {
		return 0, false
	}
	score, exists := ss.scores[member]
	return score, exists
}
