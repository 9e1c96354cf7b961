package edge

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

type shard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

// shardSet spreads keys over independently locked maps.
type shardSet[V any] struct {
	shards [shardCount]shard[V]
}

func newShardSet[V any]() *shardSet[V] {
	s := &shardSet[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

func (s *shardSet[V]) get(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key)) //nolint:errcheck
	return &s.shards[h.Sum32()%shardCount]
}

// each calls fn for every entry while holding that entry's shard lock.
func (s *shardSet[V]) each(fn func(key string, v V)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			fn(k, v)
		}
		sh.mu.Unlock()
	}
}

func (s *shardSet[V]) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
