package frontier

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

type visitedShard struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

type visitedSet struct {
	shards []*visitedShard
}

func newVisitedSet(shards int) *visitedSet {
	if shards <= 0 {
		shards = defaultShards
	}
	set := &visitedSet{shards: make([]*visitedShard, shards)}
	for i := range set.shards {
		set.shards[i] = &visitedShard{urls: make(map[string]struct{})}
	}
	return set
}

func (v *visitedSet) shard(url string) *visitedShard {
	return v.shards[xxhash.Sum64String(url)%uint64(len(v.shards))]
}

// addIf inserts url when it is new and admit returns true. The membership test,
// admit and insert happen under one shard lock.
func (v *visitedSet) addIf(url string, admit func() bool) (added bool, duplicate bool) {
	s := v.shard(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.urls[url]; seen {
		return false, true
	}
	if !admit() {
		return false, false
	}
	s.urls[url] = struct{}{}
	return true, false
}

func (v *visitedSet) contains(url string) bool {
	s := v.shard(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.urls[url]
	return ok
}
