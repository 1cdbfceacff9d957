// Package inflight provides per-key exclusion: a non-blocking tracker that
// admits one active holder per key, and a blocking keyed mutex.
package inflight

import (
	"errors"
	"hash/fnv"
	"sync"
)

// ErrBusy means another holder owns the key.
var ErrBusy = errors.New("key already in flight")

// Tracker admits at most one active holder per key. Keys are spread over
// shards so unrelated tickers never contend on one mutex.
type Tracker struct {
	shards []trackerShard
}

type trackerShard struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func NewTracker(shardCount int) *Tracker {
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]trackerShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]struct{})
	}
	return &Tracker{shards: shards}
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// TryAcquire claims key, returning a release func. It returns ErrBusy
// without blocking when key is held.
func (t *Tracker) TryAcquire(key string) (func(), error) {
	sh := &t.shards[shardIndex(key, len(t.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, held := sh.m[key]; held {
		return nil, ErrBusy
	}
	sh.m[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			sh.mu.Lock()
			delete(sh.m, key)
			sh.mu.Unlock()
		})
	}, nil
}

// Active reports whether key is held.
func (t *Tracker) Active(key string) bool {
	sh := &t.shards[shardIndex(key, len(t.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, held := sh.m[key]
	return held
}

// KeyedMutex serialises callers per key. Entries are reference counted
// and dropped when the last holder unlocks.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedEntry{}}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
