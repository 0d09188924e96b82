package utils

import (
	"cmp"
	"slices"
	"sync"
)

// KeyedMutex hands out one mutex per key and forgets keys nobody holds
type KeyedMutex[K cmp.Ordered] struct {
	mu    sync.Mutex
	locks map[K]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty lock table
func NewKeyedMutex[K cmp.Ordered]() *KeyedMutex[K] {
	return &KeyedMutex[K]{locks: make(map[K]*refMutex)}
}

func (k *KeyedMutex[K]) lock(key K) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()
	m.Lock()
}

func (k *KeyedMutex[K]) unlock(key K) {
	k.mu.Lock()
	m := k.locks[key]
	m.refs--
	if m.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
	m.Unlock()
}

// Lock acquires every key in ascending order, ignoring duplicates, and
// returns a func releasing them in reverse
func (k *KeyedMutex[K]) Lock(keys ...K) (unlock func()) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	for _, key := range sorted {
		k.lock(key)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			k.unlock(sorted[i])
		}
	}
}

// Held reports how many keys currently have a mutex allocated
func (k *KeyedMutex[K]) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
