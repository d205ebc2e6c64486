package bus

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// localStoreCapacity bounds the in-process fallback cache.
const localStoreCapacity = 500

// localStore is the in-process LRU that backs every KV operation when the
// shared substrate is unavailable. Entries carry their own TTL; expired
// entries are dropped lazily on access.
type localStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
}

type localEntry struct {
	key       string
	value     string
	fields    map[string]string
	counter   int64
	expiresAt time.Time
}

func newLocalStore(capacity int) *localStore {
	return &localStore{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// normalizeKey trims, lowercases, and collapses internal whitespace so that
// near-duplicate keys share one entry.
func normalizeKey(key string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(key)), " "))
}

func (ls *localStore) get(key string) (string, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	e := ls.lookup(key)
	if e == nil {
		return "", false
	}
	return e.value, true
}

func (ls *localStore) set(key, value string, ttl time.Duration) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.upsert(key, func(e *localEntry) {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
	})
}

func (ls *localStore) setFields(key string, fields map[string]string, ttl time.Duration) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	ls.upsert(key, func(e *localEntry) {
		e.fields = copied
		e.expiresAt = time.Now().Add(ttl)
	})
}

func (ls *localStore) exists(key string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.lookup(key) != nil
}

func (ls *localStore) incr(key string, ttl time.Duration) int64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if e := ls.lookup(key); e != nil {
		e.counter++
		return e.counter
	}

	var n int64
	ls.upsert(key, func(e *localEntry) {
		e.counter++
		// TTL anchors to the first increment only
		e.expiresAt = time.Now().Add(ttl)
		n = e.counter
	})
	return n
}

func (ls *localStore) touch(key string, ttl time.Duration) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if e := ls.lookup(key); e != nil {
		e.expiresAt = time.Now().Add(ttl)
	}
}

func (ls *localStore) mget(keys []string) [][]byte {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	out := make([][]byte, len(keys))
	for i, key := range keys {
		if e := ls.lookup(key); e != nil {
			out[i] = []byte(e.value)
		}
	}
	return out
}

// lookup returns the live entry for key, promoting it in the LRU order.
// Expired entries are removed and reported as missing. Caller holds ls.mu.
func (ls *localStore) lookup(key string) *localEntry {
	key = normalizeKey(key)
	elem, ok := ls.entries[key]
	if !ok {
		return nil
	}
	e := elem.Value.(*localEntry)
	if time.Now().After(e.expiresAt) {
		ls.order.Remove(elem)
		delete(ls.entries, key)
		return nil
	}
	ls.order.MoveToFront(elem)
	return e
}

// upsert creates or updates an entry, evicting the least recently used entry
// when the store is full. Caller holds ls.mu.
func (ls *localStore) upsert(key string, apply func(*localEntry)) {
	key = normalizeKey(key)
	if elem, ok := ls.entries[key]; ok {
		e := elem.Value.(*localEntry)
		if time.Now().After(e.expiresAt) {
			e.value = ""
			e.fields = nil
			e.counter = 0
		}
		apply(e)
		ls.order.MoveToFront(elem)
		return
	}

	if ls.order.Len() >= ls.capacity {
		oldest := ls.order.Back()
		if oldest != nil {
			ls.order.Remove(oldest)
			delete(ls.entries, oldest.Value.(*localEntry).key)
		}
	}

	e := &localEntry{key: key}
	apply(e)
	ls.entries[key] = ls.order.PushFront(e)
}

// len reports live entry count, for tests.
func (ls *localStore) len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.order.Len()
}
