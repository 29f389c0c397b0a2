package kernel

import (
	"container/list"
	"fmt"
	"sync"

	"TrancheLedger/internal/observability"
)

// DBIdempotencyChecker is the interface for the durable dedup tier.
type DBIdempotencyChecker interface {
	IsDuplicate(opType string, idempotencyKey string) (bool, error)
	Record(opType string, idempotencyKey string) error
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU for
// the hot path and a durable store for keys that aged out of it.
type IdempotencyChecker struct {
	mu        sync.Mutex
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate checks whether the operation has already been applied.
func (ic *IdempotencyChecker) IsDuplicate(opType, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", opType, idempotencyKey)

	ic.mu.Lock()
	hit := ic.lru.contains(compositeKey)
	ic.mu.Unlock()

	if hit {
		if ic.metrics != nil {
			ic.metrics.OpsDeduplicated.WithLabelValues("lru").Inc()
		}
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(opType, idempotencyKey)
		if err != nil {
			// Conservative: assume not duplicate so a store outage cannot
			// block operation processing.
			return false
		}
		if isDup {
			if ic.metrics != nil {
				ic.metrics.OpsDeduplicated.WithLabelValues("db").Inc()
			}
			ic.mu.Lock()
			ic.lru.add(compositeKey)
			ic.mu.Unlock()
			return true
		}
	}

	return false
}

// MarkProcessed records the key after a successful apply: the LRU for the
// hot path and the durable store for redeliveries that arrive after a
// restart. A durable write failure is tolerated; the key still lives in the
// LRU for the lifetime of this process.
func (ic *IdempotencyChecker) MarkProcessed(opType, idempotencyKey string) {
	ic.mu.Lock()
	ic.lru.add(fmt.Sprintf("%s:%s", opType, idempotencyKey))
	ic.mu.Unlock()

	if ic.dbChecker != nil {
		if err := ic.dbChecker.Record(opType, idempotencyKey); err != nil && ic.metrics != nil {
			ic.metrics.OpsDeduplicated.WithLabelValues("record_error").Inc()
		}
	}
}

// Warm loads a batch of composite keys, typically the most recent rows from
// the durable store on restart, so redeliveries hit the hot path.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// Size returns the number of cached keys.
func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.size()
}

// --- LRU Implementation ---

type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

func (lru *idempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		if oldest != nil {
			lru.lruList.Remove(oldest)
			delete(lru.cache, oldest.Value.(*lruEntry).key)
		}
	}
}

func (lru *idempotencyLRU) size() int {
	return lru.lruList.Len()
}
