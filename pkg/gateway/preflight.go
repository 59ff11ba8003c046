package gateway

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// preflightCacheSize bounds remembered preflight id sets
const preflightCacheSize = 30

// preflightCache remembers upstream state payloads by id set. Lookups go
// through Contains so hits do not refresh recency; eviction is FIFO.
type preflightCache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, json.RawMessage]
}

func newPreflightCache(size int) *preflightCache {
	l, err := simplelru.NewLRU[string, json.RawMessage](size, nil)
	if err != nil {
		panic(err)
	}
	return &preflightCache{lru: l}
}

func (p *preflightCache) Contains(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Contains(key)
}

func (p *preflightCache) Add(key string, data json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lru.Add(key, data)
}

func (p *preflightCache) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// idSetKey is order-insensitive: the sorted ids joined by commas
func idSetKey(ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
