// Package dedup provides the advisory URL filter consulted before crawling.
package dedup

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Defaults used when the configured sizing is unusable.
const (
	DefaultExpectedItems     = 1_000_000
	DefaultFalsePositiveRate = 0.01
)

// Filter is a concurrency-safe Bloom filter over URLs. It never reports a
// recorded URL as absent, but may report an unrecorded one as present at
// roughly the configured false-positive rate.
type Filter struct {
	mu    sync.RWMutex
	bloom *bloom.BloomFilter
	added uint
}

// New sizes a filter for expectedItems at falsePositiveRate.
func New(expectedItems uint, falsePositiveRate float64) *Filter {
	if expectedItems == 0 {
		expectedItems = DefaultExpectedItems
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}
	return &Filter{bloom: bloom.NewWithEstimates(expectedItems, falsePositiveRate)}
}

// MightContain implements crawler.DedupFilter.
func (f *Filter) MightContain(url string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bloom.TestString(url)
}

// Record implements crawler.DedupFilter.
func (f *Filter) Record(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bloom.AddString(url)
	f.added++
}

// Len reports how many URLs were recorded, duplicates included.
func (f *Filter) Len() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.added
}
