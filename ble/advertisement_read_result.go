package ble

import (
	"sort"
	"sync"
	"time"
)

// AdvertisementReadResult caches the per-peripheral outcome of fetching
// advertisement slots over GATT. Slots are write-once within the result's
// lifetime so repeated fetch attempts against the same peripheral skip slots
// already read; the caller decides when to retire a result (it keys them by
// the peripheral's current header hash).
type AdvertisementReadResult struct {
	mu                sync.Mutex
	advertisements    map[int][]byte
	lastReadSucceeded bool
	lastReadAt        time.Time
}

// NewAdvertisementReadResult returns an empty result.
func NewAdvertisementReadResult() *AdvertisementReadResult {
	return &AdvertisementReadResult{
		advertisements: make(map[int][]byte),
	}
}

// AddAdvertisement records bytes for a slot. A slot already present is left
// untouched; the cache is write-once per slot.
func (r *AdvertisementReadResult) AddAdvertisement(slot int, advertisement []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.advertisements[slot]; ok {
		return
	}
	r.advertisements[slot] = append([]byte(nil), advertisement...)
}

// HasAdvertisement reports whether a slot has already been fetched.
func (r *AdvertisementReadResult) HasAdvertisement(slot int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.advertisements[slot]
	return ok
}

// GetAdvertisement returns the cached bytes for a slot.
func (r *AdvertisementReadResult) GetAdvertisement(slot int) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.advertisements[slot]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

// Slots returns the fetched slot indexes in ascending order.
func (r *AdvertisementReadResult) Slots() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	slots := make([]int, 0, len(r.advertisements))
	for slot := range r.advertisements {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

// RecordLastReadStatus overwrites the last-attempt outcome and timestamp.
func (r *AdvertisementReadResult) RecordLastReadStatus(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastReadSucceeded = success
	r.lastReadAt = time.Now()
}

// LastReadSucceeded reports the outcome of the most recent fetch attempt.
func (r *AdvertisementReadResult) LastReadSucceeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReadSucceeded
}
