package ble

import (
	"github.com/cespare/xxhash/v2"
)

// BloomFilterByteLength is the fixed width of the serialized filter. It must
// match the advertisement header's declared bloom filter field width, and it
// must be identical on both advertiser and scanner.
const BloomFilterByteLength = 10

// bloomHashCount is K, the number of bit positions set per key. Both sides
// derive positions from a single unseeded 64-bit xxhash digest, so membership
// tests agree across devices.
const bloomHashCount = 5

// BloomFilter is a fixed-capacity probabilistic membership set over string
// keys. Add never produces false negatives; false positives grow with the
// number of keys added relative to the 80-bit vector. Callers size usage for
// the expected handful of concurrently advertised service ids.
type BloomFilter struct {
	bits [BloomFilterByteLength]byte
}

// NewBloomFilter returns an empty filter.
func NewBloomFilter() *BloomFilter {
	return &BloomFilter{}
}

// BloomFilterFromBytes reconstructs a filter from its serialized form, as
// found in a decoded advertisement header. Input shorter than the fixed
// width is zero-padded; longer input is truncated.
func BloomFilterFromBytes(b []byte) *BloomFilter {
	f := &BloomFilter{}
	copy(f.bits[:], b)
	return f
}

// bitPositions derives the K bit indexes for a key by double hashing: the
// 64-bit digest is split into two 32-bit halves h1, h2 and position i is
// (h1 + i*h2) mod totalBits.
func bitPositions(key string) [bloomHashCount]uint32 {
	const totalBits = BloomFilterByteLength * 8
	digest := xxhash.Sum64String(key)
	h1 := uint32(digest)
	h2 := uint32(digest >> 32)

	var positions [bloomHashCount]uint32
	for i := 0; i < bloomHashCount; i++ {
		positions[i] = (h1 + uint32(i)*h2) % totalBits
	}
	return positions
}

// Add inserts a key. There is no removal.
func (f *BloomFilter) Add(key string) {
	for _, pos := range bitPositions(key) {
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MightContain reports whether key may have been added. A false return is
// definitive; a true return may be a false positive.
func (f *BloomFilter) MightContain(key string) bool {
	for _, pos := range bitPositions(key) {
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the fixed-width serialized bit vector.
func (f *BloomFilter) Bytes() []byte {
	return append([]byte(nil), f.bits[:]...)
}
