package ble

import (
	"encoding/binary"
	"errors"
)

// AdvertisementHeader is the compact record broadcast as scan-response
// service data under the copresence service UUID. It describes the current
// GATT slot set without transferring slot contents: the bloom filter answers
// "might this advertiser carry a service id I care about" and the chained
// advertisement hash answers "has the slot set changed since I last fetched".
//
// Fixed layout (big endian):
//
//	byte 0:        version (3 bits) | extended flag (1 bit) | num slots (4 bits)
//	bytes 1..10:   service id bloom filter
//	bytes 11..14:  advertisement hash
//	bytes 15..18:  psm, int32
type AdvertisementHeader struct {
	Version              HeaderVersion
	Extended             bool
	NumSlots             int
	ServiceIDBloomFilter []byte
	AdvertisementHash    []byte
	Psm                  int32
}

// HeaderVersion tags the header layout. V1 is legacy and accepted on decode
// only; everything this core produces is V2.
type HeaderVersion int

const (
	HeaderVersionV1 HeaderVersion = 1
	HeaderVersionV2 HeaderVersion = 2
)

// AdvertisementHeaderLength is the exact encoded size.
const AdvertisementHeaderLength = 1 + BloomFilterByteLength + advertisementHashLength + 4

// DefaultPsm marks an absent PSM.
const DefaultPsm int32 = -1

// maxAdvertisementSlots is bounded by the 4-bit slot count field.
const maxAdvertisementSlots = 15

var (
	ErrHeaderTooShort           = errors.New("ble: advertisement header too short")
	ErrUnsupportedHeaderVersion = errors.New("ble: unsupported advertisement header version")
)

// Encode serializes the header into its fixed layout. Bloom filter and hash
// fields shorter than their fixed widths are zero-padded.
func (h *AdvertisementHeader) Encode() []byte {
	out := make([]byte, AdvertisementHeaderLength)
	first := byte(h.Version&0x07) << 5
	if h.Extended {
		first |= 0x10
	}
	first |= byte(h.NumSlots & 0x0F)
	out[0] = first
	copy(out[1:1+BloomFilterByteLength], h.ServiceIDBloomFilter)
	copy(out[1+BloomFilterByteLength:], h.AdvertisementHash)
	binary.BigEndian.PutUint32(out[1+BloomFilterByteLength+advertisementHashLength:], uint32(h.Psm))
	return out
}

// DecodeAdvertisementHeader parses header bytes received as service data.
// Trailing bytes beyond the fixed layout are ignored for forward
// compatibility.
func DecodeAdvertisementHeader(b []byte) (*AdvertisementHeader, error) {
	if len(b) < AdvertisementHeaderLength {
		return nil, ErrHeaderTooShort
	}
	version := HeaderVersion(b[0] >> 5)
	if version != HeaderVersionV1 && version != HeaderVersionV2 {
		return nil, ErrUnsupportedHeaderVersion
	}
	return &AdvertisementHeader{
		Version:              version,
		Extended:             b[0]&0x10 != 0,
		NumSlots:             int(b[0] & 0x0F),
		ServiceIDBloomFilter: append([]byte(nil), b[1:1+BloomFilterByteLength]...),
		AdvertisementHash:    append([]byte(nil), b[1+BloomFilterByteLength:1+BloomFilterByteLength+advertisementHashLength]...),
		Psm:                  int32(binary.BigEndian.Uint32(b[1+BloomFilterByteLength+advertisementHashLength:])),
	}, nil
}
