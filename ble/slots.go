package ble

import (
	"bytes"
	"errors"
)

var (
	ErrInvalidSlot  = errors.New("ble: slot index out of range")
	ErrSlotConflict = errors.New("ble: slot already published for a different service id")
)

type slotEntry struct {
	serviceID     string
	advertisement []byte
}

// SlotStore assigns logical advertisements to numbered GATT characteristic
// slots under the copresence service. Slots live in a fixed array indexed by
// slot number so iteration is always ascending: the chained header hash must
// be reproducible for an unchanged slot set, and an unordered container here
// would let two otherwise identical advertisers disagree on the hash.
//
// Not safe for concurrent use; the owning Medium guards it with its lock.
type SlotStore struct {
	slots [maxAdvertisementSlots]*slotEntry
}

// NewSlotStore returns an empty store.
func NewSlotStore() *SlotStore {
	return &SlotStore{}
}

// Publish inserts or wholly replaces the advertisement at slot. A live slot
// owned by a different service id is a conflict; entries are never mutated in
// place.
func (s *SlotStore) Publish(slot int, serviceID string, advertisement []byte) error {
	if slot < 0 || slot >= maxAdvertisementSlots {
		return ErrInvalidSlot
	}
	if existing := s.slots[slot]; existing != nil && existing.serviceID != serviceID {
		return ErrSlotConflict
	}
	s.slots[slot] = &slotEntry{
		serviceID:     serviceID,
		advertisement: append([]byte(nil), advertisement...),
	}
	return nil
}

// Clear drops every slot.
func (s *SlotStore) Clear() {
	for i := range s.slots {
		s.slots[i] = nil
	}
}

// Remove drops every slot published for serviceID.
func (s *SlotStore) Remove(serviceID string) {
	for i, e := range s.slots {
		if e != nil && e.serviceID == serviceID {
			s.slots[i] = nil
		}
	}
}

// FirstFreeSlot returns the lowest unoccupied slot index, or -1 when every
// slot is taken.
func (s *SlotStore) FirstFreeSlot() int {
	for i, e := range s.slots {
		if e == nil {
			return i
		}
	}
	return -1
}

// SlotAdvertisement pairs an occupied slot index with its published bytes.
type SlotAdvertisement struct {
	Slot          int
	Advertisement []byte
}

// Entries returns the occupied slots in ascending order.
func (s *SlotStore) Entries() []SlotAdvertisement {
	var entries []SlotAdvertisement
	for i, e := range s.slots {
		if e != nil {
			entries = append(entries, SlotAdvertisement{
				Slot:          i,
				Advertisement: append([]byte(nil), e.advertisement...),
			})
		}
	}
	return entries
}

// NumSlots returns the count of occupied slots.
func (s *SlotStore) NumSlots() int {
	n := 0
	for _, e := range s.slots {
		if e != nil {
			n++
		}
	}
	return n
}

// ServiceIDs returns the occupied slots' service ids in ascending slot order.
func (s *SlotStore) ServiceIDs() []string {
	var ids []string
	for _, e := range s.slots {
		if e != nil {
			ids = append(ids, e.serviceID)
		}
	}
	return ids
}

// ComputeHeaderHash chains SHA-256 digests over every occupied slot's bytes
// in ascending slot order, seeded by the anonymizing seed:
//
//	digest0 = H(seed); digest_{i+1} = H(digest_i || slot_bytes_i)
//
// A scanner compares the final digest against the last one it saw to detect
// "slot set changed" without any per-slot transfer. Deterministic for a
// given seed and slot set.
func (s *SlotStore) ComputeHeaderHash(anonymizingSeed []byte) []byte {
	digest := generateAdvertisementHash(anonymizingSeed)
	for _, e := range s.slots {
		if e == nil {
			continue
		}
		chained := make([]byte, 0, len(digest)+len(e.advertisement))
		chained = append(chained, digest...)
		chained = append(chained, e.advertisement...)
		digest = generateAdvertisementHash(chained)
	}
	return digest
}

// BuildHeader assembles the broadcastable header for the current slot set: a
// bloom filter over every occupied slot's service id (plus a random dummy id
// that anonymizes otherwise-empty filters) and the chained hash seeded with
// the same dummy id.
func (s *SlotStore) BuildHeader(psm int32) *AdvertisementHeader {
	dummyServiceID := generateRandomBytes(dummyServiceIDLength)

	filter := NewBloomFilter()
	filter.Add(string(dummyServiceID))
	for _, e := range s.slots {
		if e != nil {
			filter.Add(e.serviceID)
		}
	}

	return &AdvertisementHeader{
		Version:              HeaderVersionV2,
		Extended:             false,
		NumSlots:             s.NumSlots(),
		ServiceIDBloomFilter: filter.Bytes(),
		AdvertisementHash:    s.ComputeHeaderHash(dummyServiceID),
		Psm:                  psm,
	}
}

// HasAdvertisement reports whether the exact advertisement bytes are already
// published at slot for serviceID.
func (s *SlotStore) HasAdvertisement(slot int, serviceID string, advertisement []byte) bool {
	if slot < 0 || slot >= maxAdvertisementSlots {
		return false
	}
	e := s.slots[slot]
	return e != nil && e.serviceID == serviceID && bytes.Equal(e.advertisement, advertisement)
}
