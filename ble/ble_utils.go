package ble

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/google/uuid"
)

// CopresenceServiceUUID is the well-known service UUID under which the
// advertisement header rides as scan-response service data, and under which
// advertisement slot characteristics are hosted. Fixed out-of-band; every
// implementation must agree on it.
const CopresenceServiceUUID = "0000fef3-0000-1000-8000-00805f9b34fb"

const (
	serviceIDHashLength     = 3
	deviceTokenLength       = 2
	advertisementHashLength = 4
	dummyServiceIDLength    = 128
)

// advertisementUUIDBase is the base characteristic UUID for advertisement
// slots. The slot index is folded into the low byte, so a scanner can compute
// the UUID for any slot without negotiation.
var advertisementUUIDBase = uuid.MustParse("00000000-0000-3000-8000-000000000000")

// generateHash returns the first size bytes of SHA-256(source).
func generateHash(source []byte, size int) []byte {
	digest := sha256.Sum256(source)
	return append([]byte(nil), digest[:size]...)
}

// GenerateServiceIDHash derives the fixed-width hash embedded in a medium
// advertisement so a scanner can verify a fetched slot really belongs to the
// service id it cares about.
func GenerateServiceIDHash(serviceID string) []byte {
	return generateHash([]byte(serviceID), serviceIDHashLength)
}

// generateAdvertisementHash is one link of the chained header hash.
func generateAdvertisementHash(advertisementBytes []byte) []byte {
	return generateHash(advertisementBytes, advertisementHashLength)
}

// GenerateDeviceToken returns a short random token identifying this device
// within a single advertising session.
func GenerateDeviceToken() []byte {
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// fixed token rather than aborting an advertising attempt.
		binary.BigEndian.PutUint32(seed[:], 0)
	}
	return generateHash(seed[:], deviceTokenLength)
}

// GenerateAdvertisementUUID returns the characteristic UUID for an
// advertisement at the given slot.
func GenerateAdvertisementUUID(slot int) string {
	id := advertisementUUIDBase
	lsb := binary.BigEndian.Uint64(id[8:16])
	lsb |= uint64(slot) & 0xFF
	binary.BigEndian.PutUint64(id[8:16], lsb)
	return id.String()
}

// generateRandomBytes returns n random bytes, zero-filled on the (never
// expected) failure of the system entropy source.
func generateRandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		for i := range b {
			b[i] = 0
		}
	}
	return b
}
