package ble

import (
	"encoding/binary"
	"errors"
)

// Medium advertisement envelope: the versioned wrapper around application
// advertisement bytes, carried either directly as fast-advertisement service
// data or inside a GATT slot characteristic.
//
// Regular layout (big endian):
//
//	byte 0:       version (3 bits) | socket version (3 bits) | fast flag (1 bit) | reserved
//	bytes 1..3:   service id hash
//	bytes 4..7:   data length
//	...           data
//	2 bytes       device token
//	4 bytes       psm (placeholder, DefaultPsm when unused)
//
// Fast layout drops the service id hash and the psm field and shrinks the
// length field to one byte; the fast service UUID itself scopes the payload.
const (
	advertisementVersionV2 = 2
	socketVersionV2        = 2

	// MaxAdvertisementDataLength bounds the wrapped application payload.
	MaxAdvertisementDataLength = 512

	// MaxFastAdvertisementDataLength bounds fast payloads: the fast layout's
	// one-byte length field cannot represent anything longer.
	MaxFastAdvertisementDataLength = 255
)

var (
	ErrAdvertisementTooShort           = errors.New("ble: advertisement too short")
	ErrUnsupportedAdvertisementVersion = errors.New("ble: unsupported advertisement version")
	ErrAdvertisementLengthMismatch     = errors.New("ble: advertisement length mismatch")
	ErrAdvertisementDataTooLong        = errors.New("ble: advertisement data too long")
)

// Advertisement is the decoded medium envelope.
type Advertisement struct {
	Version       int
	SocketVersion int
	Fast          bool
	ServiceIDHash []byte // empty for fast advertisements
	Data          []byte
	DeviceToken   []byte
	Psm           int32 // DefaultPsm when not carried
}

// NewAdvertisement wraps application bytes into a V2 envelope. serviceIDHash
// is ignored for fast advertisements.
func NewAdvertisement(serviceIDHash, data []byte, fast bool, psm int32) (*Advertisement, error) {
	if len(data) > MaxAdvertisementDataLength {
		return nil, ErrAdvertisementDataTooLong
	}
	if fast && len(data) > MaxFastAdvertisementDataLength {
		return nil, ErrAdvertisementDataTooLong
	}
	adv := &Advertisement{
		Version:       advertisementVersionV2,
		SocketVersion: socketVersionV2,
		Fast:          fast,
		Data:          append([]byte(nil), data...),
		DeviceToken:   GenerateDeviceToken(),
		Psm:           psm,
	}
	if !fast {
		if len(serviceIDHash) != serviceIDHashLength {
			return nil, ErrAdvertisementLengthMismatch
		}
		adv.ServiceIDHash = append([]byte(nil), serviceIDHash...)
	}
	return adv, nil
}

// Encode serializes the envelope. The layout is fixed; Decode(Encode(a))
// round-trips.
func (a *Advertisement) Encode() []byte {
	first := byte(a.Version&0x07)<<5 | byte(a.SocketVersion&0x07)<<2
	if a.Fast {
		first |= 0x02
	}

	if a.Fast {
		out := make([]byte, 0, 1+1+len(a.Data)+deviceTokenLength)
		out = append(out, first)
		out = append(out, byte(len(a.Data)))
		out = append(out, a.Data...)
		out = append(out, a.DeviceToken...)
		return out
	}

	out := make([]byte, 0, 1+serviceIDHashLength+4+len(a.Data)+deviceTokenLength+4)
	out = append(out, first)
	out = append(out, a.ServiceIDHash...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(a.Data)))
	out = append(out, a.Data...)
	out = append(out, a.DeviceToken...)
	out = binary.BigEndian.AppendUint32(out, uint32(a.Psm))
	return out
}

// DecodeAdvertisement parses an envelope. Any length mismatch against the
// fixed layout is fatal for that advertisement; callers drop it and move on.
func DecodeAdvertisement(b []byte) (*Advertisement, error) {
	if len(b) < 1 {
		return nil, ErrAdvertisementTooShort
	}
	version := int(b[0] >> 5)
	socketVersion := int(b[0] >> 2 & 0x07)
	fast := b[0]&0x02 != 0
	if version != advertisementVersionV2 {
		return nil, ErrUnsupportedAdvertisementVersion
	}

	adv := &Advertisement{
		Version:       version,
		SocketVersion: socketVersion,
		Fast:          fast,
		Psm:           DefaultPsm,
	}

	if fast {
		if len(b) < 2 {
			return nil, ErrAdvertisementTooShort
		}
		dataLen := int(b[1])
		if len(b) != 2+dataLen+deviceTokenLength {
			return nil, ErrAdvertisementLengthMismatch
		}
		adv.Data = append([]byte(nil), b[2:2+dataLen]...)
		adv.DeviceToken = append([]byte(nil), b[2+dataLen:]...)
		return adv, nil
	}

	if len(b) < 1+serviceIDHashLength+4 {
		return nil, ErrAdvertisementTooShort
	}
	adv.ServiceIDHash = append([]byte(nil), b[1:1+serviceIDHashLength]...)
	dataLen := int(binary.BigEndian.Uint32(b[1+serviceIDHashLength:]))
	if dataLen > MaxAdvertisementDataLength {
		return nil, ErrAdvertisementLengthMismatch
	}
	dataStart := 1 + serviceIDHashLength + 4
	if len(b) != dataStart+dataLen+deviceTokenLength+4 {
		return nil, ErrAdvertisementLengthMismatch
	}
	adv.Data = append([]byte(nil), b[dataStart:dataStart+dataLen]...)
	adv.DeviceToken = append([]byte(nil), b[dataStart+dataLen:dataStart+dataLen+deviceTokenLength]...)
	adv.Psm = int32(binary.BigEndian.Uint32(b[dataStart+dataLen+deviceTokenLength:]))
	return adv, nil
}
