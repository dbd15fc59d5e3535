package ble

// PowerLevel is the caller-facing power intent for advertising and scanning.
type PowerLevel int

const (
	PowerLevelLow PowerLevel = iota
	PowerLevelHigh
)

// PowerMode is what the platform layer actually understands.
type PowerMode int

const (
	PowerModeUnknown PowerMode = iota
	PowerModeLow
	PowerModeMedium
	PowerModeHigh
)

// UnspecifiedTxPowerLevel marks an advertisement without an explicit TX power.
const UnspecifiedTxPowerLevel = -127

// Peripheral identifies a remote device seen during scanning. The platform
// layer supplies the concrete type; this core only needs a stable address.
type Peripheral interface {
	Address() string
}

// AdvertisementData is the payload side of a BLE advertisement or scan
// response: which service UUIDs it claims, and per-UUID service data.
type AdvertisementData struct {
	IsConnectable bool
	TxPowerLevel  int
	ServiceUUIDs  []string
	ServiceData   map[string][]byte
}

// ScanCallback receives raw advertisement sightings from the platform scan.
// The platform may invoke it from any goroutine; Medium serializes processing
// onto its own worker before touching shared state.
type ScanCallback struct {
	OnAdvertisementFound func(peripheral Peripheral, data *AdvertisementData)
}

// GATT characteristic permissions and properties, platform-style bitmasks.
const (
	PERMISSION_READ  = 0x01
	PERMISSION_WRITE = 0x10
)

const (
	PROPERTY_READ  = 0x02
	PROPERTY_WRITE = 0x08
)

// Characteristic is a handle to a GATT characteristic hosted by a server or
// discovered by a client.
type Characteristic struct {
	ServiceUUID string
	UUID        string
}

// Radio exposes the Bluetooth radio power state.
type Radio interface {
	IsEnabled() bool
}

// Transport is the platform BLE capability consumed by Medium: advertise,
// scan, and GATT server/client primitives. Implemented by the wire package
// for simulation; a real deployment would back it with the OS stack.
type Transport interface {
	IsValid() bool

	StartAdvertising(advertisingData, scanResponseData *AdvertisementData, mode PowerMode) bool
	StopAdvertising() bool

	StartScanning(serviceUUIDs []string, mode PowerMode, callback ScanCallback) bool
	StopScanning() bool

	// StartGattServer returns nil when a server could not be started.
	StartGattServer() GattServer

	// ConnectToGattServer returns nil when the peripheral is unreachable.
	ConnectToGattServer(peripheral Peripheral, mode PowerMode) GattClient
}

// GattServer hosts characteristics for remote centrals to read.
type GattServer interface {
	// CreateCharacteristic returns nil when the characteristic could not be
	// added to the hosted service.
	CreateCharacteristic(serviceUUID, characteristicUUID string, permissions, properties int) *Characteristic
	UpdateCharacteristic(characteristic *Characteristic, value []byte) bool
	Stop()
}

// GattClient is a connection to a remote GATT server.
type GattClient interface {
	DiscoverService(serviceUUID string) bool
	GetCharacteristic(serviceUUID, characteristicUUID string) *Characteristic
	ReadCharacteristic(characteristic *Characteristic) ([]byte, bool)
	Disconnect()
}
