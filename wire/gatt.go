package wire

import (
	"sync"

	"github.com/user/copresence-ble/ble"
	"github.com/user/copresence-ble/logger"
)

type characteristicEntry struct {
	handle      *ble.Characteristic
	permissions int
	properties  int
	value       []byte
}

// GattServer simulates a hosted GATT database: service UUID to characteristic
// UUID to value. It implements ble.GattServer.
type GattServer struct {
	device *Device

	mu       sync.Mutex
	stopped  bool
	services map[string]map[string]*characteristicEntry
}

func newGattServer(device *Device) *GattServer {
	return &GattServer{
		device:   device,
		services: make(map[string]map[string]*characteristicEntry),
	}
}

// CreateCharacteristic implements ble.GattServer.
func (s *GattServer) CreateCharacteristic(serviceUUID, characteristicUUID string, permissions, properties int) *ble.Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	service, ok := s.services[serviceUUID]
	if !ok {
		service = make(map[string]*characteristicEntry)
		s.services[serviceUUID] = service
	}
	handle := &ble.Characteristic{
		ServiceUUID: serviceUUID,
		UUID:        characteristicUUID,
	}
	service[characteristicUUID] = &characteristicEntry{
		handle:      handle,
		permissions: permissions,
		properties:  properties,
	}
	logger.Trace(logger.DeviceTag(s.device.address)+" Wire", "Hosted characteristic %s under service %s",
		characteristicUUID, serviceUUID)
	return handle
}

// UpdateCharacteristic implements ble.GattServer.
func (s *GattServer) UpdateCharacteristic(characteristic *ble.Characteristic, value []byte) bool {
	if characteristic == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	service, ok := s.services[characteristic.ServiceUUID]
	if !ok {
		return false
	}
	entry, ok := service[characteristic.UUID]
	if !ok {
		return false
	}
	entry.value = append([]byte(nil), value...)
	return true
}

// Stop implements ble.GattServer. A stopped server fails all further
// discovery and reads; the owning device forgets it if it is still current.
func (s *GattServer) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.device.mu.Lock()
	if s.device.gattServer == s {
		s.device.gattServer = nil
	}
	s.device.mu.Unlock()
}

func (s *GattServer) discoverService(serviceUUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	_, ok := s.services[serviceUUID]
	return ok
}

func (s *GattServer) characteristic(serviceUUID, characteristicUUID string) *characteristicEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	service, ok := s.services[serviceUUID]
	if !ok {
		return nil
	}
	return service[characteristicUUID]
}

// GattClient is a simulated central-side connection to one GattServer. It
// holds the exact server it connected to, so a server restarted on the
// peripheral after connect behaves like the real stale-handle case: reads
// fail.
type GattClient struct {
	mu     sync.Mutex
	server *GattServer
}

// DiscoverService implements ble.GattClient.
func (c *GattClient) DiscoverService(serviceUUID string) bool {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return false
	}
	return server.discoverService(serviceUUID)
}

// GetCharacteristic implements ble.GattClient.
func (c *GattClient) GetCharacteristic(serviceUUID, characteristicUUID string) *ble.Characteristic {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return nil
	}
	entry := server.characteristic(serviceUUID, characteristicUUID)
	if entry == nil {
		return nil
	}
	return entry.handle
}

// ReadCharacteristic implements ble.GattClient. Reads require the read
// permission.
func (c *GattClient) ReadCharacteristic(characteristic *ble.Characteristic) ([]byte, bool) {
	if characteristic == nil {
		return nil, false
	}
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return nil, false
	}
	entry := server.characteristic(characteristic.ServiceUUID, characteristic.UUID)
	if entry == nil || entry.permissions&ble.PERMISSION_READ == 0 {
		return nil, false
	}
	return append([]byte(nil), entry.value...), true
}

// Disconnect implements ble.GattClient. Safe to call more than once.
func (c *GattClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server = nil
}
