// Package wire simulates the platform BLE layer in-process: advertising,
// scanning, and GATT server/client primitives, good enough to exercise the
// copresence protocol end to end without radios. Each Device stands in for
// one phone's Bluetooth stack; an Environment is the shared "air" between
// them.
package wire

import (
	"fmt"
	"sync"
	"time"
)

// defaultAdvertiseInterval is how often an advertising device re-broadcasts
// to scanners. Real stacks advertise on a 100ms-1s cadence; the periodic
// re-delivery is what lets scanners refresh presence and detect loss.
const defaultAdvertiseInterval = 100 * time.Millisecond

// Environment is the process-wide registry of simulated devices.
type Environment struct {
	mu                sync.Mutex
	devices           map[string]*Device
	advertiseInterval time.Duration
}

// NewEnvironment creates an empty environment with the default advertise
// cadence.
func NewEnvironment() *Environment {
	return &Environment{
		devices:           make(map[string]*Device),
		advertiseInterval: defaultAdvertiseInterval,
	}
}

// SetAdvertiseInterval overrides the re-broadcast cadence. Tests use a short
// interval to keep scenarios fast. Affects devices that start advertising
// after the call.
func (e *Environment) SetAdvertiseInterval(interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if interval > 0 {
		e.advertiseInterval = interval
	}
}

// NewDevice registers a simulated device under a hardware address. The radio
// starts enabled.
func (e *Environment) NewDevice(address string) (*Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.devices[address]; ok {
		return nil, fmt.Errorf("wire: device %q already registered", address)
	}
	d := &Device{
		env:     e,
		address: address,
		enabled: true,
		valid:   true,
	}
	e.devices[address] = d
	return d, nil
}

// lookup returns the device at address, or nil.
func (e *Environment) lookup(address string) *Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devices[address]
}

// snapshot returns the current device list without holding the lock during
// delivery.
func (e *Environment) snapshot() []*Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	devices := make([]*Device, 0, len(e.devices))
	for _, d := range e.devices {
		devices = append(devices, d)
	}
	return devices
}
