package wire

import (
	"sync"
	"time"

	"github.com/user/copresence-ble/ble"
	"github.com/user/copresence-ble/logger"
)

// Device simulates one Bluetooth stack. It implements ble.Radio and
// ble.Transport for the medium that owns it, and ble.Peripheral for remote
// scanners that sight it.
type Device struct {
	env     *Environment
	address string

	mu            sync.Mutex
	enabled       bool
	valid         bool
	broadcast     *ble.AdvertisementData
	stopBroadcast chan struct{}
	scan          *scanState
	scanStarts    int
	gattServer    *GattServer
}

type scanState struct {
	serviceUUIDs []string
	callback     ble.ScanCallback
}

// Address implements ble.Peripheral.
func (d *Device) Address() string { return d.address }

// IsEnabled implements ble.Radio.
func (d *Device) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// SetEnabled flips the simulated radio power state. Disabling stops any
// running advertisement broadcast.
func (d *Device) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	stop := d.stopBroadcast
	if !enabled {
		d.stopBroadcast = nil
		d.broadcast = nil
	}
	d.mu.Unlock()
	if !enabled && stop != nil {
		close(stop)
	}
}

// IsValid implements ble.Transport.
func (d *Device) IsValid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.valid
}

// StartAdvertising merges the advertising and scan-response payloads into the
// broadcast scanners will see and (re)starts the periodic re-broadcast loop.
// Calling it again replaces the broadcast in place, as a platform stack does
// when an advertiser updates its data.
func (d *Device) StartAdvertising(advertisingData, scanResponseData *ble.AdvertisementData, mode ble.PowerMode) bool {
	d.mu.Lock()
	if !d.enabled || !d.valid {
		d.mu.Unlock()
		return false
	}
	d.broadcast = mergeAdvertisementData(advertisingData, scanResponseData)
	alreadyRunning := d.stopBroadcast != nil
	var stop chan struct{}
	if !alreadyRunning {
		stop = make(chan struct{})
		d.stopBroadcast = stop
	}
	interval := d.env.advertiseInterval
	d.mu.Unlock()

	if !alreadyRunning {
		go d.broadcastLoop(stop, interval)
	}

	logger.Debug(logger.DeviceTag(d.address)+" Wire", "Advertising started")
	return true
}

// StopAdvertising implements ble.Transport.
func (d *Device) StopAdvertising() bool {
	d.mu.Lock()
	stop := d.stopBroadcast
	d.stopBroadcast = nil
	d.broadcast = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	logger.Debug(logger.DeviceTag(d.address)+" Wire", "Advertising stopped")
	return true
}

// StartScanning implements ble.Transport. One platform scan per device;
// starting again replaces the filter and callback.
func (d *Device) StartScanning(serviceUUIDs []string, mode ble.PowerMode, callback ble.ScanCallback) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled || !d.valid {
		return false
	}
	d.scan = &scanState{
		serviceUUIDs: append([]string(nil), serviceUUIDs...),
		callback:     callback,
	}
	d.scanStarts++
	logger.Debug(logger.DeviceTag(d.address)+" Wire", "Scanning started for %v", serviceUUIDs)
	return true
}

// StopScanning implements ble.Transport.
func (d *Device) StopScanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scan = nil
	logger.Debug(logger.DeviceTag(d.address)+" Wire", "Scanning stopped")
	return true
}

// ScanStartCount reports how many platform-level scans were ever started on
// this device. Exposed for tests asserting that concurrent logical scanners
// share a single platform scan.
func (d *Device) ScanStartCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanStarts
}

// StartGattServer implements ble.Transport. A new server displaces any
// previous one, which keeps serving already-connected clients only until
// they notice (the stale-server hazard the medium restarts to avoid).
func (d *Device) StartGattServer() ble.GattServer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled || !d.valid {
		return nil
	}
	server := newGattServer(d)
	d.gattServer = server
	return server
}

// ConnectToGattServer implements ble.Transport: connects this device (as
// central) to the peripheral's currently live GATT server.
func (d *Device) ConnectToGattServer(peripheral ble.Peripheral, mode ble.PowerMode) ble.GattClient {
	if peripheral == nil {
		return nil
	}
	d.mu.Lock()
	enabled := d.enabled && d.valid
	d.mu.Unlock()
	if !enabled {
		return nil
	}

	target := d.env.lookup(peripheral.Address())
	if target == nil {
		return nil
	}
	target.mu.Lock()
	server := target.gattServer
	reachable := target.enabled
	target.mu.Unlock()
	if !reachable || server == nil {
		return nil
	}
	return &GattClient{server: server}
}

// broadcastLoop delivers the advertisement immediately and then on every
// tick, simulating the radio's advertising cadence. Scan callbacks run on
// this goroutine, which is the simulated platform thread: consumers must do
// their own serialization, exactly as with a real stack.
func (d *Device) broadcastLoop(stop chan struct{}, interval time.Duration) {
	d.deliverToScanners()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.deliverToScanners()
		}
	}
}

func (d *Device) deliverToScanners() {
	d.mu.Lock()
	broadcast := d.broadcast
	d.mu.Unlock()
	if broadcast == nil {
		return
	}

	for _, other := range d.env.snapshot() {
		if other == d {
			continue
		}
		other.mu.Lock()
		scan := other.scan
		listening := other.enabled && scan != nil
		other.mu.Unlock()
		if !listening {
			continue
		}
		if !scanFilterMatches(scan.serviceUUIDs, broadcast) {
			continue
		}
		if scan.callback.OnAdvertisementFound != nil {
			scan.callback.OnAdvertisementFound(d, copyAdvertisementData(broadcast))
		}
	}
}

// scanFilterMatches mimics the platform filter: deliver when any scanned
// UUID appears among the broadcast's service UUIDs or service data keys.
func scanFilterMatches(scanned []string, broadcast *ble.AdvertisementData) bool {
	for _, want := range scanned {
		for _, have := range broadcast.ServiceUUIDs {
			if want == have {
				return true
			}
		}
		if _, ok := broadcast.ServiceData[want]; ok {
			return true
		}
	}
	return false
}

// mergeAdvertisementData folds the advertising packet and scan response into
// the single view a scanner observes after an active scan.
func mergeAdvertisementData(advertising, scanResponse *ble.AdvertisementData) *ble.AdvertisementData {
	merged := &ble.AdvertisementData{
		TxPowerLevel: ble.UnspecifiedTxPowerLevel,
		ServiceData:  make(map[string][]byte),
	}
	for _, part := range []*ble.AdvertisementData{advertising, scanResponse} {
		if part == nil {
			continue
		}
		merged.IsConnectable = merged.IsConnectable || part.IsConnectable
		merged.ServiceUUIDs = append(merged.ServiceUUIDs, part.ServiceUUIDs...)
		for uuid, data := range part.ServiceData {
			merged.ServiceData[uuid] = append([]byte(nil), data...)
		}
	}
	return merged
}

func copyAdvertisementData(data *ble.AdvertisementData) *ble.AdvertisementData {
	out := &ble.AdvertisementData{
		IsConnectable: data.IsConnectable,
		TxPowerLevel:  data.TxPowerLevel,
		ServiceUUIDs:  append([]string(nil), data.ServiceUUIDs...),
		ServiceData:   make(map[string][]byte, len(data.ServiceData)),
	}
	for uuid, b := range data.ServiceData {
		out.ServiceData[uuid] = append([]byte(nil), b...)
	}
	return out
}
