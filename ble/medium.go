package ble

import (
	"sync"
	"time"

	"github.com/user/copresence-ble/logger"
)

// MaxAdvertisementLength bounds the application payload accepted by
// StartAdvertising.
const MaxAdvertisementLength = 512

// defaultLostSweepInterval drives the recurring lost-peripheral sweep.
const defaultLostSweepInterval = 3 * time.Second

// Options tunes Medium timing. Zero values select the defaults; tests use
// short timeouts to keep scenarios fast.
type Options struct {
	PeripheralLostTimeout time.Duration
	LostSweepInterval     time.Duration
}

// advertisingInfo is the per-service advertising registration. fastUUID is
// empty for slot-hosted advertisers.
type advertisingInfo struct {
	fastUUID       string
	mediumAdvBytes []byte
	power          PowerLevel
}

// Medium is the top-level orchestrator of BLE advertising and discovery. It
// tracks which service ids are advertising and scanning, owns the single
// shared advertisement GATT server, and wires the tracker's fetch requests to
// the platform GATT client.
//
// One exclusive lock guards all mutable state; no operation holds it across a
// blocking GATT call (the fetch path validates under the lock, releases it
// for the connect/read/disconnect sequence, and re-acquires only to update
// caches).
type Medium struct {
	mu        sync.Mutex
	radio     Radio
	transport Transport
	tracker   *DiscoveredPeripheralTracker

	sweepInterval time.Duration

	advertisers       map[string]*advertisingInfo
	scannedServiceIDs map[string]bool

	// The advertisement GATT server is shared across every slot-hosted
	// advertiser; see refreshAdvertisingLocked for its restart policy.
	gattServer            GattServer
	slots                 *SlotStore
	hostedCharacteristics []*Characteristic

	// No incoming BLE sockets exist until an endpoint channel layer lands on
	// top of this core, so the server is always safe to restart.
	// TODO: consult live socket state once connections are implemented.
	noIncomingSockets bool

	lostAlarm *cancelableAlarm
	worker    *serialExecutor
}

// NewMedium wires a Medium to its platform radio and transport. opts may be
// nil for defaults.
func NewMedium(radio Radio, transport Transport, opts *Options) *Medium {
	lostTimeout := time.Duration(0)
	sweepInterval := defaultLostSweepInterval
	if opts != nil {
		lostTimeout = opts.PeripheralLostTimeout
		if opts.LostSweepInterval > 0 {
			sweepInterval = opts.LostSweepInterval
		}
	}
	return &Medium{
		radio:             radio,
		transport:         transport,
		tracker:           NewDiscoveredPeripheralTracker(lostTimeout),
		sweepInterval:     sweepInterval,
		advertisers:       make(map[string]*advertisingInfo),
		scannedServiceIDs: make(map[string]bool),
		slots:             NewSlotStore(),
		noIncomingSockets: true,
		worker:            newSerialExecutor(),
	}
}

// IsAvailable reports whether the platform transport is usable.
func (m *Medium) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAvailableLocked()
}

func (m *Medium) isAvailableLocked() bool {
	return m.transport != nil && m.transport.IsValid()
}

// StartAdvertising publishes advertisementBytes for serviceID. With a
// fastUUID the wrapped payload rides directly in the scan response under that
// UUID; otherwise it is published into the first free GATT slot and only the
// compact header is broadcast. Returns false without lasting state changes on
// validation or transport failure: the previous advertisers' broadcast is
// rebuilt before returning.
func (m *Medium) StartAdvertising(serviceID string, advertisementBytes []byte, power PowerLevel, fastUUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(advertisementBytes) == 0 {
		logger.Info("BleMedium", "Refusing to advertise: empty advertisement data")
		return false
	}
	if len(advertisementBytes) > MaxAdvertisementLength {
		logger.Info("BleMedium", "Refusing to advertise: payload %d bytes exceeds the %d byte limit",
			len(advertisementBytes), MaxAdvertisementLength)
		return false
	}
	if fastUUID != "" && len(advertisementBytes) > MaxFastAdvertisementDataLength {
		logger.Info("BleMedium", "Refusing to advertise: fast payload %d bytes exceeds the %d byte limit",
			len(advertisementBytes), MaxFastAdvertisementDataLength)
		return false
	}
	if _, ok := m.advertisers[serviceID]; ok {
		logger.Info("BleMedium", "Refusing to advertise: already advertising service id %s", serviceID)
		return false
	}
	if m.radio == nil || !m.radio.IsEnabled() {
		logger.Info("BleMedium", "Can't advertise: Bluetooth is disabled")
		return false
	}
	if !m.isAvailableLocked() {
		logger.Info("BleMedium", "Can't advertise: BLE is not available")
		return false
	}

	isFast := fastUUID != ""
	var serviceIDHash []byte
	if !isFast {
		serviceIDHash = GenerateServiceIDHash(serviceID)
	}
	mediumAdv, err := NewAdvertisement(serviceIDHash, advertisementBytes, isFast, DefaultPsm)
	if err != nil {
		logger.Warn("BleMedium", "Could not wrap advertisement for service id %s: %v", serviceID, err)
		return false
	}
	mediumAdvBytes := mediumAdv.Encode()
	logger.DebugJSON("BleMedium", "Medium advertisement for service id "+serviceID, mediumAdv)

	if !isFast {
		slot := m.slots.FirstFreeSlot()
		if slot < 0 {
			logger.Info("BleMedium", "Refusing to advertise service id %s: all %d advertisement slots are occupied",
				serviceID, maxAdvertisementSlots)
			return false
		}
		if err := m.slots.Publish(slot, serviceID, mediumAdvBytes); err != nil {
			logger.Error("BleMedium", "Failed to publish advertisement into slot %d: %v", slot, err)
			return false
		}
	}
	m.advertisers[serviceID] = &advertisingInfo{
		fastUUID:       fastUUID,
		mediumAdvBytes: mediumAdvBytes,
		power:          power,
	}

	if !m.refreshAdvertisingLocked() {
		logger.Error("BleMedium", "Failed to turn on BLE advertising for service id %s (fast=%v)", serviceID, isFast)
		delete(m.advertisers, serviceID)
		if !isFast {
			m.slots.Remove(serviceID)
		}
		m.refreshAdvertisingLocked()
		return false
	}

	logger.Info("BleMedium", "Started BLE advertising for service id %s (%d bytes, fast=%v)",
		serviceID, len(advertisementBytes), isFast)
	return true
}

// StopAdvertising stops advertising serviceID. Remaining advertisers keep
// broadcasting: the GATT server and the platform advertisement are rebuilt
// from the surviving slot set.
func (m *Medium) StopAdvertising(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.advertisers[serviceID]
	if !ok {
		logger.Info("BleMedium", "Cannot stop advertising service id %s: never started", serviceID)
		return false
	}

	delete(m.advertisers, serviceID)
	if info.fastUUID == "" {
		m.slots.Remove(serviceID)
	}
	logger.Info("BleMedium", "Stopped BLE advertising for service id %s", serviceID)
	return m.refreshAdvertisingLocked()
}

// refreshAdvertisingLocked rebuilds the platform broadcast from the current
// advertiser set: every fast payload as service data under its own UUID, plus
// the slot header under the copresence UUID when any slot is occupied. The
// advertisement GATT server is aggressively restarted each time; a stale
// server bound to old characteristics silently loses callbacks on some
// platform stacks.
func (m *Medium) refreshAdvertisingLocked() bool {
	if m.noIncomingSockets {
		logger.Trace("BleMedium", "Aggressively stopping any pre-existing advertisement GATT server")
		m.stopAdvertisementGattServerLocked()
	}

	if len(m.advertisers) == 0 {
		m.stopAdvertisementGattServerLocked()
		return m.transport.StopAdvertising()
	}

	advertisingData := &AdvertisementData{
		IsConnectable: true,
		TxPowerLevel:  UnspecifiedTxPowerLevel,
	}
	scanResponseData := &AdvertisementData{
		IsConnectable: true,
		TxPowerLevel:  UnspecifiedTxPowerLevel,
		ServiceData:   make(map[string][]byte),
	}

	power := PowerLevelLow
	for _, info := range m.advertisers {
		if info.power == PowerLevelHigh {
			power = PowerLevelHigh
		}
		if info.fastUUID != "" {
			advertisingData.ServiceUUIDs = append(advertisingData.ServiceUUIDs, info.fastUUID)
			scanResponseData.ServiceData[info.fastUUID] = info.mediumAdvBytes
		}
	}

	if m.slots.NumSlots() > 0 {
		if !m.isAdvertisementGattServerRunningLocked() && !m.startAdvertisementGattServerLocked() {
			logger.Error("BleMedium", "Advertisement GATT server failed to start")
			return false
		}
		header := m.slots.BuildHeader(DefaultPsm)
		scanResponseData.ServiceUUIDs = append(scanResponseData.ServiceUUIDs, CopresenceServiceUUID)
		scanResponseData.ServiceData[CopresenceServiceUUID] = header.Encode()
	}

	if !m.transport.StartAdvertising(advertisingData, scanResponseData, powerLevelToPowerMode(power)) {
		m.stopAdvertisementGattServerLocked()
		return false
	}
	return true
}

// IsAdvertising reports whether serviceID is currently advertised.
func (m *Medium) IsAdvertising(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.advertisers[serviceID]
	return ok
}

// StartScanning registers callback for discoveries of serviceID. The first
// scanner starts the platform scan and arms the recurring lost sweep; later
// scanners piggyback on the existing scan.
func (m *Medium) StartScanning(serviceID string, power PowerLevel, callback DiscoveredPeripheralCallback, fastUUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if serviceID == "" {
		logger.Info("BleMedium", "Can't start scanning with an empty service id")
		return false
	}
	if m.scannedServiceIDs[serviceID] {
		logger.Info("BleMedium", "Can't start scanning: already scanning for service id %s", serviceID)
		return false
	}
	if m.radio == nil || !m.radio.IsEnabled() {
		logger.Info("BleMedium", "Can't start scanning: Bluetooth is disabled")
		return false
	}
	if !m.isAvailableLocked() {
		logger.Info("BleMedium", "Can't start scanning: BLE is not available")
		return false
	}

	if err := m.tracker.StartTracking(serviceID, callback, fastUUID); err != nil {
		logger.Warn("BleMedium", "Can't start scanning for service id %s: %v", serviceID, err)
		return false
	}

	// A platform scan is already running for another service id; piggyback.
	if len(m.scannedServiceIDs) > 0 {
		m.scannedServiceIDs[serviceID] = true
		logger.Info("BleMedium", "Started BLE scanning for service id %s on the existing platform scan", serviceID)
		return true
	}

	m.scannedServiceIDs[serviceID] = true

	scanningUUIDs := []string{CopresenceServiceUUID}
	if fastUUID != "" {
		scanningUUIDs = []string{fastUUID}
	}
	scanCallback := ScanCallback{
		OnAdvertisementFound: func(peripheral Peripheral, data *AdvertisementData) {
			// Platform callbacks may arrive concurrently from platform
			// threads; serialize them in FIFO order before touching state.
			m.worker.Execute(func() {
				m.tracker.ProcessFoundBleAdvertisement(peripheral, data, m.fetchAdvertisements)
			})
		},
	}
	if !m.transport.StartScanning(scanningUUIDs, powerLevelToPowerMode(power), scanCallback) {
		logger.Error("BleMedium", "Failed to start the platform BLE scan")
		m.tracker.StopTracking(serviceID)
		delete(m.scannedServiceIDs, serviceID)
		return false
	}

	m.lostAlarm = newRecurringAlarm(m.sweepInterval, func() {
		m.tracker.ProcessLostGattAdvertisements()
	})

	logger.Info("BleMedium", "Started BLE scanning for service id %s", serviceID)
	return true
}

// StopScanning unregisters serviceID. The platform scan and the lost sweep
// stop only when no service ids remain scanning.
func (m *Medium) StopScanning(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.scannedServiceIDs[serviceID] {
		logger.Info("BleMedium", "Can't stop scanning service id %s: never started", serviceID)
		return false
	}

	m.tracker.StopTracking(serviceID)
	delete(m.scannedServiceIDs, serviceID)
	logger.Info("BleMedium", "Stopped BLE scanning for service id %s", serviceID)

	if len(m.scannedServiceIDs) > 0 {
		return true
	}

	logger.Info("BleMedium", "Stopping the platform BLE scan: no scanners remain")
	if m.lostAlarm != nil {
		m.lostAlarm.Cancel()
		m.lostAlarm = nil
	}
	return m.transport.StopScanning()
}

// IsScanning reports whether serviceID is currently scanned for.
func (m *Medium) IsScanning(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scannedServiceIDs[serviceID]
}

// Close stops every advertiser and scanner and shuts down the worker.
func (m *Medium) Close() {
	m.mu.Lock()
	scanned := make([]string, 0, len(m.scannedServiceIDs))
	for id := range m.scannedServiceIDs {
		scanned = append(scanned, id)
	}
	advertising := make([]string, 0, len(m.advertisers))
	for id := range m.advertisers {
		advertising = append(advertising, id)
	}
	m.mu.Unlock()

	for _, id := range scanned {
		m.StopScanning(id)
	}
	for _, id := range advertising {
		m.StopAdvertising(id)
	}
	m.worker.Shutdown()
}

func (m *Medium) isAdvertisementGattServerRunningLocked() bool {
	return m.gattServer != nil
}

// startAdvertisementGattServerLocked starts the shared server and hosts a
// characteristic for every occupied slot. On any partial failure the server
// is stopped before returning; no half-started state leaks out.
func (m *Medium) startAdvertisementGattServerLocked() bool {
	if m.isAdvertisementGattServerRunningLocked() {
		logger.Info("BleMedium", "Advertisement GATT server is already running")
		return false
	}

	server := m.transport.StartGattServer()
	if server == nil {
		logger.Warn("BleMedium", "Unable to start an advertisement GATT server")
		return false
	}

	for _, entry := range m.slots.Entries() {
		if !m.hostAdvertisementSlotLocked(server, entry.Slot, entry.Advertisement) {
			server.Stop()
			m.hostedCharacteristics = nil
			return false
		}
	}

	m.gattServer = server
	return true
}

// hostAdvertisementSlotLocked allocates the read-only characteristic for a
// slot, with the slot's deterministic UUID, and loads the advertisement into
// it.
func (m *Medium) hostAdvertisementSlotLocked(server GattServer, slot int, mediumAdvBytes []byte) bool {
	characteristic := server.CreateCharacteristic(
		CopresenceServiceUUID, GenerateAdvertisementUUID(slot), PERMISSION_READ, PROPERTY_READ)
	if characteristic == nil {
		logger.Warn("BleMedium", "Unable to create the advertisement characteristic for slot %d", slot)
		return false
	}
	if !server.UpdateCharacteristic(characteristic, mediumAdvBytes) {
		logger.Warn("BleMedium", "Unable to write the advertisement value for slot %d", slot)
		return false
	}
	m.hostedCharacteristics = append(m.hostedCharacteristics, characteristic)
	return true
}

func (m *Medium) stopAdvertisementGattServerLocked() bool {
	if !m.isAdvertisementGattServerRunningLocked() {
		return false
	}
	m.gattServer.Stop()
	m.gattServer = nil
	m.hostedCharacteristics = nil
	return true
}

// fetchAdvertisements is the AdvertisementFetcher handed to the tracker:
// connect to the peripheral's GATT server, discover the copresence service,
// read every slot not already cached, disconnect. A missing characteristic
// for a slot is not a failure (the remote may occupy fewer slots than its
// header declares); a failed read of an existing one is. The medium lock is
// held only for validation, never across the blocking GATT calls.
func (m *Medium) fetchAdvertisements(peripheral Peripheral, numSlots int, psm int32,
	interestingServiceIDs []string, prior *AdvertisementReadResult) *AdvertisementReadResult {

	result := prior
	if result == nil {
		result = NewAdvertisementReadResult()
	}

	m.mu.Lock()
	if peripheral == nil {
		logger.Info("BleMedium", "Can't fetch advertisements: nil peripheral")
		m.mu.Unlock()
		result.RecordLastReadStatus(false)
		return result
	}
	if m.radio == nil || !m.radio.IsEnabled() {
		logger.Info("BleMedium", "Can't fetch advertisements: Bluetooth is disabled")
		m.mu.Unlock()
		result.RecordLastReadStatus(false)
		return result
	}
	if !m.isAvailableLocked() {
		logger.Info("BleMedium", "Can't fetch advertisements: BLE is not available")
		m.mu.Unlock()
		result.RecordLastReadStatus(false)
		return result
	}
	transport := m.transport
	m.mu.Unlock()

	client := transport.ConnectToGattServer(peripheral, PowerModeHigh)
	if client == nil {
		result.RecordLastReadStatus(false)
		return result
	}
	defer client.Disconnect()

	if !client.DiscoverService(CopresenceServiceUUID) {
		logger.Warn("BleMedium", "GATT client can't discover the copresence service on %s",
			logger.DeviceTag(peripheral.Address()))
		result.RecordLastReadStatus(false)
		return result
	}

	readSuccess := true
	for slot := 0; slot < numSlots; slot++ {
		if result.HasAdvertisement(slot) {
			continue
		}
		characteristic := client.GetCharacteristic(CopresenceServiceUUID, GenerateAdvertisementUUID(slot))
		if characteristic == nil {
			// Nothing hosted at this slot; not a failure.
			continue
		}
		value, ok := client.ReadCharacteristic(characteristic)
		if !ok {
			logger.Warn("BleMedium", "Can't read the advertisement at slot %d from %s",
				slot, logger.DeviceTag(peripheral.Address()))
			readSuccess = false
			// Keep trying the other slots to get as much as possible.
			continue
		}
		result.AddAdvertisement(slot, value)
		logger.Trace("BleMedium", "Read advertisement at slot %d from %s (%d bytes)",
			slot, logger.DeviceTag(peripheral.Address()), len(value))
	}

	result.RecordLastReadStatus(readSuccess)
	return result
}

func powerLevelToPowerMode(level PowerLevel) PowerMode {
	switch level {
	case PowerLevelHigh:
		return PowerModeHigh
	case PowerLevelLow:
		// Medium power covers roughly a conference room; any lower and the
		// device stops being visible at useful distances.
		return PowerModeMedium
	default:
		return PowerModeUnknown
	}
}
