package ble

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/user/copresence-ble/logger"
)

// ErrAlreadyTracking is returned when a service id is registered twice. The
// medium checks before registering; the tracker enforces it again as a second
// line of defense.
var ErrAlreadyTracking = errors.New("ble: service id already tracked")

// DefaultPeripheralLostTimeout is how long a tracked peripheral may go
// without a refresh before the sweep declares it lost.
const DefaultPeripheralLostTimeout = 3 * time.Second

// DiscoveredPeripheralCallback receives found/lost events for one tracked
// service id. Stored as a registration record rather than an interface so a
// caller can supply only the handlers it cares about.
type DiscoveredPeripheralCallback struct {
	OnPeripheralDiscovered func(peripheral Peripheral, serviceID string, advertisementBytes []byte, fast bool)
	OnPeripheralLost       func(peripheral Peripheral, serviceID string)
}

// AdvertisementFetcher fetches GATT advertisements for a peripheral found
// during scanning. The tracker calls it at most once per processed sighting,
// reusing prior so each slot is read at most once per header generation even
// when several service ids are candidates.
type AdvertisementFetcher func(peripheral Peripheral, numSlots int, psm int32,
	interestingServiceIDs []string, prior *AdvertisementReadResult) *AdvertisementReadResult

type trackedService struct {
	callback      DiscoveredPeripheralCallback
	fastUUID      string
	serviceIDHash []byte
}

type presenceKey struct {
	serviceID  string
	peripheral string
}

type presenceRecord struct {
	peripheral Peripheral
	lastHash   string
	lastSeen   time.Time
}

// gattReadState ties a peripheral's cached slot reads to the header hash
// they were fetched under; a changed hash retires the cache.
type gattReadState struct {
	headerHash string
	result     *AdvertisementReadResult
	lastSeen   time.Time
}

type foundEvent struct {
	callback   func(Peripheral, string, []byte, bool)
	peripheral Peripheral
	serviceID  string
	data       []byte
	fast       bool
}

type lostEvent struct {
	callback   func(Peripheral, string)
	peripheral Peripheral
	serviceID  string
}

// DiscoveredPeripheralTracker turns raw advertisement sightings into
// found/lost events per tracked service id. It owns the peripheral presence
// records and the per-peripheral GATT read caches; it does not talk to the
// platform itself, fetching through the injected AdvertisementFetcher.
//
// All state is guarded by mu. Callbacks and the blocking fetch run with mu
// released; registrations are re-validated before dispatch so events are
// never delivered for a service id that has since stopped tracking.
type DiscoveredPeripheralTracker struct {
	mu          sync.Mutex
	lostTimeout time.Duration
	services    map[string]*trackedService
	presence    map[presenceKey]*presenceRecord
	readStates  map[string]*gattReadState

	// now is the clock; tests substitute it.
	now func() time.Time
}

// NewDiscoveredPeripheralTracker returns a tracker with the given lost
// timeout; zero selects DefaultPeripheralLostTimeout.
func NewDiscoveredPeripheralTracker(lostTimeout time.Duration) *DiscoveredPeripheralTracker {
	if lostTimeout <= 0 {
		lostTimeout = DefaultPeripheralLostTimeout
	}
	return &DiscoveredPeripheralTracker{
		lostTimeout: lostTimeout,
		services:    make(map[string]*trackedService),
		presence:    make(map[presenceKey]*presenceRecord),
		readStates:  make(map[string]*gattReadState),
		now:         time.Now,
	}
}

// StartTracking registers interest in a service id. fastUUID, when non-empty,
// marks the service as fast-advertised: payloads arrive directly as service
// data under that UUID and no GATT fetch happens.
func (t *DiscoveredPeripheralTracker) StartTracking(serviceID string, callback DiscoveredPeripheralCallback, fastUUID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.services[serviceID]; ok {
		return ErrAlreadyTracking
	}
	t.services[serviceID] = &trackedService{
		callback:      callback,
		fastUUID:      fastUUID,
		serviceIDHash: GenerateServiceIDHash(serviceID),
	}
	return nil
}

// StopTracking removes the registration and every presence record solely
// attributable to it. Other tracked service ids are untouched.
func (t *DiscoveredPeripheralTracker) StopTracking(serviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.services, serviceID)
	for key := range t.presence {
		if key.serviceID == serviceID {
			delete(t.presence, key)
		}
	}
	t.pruneReadStatesLocked()
}

// IsTracking reports whether a service id is registered.
func (t *DiscoveredPeripheralTracker) IsTracking(serviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.services[serviceID]
	return ok
}

// pruneReadStatesLocked drops read caches for peripherals no tracked service
// still has a presence record for and that have not been sighted recently.
func (t *DiscoveredPeripheralTracker) pruneReadStatesLocked() {
	referenced := make(map[string]bool)
	for key := range t.presence {
		referenced[key.peripheral] = true
	}
	cutoff := t.now().Add(-t.lostTimeout)
	for addr, state := range t.readStates {
		if !referenced[addr] && state.lastSeen.Before(cutoff) {
			delete(t.readStates, addr)
		}
	}
}

// ProcessFoundBleAdvertisement classifies one raw sighting:
//
//  1. Service data under a registered fast UUID is a complete advertisement;
//     decode and dispatch without any GATT round-trip.
//  2. Otherwise decode the copresence header and test every registered
//     regular service id against its bloom filter.
//  3. Fetch slots once per peripheral for the surviving candidates, reusing
//     the cached read result while the header hash is unchanged.
//  4. Unwrap each fetched slot and dispatch only to service ids whose hash
//     verifies; bloom false positives die here silently.
//
// Runs on the medium's serialized worker. The fetch itself happens with the
// tracker unlocked.
func (t *DiscoveredPeripheralTracker) ProcessFoundBleAdvertisement(peripheral Peripheral, data *AdvertisementData, fetch AdvertisementFetcher) {
	if peripheral == nil || data == nil {
		return
	}

	var found []foundEvent
	t.mu.Lock()
	found = append(found, t.processFastAdvertisementsLocked(peripheral, data)...)

	headerBytes, ok := data.ServiceData[CopresenceServiceUUID]
	if !ok {
		t.mu.Unlock()
		t.dispatchFound(found)
		return
	}

	header, err := DecodeAdvertisementHeader(headerBytes)
	if err != nil {
		// Arbitrary nearby radios send arbitrary bytes; drop and move on.
		logger.Trace("Tracker", "Dropping undecodable advertisement header from %s: %v",
			logger.DeviceTag(peripheral.Address()), err)
		t.mu.Unlock()
		t.dispatchFound(found)
		return
	}

	headerHash := string(header.AdvertisementHash)
	addr := peripheral.Address()
	logger.DebugJSON("Tracker", "Advertisement header from "+logger.DeviceTag(addr), header)

	state := t.readStates[addr]
	if state != nil && state.headerHash == headerHash && state.result.LastReadSucceeded() {
		// Same slot set as before and fully fetched: refresh presence so the
		// sweep doesn't evict a still-advertising peripheral, skip the fetch.
		state.lastSeen = t.now()
		t.refreshPresenceLocked(addr)
		t.mu.Unlock()
		t.dispatchFound(found)
		return
	}

	filter := BloomFilterFromBytes(header.ServiceIDBloomFilter)
	var candidates []string
	for serviceID, svc := range t.services {
		if svc.fastUUID == "" && filter.MightContain(serviceID) {
			candidates = append(candidates, serviceID)
		}
	}
	if len(candidates) == 0 {
		t.mu.Unlock()
		t.dispatchFound(found)
		return
	}

	if state == nil || state.headerHash != headerHash {
		// New or changed slot set: retire reads cached under the old hash.
		state = &gattReadState{
			headerHash: headerHash,
			result:     NewAdvertisementReadResult(),
		}
		t.readStates[addr] = state
	}
	state.lastSeen = t.now()
	t.mu.Unlock()

	result := fetch(peripheral, header.NumSlots, header.Psm, candidates, state.result)

	t.mu.Lock()
	if result != nil {
		state.result = result
	}
	found = append(found, t.unwrapFetchedSlotsLocked(peripheral, state.result)...)
	t.mu.Unlock()

	t.dispatchFound(found)
}

// processFastAdvertisementsLocked handles step 1: payloads riding directly in
// the scan response under a registered fast UUID.
func (t *DiscoveredPeripheralTracker) processFastAdvertisementsLocked(peripheral Peripheral, data *AdvertisementData) []foundEvent {
	var found []foundEvent
	for serviceID, svc := range t.services {
		if svc.fastUUID == "" {
			continue
		}
		payload, ok := data.ServiceData[svc.fastUUID]
		if !ok {
			continue
		}
		adv, err := DecodeAdvertisement(payload)
		if err != nil || !adv.Fast {
			logger.Trace("Tracker", "Dropping bad fast advertisement from %s for %s",
				logger.DeviceTag(peripheral.Address()), serviceID)
			continue
		}
		if ev, ok := t.recordFoundLocked(peripheral, serviceID, adv.Data, true); ok {
			found = append(found, ev)
		}
	}
	return found
}

// unwrapFetchedSlotsLocked handles step 4: re-derive the service id hash from
// each fetched slot's envelope and dispatch to matching registrations. Bytes
// that unwrap to no registered service id are dropped without error.
func (t *DiscoveredPeripheralTracker) unwrapFetchedSlotsLocked(peripheral Peripheral, result *AdvertisementReadResult) []foundEvent {
	var found []foundEvent
	for _, slot := range result.Slots() {
		raw, ok := result.GetAdvertisement(slot)
		if !ok {
			continue
		}
		adv, err := DecodeAdvertisement(raw)
		if err != nil || adv.Fast {
			logger.Trace("Tracker", "Dropping undecodable slot %d advertisement from %s",
				slot, logger.DeviceTag(peripheral.Address()))
			continue
		}
		for serviceID, svc := range t.services {
			if svc.fastUUID != "" {
				continue
			}
			if !bytes.Equal(adv.ServiceIDHash, svc.serviceIDHash) {
				continue
			}
			if ev, ok := t.recordFoundLocked(peripheral, serviceID, adv.Data, false); ok {
				found = append(found, ev)
			}
		}
	}
	return found
}

// recordFoundLocked updates the presence record for (serviceID, peripheral)
// and returns a found event when the payload is new or changed. An identical
// payload inside the lost-timeout window only refreshes the record.
func (t *DiscoveredPeripheralTracker) recordFoundLocked(peripheral Peripheral, serviceID string, payload []byte, fast bool) (foundEvent, bool) {
	svc, ok := t.services[serviceID]
	if !ok {
		return foundEvent{}, false
	}

	key := presenceKey{serviceID: serviceID, peripheral: peripheral.Address()}
	payloadHash := string(generateAdvertisementHash(payload))
	now := t.now()

	rec := t.presence[key]
	if rec != nil && rec.lastHash == payloadHash {
		rec.lastSeen = now
		return foundEvent{}, false
	}

	t.presence[key] = &presenceRecord{
		peripheral: peripheral,
		lastHash:   payloadHash,
		lastSeen:   now,
	}
	if svc.callback.OnPeripheralDiscovered == nil {
		return foundEvent{}, false
	}
	return foundEvent{
		callback:   svc.callback.OnPeripheralDiscovered,
		peripheral: peripheral,
		serviceID:  serviceID,
		data:       append([]byte(nil), payload...),
		fast:       fast,
	}, true
}

// refreshPresenceLocked bumps lastSeen for every presence record of a
// peripheral whose unchanged header was sighted again.
func (t *DiscoveredPeripheralTracker) refreshPresenceLocked(peripheralAddr string) {
	now := t.now()
	for key, rec := range t.presence {
		if key.peripheral == peripheralAddr {
			rec.lastSeen = now
		}
	}
}

// ProcessLostGattAdvertisements sweeps tracked peripherals and emits a lost
// event for each one whose last sighting exceeds the lost timeout. Invoked
// periodically by the medium's recurring alarm; a sweep rather than a
// per-peripheral timer, so lost latency is bounded by the sweep interval.
func (t *DiscoveredPeripheralTracker) ProcessLostGattAdvertisements() {
	var lost []lostEvent

	t.mu.Lock()
	cutoff := t.now().Add(-t.lostTimeout)
	for key, rec := range t.presence {
		if rec.lastSeen.After(cutoff) {
			continue
		}
		svc, ok := t.services[key.serviceID]
		if ok && svc.callback.OnPeripheralLost != nil {
			lost = append(lost, lostEvent{
				callback:   svc.callback.OnPeripheralLost,
				peripheral: rec.peripheral,
				serviceID:  key.serviceID,
			})
		}
		delete(t.presence, key)
	}
	t.pruneReadStatesLocked()
	t.mu.Unlock()

	for _, ev := range lost {
		logger.Info("Tracker", "Peripheral %s lost for service id %s",
			logger.DeviceTag(ev.peripheral.Address()), ev.serviceID)
		ev.callback(ev.peripheral, ev.serviceID)
	}
}

// dispatchFound delivers found events with the tracker unlocked, after
// re-validating each registration so a service id that stopped tracking
// mid-flight never hears about it.
func (t *DiscoveredPeripheralTracker) dispatchFound(events []foundEvent) {
	for _, ev := range events {
		if !t.IsTracking(ev.serviceID) {
			continue
		}
		logger.Info("Tracker", "Peripheral %s found for service id %s (%d bytes, fast=%v)",
			logger.DeviceTag(ev.peripheral.Address()), ev.serviceID, len(ev.data), ev.fast)
		ev.callback(ev.peripheral, ev.serviceID, ev.data, ev.fast)
	}
}
