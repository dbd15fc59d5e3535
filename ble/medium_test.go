package ble

import (
	"bytes"
	"testing"
	"time"
)

type fakeRadio struct{ enabled bool }

func (r *fakeRadio) IsEnabled() bool { return r.enabled }

type fakeGattServer struct {
	stopped bool
	chars   map[string]*Characteristic
	values  map[string][]byte
}

func newFakeGattServer() *fakeGattServer {
	return &fakeGattServer{
		chars:  make(map[string]*Characteristic),
		values: make(map[string][]byte),
	}
}

func (s *fakeGattServer) CreateCharacteristic(serviceUUID, characteristicUUID string, permissions, properties int) *Characteristic {
	if s.stopped {
		return nil
	}
	c := &Characteristic{ServiceUUID: serviceUUID, UUID: characteristicUUID}
	s.chars[characteristicUUID] = c
	return c
}

func (s *fakeGattServer) UpdateCharacteristic(characteristic *Characteristic, value []byte) bool {
	if s.stopped {
		return false
	}
	s.values[characteristic.UUID] = append([]byte(nil), value...)
	return true
}

func (s *fakeGattServer) Stop() { s.stopped = true }

type fakeGattClient struct{ server *fakeGattServer }

func (c *fakeGattClient) DiscoverService(serviceUUID string) bool {
	return !c.server.stopped && serviceUUID == CopresenceServiceUUID
}

func (c *fakeGattClient) GetCharacteristic(serviceUUID, characteristicUUID string) *Characteristic {
	if c.server.stopped {
		return nil
	}
	return c.server.chars[characteristicUUID]
}

func (c *fakeGattClient) ReadCharacteristic(characteristic *Characteristic) ([]byte, bool) {
	if c.server.stopped {
		return nil, false
	}
	value, ok := c.server.values[characteristic.UUID]
	return value, ok
}

func (c *fakeGattClient) Disconnect() {}

type fakeTransport struct {
	valid          bool
	failAdvertise  bool
	failScan       bool
	failGattServer bool
	unreachable    bool

	advertiseCalls     int
	stopAdvertiseCalls int
	scanStarts         int
	stopScanCalls      int

	lastAdvertisingData *AdvertisementData
	lastScanResponse    *AdvertisementData
	lastScanUUIDs       []string
	scanCallback        ScanCallback

	server *fakeGattServer
	remote *fakeGattServer
}

func (tr *fakeTransport) IsValid() bool { return tr.valid }

func (tr *fakeTransport) StartAdvertising(advertisingData, scanResponseData *AdvertisementData, mode PowerMode) bool {
	if tr.failAdvertise {
		return false
	}
	tr.advertiseCalls++
	tr.lastAdvertisingData = advertisingData
	tr.lastScanResponse = scanResponseData
	return true
}

func (tr *fakeTransport) StopAdvertising() bool {
	tr.stopAdvertiseCalls++
	return true
}

func (tr *fakeTransport) StartScanning(serviceUUIDs []string, mode PowerMode, callback ScanCallback) bool {
	if tr.failScan {
		return false
	}
	tr.scanStarts++
	tr.lastScanUUIDs = serviceUUIDs
	tr.scanCallback = callback
	return true
}

func (tr *fakeTransport) StopScanning() bool {
	tr.stopScanCalls++
	return true
}

func (tr *fakeTransport) StartGattServer() GattServer {
	if tr.failGattServer {
		return nil
	}
	tr.server = newFakeGattServer()
	return tr.server
}

func (tr *fakeTransport) ConnectToGattServer(peripheral Peripheral, mode PowerMode) GattClient {
	if tr.unreachable || tr.remote == nil {
		return nil
	}
	return &fakeGattClient{server: tr.remote}
}

func newTestMedium() (*Medium, *fakeRadio, *fakeTransport) {
	radio := &fakeRadio{enabled: true}
	transport := &fakeTransport{valid: true}
	return NewMedium(radio, transport, nil), radio, transport
}

func TestMediumStartAdvertisingValidation(t *testing.T) {
	medium, radio, transport := newTestMedium()
	defer medium.Close()

	if medium.StartAdvertising("svc", nil, PowerLevelHigh, "") {
		t.Error("Accepted empty advertisement data")
	}
	if medium.StartAdvertising("svc", make([]byte, MaxAdvertisementLength+1), PowerLevelHigh, "") {
		t.Error("Accepted oversized advertisement data")
	}

	radio.enabled = false
	if medium.StartAdvertising("svc", []byte("x"), PowerLevelHigh, "") {
		t.Error("Advertised with the radio disabled")
	}
	radio.enabled = true

	transport.valid = false
	if medium.StartAdvertising("svc", []byte("x"), PowerLevelHigh, "") {
		t.Error("Advertised on an invalid transport")
	}
	transport.valid = true

	if !medium.StartAdvertising("svc", []byte("x"), PowerLevelHigh, "") {
		t.Fatal("Valid StartAdvertising failed")
	}
	if medium.StartAdvertising("svc", []byte("x"), PowerLevelHigh, "") {
		t.Error("Accepted a duplicate service id")
	}
}

func TestMediumRegularAdvertisingHostsSlot(t *testing.T) {
	medium, _, transport := newTestMedium()
	defer medium.Close()

	payload := []byte("advertise me")
	if !medium.StartAdvertising("svc-a", payload, PowerLevelHigh, "") {
		t.Fatal("StartAdvertising failed")
	}
	if !medium.IsAdvertising("svc-a") {
		t.Error("IsAdvertising = false")
	}

	if transport.server == nil {
		t.Fatal("No advertisement GATT server started")
	}
	slotBytes, ok := transport.server.values[GenerateAdvertisementUUID(0)]
	if !ok {
		t.Fatal("Slot 0 characteristic not hosted")
	}
	adv, err := DecodeAdvertisement(slotBytes)
	if err != nil {
		t.Fatalf("Hosted slot bytes do not decode: %v", err)
	}
	if !bytes.Equal(adv.Data, payload) {
		t.Errorf("Hosted payload = %q, want %q", adv.Data, payload)
	}
	if !bytes.Equal(adv.ServiceIDHash, GenerateServiceIDHash("svc-a")) {
		t.Error("Hosted envelope carries the wrong service id hash")
	}

	headerBytes, ok := transport.lastScanResponse.ServiceData[CopresenceServiceUUID]
	if !ok {
		t.Fatal("Scan response carries no advertisement header")
	}
	header, err := DecodeAdvertisementHeader(headerBytes)
	if err != nil {
		t.Fatalf("Broadcast header does not decode: %v", err)
	}
	if header.NumSlots != 1 {
		t.Errorf("Header NumSlots = %d, want 1", header.NumSlots)
	}
	if !BloomFilterFromBytes(header.ServiceIDBloomFilter).MightContain("svc-a") {
		t.Error("Header bloom filter does not contain the advertised service id")
	}
}

func TestMediumMultipleAdvertisersShareHeader(t *testing.T) {
	medium, _, transport := newTestMedium()
	defer medium.Close()

	if !medium.StartAdvertising("svc-a", []byte("a"), PowerLevelHigh, "") {
		t.Fatal("First StartAdvertising failed")
	}
	if !medium.StartAdvertising("svc-b", []byte("b"), PowerLevelHigh, "") {
		t.Fatal("Second StartAdvertising failed")
	}

	header, err := DecodeAdvertisementHeader(transport.lastScanResponse.ServiceData[CopresenceServiceUUID])
	if err != nil {
		t.Fatalf("Broadcast header does not decode: %v", err)
	}
	if header.NumSlots != 2 {
		t.Errorf("Header NumSlots = %d, want 2", header.NumSlots)
	}
	if _, ok := transport.server.values[GenerateAdvertisementUUID(1)]; !ok {
		t.Error("Slot 1 characteristic not hosted for the second advertiser")
	}

	// Stopping one advertiser keeps the other broadcasting with a one-slot
	// header.
	if !medium.StopAdvertising("svc-a") {
		t.Fatal("StopAdvertising failed")
	}
	if !medium.IsAdvertising("svc-b") {
		t.Error("Second advertiser dropped when the first stopped")
	}
	header, err = DecodeAdvertisementHeader(transport.lastScanResponse.ServiceData[CopresenceServiceUUID])
	if err != nil {
		t.Fatalf("Rebuilt header does not decode: %v", err)
	}
	if header.NumSlots != 1 {
		t.Errorf("Rebuilt header NumSlots = %d, want 1", header.NumSlots)
	}

	if !medium.StopAdvertising("svc-b") {
		t.Fatal("Final StopAdvertising failed")
	}
	if transport.stopAdvertiseCalls == 0 {
		t.Error("Platform advertising never stopped after the last advertiser left")
	}
	if medium.IsAdvertising("svc-b") {
		t.Error("IsAdvertising = true after stop")
	}
}

func TestMediumFastAdvertising(t *testing.T) {
	const fastUUID = "0000fe2c-0000-1000-8000-00805f9b34fb"
	medium, _, transport := newTestMedium()
	defer medium.Close()

	payload := []byte("fast payload")
	if !medium.StartAdvertising("svc-fast", payload, PowerLevelHigh, fastUUID) {
		t.Fatal("StartAdvertising failed")
	}

	if transport.server != nil {
		t.Error("Fast advertising started a GATT server")
	}
	adv, err := DecodeAdvertisement(transport.lastScanResponse.ServiceData[fastUUID])
	if err != nil {
		t.Fatalf("Fast scan response does not decode: %v", err)
	}
	if !adv.Fast || !bytes.Equal(adv.Data, payload) {
		t.Errorf("Fast envelope = %+v, want fast with payload %q", adv, payload)
	}

	found := false
	for _, id := range transport.lastAdvertisingData.ServiceUUIDs {
		if id == fastUUID {
			found = true
		}
	}
	if !found {
		t.Error("Advertising data does not claim the fast service UUID")
	}
}

func TestMediumRejectsOversizedFastPayload(t *testing.T) {
	const fastUUID = "0000fe2c-0000-1000-8000-00805f9b34fb"
	medium, _, transport := newTestMedium()
	defer medium.Close()

	// 256..512 byte payloads are fine for slot-hosted advertising but do not
	// fit the fast layout's one-byte length field; accepting one would
	// broadcast an envelope every scanner drops while the advertiser believes
	// it is discoverable.
	payload := make([]byte, MaxFastAdvertisementDataLength+1)
	if medium.StartAdvertising("svc-fast", payload, PowerLevelHigh, fastUUID) {
		t.Fatal("Accepted a fast payload longer than the one-byte length field allows")
	}
	if medium.IsAdvertising("svc-fast") {
		t.Error("IsAdvertising = true after the rejected fast payload")
	}
	if transport.advertiseCalls != 0 {
		t.Errorf("Platform advertising started %d times, want 0", transport.advertiseCalls)
	}

	// The same payload is still acceptable through a GATT slot.
	if !medium.StartAdvertising("svc-regular", payload, PowerLevelHigh, "") {
		t.Error("Slot-hosted advertising rejected a payload within the regular limit")
	}
}

func TestMediumStopAdvertisingUnknownServiceID(t *testing.T) {
	medium, _, _ := newTestMedium()
	defer medium.Close()

	if medium.StopAdvertising("never-started") {
		t.Error("StopAdvertising succeeded for an unknown service id")
	}
}

func TestMediumSinglePlatformScan(t *testing.T) {
	medium, _, transport := newTestMedium()
	defer medium.Close()

	callback := DiscoveredPeripheralCallback{}
	if !medium.StartScanning("svc-a", PowerLevelHigh, callback, "") {
		t.Fatal("First StartScanning failed")
	}
	if !medium.StartScanning("svc-b", PowerLevelHigh, callback, "") {
		t.Fatal("Second StartScanning failed")
	}
	if transport.scanStarts != 1 {
		t.Errorf("Platform scan starts = %d, want 1", transport.scanStarts)
	}

	if !medium.StopScanning("svc-a") {
		t.Fatal("StopScanning failed")
	}
	if transport.stopScanCalls != 0 {
		t.Error("Platform scan stopped while a scanner remained")
	}
	if !medium.StopScanning("svc-b") {
		t.Fatal("Final StopScanning failed")
	}
	if transport.stopScanCalls != 1 {
		t.Errorf("Platform scan stops = %d, want 1", transport.stopScanCalls)
	}
}

func TestMediumScanValidation(t *testing.T) {
	medium, radio, _ := newTestMedium()
	defer medium.Close()

	callback := DiscoveredPeripheralCallback{}
	if medium.StartScanning("", PowerLevelHigh, callback, "") {
		t.Error("Accepted an empty service id")
	}

	radio.enabled = false
	if medium.StartScanning("svc", PowerLevelHigh, callback, "") {
		t.Error("Scanned with the radio disabled")
	}
	radio.enabled = true

	if !medium.StartScanning("svc", PowerLevelHigh, callback, "") {
		t.Fatal("Valid StartScanning failed")
	}
	if medium.StartScanning("svc", PowerLevelHigh, callback, "") {
		t.Error("Accepted a duplicate scanning service id")
	}
	if !medium.IsScanning("svc") {
		t.Error("IsScanning = false")
	}
}

func TestMediumScanStartFailureRollsBack(t *testing.T) {
	medium, _, transport := newTestMedium()
	defer medium.Close()
	transport.failScan = true

	if medium.StartScanning("svc", PowerLevelHigh, DiscoveredPeripheralCallback{}, "") {
		t.Fatal("StartScanning succeeded despite platform failure")
	}
	if medium.IsScanning("svc") {
		t.Error("IsScanning = true after rollback")
	}
	if medium.tracker.IsTracking("svc") {
		t.Error("Tracker registration survived the rollback")
	}

	// A later attempt on a healthy transport must succeed.
	transport.failScan = false
	if !medium.StartScanning("svc", PowerLevelHigh, DiscoveredPeripheralCallback{}, "") {
		t.Error("Retry after rollback failed")
	}
}

func TestMediumFetchAdvertisements(t *testing.T) {
	medium, _, transport := newTestMedium()
	defer medium.Close()

	// Remote hosts only slot 1 out of the three its header declares.
	remote := newFakeGattServer()
	slotBytes := encodeSlotAdvertisement(t, "svc-a", []byte("payload"))
	c := remote.CreateCharacteristic(CopresenceServiceUUID, GenerateAdvertisementUUID(1), PERMISSION_READ, PROPERTY_READ)
	remote.UpdateCharacteristic(c, slotBytes)
	transport.remote = remote

	result := medium.fetchAdvertisements(fakePeripheral("p1"), 3, DefaultPsm, []string{"svc-a"}, nil)
	if !result.LastReadSucceeded() {
		t.Error("Missing slots marked the read failed")
	}
	slots := result.Slots()
	if len(slots) != 1 || slots[0] != 1 {
		t.Errorf("Slots read = %v, want [1]", slots)
	}
	got, _ := result.GetAdvertisement(1)
	if !bytes.Equal(got, slotBytes) {
		t.Error("Fetched slot bytes differ from the hosted value")
	}
}

func TestMediumFetchAdvertisementsConnectFailure(t *testing.T) {
	medium, _, transport := newTestMedium()
	defer medium.Close()
	transport.unreachable = true

	result := medium.fetchAdvertisements(fakePeripheral("p1"), 1, DefaultPsm, []string{"svc-a"}, nil)
	if result.LastReadSucceeded() {
		t.Error("Connect failure reported as a successful read")
	}
	if len(result.Slots()) != 0 {
		t.Errorf("Slots read = %v, want none", result.Slots())
	}
}

func TestMediumFetchAdvertisementsRadioDisabledClearsStatus(t *testing.T) {
	medium, radio, _ := newTestMedium()
	defer medium.Close()

	// A prior successful read must not survive a fetch that never reached the
	// air; a stale success flag would suppress retries once the radio is back.
	prior := NewAdvertisementReadResult()
	prior.RecordLastReadStatus(true)

	radio.enabled = false
	result := medium.fetchAdvertisements(fakePeripheral("p1"), 1, DefaultPsm, []string{"svc-a"}, prior)
	if result.LastReadSucceeded() {
		t.Error("Radio-down fetch kept the prior success flag")
	}

	nilResult := medium.fetchAdvertisements(nil, 1, DefaultPsm, []string{"svc-a"}, nil)
	if nilResult.LastReadSucceeded() {
		t.Error("Nil-peripheral fetch reported success")
	}
}

func TestMediumEndToEndOverFakeTransport(t *testing.T) {
	// One medium advertises, the other scans; the fake transport plays the
	// air in between by handing the advertiser's broadcast to the scanner's
	// callback.
	advertiser, _, advTransport := newTestMedium()
	defer advertiser.Close()
	scanner, _, scanTransport := newTestMedium()
	defer scanner.Close()

	payload := []byte("ten bytes!")
	if !advertiser.StartAdvertising("svc-a", payload, PowerLevelHigh, "") {
		t.Fatal("StartAdvertising failed")
	}

	found := make(chan []byte, 4)
	callback := DiscoveredPeripheralCallback{
		OnPeripheralDiscovered: func(peripheral Peripheral, serviceID string, data []byte, fast bool) {
			found <- data
		},
	}
	if !scanner.StartScanning("svc-a", PowerLevelHigh, callback, "") {
		t.Fatal("StartScanning failed")
	}

	// The scanner fetches slots from the advertiser's hosted server.
	scanTransport.remote = advTransport.server

	sighting := &AdvertisementData{
		ServiceUUIDs: advTransport.lastScanResponse.ServiceUUIDs,
		ServiceData:  advTransport.lastScanResponse.ServiceData,
	}
	scanTransport.scanCallback.OnAdvertisementFound(fakePeripheral("advertiser"), sighting)

	if !WaitForIdle(2 * time.Second) {
		t.Fatal("Scan processing never went idle")
	}
	select {
	case data := <-found:
		if !bytes.Equal(data, payload) {
			t.Errorf("Discovered payload = %q, want %q", data, payload)
		}
	default:
		t.Fatal("Advertiser never discovered")
	}
}
