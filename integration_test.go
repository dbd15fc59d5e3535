package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/user/copresence-ble/ble"
	"github.com/user/copresence-ble/wire"
)

type discovery struct {
	peripheral string
	serviceID  string
	data       []byte
	fast       bool
}

type testNode struct {
	device *wire.Device
	medium *ble.Medium
}

func newTestNode(t *testing.T, env *wire.Environment, address string) *testNode {
	t.Helper()
	device, err := env.NewDevice(address)
	if err != nil {
		t.Fatalf("NewDevice(%s) failed: %v", address, err)
	}
	medium := ble.NewMedium(device, device, &ble.Options{
		PeripheralLostTimeout: 500 * time.Millisecond,
		LostSweepInterval:     100 * time.Millisecond,
	})
	t.Cleanup(medium.Close)
	return &testNode{device: device, medium: medium}
}

func newTestPair(t *testing.T) (*testNode, *testNode) {
	t.Helper()
	env := wire.NewEnvironment()
	env.SetAdvertiseInterval(20 * time.Millisecond)
	return newTestNode(t, env, "aa:bb:cc:dd:ee:01"), newTestNode(t, env, "aa:bb:cc:dd:ee:02")
}

func discoveryCallback(found chan discovery, lost chan discovery) ble.DiscoveredPeripheralCallback {
	return ble.DiscoveredPeripheralCallback{
		OnPeripheralDiscovered: func(peripheral ble.Peripheral, serviceID string, data []byte, fast bool) {
			found <- discovery{peripheral.Address(), serviceID, data, fast}
		},
		OnPeripheralLost: func(peripheral ble.Peripheral, serviceID string) {
			lost <- discovery{peripheral: peripheral.Address(), serviceID: serviceID}
		},
	}
}

func TestDiscoverRegularAdvertisement(t *testing.T) {
	advertiser, scanner := newTestPair(t)
	const serviceID = "com.example.integration.regular"
	payload := []byte("ten bytes!")

	found := make(chan discovery, 16)
	lost := make(chan discovery, 16)
	if !scanner.medium.StartScanning(serviceID, ble.PowerLevelHigh, discoveryCallback(found, lost), "") {
		t.Fatal("StartScanning failed")
	}
	if !advertiser.medium.StartAdvertising(serviceID, payload, ble.PowerLevelHigh, "") {
		t.Fatal("StartAdvertising failed")
	}

	select {
	case got := <-found:
		if got.peripheral != "aa:bb:cc:dd:ee:01" || got.serviceID != serviceID || got.fast {
			t.Errorf("Unexpected discovery: %+v", got)
		}
		if !bytes.Equal(got.data, payload) {
			t.Errorf("Discovered payload = %q, want %q", got.data, payload)
		}
		t.Logf("✅ Discovered %s with %d bytes", got.peripheral, len(got.data))
	case <-time.After(5 * time.Second):
		t.Fatal("No discovery within 5s")
	}

	// Re-broadcasts of the unchanged advertisement must not re-fire.
	select {
	case got := <-found:
		t.Fatalf("Duplicate discovery: %+v", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDiscoverFastAdvertisement(t *testing.T) {
	advertiser, scanner := newTestPair(t)
	const serviceID = "com.example.integration.fast"
	const fastUUID = "0000fe2c-0000-1000-8000-00805f9b34fb"
	payload := []byte("fast payload")

	found := make(chan discovery, 16)
	lost := make(chan discovery, 16)
	if !scanner.medium.StartScanning(serviceID, ble.PowerLevelHigh, discoveryCallback(found, lost), fastUUID) {
		t.Fatal("StartScanning failed")
	}
	if !advertiser.medium.StartAdvertising(serviceID, payload, ble.PowerLevelHigh, fastUUID) {
		t.Fatal("StartAdvertising failed")
	}

	select {
	case got := <-found:
		if !got.fast {
			t.Error("Fast advertisement discovered as regular")
		}
		if !bytes.Equal(got.data, payload) {
			t.Errorf("Discovered payload = %q, want %q", got.data, payload)
		}
		t.Logf("✅ Fast discovery of %s", got.peripheral)
	case <-time.After(5 * time.Second):
		t.Fatal("No fast discovery within 5s")
	}
}

func TestPeripheralLostAfterStopAdvertising(t *testing.T) {
	advertiser, scanner := newTestPair(t)
	const serviceID = "com.example.integration.lost"

	found := make(chan discovery, 16)
	lost := make(chan discovery, 16)
	if !scanner.medium.StartScanning(serviceID, ble.PowerLevelHigh, discoveryCallback(found, lost), "") {
		t.Fatal("StartScanning failed")
	}
	if !advertiser.medium.StartAdvertising(serviceID, []byte("present"), ble.PowerLevelHigh, "") {
		t.Fatal("StartAdvertising failed")
	}

	select {
	case <-found:
	case <-time.After(5 * time.Second):
		t.Fatal("No discovery within 5s")
	}

	if !advertiser.medium.StopAdvertising(serviceID) {
		t.Fatal("StopAdvertising failed")
	}

	select {
	case got := <-lost:
		if got.peripheral != "aa:bb:cc:dd:ee:01" || got.serviceID != serviceID {
			t.Errorf("Unexpected lost event: %+v", got)
		}
		t.Logf("✅ Lost %s after advertising stopped", got.peripheral)
	case <-time.After(5 * time.Second):
		t.Fatal("Peripheral never reported lost")
	}
}

func TestTwoServicesShareOnePlatformScan(t *testing.T) {
	advertiser, scanner := newTestPair(t)
	const serviceA = "com.example.integration.multi.a"
	const serviceB = "com.example.integration.multi.b"

	found := make(chan discovery, 16)
	lost := make(chan discovery, 16)
	callback := discoveryCallback(found, lost)
	if !scanner.medium.StartScanning(serviceA, ble.PowerLevelHigh, callback, "") {
		t.Fatal("StartScanning A failed")
	}
	if !scanner.medium.StartScanning(serviceB, ble.PowerLevelHigh, callback, "") {
		t.Fatal("StartScanning B failed")
	}
	if got := scanner.device.ScanStartCount(); got != 1 {
		t.Errorf("Platform scan starts = %d, want 1", got)
	}

	if !advertiser.medium.StartAdvertising(serviceA, []byte("payload a"), ble.PowerLevelHigh, "") {
		t.Fatal("StartAdvertising A failed")
	}
	if !advertiser.medium.StartAdvertising(serviceB, []byte("payload b"), ble.PowerLevelHigh, "") {
		t.Fatal("StartAdvertising B failed")
	}

	discovered := make(map[string][]byte)
	deadline := time.After(5 * time.Second)
	for len(discovered) < 2 {
		select {
		case got := <-found:
			discovered[got.serviceID] = got.data
		case <-deadline:
			t.Fatalf("Only discovered %d of 2 services", len(discovered))
		}
	}
	if !bytes.Equal(discovered[serviceA], []byte("payload a")) {
		t.Errorf("Service A payload = %q", discovered[serviceA])
	}
	if !bytes.Equal(discovered[serviceB], []byte("payload b")) {
		t.Errorf("Service B payload = %q", discovered[serviceB])
	}
	t.Logf("✅ Both services discovered over a single platform scan")
}

func TestRotatedAdvertisementRediscovered(t *testing.T) {
	advertiser, scanner := newTestPair(t)
	const serviceID = "com.example.integration.rotate"

	found := make(chan discovery, 16)
	lost := make(chan discovery, 16)
	if !scanner.medium.StartScanning(serviceID, ble.PowerLevelHigh, discoveryCallback(found, lost), "") {
		t.Fatal("StartScanning failed")
	}
	if !advertiser.medium.StartAdvertising(serviceID, []byte("first"), ble.PowerLevelHigh, "") {
		t.Fatal("StartAdvertising failed")
	}

	select {
	case <-found:
	case <-time.After(5 * time.Second):
		t.Fatal("No initial discovery")
	}

	// Rotate the advertisement: stop and restart with new bytes.
	if !advertiser.medium.StopAdvertising(serviceID) {
		t.Fatal("StopAdvertising failed")
	}
	if !advertiser.medium.StartAdvertising(serviceID, []byte("second"), ble.PowerLevelHigh, "") {
		t.Fatal("Restart failed")
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-found:
			if bytes.Equal(got.data, []byte("second")) {
				t.Logf("✅ Rotated advertisement rediscovered")
				return
			}
		case <-deadline:
			t.Fatal("Rotated advertisement never discovered")
		}
	}
}
