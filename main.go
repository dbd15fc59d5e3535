package main

import (
	"fmt"
	"os"
	"time"

	"github.com/user/copresence-ble/ble"
	"github.com/user/copresence-ble/config"
	"github.com/user/copresence-ble/logger"
	"github.com/user/copresence-ble/wire"
)

func main() {
	fmt.Println("=== BLE Copresence Discovery Demo ===")
	fmt.Println()

	cfg := config.Default()
	if len(os.Args) > 1 {
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			fmt.Printf("❌ Could not load config %s: %v\n", os.Args[1], err)
			os.Exit(1)
		}
		cfg = loaded
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	env := wire.NewEnvironment()
	env.SetAdvertiseInterval(cfg.Wire.AdvertiseInterval)

	advertiserDev, err := env.NewDevice("aa:bb:cc:dd:ee:01")
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	scannerDev, err := env.NewDevice("aa:bb:cc:dd:ee:02")
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	opts := &ble.Options{
		PeripheralLostTimeout: cfg.Medium.PeripheralLostTimeout,
		LostSweepInterval:     cfg.Medium.LostSweepInterval,
	}
	advertiser := ble.NewMedium(advertiserDev, advertiserDev, opts)
	scanner := ble.NewMedium(scannerDev, scannerDev, opts)
	defer advertiser.Close()
	defer scanner.Close()

	const serviceID = "com.example.copresence.demo"

	found := make(chan string, 8)
	lost := make(chan string, 8)
	callback := ble.DiscoveredPeripheralCallback{
		OnPeripheralDiscovered: func(peripheral ble.Peripheral, svc string, advertisement []byte, fast bool) {
			found <- fmt.Sprintf("%s (service %s, %d bytes, fast=%v)",
				peripheral.Address(), svc, len(advertisement), fast)
		},
		OnPeripheralLost: func(peripheral ble.Peripheral, svc string) {
			lost <- fmt.Sprintf("%s (service %s)", peripheral.Address(), svc)
		},
	}

	fmt.Println("Scenario 1: advertise over a GATT slot, discover on the scanner")
	if !scanner.StartScanning(serviceID, ble.PowerLevelHigh, callback, "") {
		fmt.Println("❌ Scanner failed to start")
		os.Exit(1)
	}
	if !advertiser.StartAdvertising(serviceID, []byte("hello copresence"), ble.PowerLevelHigh, "") {
		fmt.Println("❌ Advertiser failed to start")
		os.Exit(1)
	}

	select {
	case who := <-found:
		fmt.Printf("  ✅ Discovered %s\n", who)
	case <-time.After(5 * time.Second):
		fmt.Println("  ❌ No discovery within 5s")
		os.Exit(1)
	}
	fmt.Println()

	fmt.Println("Scenario 2: stop advertising, wait for the lost sweep")
	advertiser.StopAdvertising(serviceID)
	select {
	case who := <-lost:
		fmt.Printf("  ✅ Lost %s\n", who)
	case <-time.After(cfg.Medium.PeripheralLostTimeout + 2*cfg.Medium.LostSweepInterval + 2*time.Second):
		fmt.Println("  ❌ Peripheral never reported lost")
		os.Exit(1)
	}
	scanner.StopScanning(serviceID)
	fmt.Println()

	fmt.Println("Scenario 3: fast advertisement rides in the scan response")
	const fastUUID = "0000fe2c-0000-1000-8000-00805f9b34fb"
	if !scanner.StartScanning(serviceID, ble.PowerLevelHigh, callback, fastUUID) {
		fmt.Println("❌ Scanner failed to start")
		os.Exit(1)
	}
	if !advertiser.StartAdvertising(serviceID, []byte("fast path"), ble.PowerLevelHigh, fastUUID) {
		fmt.Println("❌ Advertiser failed to start")
		os.Exit(1)
	}
	select {
	case who := <-found:
		fmt.Printf("  ✅ Discovered %s\n", who)
	case <-time.After(5 * time.Second):
		fmt.Println("  ❌ No fast discovery within 5s")
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Demo complete.")
}
