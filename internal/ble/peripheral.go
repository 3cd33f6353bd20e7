package ble

import (
	"fmt"
	"log"
	"sync"

	"github.com/tkarls/ergdrive/internal/safemap"

	"tinygo.org/x/bluetooth"
)

// Verify peripheral implements Peripheral
var _ Peripheral = (*peripheral)(nil)

type peripheral struct {
	logger  *log.Logger
	address string
	device  bluetooth.Device

	bleMu sync.Mutex // serializes GATT operations on this device

	serviceByUUID          *safemap.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUUID   *safemap.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safemap.SafeMap[string, bool]
	allServicesDiscovered  bool
}

func newPeripheral(logger *log.Logger, address string, device bluetooth.Device) *peripheral {
	return &peripheral{
		logger:                 logger,
		address:                address,
		device:                 device,
		serviceByUUID:          safemap.New[string, *bluetooth.DeviceService](),
		characteristicByUUID:   safemap.New[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safemap.New[string, bool](),
	}
}

func (p *peripheral) Address() string {
	return p.address
}

func (p *peripheral) HasService(serviceUUID string) bool {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	if err := p.discoverAllServices(); err != nil {
		p.logger.Printf("ble: service discovery failed on %s: %v", p.address, err)
		return false
	}
	_, ok := p.serviceByUUID.Load(serviceUUID)
	return ok
}

func (p *peripheral) Subscribe(serviceUUID, charUUID string, handler func(buf []byte)) error {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	char, err := p.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(handler); err != nil {
		return fmt.Errorf("ble: enable notifications on %s: %w", charUUID, err)
	}
	return nil
}

func (p *peripheral) Unsubscribe(serviceUUID, charUUID string) error {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	char, err := p.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	// nil handler disables notifications
	if err := char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("ble: disable notifications on %s: %w", charUUID, err)
	}
	return nil
}

func (p *peripheral) Read(serviceUUID, charUUID string) ([]byte, error) {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	char, err := p.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("ble: read %s: %w", charUUID, err)
	}
	return buf[:n], nil
}

func (p *peripheral) Write(serviceUUID, charUUID string, data []byte) error {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	char, err := p.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	// WriteWithoutResponse is the one write the linux backend exposes
	if _, err := char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("ble: write %s: %w", charUUID, err)
	}
	return nil
}

func (p *peripheral) Disconnect() error {
	return p.device.Disconnect()
}

// discoverAllServices discovers and caches every service in one pass.
// Discovering services one at a time can interrupt operation of a
// service already in use, so all are fetched on the first need.
// Caller must hold bleMu.
func (p *peripheral) discoverAllServices() error {
	if p.allServicesDiscovered {
		return nil
	}

	p.logger.Printf("ble: discovering services on %s", p.address)
	services, err := p.device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("ble: discover services: %w", err)
	}
	for i := range services {
		svc := &services[i]
		p.serviceByUUID.Store(svc.UUID().String(), svc)
	}
	p.allServicesDiscovered = true
	return nil
}

// characteristic resolves a characteristic, discovering and caching a
// service's full characteristic set on first access.
// Caller must hold bleMu.
func (p *peripheral) characteristic(serviceUUID, charUUID string) (*bluetooth.DeviceCharacteristic, error) {
	key := serviceUUID + "_" + charUUID
	if char, ok := p.characteristicByUUID.Load(key); ok {
		return char, nil
	}

	if discovered, _ := p.serviceCharsDiscovered.Load(serviceUUID); !discovered {
		if err := p.discoverAllServices(); err != nil {
			return nil, err
		}
		svc, ok := p.serviceByUUID.Load(serviceUUID)
		if !ok {
			return nil, fmt.Errorf("ble: service %s not found on %s", serviceUUID, p.address)
		}

		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics for %s: %w", serviceUUID, err)
		}
		for i := range chars {
			char := &chars[i]
			p.characteristicByUUID.Store(serviceUUID+"_"+char.UUID().String(), char)
		}
		p.serviceCharsDiscovered.Store(serviceUUID, true)
	}

	char, ok := p.characteristicByUUID.Load(key)
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not found in service %s", charUUID, serviceUUID)
	}
	return char, nil
}
