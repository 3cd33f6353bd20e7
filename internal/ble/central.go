package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/tkarls/ergdrive/internal/safemap"

	"tinygo.org/x/bluetooth"
)

// Advertisement is one scan hit from a nearby peripheral.
type Advertisement struct {
	Address      string
	LocalName    string
	RSSI         int16
	ServiceUUIDs []string
}

// Central is the BLE transport surface the sensor layer talks to. The
// concrete implementation wraps tinygo's bluetooth adapter; tests use
// MockCentral.
type Central interface {
	Enable() error
	Scan(ctx context.Context, onHit func(Advertisement)) error
	StopScan() error
	Connect(address string) (Peripheral, error)
	SetDisconnectHandler(fn func(address string))
}

// Peripheral is one connected device. Characteristic operations are
// addressed by service and characteristic UUID strings.
type Peripheral interface {
	Address() string
	HasService(serviceUUID string) bool
	Subscribe(serviceUUID, charUUID string, handler func(buf []byte)) error
	Unsubscribe(serviceUUID, charUUID string) error
	Read(serviceUUID, charUUID string) ([]byte, error)
	Write(serviceUUID, charUUID string, data []byte) error
	Disconnect() error
}

// Verify central implements Central
var _ Central = (*central)(nil)

type central struct {
	adapter      *bluetooth.Adapter
	logger       *log.Logger
	mu           sync.RWMutex
	disconnectFn func(address string)

	// scan results keep the platform-specific address value we need to
	// hand back to the adapter on Connect
	knownAddrs *safemap.SafeMap[string, bluetooth.Address]
	connected  *safemap.SafeMap[string, *peripheral]
}

// NewCentral wraps a bluetooth adapter. Enable must be called before
// any other operation.
func NewCentral(adapter *bluetooth.Adapter, logger *log.Logger) Central {
	if logger == nil {
		panic("ble: logger cannot be nil")
	}
	return &central{
		adapter:    adapter,
		logger:     logger,
		knownAddrs: safemap.New[string, bluetooth.Address](),
		connected:  safemap.New[string, *peripheral](),
	}
}

func (c *central) Enable() error {
	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := device.Address.String()
		if connected {
			c.logger.Printf("ble: device connected: %s", addr)
			return
		}
		c.logger.Printf("ble: device disconnected: %s", addr)
		c.connected.Delete(addr)

		c.mu.RLock()
		fn := c.disconnectFn
		c.mu.RUnlock()
		if fn != nil {
			fn(addr)
		}
	})
	return c.adapter.Enable()
}

func (c *central) SetDisconnectHandler(fn func(address string)) {
	c.mu.Lock()
	c.disconnectFn = fn
	c.mu.Unlock()
}

// Scan runs the adapter scan until ctx is cancelled, invoking onHit for
// every advertisement. Blocks for the duration of the scan, so callers
// run it in a goroutine.
func (c *central) Scan(ctx context.Context, onHit func(Advertisement)) error {
	go func() {
		<-ctx.Done()
		if err := c.adapter.StopScan(); err != nil {
			c.logger.Printf("ble: error stopping scan: %v", err)
		}
	}()

	return c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		select {
		case <-ctx.Done():
			// the StopScan above ends the adapter loop, just drop the hit
			return
		default:
		}

		addr := result.Address.String()
		c.knownAddrs.Store(addr, result.Address)

		uuids := make([]string, 0)
		for _, u := range result.ServiceUUIDs() {
			uuids = append(uuids, u.String())
		}

		onHit(Advertisement{
			Address:      addr,
			LocalName:    result.LocalName(),
			RSSI:         result.RSSI,
			ServiceUUIDs: uuids,
		})
	})
}

func (c *central) StopScan() error {
	return c.adapter.StopScan()
}

func (c *central) Connect(address string) (Peripheral, error) {
	if p, ok := c.connected.Load(address); ok {
		return p, nil
	}

	btAddr, ok := c.knownAddrs.Load(address)
	if !ok {
		return nil, errors.New("ble: address never seen in a scan: " + address)
	}

	c.logger.Printf("ble: connecting to %s", address)
	device, err := c.adapter.Connect(btAddr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("ble: connect %s: %w", address, err)
	}

	p := newPeripheral(c.logger, address, device)
	c.connected.Store(address, p)
	c.logger.Printf("ble: connected to %s", address)
	return p, nil
}
