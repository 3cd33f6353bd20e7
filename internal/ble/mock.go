package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// MockCentral implements Central for testing without Bluetooth
// hardware. Advertisements and disconnects are injected by the test;
// connect failures can be scripted per address to drive the reconnect
// path deterministically.
type MockCentral struct {
	logger *log.Logger

	mu           sync.Mutex
	enabled      bool
	peripherals  map[string]*MockPeripheral
	connectFails map[string]int // remaining Connect errors per address
	disconnectFn func(address string)
	onHit        func(Advertisement)
	scanCancel   context.CancelFunc
	connectCount map[string]int
}

func NewMockCentral(logger *log.Logger) *MockCentral {
	if logger == nil {
		panic("MockCentral: logger cannot be nil")
	}
	return &MockCentral{
		logger:       logger,
		peripherals:  make(map[string]*MockPeripheral),
		connectFails: make(map[string]int),
		connectCount: make(map[string]int),
	}
}

// AddPeripheral registers a device the mock can connect to.
func (c *MockCentral) AddPeripheral(p *MockPeripheral) {
	p.mu.Lock()
	p.central = c
	p.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripherals[p.address] = p
}

// FailNextConnects makes the next n Connect calls for address fail.
func (c *MockCentral) FailNextConnects(address string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectFails[address] = n
}

// ConnectCount reports how many Connect attempts were made for address.
func (c *MockCentral) ConnectCount(address string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCount[address]
}

// EmitAdvertisement delivers a scan hit to an active scan.
func (c *MockCentral) EmitAdvertisement(adv Advertisement) {
	c.mu.Lock()
	onHit := c.onHit
	c.mu.Unlock()
	if onHit != nil {
		onHit(adv)
	}
}

// DropConnection simulates an unexpected link loss for address.
func (c *MockCentral) DropConnection(address string) {
	c.mu.Lock()
	p := c.peripherals[address]
	fn := c.disconnectFn
	c.mu.Unlock()

	if p != nil {
		p.setConnected(false)
	}
	if fn != nil {
		fn(address)
	}
}

// Scanning reports whether a scan is active.
func (c *MockCentral) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onHit != nil
}

func (c *MockCentral) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
	return nil
}

func (c *MockCentral) SetDisconnectHandler(fn func(address string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectFn = fn
}

func (c *MockCentral) Scan(ctx context.Context, onHit func(Advertisement)) error {
	scanCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.onHit = onHit
	c.scanCancel = cancel
	c.mu.Unlock()

	<-scanCtx.Done()

	c.mu.Lock()
	c.onHit = nil
	c.scanCancel = nil
	c.mu.Unlock()
	return nil
}

func (c *MockCentral) StopScan() error {
	c.mu.Lock()
	cancel := c.scanCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *MockCentral) Connect(address string) (Peripheral, error) {
	c.mu.Lock()
	c.connectCount[address]++
	if c.connectFails[address] > 0 {
		c.connectFails[address]--
		c.mu.Unlock()
		return nil, errors.New("mock: connect refused for " + address)
	}
	p, ok := c.peripherals[address]
	c.mu.Unlock()

	if !ok {
		return nil, errors.New("mock: no such peripheral: " + address)
	}
	p.setConnected(true)
	return p, nil
}

// Verify MockCentral implements Central
var _ Central = (*MockCentral)(nil)

// MockPeripheral implements Peripheral. Tests push notification bytes
// through PushNotification and inspect writes via Writes.
type MockPeripheral struct {
	address   string
	localName string
	central   *MockCentral

	mu            sync.RWMutex
	connected     bool
	serviceUUIDs  []string
	handlers      map[string]func([]byte)
	readValues    map[string][]byte
	writes        []MockWrite
	writeErr      error
}

// MockWrite records one characteristic write.
type MockWrite struct {
	ServiceUUID string
	CharUUID    string
	Data        []byte
}

func NewMockPeripheral(address, localName string, serviceUUIDs []string) *MockPeripheral {
	return &MockPeripheral{
		address:      address,
		localName:    localName,
		serviceUUIDs: serviceUUIDs,
		handlers:     make(map[string]func([]byte)),
		readValues:   make(map[string][]byte),
	}
}

func charKey(serviceUUID, charUUID string) string {
	return serviceUUID + "_" + charUUID
}

// SetReadValue scripts the response for a Read of the characteristic.
func (p *MockPeripheral) SetReadValue(serviceUUID, charUUID string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readValues[charKey(serviceUUID, charUUID)] = data
}

// SetWriteError makes subsequent writes fail with err.
func (p *MockPeripheral) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// PushNotification invokes the subscribed handler with buf, as a device
// notification would.
func (p *MockPeripheral) PushNotification(serviceUUID, charUUID string, buf []byte) {
	p.mu.RLock()
	handler := p.handlers[charKey(serviceUUID, charUUID)]
	p.mu.RUnlock()
	if handler != nil {
		handler(buf)
	}
}

// Writes returns all recorded characteristic writes.
func (p *MockPeripheral) Writes() []MockWrite {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]MockWrite, len(p.writes))
	copy(result, p.writes)
	return result
}

// Subscribed reports whether a handler is registered for the
// characteristic.
func (p *MockPeripheral) Subscribed(serviceUUID, charUUID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[charKey(serviceUUID, charUUID)] != nil
}

func (p *MockPeripheral) setConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
	if !connected {
		p.handlers = make(map[string]func([]byte))
	}
}

func (p *MockPeripheral) Address() string {
	return p.address
}

func (p *MockPeripheral) HasService(serviceUUID string) bool {
	for _, u := range p.serviceUUIDs {
		if u == serviceUUID {
			return true
		}
	}
	return false
}

func (p *MockPeripheral) Subscribe(serviceUUID, charUUID string, handler func(buf []byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return errors.New("mock: not connected")
	}
	p.handlers[charKey(serviceUUID, charUUID)] = handler
	return nil
}

func (p *MockPeripheral) Unsubscribe(serviceUUID, charUUID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, charKey(serviceUUID, charUUID))
	return nil
}

func (p *MockPeripheral) Read(serviceUUID, charUUID string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return nil, errors.New("mock: not connected")
	}
	data, ok := p.readValues[charKey(serviceUUID, charUUID)]
	if !ok {
		return nil, fmt.Errorf("mock: no read value for %s", charUUID)
	}
	return data, nil
}

func (p *MockPeripheral) Write(serviceUUID, charUUID string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return errors.New("mock: not connected")
	}
	if p.writeErr != nil {
		return p.writeErr
	}
	recorded := make([]byte, len(data))
	copy(recorded, data)
	p.writes = append(p.writes, MockWrite{ServiceUUID: serviceUUID, CharUUID: charUUID, Data: recorded})
	return nil
}

func (p *MockPeripheral) Disconnect() error {
	p.setConnected(false)

	// Real adapters surface every link close through the connect
	// handler, user-initiated or not. Mirror that here.
	p.mu.RLock()
	c := p.central
	p.mu.RUnlock()
	if c != nil {
		c.mu.Lock()
		fn := c.disconnectFn
		c.mu.Unlock()
		if fn != nil {
			fn(p.address)
		}
	}
	return nil
}

// Verify MockPeripheral implements Peripheral
var _ Peripheral = (*MockPeripheral)(nil)
