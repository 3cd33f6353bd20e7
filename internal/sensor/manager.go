package sensor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tkarls/ergdrive/internal/ble"
	"github.com/tkarls/ergdrive/internal/events"
	"github.com/tkarls/ergdrive/internal/protocol"
	"github.com/tkarls/ergdrive/internal/safego"
)

// Config tunes discovery and reconnect behavior.
type Config struct {
	ScanTimeout       time.Duration // discovery auto-stops after this
	ReconnectAttempts int           // retries after an unexpected drop
	ReconnectBackoff  time.Duration // base delay, multiplied per attempt
}

// DefaultConfig matches the documented policy: 30 s discovery window,
// 3 reconnect attempts with growing backoff.
func DefaultConfig() Config {
	return Config{
		ScanTimeout:       30 * time.Second,
		ReconnectAttempts: 3,
		ReconnectBackoff:  2 * time.Second,
	}
}

// entry is one registry slot. All mutation happens under Manager.mu;
// reconnect bookkeeping lives here so tests can drive retries through
// the registry instead of racing free-running timers.
type entry struct {
	sensor     Sensor
	peripheral ble.Peripheral

	userClosed      bool
	retries         int
	reconnectCancel context.CancelFunc

	// previous crank sample for cadence derivation
	hasCrank  bool
	lastCrank protocol.CrankSample
}

// Manager owns the sensor registry: discovery, connection lifecycle,
// reconnection policy, and the routing of raw notification bytes
// through the protocol adapters onto the event channel. No other
// component mutates connection state.
type Manager struct {
	central ble.Central
	logger  *log.Logger
	cfg     Config
	events  *events.Channel[Event]

	mu      sync.RWMutex
	entries map[string]*entry

	scanCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(central ble.Central, logger *log.Logger, cfg Config) *Manager {
	if central == nil {
		panic("Manager: central cannot be nil")
	}
	if logger == nil {
		panic("Manager: logger cannot be nil")
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultConfig().ScanTimeout
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultConfig().ReconnectAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		central: central,
		logger:  logger,
		cfg:     cfg,
		events:  events.NewChannel[Event](false),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	central.SetDisconnectHandler(m.handleDrop)
	return m
}

// SubscribeEvents registers ch to receive sensor events. Returns the
// unsubscribe function.
func (m *Manager) SubscribeEvents(ch chan<- Event) func() {
	return m.events.Subscribe(ch)
}

// StartDiscovery scans for devices of the given types (all known types
// when none are given). The scan cancels itself after the configured
// timeout. A repeated advertisement refreshes LastSeen without
// re-emitting DeviceDiscovered.
func (m *Manager) StartDiscovery(types ...DeviceType) {
	filter := ServiceUUIDsFor(types...)
	filterSet := make(map[string]struct{}, len(filter))
	for _, u := range filter {
		filterSet[u] = struct{}{}
	}

	m.mu.Lock()
	if m.scanCancel != nil {
		m.logger.Printf("sensor: scan already running, restarting")
		m.scanCancel()
	}
	scanCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ScanTimeout)
	m.scanCancel = cancel
	m.mu.Unlock()

	m.logger.Printf("sensor: starting discovery (%d service filter entries, timeout %v)", len(filter), m.cfg.ScanTimeout)

	m.wg.Add(1)
	safego.Go(m.logger, func() {
		defer m.wg.Done()
		defer cancel()
		err := m.central.Scan(scanCtx, func(adv ble.Advertisement) {
			m.handleAdvertisement(adv, filterSet)
		})
		if err != nil {
			m.logger.Printf("sensor: scan error: %v", err)
		}
	})
}

// StopDiscovery cancels an active scan.
func (m *Manager) StopDiscovery() {
	m.mu.Lock()
	cancel := m.scanCancel
	m.scanCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) handleAdvertisement(adv ble.Advertisement, filterSet map[string]struct{}) {
	match := false
	for _, u := range adv.ServiceUUIDs {
		if _, ok := filterSet[u]; ok {
			match = true
			break
		}
	}
	if !match {
		return
	}

	devType, ok := classify(adv.ServiceUUIDs)
	if !ok {
		return
	}

	name := adv.LocalName
	if name == "" {
		name = "Unknown"
	}
	now := time.Now()

	m.mu.Lock()
	e, known := m.entries[adv.Address]
	if known {
		e.sensor.LastSeen = now
		e.sensor.RSSI = adv.RSSI
		if e.sensor.Name == "Unknown" && adv.LocalName != "" {
			e.sensor.Name = adv.LocalName
		}
		m.mu.Unlock()
		return
	}

	e = &entry{
		sensor: Sensor{
			ID:             adv.Address,
			Name:           name,
			Type:           devType,
			Transport:      TransportBLE,
			Status:         StatusDisconnected,
			LastSeen:       now,
			RSSI:           adv.RSSI,
			BatteryPercent: -1,
		},
	}
	m.entries[adv.Address] = e
	snapshot := e.sensor
	m.mu.Unlock()

	m.logger.Printf("sensor: discovered %s (%s) type=%s rssi=%d", name, adv.Address, devType, adv.RSSI)
	m.events.Publish(Event{Kind: EventDeviceDiscovered, DeviceID: adv.Address, Sensor: snapshot})
}

// Connect opens the device, subscribes to its data characteristics and
// begins forwarding decoded readings through the event channel.
func (m *Manager) Connect(deviceID string) error {
	m.mu.Lock()
	e, ok := m.entries[deviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if e.peripheral != nil {
		m.mu.Unlock()
		return nil // at most one live connection per device id
	}
	e.sensor.Status = StatusConnecting
	e.userClosed = false
	e.retries = 0
	m.mu.Unlock()

	p, err := m.central.Connect(deviceID)
	if err != nil {
		m.mu.Lock()
		e.sensor.Status = StatusDisconnected
		m.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrConnectionFailed, deviceID, err)
	}

	if err := m.openStreams(e, p); err != nil {
		_ = p.Disconnect()
		m.mu.Lock()
		e.sensor.Status = StatusDisconnected
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	e.peripheral = p
	e.sensor.Status = StatusConnected
	e.hasCrank = false
	snapshot := e.sensor
	m.mu.Unlock()

	m.logger.Printf("sensor: connected %s", deviceID)
	m.events.Publish(Event{Kind: EventDeviceConnected, DeviceID: deviceID, Sensor: snapshot})
	return nil
}

// openStreams subscribes to every data characteristic the device
// advertises and reads the battery level when the service is present.
func (m *Manager) openStreams(e *entry, p ble.Peripheral) error {
	deviceID := p.Address()
	subscribed := 0

	type stream struct {
		service string
		char    string
		handler func(buf []byte)
	}
	streams := []stream{
		{protocol.ServiceUUIDFitnessMachine, protocol.CharUUIDIndoorBikeData, func(buf []byte) {
			m.handleIndoorBikeData(deviceID, buf)
		}},
		{protocol.ServiceUUIDCyclingPower, protocol.CharUUIDCyclingPowerMeasurement, func(buf []byte) {
			m.handleCyclingPower(deviceID, buf)
		}},
		{protocol.ServiceUUIDHeartRate, protocol.CharUUIDHeartRateMeasurement, func(buf []byte) {
			m.handleHeartRate(deviceID, buf)
		}},
		{protocol.ServiceUUIDCyclingSpeedCadence, protocol.CharUUIDCSCMeasurement, func(buf []byte) {
			m.handleCSC(deviceID, buf)
		}},
	}

	for _, s := range streams {
		if !p.HasService(s.service) {
			continue
		}
		if err := p.Subscribe(s.service, s.char, s.handler); err != nil {
			return fmt.Errorf("%w: subscribe %s on %s: %v", ErrConnectionFailed, s.char, deviceID, err)
		}
		subscribed++
	}
	if subscribed == 0 {
		return fmt.Errorf("%w: no supported data characteristics on %s", ErrConnectionFailed, deviceID)
	}

	if p.HasService(protocol.ServiceUUIDBattery) {
		if buf, err := p.Read(protocol.ServiceUUIDBattery, protocol.CharUUIDBatteryLevel); err == nil && len(buf) >= 1 {
			m.mu.Lock()
			e.sensor.BatteryPercent = int(buf[0])
			m.mu.Unlock()
		} else if err != nil {
			m.logger.Printf("sensor: battery read failed on %s: %v", deviceID, err)
		}
	}

	return nil
}

// Disconnect is a user-initiated close: it never triggers the
// reconnect policy and cancels any reconnect already in flight.
func (m *Manager) Disconnect(deviceID string) error {
	m.mu.Lock()
	e, ok := m.entries[deviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	e.userClosed = true
	if e.reconnectCancel != nil {
		e.reconnectCancel()
		e.reconnectCancel = nil
	}
	p := e.peripheral
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	m.logger.Printf("sensor: disconnecting %s (user)", deviceID)
	return p.Disconnect()
}

// WriteControl writes command bytes to the device's FTMS control point
// on behalf of the control dispatcher.
func (m *Manager) WriteControl(deviceID string, command []byte) error {
	m.mu.RLock()
	e, ok := m.entries[deviceID]
	var p ble.Peripheral
	if ok {
		p = e.peripheral
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if p == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotOpen, deviceID)
	}
	return p.Write(protocol.ServiceUUIDFitnessMachine, protocol.CharUUIDFTMSControlPoint, command)
}

// IsOpen reports whether the device currently has a live connection.
func (m *Manager) IsOpen(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[deviceID]
	return ok && e.peripheral != nil
}

// Sensors returns a snapshot of the registry.
func (m *Manager) Sensors() []Sensor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Sensor, 0, len(m.entries))
	for _, e := range m.entries {
		result = append(result, e.sensor)
	}
	return result
}

// Sensor returns the registry snapshot for one device.
func (m *Manager) Sensor(deviceID string) (Sensor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[deviceID]
	if !ok {
		return Sensor{}, false
	}
	return e.sensor, true
}

// Shutdown disconnects everything and stops background work.
func (m *Manager) Shutdown() {
	m.logger.Printf("sensor: shutting down")
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if e.peripheral != nil {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Disconnect(id); err != nil {
			m.logger.Printf("sensor: shutdown disconnect %s: %v", id, err)
		}
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Printf("sensor: shutdown complete")
}

// handleDrop runs when the transport reports a link loss. A user-closed
// device just goes quiet; anything else enters the reconnect policy.
func (m *Manager) handleDrop(deviceID string) {
	m.mu.Lock()
	e, ok := m.entries[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.peripheral = nil
	userClosed := e.userClosed
	if userClosed {
		e.sensor.Status = StatusDisconnected
	} else {
		e.sensor.Status = StatusReconnecting
		e.retries = 0
	}
	snapshot := e.sensor
	var reconnectCtx context.Context
	if !userClosed {
		reconnectCtx, e.reconnectCancel = context.WithCancel(m.ctx)
	}
	m.mu.Unlock()

	m.events.Publish(Event{Kind: EventDeviceDisconnected, DeviceID: deviceID, Sensor: snapshot})

	if userClosed {
		m.logger.Printf("sensor: %s closed by user", deviceID)
		return
	}

	m.logger.Printf("sensor: %s dropped unexpectedly, starting reconnect", deviceID)
	m.wg.Add(1)
	safego.Go(m.logger, func() {
		defer m.wg.Done()
		m.reconnect(reconnectCtx, e, deviceID)
	})
}

// reconnect retries the connection with per-attempt backoff. The retry
// counter lives on the registry entry so the policy is observable and
// test-drivable.
func (m *Manager) reconnect(ctx context.Context, e *entry, deviceID string) {
	for {
		m.mu.Lock()
		if e.retries >= m.cfg.ReconnectAttempts {
			e.sensor.Status = StatusDisconnected
			e.reconnectCancel = nil
			snapshot := e.sensor
			m.mu.Unlock()
			m.logger.Printf("sensor: %s reconnect attempts exhausted", deviceID)
			m.events.Publish(Event{Kind: EventConnectionLost, DeviceID: deviceID, Sensor: snapshot})
			return
		}
		e.retries++
		attempt := e.retries
		m.mu.Unlock()

		delay := time.Duration(attempt) * m.cfg.ReconnectBackoff
		m.logger.Printf("sensor: reconnect %s attempt %d/%d in %v", deviceID, attempt, m.cfg.ReconnectAttempts, delay)

		select {
		case <-ctx.Done():
			m.logger.Printf("sensor: reconnect %s cancelled", deviceID)
			return
		case <-time.After(delay):
		}

		p, err := m.central.Connect(deviceID)
		if err != nil {
			m.logger.Printf("sensor: reconnect %s attempt %d failed: %v", deviceID, attempt, err)
			continue
		}
		if err := m.openStreams(e, p); err != nil {
			m.logger.Printf("sensor: reconnect %s resubscribe failed: %v", deviceID, err)
			_ = p.Disconnect()
			continue
		}

		m.mu.Lock()
		e.peripheral = p
		e.sensor.Status = StatusConnected
		e.hasCrank = false
		e.reconnectCancel = nil
		snapshot := e.sensor
		m.mu.Unlock()

		m.logger.Printf("sensor: reconnected %s after %d attempt(s)", deviceID, attempt)
		m.events.Publish(Event{Kind: EventDeviceConnected, DeviceID: deviceID, Sensor: snapshot})
		return
	}
}

// --- notification routing ---

func (m *Manager) handleIndoorBikeData(deviceID string, buf []byte) {
	r, err := protocol.DecodeIndoorBikeData(buf, time.Now())
	if err != nil {
		m.publishDecodeError(deviceID, err)
		return
	}
	m.publishReading(deviceID, r)
}

func (m *Manager) handleCyclingPower(deviceID string, buf []byte) {
	pm, err := protocol.DecodeCyclingPower(buf, time.Now())
	if err != nil {
		m.publishDecodeError(deviceID, err)
		return
	}
	r := pm.Reading
	if pm.HasCrank {
		if rpm, ok := m.deriveCadence(deviceID, pm.Crank); ok {
			r.HasCadence = true
			r.CadenceRPM = rpm
		}
	}
	m.publishReading(deviceID, r)
}

func (m *Manager) handleHeartRate(deviceID string, buf []byte) {
	r, err := protocol.DecodeHeartRate(buf, time.Now())
	if err != nil {
		m.publishDecodeError(deviceID, err)
		return
	}
	m.publishReading(deviceID, r)
}

func (m *Manager) handleCSC(deviceID string, buf []byte) {
	msm, err := protocol.DecodeCSC(buf)
	if err != nil {
		m.publishDecodeError(deviceID, err)
		return
	}
	if !msm.HasCrank {
		return
	}
	rpm, ok := m.deriveCadence(deviceID, msm.Crank)
	if !ok {
		return
	}
	m.publishReading(deviceID, protocol.Reading{
		Timestamp:  time.Now(),
		HasCadence: true,
		CadenceRPM: rpm,
	})
}

// deriveCadence turns consecutive crank samples into rpm. The first
// sample after (re)connect only primes the state.
func (m *Manager) deriveCadence(deviceID string, curr protocol.CrankSample) (float64, bool) {
	m.mu.Lock()
	e, ok := m.entries[deviceID]
	if !ok {
		m.mu.Unlock()
		return 0, false
	}
	prev := e.lastCrank
	primed := e.hasCrank
	e.lastCrank = curr
	e.hasCrank = true
	m.mu.Unlock()

	if !primed {
		return 0, false
	}
	return protocol.CrankCadence(prev, curr)
}

func (m *Manager) publishReading(deviceID string, r protocol.Reading) {
	if r.Empty() {
		return
	}
	m.mu.Lock()
	if e, ok := m.entries[deviceID]; ok {
		e.sensor.LastSeen = r.Timestamp
	}
	m.mu.Unlock()
	m.events.Publish(Event{Kind: EventDataReceived, DeviceID: deviceID, Reading: r})
}

func (m *Manager) publishDecodeError(deviceID string, err error) {
	// rejected per-message; the connection stays up
	m.logger.Printf("sensor: decode error from %s: %v", deviceID, err)
	m.events.Publish(Event{Kind: EventError, DeviceID: deviceID, Err: err})
}
