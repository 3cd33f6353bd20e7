package sensor

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarls/ergdrive/internal/ble"
	"github.com/tkarls/ergdrive/internal/protocol"
)

const trainerAddr = "AA:BB:CC:DD:EE:01"

func newTestManager(t *testing.T) (*Manager, *ble.MockCentral, chan Event) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	central := ble.NewMockCentral(logger)
	m := NewManager(central, logger, Config{
		ScanTimeout:       time.Second,
		ReconnectAttempts: 3,
		ReconnectBackoff:  5 * time.Millisecond,
	})
	ch := make(chan Event, 64)
	unsubscribe := m.SubscribeEvents(ch)
	t.Cleanup(func() {
		unsubscribe()
		m.Shutdown()
	})
	return m, central, ch
}

func newTrainer() *ble.MockPeripheral {
	return ble.NewMockPeripheral(trainerAddr, "KICKR CORE", []string{
		protocol.ServiceUUIDFitnessMachine,
		protocol.ServiceUUIDBattery,
	})
}

// waitEvent pulls events until one of the wanted kind arrives.
func waitEvent(t *testing.T, ch chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func assertNoEvent(t *testing.T, ch chan Event, kind EventKind, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				t.Fatalf("unexpected %s event for %s", kind, ev.DeviceID)
			}
		case <-deadline:
			return
		}
	}
}

func waitScanning(t *testing.T, central *ble.MockCentral) {
	t.Helper()
	require.Eventually(t, central.Scanning, time.Second, time.Millisecond)
}

func discoverTrainer(t *testing.T, m *Manager, central *ble.MockCentral, ch chan Event) {
	t.Helper()
	m.StartDiscovery(DeviceTrainer)
	waitScanning(t, central)
	central.EmitAdvertisement(ble.Advertisement{
		Address:      trainerAddr,
		LocalName:    "KICKR CORE",
		RSSI:         -60,
		ServiceUUIDs: []string{protocol.ServiceUUIDFitnessMachine},
	})
	waitEvent(t, ch, EventDeviceDiscovered)
	m.StopDiscovery()
}

func TestDiscoveryEmitsOncePerDevice(t *testing.T) {
	m, central, ch := newTestManager(t)

	m.StartDiscovery(DeviceTrainer)
	waitScanning(t, central)

	adv := ble.Advertisement{
		Address:      trainerAddr,
		LocalName:    "KICKR CORE",
		RSSI:         -60,
		ServiceUUIDs: []string{protocol.ServiceUUIDFitnessMachine},
	}
	central.EmitAdvertisement(adv)
	ev := waitEvent(t, ch, EventDeviceDiscovered)
	assert.Equal(t, trainerAddr, ev.DeviceID)
	assert.Equal(t, "KICKR CORE", ev.Sensor.Name)
	assert.Equal(t, DeviceTrainer, ev.Sensor.Type)
	assert.Equal(t, StatusDisconnected, ev.Sensor.Status)
	firstSeen := ev.Sensor.LastSeen

	// repeat advertisement refreshes the record without a second event
	central.EmitAdvertisement(adv)
	assertNoEvent(t, ch, EventDeviceDiscovered, 50*time.Millisecond)

	s, ok := m.Sensor(trainerAddr)
	require.True(t, ok)
	assert.False(t, s.LastSeen.Before(firstSeen))
	assert.Len(t, m.Sensors(), 1)
}

func TestDiscoveryIgnoresUnrelatedDevices(t *testing.T) {
	m, central, ch := newTestManager(t)

	m.StartDiscovery(DeviceTrainer)
	waitScanning(t, central)
	central.EmitAdvertisement(ble.Advertisement{
		Address:      "11:22:33:44:55:66",
		LocalName:    "Polar H10",
		ServiceUUIDs: []string{protocol.ServiceUUIDHeartRate},
	})
	assertNoEvent(t, ch, EventDeviceDiscovered, 50*time.Millisecond)
	assert.Empty(t, m.Sensors())
}

func TestConnectUnknownDevice(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Connect("00:00:00:00:00:00")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestConnectStreamsIndoorBikeData(t *testing.T) {
	m, central, ch := newTestManager(t)
	p := newTrainer()
	p.SetReadValue(protocol.ServiceUUIDBattery, protocol.CharUUIDBatteryLevel, []byte{87})
	central.AddPeripheral(p)
	discoverTrainer(t, m, central, ch)

	require.NoError(t, m.Connect(trainerAddr))
	ev := waitEvent(t, ch, EventDeviceConnected)
	assert.Equal(t, StatusConnected, ev.Sensor.Status)
	assert.Equal(t, 87, ev.Sensor.BatteryPercent)
	assert.True(t, m.IsOpen(trainerAddr))
	assert.True(t, p.Subscribed(protocol.ServiceUUIDFitnessMachine, protocol.CharUUIDIndoorBikeData))

	// flags 0x0044: speed, cadence and power present
	p.PushNotification(protocol.ServiceUUIDFitnessMachine, protocol.CharUUIDIndoorBikeData, []byte{
		0x44, 0x00,
		0xC4, 0x09, // 25.00 km/h
		0xB4, 0x00, // 90.0 rpm
		0xDC, 0x00, // 220 W
	})
	ev = waitEvent(t, ch, EventDataReceived)
	assert.Equal(t, trainerAddr, ev.DeviceID)
	assert.True(t, ev.Reading.HasPower)
	assert.Equal(t, int16(220), ev.Reading.PowerWatts)
	assert.InDelta(t, 90.0, ev.Reading.CadenceRPM, 0.001)
}

func TestMalformedNotificationKeepsConnection(t *testing.T) {
	m, central, ch := newTestManager(t)
	p := newTrainer()
	central.AddPeripheral(p)
	discoverTrainer(t, m, central, ch)
	require.NoError(t, m.Connect(trainerAddr))
	waitEvent(t, ch, EventDeviceConnected)

	// truncated packet: flags claim power but bytes are missing
	p.PushNotification(protocol.ServiceUUIDFitnessMachine, protocol.CharUUIDIndoorBikeData, []byte{0x44})
	ev := waitEvent(t, ch, EventError)
	assert.ErrorIs(t, ev.Err, protocol.ErrMalformed)
	assert.True(t, m.IsOpen(trainerAddr))

	// a valid packet afterwards still flows
	p.PushNotification(protocol.ServiceUUIDFitnessMachine, protocol.CharUUIDIndoorBikeData, []byte{
		0x41, 0x00, 0xC8, 0x00, // power only
	})
	ev = waitEvent(t, ch, EventDataReceived)
	assert.Equal(t, int16(200), ev.Reading.PowerWatts)
}

func TestWriteControlRequiresOpenDevice(t *testing.T) {
	m, central, ch := newTestManager(t)
	p := newTrainer()
	central.AddPeripheral(p)
	discoverTrainer(t, m, central, ch)

	err := m.WriteControl(trainerAddr, protocol.EncodeRequestControl())
	assert.ErrorIs(t, err, ErrDeviceNotOpen)

	err = m.WriteControl("00:00:00:00:00:00", protocol.EncodeRequestControl())
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	require.NoError(t, m.Connect(trainerAddr))
	waitEvent(t, ch, EventDeviceConnected)
	require.NoError(t, m.WriteControl(trainerAddr, protocol.EncodeSetTargetPower(200)))

	writes := p.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, protocol.CharUUIDFTMSControlPoint, writes[0].CharUUID)
	assert.Equal(t, []byte{0x05, 0xC8, 0x00}, writes[0].Data)
}

func TestUnexpectedDropReconnects(t *testing.T) {
	m, central, ch := newTestManager(t)
	p := newTrainer()
	central.AddPeripheral(p)
	discoverTrainer(t, m, central, ch)
	require.NoError(t, m.Connect(trainerAddr))
	waitEvent(t, ch, EventDeviceConnected)

	// first retry refused, second succeeds
	central.FailNextConnects(trainerAddr, 1)
	central.DropConnection(trainerAddr)

	ev := waitEvent(t, ch, EventDeviceDisconnected)
	assert.Equal(t, StatusReconnecting, ev.Sensor.Status)

	ev = waitEvent(t, ch, EventDeviceConnected)
	assert.Equal(t, StatusConnected, ev.Sensor.Status)
	assert.True(t, m.IsOpen(trainerAddr))
	assert.True(t, p.Subscribed(protocol.ServiceUUIDFitnessMachine, protocol.CharUUIDIndoorBikeData))
	// initial connect + failed retry + successful retry
	assert.Equal(t, 3, central.ConnectCount(trainerAddr))
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	m, central, ch := newTestManager(t)
	p := newTrainer()
	central.AddPeripheral(p)
	discoverTrainer(t, m, central, ch)
	require.NoError(t, m.Connect(trainerAddr))
	waitEvent(t, ch, EventDeviceConnected)

	central.FailNextConnects(trainerAddr, 3)
	central.DropConnection(trainerAddr)

	ev := waitEvent(t, ch, EventConnectionLost)
	assert.Equal(t, trainerAddr, ev.DeviceID)
	assert.Equal(t, StatusDisconnected, ev.Sensor.Status)
	assert.False(t, m.IsOpen(trainerAddr))
	assert.Equal(t, 4, central.ConnectCount(trainerAddr))
}

func TestUserDisconnectDoesNotReconnect(t *testing.T) {
	m, central, ch := newTestManager(t)
	p := newTrainer()
	central.AddPeripheral(p)
	discoverTrainer(t, m, central, ch)
	require.NoError(t, m.Connect(trainerAddr))
	waitEvent(t, ch, EventDeviceConnected)

	require.NoError(t, m.Disconnect(trainerAddr))
	ev := waitEvent(t, ch, EventDeviceDisconnected)
	assert.Equal(t, StatusDisconnected, ev.Sensor.Status)

	// give a would-be reconnect loop time to act
	assertNoEvent(t, ch, EventDeviceConnected, 50*time.Millisecond)
	assert.Equal(t, 1, central.ConnectCount(trainerAddr))
	assert.False(t, m.IsOpen(trainerAddr))
}

func TestCadenceFromCrankSamples(t *testing.T) {
	m, central, ch := newTestManager(t)
	addr := "AA:BB:CC:DD:EE:02"
	p := ble.NewMockPeripheral(addr, "Cadence Pod", []string{
		protocol.ServiceUUIDCyclingSpeedCadence,
	})
	central.AddPeripheral(p)

	m.StartDiscovery(DeviceCadence)
	waitScanning(t, central)
	central.EmitAdvertisement(ble.Advertisement{
		Address:      addr,
		LocalName:    "Cadence Pod",
		ServiceUUIDs: []string{protocol.ServiceUUIDCyclingSpeedCadence},
	})
	waitEvent(t, ch, EventDeviceDiscovered)
	m.StopDiscovery()

	require.NoError(t, m.Connect(addr))
	waitEvent(t, ch, EventDeviceConnected)

	// first sample only primes the delta state
	p.PushNotification(protocol.ServiceUUIDCyclingSpeedCadence, protocol.CharUUIDCSCMeasurement, []byte{
		0x02, 100, 0, 0x00, 0x04, // 100 revs at tick 1024
	})
	assertNoEvent(t, ch, EventDataReceived, 50*time.Millisecond)

	// +2 revs over 1024 ticks (1 s) is 120 rpm
	p.PushNotification(protocol.ServiceUUIDCyclingSpeedCadence, protocol.CharUUIDCSCMeasurement, []byte{
		0x02, 102, 0, 0x00, 0x08,
	})
	ev := waitEvent(t, ch, EventDataReceived)
	assert.True(t, ev.Reading.HasCadence)
	assert.InDelta(t, 120.0, ev.Reading.CadenceRPM, 0.001)
}
