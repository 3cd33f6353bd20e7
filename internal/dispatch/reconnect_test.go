package dispatch

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarls/ergdrive/internal/ble"
	"github.com/tkarls/ergdrive/internal/protocol"
	"github.com/tkarls/ergdrive/internal/sensor"
)

func waitKind(t *testing.T, ch chan sensor.Event, kind sensor.EventKind) sensor.Event {
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
			return sensor.Event{}
		}
	}
}

// Exercises the full drop/reconnect path against a live manager: the
// control grant is connection-scoped, so the first write on the new
// connection must be request-control again, not a bare target.
func TestReconnectRedoesControlHandshake(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	central := ble.NewMockCentral(logger)
	p := ble.NewMockPeripheral(trainerID, "KICKR CORE", []string{
		protocol.ServiceUUIDFitnessMachine,
	})
	central.AddPeripheral(p)

	m := sensor.NewManager(central, logger, sensor.Config{
		ScanTimeout:       time.Second,
		ReconnectAttempts: 3,
		ReconnectBackoff:  5 * time.Millisecond,
	})
	defer m.Shutdown()
	d := NewDispatcher(m, logger)

	events := make(chan sensor.Event, 64)
	unsubscribe := m.SubscribeEvents(events)
	defer unsubscribe()

	m.StartDiscovery(sensor.DeviceTrainer)
	require.Eventually(t, central.Scanning, time.Second, time.Millisecond)
	central.EmitAdvertisement(ble.Advertisement{
		Address:      trainerID,
		LocalName:    "KICKR CORE",
		ServiceUUIDs: []string{protocol.ServiceUUIDFitnessMachine},
	})
	waitKind(t, events, sensor.EventDeviceDiscovered)
	m.StopDiscovery()

	require.NoError(t, m.Connect(trainerID))
	waitKind(t, events, sensor.EventDeviceConnected)
	d.SetTrainer(trainerID)

	d.Apply(200, true)
	writes := p.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, protocol.EncodeRequestControl(), writes[0].Data)
	assert.Equal(t, []byte{0x05, 0xC8, 0x00}, writes[1].Data)

	// unexpected drop; the manager reconnects within the retry policy
	central.DropConnection(trainerID)
	ev := waitKind(t, events, sensor.EventDeviceDisconnected)
	// the control loop clears connection-scoped state on every
	// disconnect, exhausted or not
	d.TrainerLost(ev.DeviceID)
	waitKind(t, events, sensor.EventDeviceConnected)

	d.Apply(210, true)
	writes = p.Writes()
	require.Len(t, writes, 4)
	assert.Equal(t, protocol.EncodeRequestControl(), writes[2].Data)
	assert.Equal(t, []byte{0x05, 0xD2, 0x00}, writes[3].Data)
	assert.True(t, d.ErgAvailable())
}

// Even without the disconnect event wiring, a tick that observes the
// closed link invalidates the grant.
func TestApplyOnClosedLinkInvalidatesControlGrant(t *testing.T) {
	d, link := newTestDispatcher()
	d.SetTrainer(trainerID)

	d.Apply(200, true)
	require.Len(t, link.recorded(), 2)

	link.setOpen(trainerID, false)
	d.Apply(210, true)
	assert.False(t, d.ErgAvailable())

	link.setOpen(trainerID, true)
	d.Apply(210, true)
	writes := link.recorded()
	require.Len(t, writes, 4)
	assert.Equal(t, protocol.EncodeRequestControl(), writes[2])
	assert.Equal(t, []byte{0x05, 0xD2, 0x00}, writes[3])
}
