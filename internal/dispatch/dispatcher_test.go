package dispatch

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarls/ergdrive/internal/protocol"
	"github.com/tkarls/ergdrive/internal/sensor"
)

const trainerID = "AA:BB:CC:DD:EE:01"

// fakeLink records control writes and can simulate closed devices and
// failing writes.
type fakeLink struct {
	mu       sync.Mutex
	open     map[string]bool
	writes   [][]byte
	writeErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{open: map[string]bool{trainerID: true}}
}

func (f *fakeLink) WriteControl(deviceID string, command []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[deviceID] {
		return sensor.ErrDeviceNotOpen
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	recorded := make([]byte, len(command))
	copy(recorded, command)
	f.writes = append(f.writes, recorded)
	return nil
}

func (f *fakeLink) IsOpen(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[deviceID]
}

func (f *fakeLink) setOpen(deviceID string, open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[deviceID] = open
}

func (f *fakeLink) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeLink) recorded() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func newTestDispatcher() (*Dispatcher, *fakeLink) {
	link := newFakeLink()
	return NewDispatcher(link, log.New(io.Discard, "", 0)), link
}

func TestSetTargetRequiresControlHandshake(t *testing.T) {
	d, link := newTestDispatcher()

	err := d.SetTarget(200)
	assert.ErrorIs(t, err, sensor.ErrDeviceNotFound)

	d.SetTrainer(trainerID)
	err = d.SetTarget(200)
	assert.ErrorIs(t, err, sensor.ErrControlNotRequested)
	assert.Empty(t, link.recorded())

	require.NoError(t, d.RequestControl())
	require.NoError(t, d.SetTarget(200))

	writes := link.recorded()
	require.Len(t, writes, 2)
	assert.Equal(t, protocol.EncodeRequestControl(), writes[0])
	assert.Equal(t, []byte{0x05, 0xC8, 0x00}, writes[1])
}

func TestControlRequestedOncePerConnection(t *testing.T) {
	d, link := newTestDispatcher()
	d.SetTrainer(trainerID)

	require.NoError(t, d.RequestControl())
	require.NoError(t, d.RequestControl())
	d.Apply(150, true)
	d.Apply(180, true)

	var handshakes int
	for _, w := range link.recorded() {
		if w[0] == protocol.OpCodeRequestControl {
			handshakes++
		}
	}
	assert.Equal(t, 1, handshakes)
}

func TestApplyDeduplicatesUnchangedTarget(t *testing.T) {
	d, link := newTestDispatcher()
	d.SetTrainer(trainerID)

	d.Apply(200, true)
	d.Apply(200, true)
	d.Apply(200, true)
	d.Apply(220, true)

	writes := link.recorded()
	// handshake, 200 W once, then 220 W
	require.Len(t, writes, 3)
	assert.Equal(t, []byte{0x05, 0xC8, 0x00}, writes[1])
	assert.Equal(t, []byte{0x05, 0xDC, 0x00}, writes[2])
	assert.True(t, d.ErgAvailable())
}

func TestApplyWithdrawnTargetZeroesTrainerOnce(t *testing.T) {
	d, link := newTestDispatcher()
	d.SetTrainer(trainerID)

	d.Apply(200, true)
	d.Apply(0, false) // pause
	d.Apply(0, false)
	d.Apply(0, false)

	writes := link.recorded()
	require.Len(t, writes, 3)
	assert.Equal(t, []byte{0x05, 0x00, 0x00}, writes[2])

	// resume at the same wattage writes again
	d.Apply(200, true)
	writes = link.recorded()
	require.Len(t, writes, 4)
	assert.Equal(t, []byte{0x05, 0xC8, 0x00}, writes[3])
}

func TestApplyRetriesAfterWriteFailure(t *testing.T) {
	d, link := newTestDispatcher()
	d.SetTrainer(trainerID)
	require.NoError(t, d.RequestControl())

	link.setWriteErr(errors.New("gatt timeout"))
	d.Apply(200, true)
	assert.Len(t, link.recorded(), 1) // handshake only

	link.setWriteErr(nil)
	d.Apply(200, true)
	writes := link.recorded()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{0x05, 0xC8, 0x00}, writes[1])
}

func TestTrainerLossFlagsErgUnavailable(t *testing.T) {
	d, link := newTestDispatcher()
	d.SetTrainer(trainerID)

	d.Apply(200, true)
	assert.True(t, d.ErgAvailable())

	link.setOpen(trainerID, false)
	d.TrainerLost(trainerID)
	assert.False(t, d.ErgAvailable())

	// targets keep arriving while disconnected; nothing is written
	before := len(link.recorded())
	d.Apply(210, true)
	d.Apply(220, true)
	assert.Len(t, link.recorded(), before)
	assert.False(t, d.ErgAvailable())

	// reconnect redoes the handshake before the next target
	link.setOpen(trainerID, true)
	d.Apply(220, true)
	writes := link.recorded()
	require.Len(t, writes, before+2)
	assert.Equal(t, protocol.EncodeRequestControl(), writes[before])
	assert.Equal(t, []byte{0x05, 0xDC, 0x00}, writes[before+1])
	assert.True(t, d.ErgAvailable())
}

func TestSwitchingTrainersRequestsControlAgain(t *testing.T) {
	d, link := newTestDispatcher()
	other := "AA:BB:CC:DD:EE:02"
	link.setOpen(other, true)

	d.SetTrainer(trainerID)
	d.Apply(150, true)

	d.SetTrainer(other)
	d.Apply(150, true)

	var handshakes int
	for _, w := range link.recorded() {
		if w[0] == protocol.OpCodeRequestControl {
			handshakes++
		}
	}
	assert.Equal(t, 2, handshakes)
	assert.Equal(t, other, d.TrainerID())
}
