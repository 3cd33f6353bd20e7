// Package dispatch turns workout power targets into fitness machine
// control writes. It owns the FTMS control handshake: control is
// requested once per connection and re-requested after a reconnect.
package dispatch

import (
	"fmt"
	"log"
	"sync"

	"github.com/tkarls/ergdrive/internal/protocol"
	"github.com/tkarls/ergdrive/internal/sensor"
)

// TrainerLink is the slice of the sensor manager the dispatcher needs.
type TrainerLink interface {
	WriteControl(deviceID string, command []byte) error
	IsOpen(deviceID string) bool
}

// Manager satisfies TrainerLink
var _ TrainerLink = (*sensor.Manager)(nil)

// Dispatcher drives one trainer at a time. Apply is called every
// engine tick; write failures are logged and retried on the next tick
// rather than aborting the ride.
type Dispatcher struct {
	link   TrainerLink
	logger *log.Logger

	mu               sync.Mutex
	deviceID         string
	controlRequested map[string]bool
	lastApplied      int16
	lastAppliedOK    bool
	ergAvailable     bool
}

func NewDispatcher(link TrainerLink, logger *log.Logger) *Dispatcher {
	if link == nil {
		panic("Dispatcher: link cannot be nil")
	}
	if logger == nil {
		panic("Dispatcher: logger cannot be nil")
	}
	return &Dispatcher{
		link:             link,
		logger:           logger,
		controlRequested: make(map[string]bool),
	}
}

// SetTrainer selects the trainer that receives power targets.
func (d *Dispatcher) SetTrainer(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deviceID == deviceID {
		return
	}
	d.deviceID = deviceID
	d.lastAppliedOK = false
	d.ergAvailable = deviceID != "" && d.link.IsOpen(deviceID)
	d.logger.Printf("dispatch: trainer set to %q", deviceID)
}

// TrainerID returns the currently selected trainer.
func (d *Dispatcher) TrainerID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceID
}

// RequestControl performs the FTMS control handshake. Repeated calls
// for the same connection are no-ops.
func (d *Dispatcher) RequestControl() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestControlLocked()
}

func (d *Dispatcher) requestControlLocked() error {
	if d.deviceID == "" {
		return fmt.Errorf("%w: no trainer selected", sensor.ErrDeviceNotFound)
	}
	if d.controlRequested[d.deviceID] {
		return nil
	}
	if err := d.link.WriteControl(d.deviceID, protocol.EncodeRequestControl()); err != nil {
		return fmt.Errorf("request control: %w", err)
	}
	d.controlRequested[d.deviceID] = true
	d.logger.Printf("dispatch: control granted by %s", d.deviceID)
	return nil
}

// SetTarget writes a target power directly. The control handshake must
// have happened first.
func (d *Dispatcher) SetTarget(watts int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deviceID == "" {
		return fmt.Errorf("%w: no trainer selected", sensor.ErrDeviceNotFound)
	}
	if !d.controlRequested[d.deviceID] {
		return sensor.ErrControlNotRequested
	}
	if err := d.link.WriteControl(d.deviceID, protocol.EncodeSetTargetPower(watts)); err != nil {
		return err
	}
	d.lastApplied = watts
	d.lastAppliedOK = true
	return nil
}

// Apply pushes the tick's target to the trainer. A withdrawn target
// (ok false) zeroes the trainer once. With no open trainer the call is
// a quiet no-op and ERG mode reads as unavailable.
func (d *Dispatcher) Apply(target int16, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deviceID == "" || !d.link.IsOpen(d.deviceID) {
		// the control grant dies with the connection
		if d.deviceID != "" {
			delete(d.controlRequested, d.deviceID)
			d.lastAppliedOK = false
		}
		d.ergAvailable = false
		return
	}
	d.ergAvailable = true

	if !ok {
		if !d.lastAppliedOK {
			return
		}
		// ride paused or free riding: release the resistance
		target = 0
	}

	if d.lastAppliedOK && d.lastApplied == target {
		if !ok {
			d.lastAppliedOK = false
		}
		return
	}

	if err := d.requestControlLocked(); err != nil {
		d.logger.Printf("dispatch: %v", err)
		return
	}
	if err := d.link.WriteControl(d.deviceID, protocol.EncodeSetTargetPower(target)); err != nil {
		// keep state so the next tick retries the same write
		d.logger.Printf("dispatch: set target %d W failed: %v", target, err)
		return
	}
	d.lastApplied = target
	d.lastAppliedOK = ok
}

// TrainerLost clears connection-scoped state after a drop so that a
// reconnect redoes the control handshake.
func (d *Dispatcher) TrainerLost(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.controlRequested, deviceID)
	if d.deviceID == deviceID {
		d.lastAppliedOK = false
		d.ergAvailable = false
		d.logger.Printf("dispatch: trainer %s lost, ERG unavailable", deviceID)
	}
}

// ErgAvailable reports whether targets are reaching a trainer.
func (d *Dispatcher) ErgAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ergAvailable
}
