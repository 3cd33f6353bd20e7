package sensor

import "github.com/tkarls/ergdrive/internal/protocol"

// EventKind identifies what happened on the sensor side.
type EventKind int

const (
	EventDeviceDiscovered EventKind = iota
	EventDeviceConnected
	EventDeviceDisconnected
	EventDataReceived
	EventConnectionLost // reconnect attempts exhausted
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDeviceDiscovered:
		return "device_discovered"
	case EventDeviceConnected:
		return "device_connected"
	case EventDeviceDisconnected:
		return "device_disconnected"
	case EventDataReceived:
		return "data_received"
	case EventConnectionLost:
		return "connection_lost"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one sensor-side occurrence delivered through the event
// channel to the owning control loop. Sensor is a snapshot taken at
// emission time; Reading is set only for EventDataReceived, Err only
// for EventError.
type Event struct {
	Kind     EventKind
	DeviceID string
	Sensor   Sensor
	Reading  protocol.Reading
	Err      error
}
