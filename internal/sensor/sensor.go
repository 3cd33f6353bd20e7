package sensor

import (
	"time"

	"github.com/tkarls/ergdrive/internal/protocol"
)

// DeviceType categorizes a fitness device by the data it provides.
type DeviceType int

const (
	DeviceTrainer DeviceType = iota
	DevicePowerMeter
	DeviceHeartRate
	DeviceCadence
	DeviceSpeed
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTrainer:
		return "trainer"
	case DevicePowerMeter:
		return "power_meter"
	case DeviceHeartRate:
		return "heart_rate"
	case DeviceCadence:
		return "cadence"
	case DeviceSpeed:
		return "speed"
	default:
		return "unknown"
	}
}

// Transport is the radio protocol a sensor speaks.
type Transport int

const (
	TransportBLE Transport = iota
	TransportANT
)

func (t Transport) String() string {
	switch t {
	case TransportBLE:
		return "ble"
	case TransportANT:
		return "ant+"
	default:
		return "unknown"
	}
}

// ConnStatus is a sensor's connection lifecycle state.
type ConnStatus int

const (
	StatusDisconnected ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s ConnStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Sensor is one discovered or paired device. Snapshots of this struct
// travel in events; the registry entry behind it is owned exclusively
// by the Manager.
type Sensor struct {
	ID             string // device address
	Name           string
	Type           DeviceType
	Transport      Transport
	Status         ConnStatus
	LastSeen       time.Time
	RSSI           int16
	BatteryPercent int // -1 when unknown
}

// typePriority maps a device type to the advertised service that
// qualifies a device for it, in classification priority order: a smart
// trainer also advertises cycling power, so FTMS wins.
var typePriority = []struct {
	Type        DeviceType
	ServiceUUID string
}{
	{DeviceTrainer, protocol.ServiceUUIDFitnessMachine},
	{DevicePowerMeter, protocol.ServiceUUIDCyclingPower},
	{DeviceHeartRate, protocol.ServiceUUIDHeartRate},
	{DeviceCadence, protocol.ServiceUUIDCyclingSpeedCadence},
}

// ServiceUUIDsFor returns the scan filter for the given device types,
// or for every known type when none are given.
func ServiceUUIDsFor(types ...DeviceType) []string {
	want := make(map[DeviceType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	var result []string
	for _, p := range typePriority {
		if len(types) == 0 || want[p.Type] {
			result = append(result, p.ServiceUUID)
		}
	}
	return result
}

// classify picks the primary device type for a set of advertised
// services. ok is false when none of them belong to the fitness family.
func classify(serviceUUIDs []string) (DeviceType, bool) {
	have := make(map[string]bool, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		have[u] = true
	}
	for _, p := range typePriority {
		if have[p.ServiceUUID] {
			return p.Type, true
		}
	}
	return 0, false
}
