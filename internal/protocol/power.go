package protocol

import "time"

// Cycling Power Measurement flag bits (Cycling Power Service 1.1 spec)
const (
	cpFlagPedalPowerBalance = 1 << 0
	cpFlagAccumulatedTorque = 1 << 2
	cpFlagWheelRevData      = 1 << 4
	cpFlagCrankRevData      = 1 << 5
)

// PowerMeasurement is a decoded Cycling Power Measurement notification.
// Crank revolution data, when present, lets the caller derive cadence
// from consecutive samples via CrankCadence.
type PowerMeasurement struct {
	Reading  Reading
	HasCrank bool
	Crank    CrankSample
}

// DecodeCyclingPower decodes the Cycling Power Measurement
// characteristic: 16-bit flags, instantaneous power (SINT16, watts),
// then the optional fields the flags mark present.
// See: https://www.bluetooth.com/specifications/specs/cycling-power-service-1-1/
func DecodeCyclingPower(buf []byte, at time.Time) (PowerMeasurement, error) {
	if len(buf) < 4 {
		return PowerMeasurement{}, shortErr("cycling power data", len(buf))
	}

	flags := readUint16(buf, 0)
	m := PowerMeasurement{
		Reading: Reading{
			Timestamp:  at,
			HasPower:   true,
			PowerWatts: int16(readUint16(buf, 2)),
		},
	}
	offset := 4

	// Skip optional fields preceding crank data in spec order.
	if flags&cpFlagPedalPowerBalance != 0 {
		offset += 1
	}
	if flags&cpFlagAccumulatedTorque != 0 {
		offset += 2
	}
	if flags&cpFlagWheelRevData != 0 {
		offset += 6 // UINT32 revolutions + UINT16 event time
	}

	if flags&cpFlagCrankRevData != 0 {
		if offset+4 > len(buf) {
			return PowerMeasurement{}, shortErr("cycling power crank data", len(buf))
		}
		m.HasCrank = true
		m.Crank = CrankSample{
			Revolutions: readUint16(buf, offset),
			EventTime:   readUint16(buf, offset+2),
		}
	}

	return m, nil
}
