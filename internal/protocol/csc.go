package protocol

// CSC Measurement flag bits (Cycling Speed and Cadence Service 1.0 spec)
const (
	cscFlagWheelRevData = 1 << 0
	cscFlagCrankRevData = 1 << 1
)

// CSCMeasurement is a decoded Cycling Speed and Cadence notification.
// The characteristic carries cumulative counters only; cadence is
// derived by the caller from consecutive crank samples.
type CSCMeasurement struct {
	HasCrank bool
	Crank    CrankSample
}

// DecodeCSC decodes the CSC Measurement characteristic.
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
func DecodeCSC(buf []byte) (CSCMeasurement, error) {
	if len(buf) < 1 {
		return CSCMeasurement{}, shortErr("CSC data", len(buf))
	}

	flags := buf[0]
	offset := 1

	// Wheel revolution data: UINT32 revolutions + UINT16 event time
	if flags&cscFlagWheelRevData != 0 {
		if offset+6 > len(buf) {
			return CSCMeasurement{}, shortErr("CSC wheel data", len(buf))
		}
		offset += 6
	}

	var m CSCMeasurement
	if flags&cscFlagCrankRevData != 0 {
		if offset+4 > len(buf) {
			return CSCMeasurement{}, shortErr("CSC crank data", len(buf))
		}
		m.HasCrank = true
		m.Crank = CrankSample{
			Revolutions: readUint16(buf, offset),
			EventTime:   readUint16(buf, offset+2),
		}
	}

	return m, nil
}
