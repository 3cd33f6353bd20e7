package protocol

import "time"

// Heart Rate Measurement flag bits (Heart Rate Service 1.0 spec)
const (
	hrFlagValueUint16    = 1 << 0
	hrFlagEnergyExpended = 1 << 3
	hrFlagRRIntervals    = 1 << 4
)

// DecodeHeartRate decodes the Heart Rate Measurement characteristic:
// a flags byte selects an 8- or 16-bit heart-rate value, optionally
// followed by energy-expended and RR-interval fields. Only the heart
// rate itself is surfaced.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func DecodeHeartRate(buf []byte, at time.Time) (Reading, error) {
	if len(buf) < 2 {
		return Reading{}, shortErr("heart rate data", len(buf))
	}

	flags := buf[0]
	r := Reading{Timestamp: at, HasHeartRate: true}
	offset := 1

	if flags&hrFlagValueUint16 != 0 {
		if len(buf) < 3 {
			return Reading{}, shortErr("heart rate UINT16 data", len(buf))
		}
		r.HeartRateBPM = readUint16(buf, 1)
		offset += 2
	} else {
		r.HeartRateBPM = uint16(buf[1])
		offset += 1
	}

	// Validate trailing optional fields without surfacing them.
	if flags&hrFlagEnergyExpended != 0 {
		if offset+2 > len(buf) {
			return Reading{}, shortErr("heart rate energy expended", len(buf))
		}
		offset += 2
	}
	if flags&hrFlagRRIntervals != 0 {
		if offset+2 > len(buf) {
			return Reading{}, shortErr("heart rate RR intervals", len(buf))
		}
	}

	return r, nil
}
