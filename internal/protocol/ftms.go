package protocol

import (
	"fmt"
	"time"
)

// EncodeRequestControl builds the FTMS Request Control command. Control
// must be requested once per connection before the first target-power
// write is accepted.
func EncodeRequestControl() []byte {
	return []byte{OpCodeRequestControl}
}

// EncodeSetTargetPower builds the FTMS Set Target Power command (ERG
// mode). Power is a little-endian SINT16 in watts.
func EncodeSetTargetPower(watts int16) []byte {
	return []byte{
		OpCodeSetTargetPower,
		byte(watts & 0xFF),
		byte((watts >> 8) & 0xFF),
	}
}

// DecodeSetTargetPower is the inverse of EncodeSetTargetPower.
func DecodeSetTargetPower(buf []byte) (int16, error) {
	if len(buf) < 3 {
		return 0, shortErr("set target power command", len(buf))
	}
	if buf[0] != OpCodeSetTargetPower {
		return 0, fmt.Errorf("%w: unexpected op code 0x%02X", ErrMalformed, buf[0])
	}
	return int16(readUint16(buf, 1)), nil
}

// ControlResponse is a decoded FTMS Control Point indication:
// [0x80, request op code, result code].
type ControlResponse struct {
	RequestOpCode byte
	Result        byte
}

// Success reports whether the trainer accepted the request.
func (r ControlResponse) Success() bool {
	return r.Result == ResultSuccess
}

// DecodeControlResponse decodes a Control Point indication.
func DecodeControlResponse(buf []byte) (ControlResponse, error) {
	if len(buf) < 3 {
		return ControlResponse{}, shortErr("control point response", len(buf))
	}
	if buf[0] != OpCodeResponseCode {
		return ControlResponse{}, fmt.Errorf("%w: unexpected response op code 0x%02X", ErrMalformed, buf[0])
	}
	return ControlResponse{RequestOpCode: buf[1], Result: buf[2]}, nil
}

// Indoor Bike Data flag bit positions (FTMS 1.0 spec)
const (
	ibdFlagMoreData             = 1 << 0 // Bit 0 inverted: 0 = Instantaneous Speed present
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
	ibdFlagMetabolicEquivalent  = 1 << 10
	ibdFlagElapsedTime          = 1 << 11
	ibdFlagRemainingTime        = 1 << 12
)

// DecodeIndoorBikeData decodes the FTMS Indoor Bike Data characteristic:
// a 16-bit flags word followed by the fields the flags mark present, in
// spec order. Only instantaneous speed, cadence, power and heart rate
// are surfaced; the remaining fields are walked to keep offsets honest.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
func DecodeIndoorBikeData(buf []byte, at time.Time) (Reading, error) {
	if len(buf) < 2 {
		return Reading{}, shortErr("indoor bike data", len(buf))
	}

	flags := readUint16(buf, 0)
	offset := 2
	r := Reading{Timestamp: at}

	need := func(n int, what string) error {
		if offset+n > len(buf) {
			return fmt.Errorf("%w: indoor bike data truncated at %s (offset %d)", ErrMalformed, what, offset)
		}
		return nil
	}

	// 1. Instantaneous Speed (UINT16, 0.01 km/h); bit 0 is inverted
	if flags&ibdFlagMoreData == 0 {
		if err := need(2, "instantaneous speed"); err != nil {
			return Reading{}, err
		}
		r.HasSpeed = true
		r.SpeedKmh = float64(readUint16(buf, offset)) * 0.01
		offset += 2
	}

	// 2. Average Speed (UINT16, 0.01 km/h)
	if flags&ibdFlagAverageSpeed != 0 {
		if err := need(2, "average speed"); err != nil {
			return Reading{}, err
		}
		offset += 2
	}

	// 3. Instantaneous Cadence (UINT16, 0.5 rpm)
	if flags&ibdFlagInstantaneousCadence != 0 {
		if err := need(2, "instantaneous cadence"); err != nil {
			return Reading{}, err
		}
		r.HasCadence = true
		r.CadenceRPM = float64(readUint16(buf, offset)) * 0.5
		offset += 2
	}

	// 4. Average Cadence (UINT16, 0.5 rpm)
	if flags&ibdFlagAverageCadence != 0 {
		if err := need(2, "average cadence"); err != nil {
			return Reading{}, err
		}
		offset += 2
	}

	// 5. Total Distance (UINT24, meters)
	if flags&ibdFlagTotalDistance != 0 {
		if err := need(3, "total distance"); err != nil {
			return Reading{}, err
		}
		offset += 3
	}

	// 6. Resistance Level (SINT16)
	if flags&ibdFlagResistanceLevel != 0 {
		if err := need(2, "resistance level"); err != nil {
			return Reading{}, err
		}
		offset += 2
	}

	// 7. Instantaneous Power (SINT16, watts)
	if flags&ibdFlagInstantaneousPower != 0 {
		if err := need(2, "instantaneous power"); err != nil {
			return Reading{}, err
		}
		r.HasPower = true
		r.PowerWatts = int16(readUint16(buf, offset))
		offset += 2
	}

	// 8. Average Power (SINT16, watts)
	if flags&ibdFlagAveragePower != 0 {
		if err := need(2, "average power"); err != nil {
			return Reading{}, err
		}
		offset += 2
	}

	// 9. Expended Energy (UINT16 total + UINT16 per hour + UINT8 per minute)
	if flags&ibdFlagExpendedEnergy != 0 {
		if err := need(5, "expended energy"); err != nil {
			return Reading{}, err
		}
		offset += 5
	}

	// 10. Heart Rate (UINT8, bpm)
	if flags&ibdFlagHeartRate != 0 {
		if err := need(1, "heart rate"); err != nil {
			return Reading{}, err
		}
		r.HasHeartRate = true
		r.HeartRateBPM = uint16(buf[offset])
		offset += 1
	}

	// 11. Metabolic Equivalent (UINT8, 0.1 MET)
	if flags&ibdFlagMetabolicEquivalent != 0 {
		if err := need(1, "metabolic equivalent"); err != nil {
			return Reading{}, err
		}
		offset += 1
	}

	// 12. Elapsed Time (UINT16, seconds)
	if flags&ibdFlagElapsedTime != 0 {
		if err := need(2, "elapsed time"); err != nil {
			return Reading{}, err
		}
		offset += 2
	}

	// 13. Remaining Time (UINT16, seconds)
	if flags&ibdFlagRemainingTime != 0 {
		if err := need(2, "remaining time"); err != nil {
			return Reading{}, err
		}
	}

	return r, nil
}
