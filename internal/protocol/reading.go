package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks buffers that are too short or structurally invalid
// for the characteristic they claim to be. Decoders reject per-message;
// a malformed notification never terminates the connection.
var ErrMalformed = errors.New("malformed protocol buffer")

func shortErr(what string, n int) error {
	return fmt.Errorf("%w: %s too short: %d bytes", ErrMalformed, what, n)
}

// Reading is one decoded data sample from a device notification. Each
// characteristic populates only the fields it carries; Has* flags mark
// which ones are present.
type Reading struct {
	Timestamp time.Time

	HasPower   bool
	PowerWatts int16

	HasCadence bool
	CadenceRPM float64

	HasHeartRate bool
	HeartRateBPM uint16

	HasSpeed bool
	SpeedKmh float64
}

// Empty reports whether the reading carries no fields at all.
func (r Reading) Empty() bool {
	return !r.HasPower && !r.HasCadence && !r.HasHeartRate && !r.HasSpeed
}

// CrankSample is a raw crank-revolution counter pair as carried by the
// Cycling Power and CSC measurement characteristics. Event time is in
// 1/1024 second units; both counters roll over at 65535.
type CrankSample struct {
	Revolutions uint16
	EventTime   uint16
}

// CrankCadence derives cadence in rpm from two consecutive crank
// samples. Returns false when no time has passed between the samples or
// the result is outside a plausible range. uint16 subtraction handles
// counter rollover.
func CrankCadence(prev, curr CrankSample) (float64, bool) {
	revDiff := curr.Revolutions - prev.Revolutions
	timeDiff := curr.EventTime - prev.EventTime
	if timeDiff == 0 {
		return 0, false
	}

	// timeDiff is in 1/1024 second units:
	// rpm = revolutions * 60 / (timeDiff / 1024)
	rpm := float64(revDiff) * 60.0 * 1024.0 / float64(timeDiff)
	if rpm < 0 || rpm > 300 {
		return 0, false
	}
	return rpm, true
}

func readUint16(buf []byte, offset int) uint16 {
	return uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
}
