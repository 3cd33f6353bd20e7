package workout

import (
	"math"
	"time"
)

// SegmentKind selects how a segment produces its power target.
type SegmentKind int

const (
	SegmentSteady SegmentKind = iota
	SegmentRamp
	SegmentIntervals
	SegmentFreeRide
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentSteady:
		return "Steady"
	case SegmentRamp:
		return "Ramp"
	case SegmentIntervals:
		return "Intervals"
	case SegmentFreeRide:
		return "FreeRide"
	default:
		return "Unknown"
	}
}

// PowerTarget is either an absolute wattage or a percentage of the
// rider's FTP, resolved at tick time so FTP changes apply immediately.
type PowerTarget struct {
	watts      int16
	percentFTP float64
	isPercent  bool
}

// Watts builds an absolute power target.
func Watts(w int16) PowerTarget {
	return PowerTarget{watts: w}
}

// PercentOfFTP builds a relative power target, e.g. 88 for 88% of FTP.
func PercentOfFTP(pct float64) PowerTarget {
	return PowerTarget{percentFTP: pct, isPercent: true}
}

// Resolve converts the target to watts against the given FTP.
func (t PowerTarget) Resolve(ftp int) int16 {
	if !t.isPercent {
		return t.watts
	}
	return int16(math.Round(float64(ftp) * t.percentFTP / 100))
}

// Segment is one block of a workout. Which fields matter depends on
// Kind: Steady uses Target, Ramp uses RampStart/RampEnd, Intervals
// uses the Repeat/On/Off fields, FreeRide uses only Duration.
type Segment struct {
	Kind     SegmentKind
	Duration time.Duration

	Target PowerTarget

	RampStart PowerTarget
	RampEnd   PowerTarget

	Repeat      int
	OnDuration  time.Duration
	OffDuration time.Duration
	OnTarget    PowerTarget
	OffTarget   PowerTarget

	// CadenceRPM is a coaching hint carried alongside the power
	// target, 0 when the segment has none.
	CadenceRPM int
}

// Length is the segment's total wall-clock duration. For interval
// segments it is derived from the repeat structure.
func (s Segment) Length() time.Duration {
	if s.Kind == SegmentIntervals {
		return time.Duration(s.Repeat) * (s.OnDuration + s.OffDuration)
	}
	return s.Duration
}

// targetAt computes the segment's raw target at offset into a segment
// stretched (or not) to effective length. Returns false for FreeRide.
func (s Segment) targetAt(offset, effective time.Duration, ftp int) (int16, bool) {
	switch s.Kind {
	case SegmentSteady:
		return s.Target.Resolve(ftp), true
	case SegmentRamp:
		if effective <= 0 {
			return s.RampEnd.Resolve(ftp), true
		}
		frac := float64(offset) / float64(effective)
		if frac > 1 {
			frac = 1
		}
		start := float64(s.RampStart.Resolve(ftp))
		end := float64(s.RampEnd.Resolve(ftp))
		// fractional watts truncate
		return int16(start + (end-start)*frac), true
	case SegmentIntervals:
		cycle := s.OnDuration + s.OffDuration
		if cycle <= 0 {
			return s.OnTarget.Resolve(ftp), true
		}
		if offset%cycle < s.OnDuration {
			return s.OnTarget.Resolve(ftp), true
		}
		return s.OffTarget.Resolve(ftp), true
	default:
		return 0, false
	}
}

// Workout is an ordered list of segments.
type Workout struct {
	ID          string
	Name        string
	Description string
	Segments    []Segment
}

// TotalDuration sums the segment lengths without extensions.
func (w Workout) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range w.Segments {
		total += s.Length()
	}
	return total
}

// Catalog returns the built-in workouts.
func Catalog() []Workout {
	return []Workout{
		{
			ID:          "sweet-spot-3x10",
			Name:        "Sweet Spot 3x10",
			Description: "Three 10 minute blocks at 90% FTP with 5 minute recoveries",
			Segments: []Segment{
				{Kind: SegmentRamp, Duration: 10 * time.Minute, RampStart: PercentOfFTP(40), RampEnd: PercentOfFTP(70)},
				{Kind: SegmentIntervals, Repeat: 3,
					OnDuration: 10 * time.Minute, OnTarget: PercentOfFTP(90),
					OffDuration: 5 * time.Minute, OffTarget: PercentOfFTP(50), CadenceRPM: 90},
				{Kind: SegmentRamp, Duration: 5 * time.Minute, RampStart: PercentOfFTP(60), RampEnd: PercentOfFTP(40)},
			},
		},
		{
			ID:          "threshold-2x20",
			Name:        "Threshold 2x20",
			Description: "Two 20 minute blocks just under FTP",
			Segments: []Segment{
				{Kind: SegmentRamp, Duration: 15 * time.Minute, RampStart: PercentOfFTP(40), RampEnd: PercentOfFTP(75)},
				{Kind: SegmentIntervals, Repeat: 2,
					OnDuration: 20 * time.Minute, OnTarget: PercentOfFTP(95),
					OffDuration: 10 * time.Minute, OffTarget: PercentOfFTP(50)},
				{Kind: SegmentRamp, Duration: 10 * time.Minute, RampStart: PercentOfFTP(55), RampEnd: PercentOfFTP(40)},
			},
		},
		{
			ID:          "recovery-spin",
			Name:        "Recovery Spin",
			Description: "Easy hour with open-ended finish",
			Segments: []Segment{
				{Kind: SegmentSteady, Duration: 45 * time.Minute, Target: PercentOfFTP(50), CadenceRPM: 95},
				{Kind: SegmentFreeRide, Duration: 15 * time.Minute},
			},
		},
	}
}
