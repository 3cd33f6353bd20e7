package workout

import (
	"log"
	"math"
	"sync"
	"time"
)

// Status is the engine's lifecycle state.
type Status int

const (
	StatusEmpty Status = iota
	StatusReady
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "Empty"
	case StatusReady:
		return "Ready"
	case StatusRunning:
		return "Running"
	case StatusPaused:
		return "Paused"
	case StatusCompleted:
		return "Completed"
	case StatusStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Summary describes a ride at the moment it was stopped or completed.
type Summary struct {
	WorkoutName       string
	SegmentsCompleted int
	SegmentsTotal     int
	Elapsed           time.Duration
}

// Progress is a snapshot of where the engine is in the workout.
type Progress struct {
	Status           Status
	Elapsed          time.Duration
	Total            time.Duration
	SegmentIndex     int
	SegmentCount     int
	SegmentKind      SegmentKind
	SegmentOffset    time.Duration
	SegmentRemaining time.Duration
	CadenceRPM       int

	// last target produced by Tick, absent when paused or free riding
	TargetWatts int16
	HasTarget   bool
	PowerOffset int

	// preview of the upcoming segment
	HasNext    bool
	NextKind   SegmentKind
	NextLength time.Duration
}

const (
	defaultFTP             = 200
	defaultSmoothingWindow = 3 * time.Second
)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithFTP sets the rider's starting FTP in watts.
func WithFTP(ftp int) Option {
	return func(e *Engine) {
		if ftp > 0 {
			e.ftp = ftp
		}
	}
}

// WithSmoothingWindow sets how long target changes ramp linearly at
// segment boundaries and on resume.
func WithSmoothingWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.smoothWindow = d
		}
	}
}

// Engine executes a loaded workout. It owns the workout clock: Tick
// advances elapsed time only while running, so pauses never consume
// workout time. All methods are safe for concurrent use.
type Engine struct {
	logger *log.Logger

	mu           sync.Mutex
	status       Status
	workout      Workout
	ftp          int
	powerOffset  int
	smoothWindow time.Duration

	elapsed    time.Duration
	lastTick   time.Time
	tickArmed  bool
	segIndex   int
	extensions map[int]time.Duration

	lastTarget   int16
	lastRaw      int16
	lastTargetOK bool

	smoothActive bool
	smoothFrom   int16
	smoothStart  time.Duration
}

func NewEngine(logger *log.Logger, opts ...Option) *Engine {
	if logger == nil {
		panic("Engine: logger cannot be nil")
	}
	e := &Engine{
		logger:       logger,
		status:       StatusEmpty,
		ftp:          defaultFTP,
		smoothWindow: defaultSmoothingWindow,
		extensions:   make(map[int]time.Duration),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load installs a workout and moves to Ready. Valid only from Empty or
// a terminal state; a pending or in-progress ride must be stopped
// first.
func (e *Engine) Load(w Workout) error {
	if len(w.Segments) == 0 {
		return ErrEmptyWorkout
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.status {
	case StatusEmpty, StatusCompleted, StatusStopped:
	default:
		return ErrAlreadyRunning
	}
	e.workout = w
	e.status = StatusReady
	e.elapsed = 0
	e.segIndex = 0
	e.tickArmed = false
	e.extensions = make(map[int]time.Duration)
	e.lastTargetOK = false
	e.smoothActive = false
	e.powerOffset = 0
	e.logger.Printf("workout: loaded %q (%d segments, %v)", w.Name, len(w.Segments), w.TotalDuration())
	return nil
}

// Start begins the loaded workout. Finished rides need a fresh Load.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.status {
	case StatusReady:
	case StatusRunning, StatusPaused:
		return ErrAlreadyRunning
	case StatusCompleted:
		return ErrCompleted
	default:
		return ErrNoWorkoutLoaded
	}
	e.status = StatusRunning
	e.tickArmed = false
	e.logger.Printf("workout: started %q", e.workout.Name)
	return nil
}

// Pause freezes the workout clock. The power target is withdrawn
// immediately; the trainer goes slack until Resume.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning {
		return ErrNotRunning
	}
	e.status = StatusPaused
	e.tickArmed = false
	e.lastTargetOK = false
	e.logger.Printf("workout: paused at %v", e.elapsed)
	return nil
}

// Resume continues a paused workout, ramping power back up from zero
// over the smoothing window instead of slamming to the full target.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPaused {
		return ErrNotRunning
	}
	e.status = StatusRunning
	e.tickArmed = false
	e.smoothActive = true
	e.smoothFrom = 0
	e.smoothStart = e.elapsed
	e.logger.Printf("workout: resumed at %v", e.elapsed)
	return nil
}

// Stop ends the ride and reports what was done. Valid from any state
// with a workout loaded, including Paused and Completed.
func (e *Engine) Stop() (Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusEmpty {
		return Summary{}, ErrNoWorkoutLoaded
	}
	completed := len(e.workout.Segments)
	if idx, _, _, done := e.locate(e.elapsed); !done {
		completed = idx
	}
	if e.status != StatusCompleted {
		e.status = StatusStopped
	}
	e.lastTargetOK = false
	s := Summary{
		WorkoutName:       e.workout.Name,
		SegmentsCompleted: completed,
		SegmentsTotal:     len(e.workout.Segments),
		Elapsed:           e.elapsed,
	}
	e.logger.Printf("workout: stopped %q after %v (%d/%d segments)", s.WorkoutName, s.Elapsed, s.SegmentsCompleted, s.SegmentsTotal)
	return s, nil
}

// SkipSegment jumps to the start of the next segment. Skipping the
// last segment is refused and leaves the ride untouched.
func (e *Engine) SkipSegment() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning && e.status != StatusPaused {
		return ErrNotRunning
	}
	idx, offset, effective, done := e.locate(e.elapsed)
	if done || idx >= len(e.workout.Segments)-1 {
		return ErrCannotSkip
	}
	e.elapsed += effective - offset
	e.logger.Printf("workout: skipped segment %d, now at %v", idx, e.elapsed)
	return nil
}

// ExtendSegment adds time to the current segment. Later segments keep
// their order and shift accordingly.
func (e *Engine) ExtendSegment(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning && e.status != StatusPaused {
		return ErrNotRunning
	}
	idx, _, _, done := e.locate(e.elapsed)
	if done {
		return ErrNotRunning
	}
	e.extensions[idx] += d
	e.logger.Printf("workout: extended segment %d by %v", idx, d)
	return nil
}

// AdjustPower sets a signed watt offset applied on top of every
// computed target. Setting the same value twice has no further effect.
func (e *Engine) AdjustPower(offsetWatts int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.powerOffset = offsetWatts
}

// PowerOffset returns the current watt adjustment.
func (e *Engine) PowerOffset() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.powerOffset
}

// SetFTP updates the rider's FTP; percentage targets pick it up on the
// next tick.
func (e *Engine) SetFTP(ftp int) error {
	if ftp <= 0 {
		return ErrInvalidFtp
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ftp = ftp
	return nil
}

// FTP returns the configured FTP in watts.
func (e *Engine) FTP() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ftp
}

// Status returns the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Progress reports where the engine is in the workout.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := Progress{
		Status:       e.status,
		Elapsed:      e.elapsed,
		SegmentCount: len(e.workout.Segments),
		TargetWatts:  e.lastTarget,
		HasTarget:    e.lastTargetOK,
		PowerOffset:  e.powerOffset,
	}
	for i, s := range e.workout.Segments {
		p.Total += s.Length() + e.extensions[i]
	}
	idx, offset, effective, done := e.locate(e.elapsed)
	if done {
		p.SegmentIndex = len(e.workout.Segments)
		return p
	}
	seg := e.workout.Segments[idx]
	p.SegmentIndex = idx
	p.SegmentKind = seg.Kind
	p.SegmentOffset = offset
	p.SegmentRemaining = effective - offset
	p.CadenceRPM = seg.CadenceRPM
	if idx+1 < len(e.workout.Segments) {
		next := e.workout.Segments[idx+1]
		p.HasNext = true
		p.NextKind = next.Kind
		p.NextLength = next.Length() + e.extensions[idx+1]
	}
	return p
}

// Tick advances the workout clock to now and returns the ERG target in
// watts. The second return is false when there is no target: not
// running, free riding, or finished.
func (e *Engine) Tick(now time.Time) (int16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusRunning {
		e.tickArmed = false
		return 0, false
	}

	// the first tick after start or resume only sets the reference
	// point, so wall time spent not running never counts
	if e.tickArmed {
		if delta := now.Sub(e.lastTick); delta > 0 {
			e.elapsed += delta
		}
	}
	e.lastTick = now
	e.tickArmed = true

	idx, offset, effective, done := e.locate(e.elapsed)
	if done {
		e.status = StatusCompleted
		e.lastTargetOK = false
		e.logger.Printf("workout: completed %q after %v", e.workout.Name, e.elapsed)
		return 0, false
	}

	if idx != e.segIndex {
		if e.lastTargetOK && e.smoothWindow > 0 {
			e.smoothActive = true
			e.smoothFrom = e.lastRaw
			e.smoothStart = e.elapsed
		}
		e.segIndex = idx
	}

	raw, ok := e.workout.Segments[idx].targetAt(offset, effective, e.ftp)
	if !ok {
		e.lastTargetOK = false
		e.smoothActive = false
		return 0, false
	}

	if e.smoothActive {
		since := e.elapsed - e.smoothStart
		if since >= e.smoothWindow {
			e.smoothActive = false
		} else {
			frac := float64(since) / float64(e.smoothWindow)
			raw = e.smoothFrom + int16(math.Round(float64(raw-e.smoothFrom)*frac))
		}
	}

	e.lastRaw = raw
	target := int(raw) + e.powerOffset
	if target < 0 {
		target = 0
	}
	if target > math.MaxInt16 {
		target = math.MaxInt16
	}
	e.lastTarget = int16(target)
	e.lastTargetOK = true
	return e.lastTarget, true
}

// locate resolves elapsed time to a segment index and the offset into
// it, honoring per-segment extensions. done is true past the end.
func (e *Engine) locate(elapsed time.Duration) (idx int, offset, effective time.Duration, done bool) {
	var cum time.Duration
	for i, s := range e.workout.Segments {
		effective = s.Length() + e.extensions[i]
		if elapsed < cum+effective {
			return i, elapsed - cum, effective, false
		}
		cum += effective
	}
	return len(e.workout.Segments), 0, 0, true
}
