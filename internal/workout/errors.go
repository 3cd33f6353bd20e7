package workout

import "errors"

var (
	ErrNoWorkoutLoaded = errors.New("no workout loaded")
	ErrAlreadyRunning  = errors.New("workout already running")
	ErrNotRunning      = errors.New("workout not running")
	ErrCompleted       = errors.New("workout already completed")
	ErrCannotSkip      = errors.New("cannot skip past the last segment")
	ErrEmptyWorkout    = errors.New("workout has no segments")
	ErrInvalidFtp      = errors.New("ftp must be positive")
)
