package sensor

import "errors"

var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrConnectionFailed    = errors.New("connection failed")
	ErrDeviceNotOpen       = errors.New("device not open")
	ErrControlNotRequested = errors.New("control not requested")
)
