package safego

import "runtime/debug"
import "log"

func Go(logger *log.Logger, fn func()) {
	// background BLE goroutines crash without a terminal attached, so
	// capture the panic in our logger before crashing out again...
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
