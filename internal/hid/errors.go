package hid

import "errors"

var (
	// ErrTapCreate is returned when the platform refuses to create an input tap.
	ErrTapCreate = errors.New("hid: tap creation failed")
	// ErrLoopStart is returned when the event loop cannot register the taps.
	ErrLoopStart = errors.New("hid: event loop failed to start")
	// ErrNotInitialized is returned by operations that need installed taps.
	ErrNotInitialized = errors.New("hid: listener not initialized")
	// ErrUnavailable is returned by backends that cannot run on this build.
	ErrUnavailable = errors.New("hid: input taps unavailable on this platform")
)
