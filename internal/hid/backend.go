package hid

import "fmt"

// TapKind names one of the three input taps.
type TapKind int

const (
	TapKeyboard TapKind = iota
	TapMedia
	TapMouse
)

func (k TapKind) String() string {
	switch k {
	case TapKeyboard:
		return "keyboard"
	case TapMedia:
		return "media"
	case TapMouse:
		return "mouse"
	default:
		return fmt.Sprintf("TapKind(%d)", int(k))
	}
}

// Mask returns the event mask the tap is created with.
func (k TapKind) Mask() EventMask {
	switch k {
	case TapKeyboard:
		return KeyboardMask
	case TapMedia:
		return MediaMask
	case TapMouse:
		return MouseMask
	default:
		return 0
	}
}

// Callback observes one raw event on the hook thread. It must not block.
// The backend returns the original event to the OS after the callback.
type Callback func(RawEvent)

// Tap is a backend-owned hook handle.
type Tap interface {
	Kind() TapKind
}

// Backend abstracts the platform hook API.
type Backend interface {
	// CreateTap acquires one hook. The tap stays inactive until the loop
	// enables it.
	CreateTap(kind TapKind, mask EventMask, cb Callback) (Tap, error)
	// EnableTap flips the tap's active bit without releasing it.
	EnableTap(tap Tap, enabled bool)
	// ReleaseTap frees a tap created by CreateTap.
	ReleaseTap(tap Tap)
	// Run registers the taps with the platform event loop, enables them,
	// reports the outcome through ready and then runs the loop on the
	// calling OS thread until Stop. If registration fails Run calls ready
	// with the error and returns.
	Run(taps []Tap, ready func(error))
	// Stop makes a running Run return.
	Stop()
	// PointerLocation returns the current global pointer position.
	PointerLocation() (x, y float64)
}

// TapSelection chooses which taps Initialize creates.
type TapSelection struct {
	Keyboard bool
	Media    bool
	Mouse    bool
}

// AllTaps selects every tap.
func AllTaps() TapSelection {
	return TapSelection{Keyboard: true, Media: true, Mouse: true}
}

func (s TapSelection) kinds() []TapKind {
	var kinds []TapKind
	if s.Keyboard {
		kinds = append(kinds, TapKeyboard)
	}
	if s.Media {
		kinds = append(kinds, TapMedia)
	}
	if s.Mouse {
		kinds = append(kinds, TapMouse)
	}
	return kinds
}
