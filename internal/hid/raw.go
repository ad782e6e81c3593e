package hid

import "strings"

// RawEventType is the platform-neutral class of an event observed by a tap.
type RawEventType int

const (
	RawKeyDown RawEventType = iota + 1
	RawKeyUp
	RawFlagsChanged
	RawSystemDefined
	RawLeftMouseDown
	RawLeftMouseUp
	RawRightMouseDown
	RawRightMouseUp
	RawMouseMoved
	RawLeftMouseDragged
	RawRightMouseDragged
	RawScrollWheel
)

var rawEventNames = map[RawEventType]string{
	RawKeyDown:           "keyDown",
	RawKeyUp:             "keyUp",
	RawFlagsChanged:      "flagsChanged",
	RawSystemDefined:     "systemDefined",
	RawLeftMouseDown:     "leftMouseDown",
	RawLeftMouseUp:       "leftMouseUp",
	RawRightMouseDown:    "rightMouseDown",
	RawRightMouseUp:      "rightMouseUp",
	RawMouseMoved:        "mouseMoved",
	RawLeftMouseDragged:  "leftMouseDragged",
	RawRightMouseDragged: "rightMouseDragged",
	RawScrollWheel:       "scrollWheel",
}

func (t RawEventType) String() string {
	if name, ok := rawEventNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseRawEventType maps a name produced by String back to its type.
func ParseRawEventType(s string) (RawEventType, bool) {
	for t, name := range rawEventNames {
		if strings.EqualFold(name, s) {
			return t, true
		}
	}
	return 0, false
}

// EventMask is a set of RawEventTypes a tap is interested in.
type EventMask uint64

// MaskOf builds a mask from the given types.
func MaskOf(types ...RawEventType) EventMask {
	var m EventMask
	for _, t := range types {
		m |= 1 << uint(t)
	}
	return m
}

// Has reports whether t is in the mask.
func (m EventMask) Has(t RawEventType) bool {
	return m&(1<<uint(t)) != 0
}

var (
	KeyboardMask = MaskOf(RawKeyDown, RawKeyUp, RawFlagsChanged)
	MediaMask    = MaskOf(RawSystemDefined)
	MouseMask    = MaskOf(
		RawLeftMouseDown, RawLeftMouseUp,
		RawRightMouseDown, RawRightMouseUp,
		RawMouseMoved, RawScrollWheel,
		RawLeftMouseDragged, RawRightMouseDragged,
	)
)

// RawEvent is a single event as delivered by a backend. Accessors that do
// not apply to the event's type return zero values.
//
// Characters and CharactersIgnoringModifiers may be expensive or unsafe to
// resolve on some platforms and are only called for key-down and key-up.
type RawEvent interface {
	Type() RawEventType
	KeyCode() int
	// Flags is the raw modifier bitmask used for edge detection.
	Flags() uint64
	// Modifiers is the platform's modifier value reported to consumers.
	Modifiers() int
	Characters() string
	CharactersIgnoringModifiers() string
	// Data1 is the packed payload of a system-defined event.
	Data1() int64
	// ScrollDelta returns the vertical (primary) and horizontal (secondary)
	// wheel axes.
	ScrollDelta() (vertical, horizontal int64)
	// Retain keeps the event valid past the tap callback. Each Retain is
	// paired with one Release.
	Retain()
	Release()
}
