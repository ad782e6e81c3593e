package hid

import "fmt"

// KeyEventType is the direction of a keyboard transition.
type KeyEventType int

const (
	KeyDown KeyEventType = iota
	KeyUp
)

var keyEventNames = [...]string{KeyDown: "keyDown", KeyUp: "keyUp"}

func (t KeyEventType) String() string {
	if t >= 0 && int(t) < len(keyEventNames) {
		return keyEventNames[t]
	}
	return fmt.Sprintf("KeyEventType(%d)", int(t))
}

func (t KeyEventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *KeyEventType) UnmarshalText(b []byte) error {
	return parseEnum(b, keyEventNames[:], (*int)(t), "key event type")
}

// MediaKeyKind identifies a media or function key. The zero value means the
// event did not come from a media key.
type MediaKeyKind int

const (
	MediaNone MediaKeyKind = iota
	MediaPlay
	MediaPrevious
	MediaNext
	MediaRewind
	MediaFastForward
	MediaMute
	MediaBrightnessUp
	MediaBrightnessDown
	MediaVolumeUp
	MediaVolumeDown
)

var mediaKeyNames = [...]string{
	MediaNone:           "",
	MediaPlay:           "play",
	MediaPrevious:       "previous",
	MediaNext:           "next",
	MediaRewind:         "rewind",
	MediaFastForward:    "fastForward",
	MediaMute:           "mute",
	MediaBrightnessUp:   "brightnessUp",
	MediaBrightnessDown: "brightnessDown",
	MediaVolumeUp:       "volumeUp",
	MediaVolumeDown:     "volumeDown",
}

func (k MediaKeyKind) String() string {
	if k >= 0 && int(k) < len(mediaKeyNames) {
		if k == MediaNone {
			return "none"
		}
		return mediaKeyNames[k]
	}
	return fmt.Sprintf("MediaKeyKind(%d)", int(k))
}

func (k MediaKeyKind) MarshalText() ([]byte, error) {
	if k == MediaNone {
		return []byte{}, nil
	}
	return []byte(k.String()), nil
}

func (k *MediaKeyKind) UnmarshalText(b []byte) error {
	return parseEnum(b, mediaKeyNames[:], (*int)(k), "media key")
}

// KeyboardEvent is a decoded key, modifier or media key transition.
//
// Events built from a modifier-only transition always carry empty
// Characters and CharactersIgnoringModifiers.
type KeyboardEvent struct {
	Type                        KeyEventType `json:"type" yaml:"type"`
	Characters                  string       `json:"characters" yaml:"characters"`
	CharactersIgnoringModifiers string       `json:"charactersIgnoringModifiers" yaml:"charactersIgnoringModifiers"`
	KeyCode                     int          `json:"keyCode" yaml:"keyCode"`
	Modifiers                   int          `json:"modifiers" yaml:"modifiers"`
	IsMedia                     bool         `json:"isMedia" yaml:"isMedia"`
	MediaKey                    MediaKeyKind `json:"mediaKey,omitempty" yaml:"mediaKey,omitempty"`
}

// MouseEventType classifies a decoded pointer event.
type MouseEventType int

const (
	MouseLeftDown MouseEventType = iota
	MouseLeftUp
	MouseRightDown
	MouseRightUp
	MouseMove
	MouseScrollVertical
	MouseScrollHorizontal
)

var mouseEventNames = [...]string{
	MouseLeftDown:         "leftDown",
	MouseLeftUp:           "leftUp",
	MouseRightDown:        "rightDown",
	MouseRightUp:          "rightUp",
	MouseMove:             "move",
	MouseScrollVertical:   "scrollVertical",
	MouseScrollHorizontal: "scrollHorizontal",
}

func (t MouseEventType) String() string {
	if t >= 0 && int(t) < len(mouseEventNames) {
		return mouseEventNames[t]
	}
	return fmt.Sprintf("MouseEventType(%d)", int(t))
}

func (t MouseEventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *MouseEventType) UnmarshalText(b []byte) error {
	return parseEnum(b, mouseEventNames[:], (*int)(t), "mouse event type")
}

// MouseEvent is a decoded pointer event. WheelDelta is zero unless Type is
// one of the scroll kinds.
type MouseEvent struct {
	X          float64        `json:"x" yaml:"x"`
	Y          float64        `json:"y" yaml:"y"`
	Type       MouseEventType `json:"type" yaml:"type"`
	WheelDelta int64          `json:"wheelDelta,omitempty" yaml:"wheelDelta,omitempty"`
}

func parseEnum(b []byte, names []string, dst *int, what string) error {
	s := string(b)
	for i, name := range names {
		if name == s {
			*dst = i
			return nil
		}
	}
	return fmt.Errorf("hid: unknown %s %q", what, s)
}
