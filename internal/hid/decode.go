package hid

// NX_KEYTYPE_* identifiers carried in bits 16-31 of a system-defined event.
const (
	nxKeytypeSoundUp        = 0
	nxKeytypeSoundDown      = 1
	nxKeytypeBrightnessUp   = 2
	nxKeytypeBrightnessDown = 3
	nxKeytypeMute           = 7
	nxKeytypePlay           = 16
	nxKeytypeNext           = 17
	nxKeytypePrevious       = 18
	nxKeytypeFast           = 19
	nxKeytypeRewind         = 20
)

// mediaKeyDown is the value of bits 8-15 when a media key goes down.
const mediaKeyDown = 0xA

var mediaKeys = map[uint32]MediaKeyKind{
	nxKeytypePlay:           MediaPlay,
	nxKeytypePrevious:       MediaPrevious,
	nxKeytypeNext:           MediaNext,
	nxKeytypeRewind:         MediaRewind,
	nxKeytypeFast:           MediaFastForward,
	nxKeytypeMute:           MediaMute,
	nxKeytypeBrightnessUp:   MediaBrightnessUp,
	nxKeytypeBrightnessDown: MediaBrightnessDown,
	nxKeytypeSoundUp:        MediaVolumeUp,
	nxKeytypeSoundDown:      MediaVolumeDown,
}

// DecodeKeyboard turns a key-down, key-up or flags-changed event into a
// KeyboardEvent. prev is the modifier mask of the previous keyboard event;
// the caller stores ev.Flags() afterwards. Text accessors are never called
// for flags-changed events.
func DecodeKeyboard(ev RawEvent, prev uint64) (KeyboardEvent, bool) {
	var k KeyboardEvent
	switch ev.Type() {
	case RawFlagsChanged:
		k.Type = classifyModifier(prev, ev.Flags())
	case RawKeyDown:
		k.Type = KeyDown
		k.Characters = ev.Characters()
		k.CharactersIgnoringModifiers = ev.CharactersIgnoringModifiers()
	case RawKeyUp:
		k.Type = KeyUp
		k.Characters = ev.Characters()
		k.CharactersIgnoringModifiers = ev.CharactersIgnoringModifiers()
	default:
		return KeyboardEvent{}, false
	}
	k.KeyCode = ev.KeyCode()
	k.Modifiers = ev.Modifiers()
	return k, true
}

// DecodeMediaData1 unpacks a system-defined payload. ok is false when the
// key identifier is not a known media key.
func DecodeMediaData1(data1 int64) (kind MediaKeyKind, down bool, ok bool) {
	code := (uint32(data1) & 0xFFFF0000) >> 16
	down = (data1&0xFF00)>>8 == mediaKeyDown
	kind, ok = mediaKeys[code]
	return kind, down, ok
}

// DecodeMedia turns a system-defined event into a media KeyboardEvent.
func DecodeMedia(ev RawEvent) (KeyboardEvent, bool) {
	if ev.Type() != RawSystemDefined {
		return KeyboardEvent{}, false
	}
	kind, down, ok := DecodeMediaData1(ev.Data1())
	if !ok {
		return KeyboardEvent{}, false
	}
	k := KeyboardEvent{
		Type:                        KeyUp,
		Characters:                  " ",
		CharactersIgnoringModifiers: " ",
		IsMedia:                     true,
		MediaKey:                    kind,
	}
	if down {
		k.Type = KeyDown
	}
	return k, true
}

// DecodeMouse classifies a pointer event and attaches the given global
// pointer position. The vertical scroll axis wins whenever it is non-zero;
// a scroll with both axes zero yields no event.
func DecodeMouse(ev RawEvent, x, y float64) (MouseEvent, bool) {
	m := MouseEvent{X: x, Y: y}
	switch ev.Type() {
	case RawLeftMouseDown:
		m.Type = MouseLeftDown
	case RawLeftMouseUp:
		m.Type = MouseLeftUp
	case RawRightMouseDown:
		m.Type = MouseRightDown
	case RawRightMouseUp:
		m.Type = MouseRightUp
	case RawMouseMoved, RawLeftMouseDragged, RawRightMouseDragged:
		m.Type = MouseMove
	case RawScrollWheel:
		v, h := ev.ScrollDelta()
		switch {
		case v != 0:
			m.Type = MouseScrollVertical
			m.WheelDelta = v
		case h != 0:
			m.Type = MouseScrollHorizontal
			m.WheelDelta = h
		default:
			return MouseEvent{}, false
		}
	default:
		return MouseEvent{}, false
	}
	return m, true
}

// EncodeMediaData1 packs a media key transition the way the platform does.
// Released keys carry 0xB in bits 8-15.
func EncodeMediaData1(kind MediaKeyKind, down bool) (int64, bool) {
	for code, k := range mediaKeys {
		if k != kind {
			continue
		}
		state := int64(0xB)
		if down {
			state = mediaKeyDown
		}
		return int64(code)<<16 | state<<8, true
	}
	return 0, false
}
