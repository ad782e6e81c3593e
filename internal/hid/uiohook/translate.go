//go:build cgo

// Package uiohook implements hid.Backend on top of libuiohook through
// github.com/robotn/gohook. libuiohook delivers one stream for every device,
// so the backend splits it into the keyboard, media and mouse taps.
package uiohook

import (
	"unicode"

	hook "github.com/robotn/gohook"

	"github.com/breeze-rmm/hidlistener/internal/hid"
)

// libuiohook virtual key codes the translator cares about.
const (
	vcShiftL   = 0x002A
	vcShiftR   = 0x0036
	vcControlL = 0x001D
	vcControlR = 0x0E1D
	vcAltL     = 0x0038
	vcAltR     = 0x0E38
	vcMetaL    = 0x0E5B
	vcMetaR    = 0x0E5C
	vcCapsLock = 0x003A

	vcMediaPlay     = 0xE022
	vcMediaPrevious = 0xE010
	vcMediaNext     = 0xE019
	vcVolumeMute    = 0xE020
	vcVolumeUp      = 0xE030
	vcVolumeDown    = 0xE02E
)

// libuiohook mouse buttons, masks and wheel directions.
const (
	mouseButton1 = 1
	mouseButton2 = 2

	maskModifiers = 0x00FF
	maskButton1   = 1 << 8

	wheelVertical   = 3
	wheelHorizontal = 4

	charUndefined = 0xFFFF
)

// modifierBase mirrors the CoreGraphics layout where a mask with no
// modifier held still carries bit 8.
const modifierBase = 0x100

var modifierKeys = map[uint16]bool{
	vcShiftL: true, vcShiftR: true,
	vcControlL: true, vcControlR: true,
	vcAltL: true, vcAltR: true,
	vcMetaL: true, vcMetaR: true,
	vcCapsLock: true,
}

// mediaCodes maps libuiohook media keys onto the media tap, which expects
// the same packed payload CoreGraphics produces.
var mediaCodes = map[uint16]hid.MediaKeyKind{
	vcVolumeUp:      hid.MediaVolumeUp,
	vcVolumeDown:    hid.MediaVolumeDown,
	vcVolumeMute:    hid.MediaMute,
	vcMediaPlay:     hid.MediaPlay,
	vcMediaNext:     hid.MediaNext,
	vcMediaPrevious: hid.MediaPrevious,
}

// rawEvent is a translated libuiohook event. It owns copies of everything,
// so Retain and Release have nothing to do.
type rawEvent struct {
	typ       hid.RawEventType
	keyCode   int
	flags     uint64
	modifiers int
	chars     string
	data1     int64
	vertical  int64
	horiz     int64
}

func (e *rawEvent) Type() hid.RawEventType      { return e.typ }
func (e *rawEvent) KeyCode() int                { return e.keyCode }
func (e *rawEvent) Flags() uint64               { return e.flags }
func (e *rawEvent) Modifiers() int              { return e.modifiers }
func (e *rawEvent) Characters() string          { return e.chars }
func (e *rawEvent) Data1() int64                { return e.data1 }
func (e *rawEvent) ScrollDelta() (int64, int64) { return e.vertical, e.horiz }
func (e *rawEvent) Retain()                     {}
func (e *rawEvent) Release()                    {}

// CharactersIgnoringModifiers approximates the unshifted text by folding
// letters to lower case.
func (e *rawEvent) CharactersIgnoringModifiers() string {
	out := []rune(e.chars)
	for i, r := range out {
		out[i] = unicode.ToLower(r)
	}
	return string(out)
}

func modifierFlags(mask uint16) uint64 {
	return uint64(mask&maskModifiers)<<16 | modifierBase
}

// translator turns the libuiohook stream into raw events. libuiohook
// reports a key press before the character it types, so a press is held
// back until the matching typed event or the next unrelated event.
type translator struct {
	pending *rawEvent
	typed   map[int]string
	x, y    float64
}

func newTranslator() *translator {
	return &translator{typed: make(map[int]string)}
}

type routed struct {
	kind hid.TapKind
	ev   *rawEvent
}

// translate returns the events that are ready for delivery.
func (tr *translator) translate(e hook.Event) []routed {
	if e.Kind == hook.KeyDown {
		if tr.pending != nil && e.Keychar != charUndefined && e.Keychar != 0 {
			tr.pending.chars = string(e.Keychar)
			tr.typed[tr.pending.keyCode] = tr.pending.chars
			out := []routed{{hid.TapKeyboard, tr.pending}}
			tr.pending = nil
			return out
		}
		return nil
	}

	var out []routed
	if tr.pending != nil {
		out = append(out, routed{hid.TapKeyboard, tr.pending})
		tr.pending = nil
	}

	switch e.Kind {
	case hook.KeyHold:
		if kind, ok := mediaCodes[e.Keycode]; ok {
			return append(out, routed{hid.TapMedia, mediaEvent(kind, true)})
		}
		ev := tr.keyEvent(e)
		if modifierKeys[e.Keycode] {
			ev.typ = hid.RawFlagsChanged
			return append(out, routed{hid.TapKeyboard, ev})
		}
		ev.typ = hid.RawKeyDown
		tr.pending = ev
	case hook.KeyUp:
		if kind, ok := mediaCodes[e.Keycode]; ok {
			return append(out, routed{hid.TapMedia, mediaEvent(kind, false)})
		}
		ev := tr.keyEvent(e)
		if modifierKeys[e.Keycode] {
			ev.typ = hid.RawFlagsChanged
		} else {
			ev.typ = hid.RawKeyUp
			ev.chars = tr.typed[ev.keyCode]
			delete(tr.typed, ev.keyCode)
		}
		out = append(out, routed{hid.TapKeyboard, ev})
	case hook.MouseHold, hook.MouseDown:
		tr.x, tr.y = float64(e.X), float64(e.Y)
		if ev := mouseButtonEvent(e); ev != nil {
			out = append(out, routed{hid.TapMouse, ev})
		}
	case hook.MouseMove:
		tr.x, tr.y = float64(e.X), float64(e.Y)
		out = append(out, routed{hid.TapMouse, &rawEvent{typ: hid.RawMouseMoved}})
	case hook.MouseDrag:
		tr.x, tr.y = float64(e.X), float64(e.Y)
		typ := hid.RawRightMouseDragged
		if e.Mask&maskButton1 != 0 {
			typ = hid.RawLeftMouseDragged
		}
		out = append(out, routed{hid.TapMouse, &rawEvent{typ: typ}})
	case hook.MouseWheel:
		// libuiohook rotation is positive downwards; CoreGraphics axes are
		// positive upwards.
		delta := -int64(e.Rotation)
		ev := &rawEvent{typ: hid.RawScrollWheel}
		switch e.Direction {
		case wheelHorizontal:
			ev.horiz = delta
		default:
			ev.vertical = delta
		}
		out = append(out, routed{hid.TapMouse, ev})
	}
	return out
}

func (tr *translator) keyEvent(e hook.Event) *rawEvent {
	return &rawEvent{
		keyCode:   int(e.Keycode),
		flags:     modifierFlags(e.Mask),
		modifiers: int(e.Mask & maskModifiers),
	}
}

func mouseButtonEvent(e hook.Event) *rawEvent {
	down := e.Kind == hook.MouseHold
	switch {
	case e.Button == mouseButton1 && down:
		return &rawEvent{typ: hid.RawLeftMouseDown}
	case e.Button == mouseButton1:
		return &rawEvent{typ: hid.RawLeftMouseUp}
	case e.Button == mouseButton2 && down:
		return &rawEvent{typ: hid.RawRightMouseDown}
	case e.Button == mouseButton2:
		return &rawEvent{typ: hid.RawRightMouseUp}
	default:
		return nil
	}
}

func mediaEvent(kind hid.MediaKeyKind, down bool) *rawEvent {
	data1, _ := hid.EncodeMediaData1(kind, down)
	return &rawEvent{typ: hid.RawSystemDefined, data1: data1}
}
