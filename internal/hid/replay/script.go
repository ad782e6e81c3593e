// Package replay implements hid.Backend by playing a YAML script of raw
// events through the taps. It drives the full engine without touching the
// operating system.
package replay

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/hidlistener/internal/hid"
)

// Script is a sequence of raw events.
type Script struct {
	// Pointer is the initial global pointer position.
	Pointer Point  `yaml:"pointer"`
	Events  []Step `yaml:"events"`
}

// Point is a screen position.
type Point struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Step is one raw event, or a pause when only Delay is set.
type Step struct {
	Type       string        `yaml:"type"`
	Delay      time.Duration `yaml:"delay"`
	KeyCode    int           `yaml:"keyCode"`
	Flags      uint64        `yaml:"flags"`
	Modifiers  int           `yaml:"modifiers"`
	Characters string        `yaml:"characters"`
	// Unmodified defaults to Characters.
	Unmodified *string `yaml:"charactersIgnoringModifiers"`
	Media      string  `yaml:"media"`
	Down       bool    `yaml:"down"`
	Data1      *int64  `yaml:"data1"`
	Vertical   int64   `yaml:"vertical"`
	Horizontal int64   `yaml:"horizontal"`
	// At moves the pointer before the event is delivered.
	At *Point `yaml:"at"`

	raw *rawEvent
}

// Load reads a script file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("replay: read script: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes and validates a script.
func Parse(r io.Reader) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("replay: decode script: %w", err)
	}
	for i := range s.Events {
		if err := s.Events[i].compile(); err != nil {
			return nil, fmt.Errorf("replay: event %d: %w", i, err)
		}
	}
	return &s, nil
}

func (st *Step) compile() error {
	if st.Type == "" {
		if st.Delay <= 0 {
			return fmt.Errorf("step needs a type or a delay")
		}
		return nil
	}
	typ, ok := hid.ParseRawEventType(st.Type)
	if !ok {
		return fmt.Errorf("unknown event type %q", st.Type)
	}

	ev := &rawEvent{
		typ:       typ,
		keyCode:   st.KeyCode,
		flags:     st.Flags,
		modifiers: st.Modifiers,
		chars:     st.Characters,
		charsIgn:  st.Characters,
		vertical:  st.Vertical,
		horiz:     st.Horizontal,
	}
	if st.Unmodified != nil {
		ev.charsIgn = *st.Unmodified
	}

	if typ == hid.RawSystemDefined {
		switch {
		case st.Data1 != nil:
			ev.data1 = *st.Data1
		case st.Media != "":
			var kind hid.MediaKeyKind
			if err := kind.UnmarshalText([]byte(st.Media)); err != nil {
				return err
			}
			data1, ok := hid.EncodeMediaData1(kind, st.Down)
			if !ok {
				return fmt.Errorf("media key %q has no payload", st.Media)
			}
			ev.data1 = data1
		default:
			return fmt.Errorf("systemDefined needs media or data1")
		}
	}
	st.raw = ev
	return nil
}

// tapFor returns the tap an event type arrives on.
func tapFor(t hid.RawEventType) hid.TapKind {
	switch {
	case hid.KeyboardMask.Has(t):
		return hid.TapKeyboard
	case hid.MediaMask.Has(t):
		return hid.TapMedia
	default:
		return hid.TapMouse
	}
}

// rawEvent is a scripted event.
type rawEvent struct {
	typ       hid.RawEventType
	keyCode   int
	flags     uint64
	modifiers int
	chars     string
	charsIgn  string
	data1     int64
	vertical  int64
	horiz     int64
}

func (e *rawEvent) Type() hid.RawEventType              { return e.typ }
func (e *rawEvent) KeyCode() int                        { return e.keyCode }
func (e *rawEvent) Flags() uint64                       { return e.flags }
func (e *rawEvent) Modifiers() int                      { return e.modifiers }
func (e *rawEvent) Characters() string                  { return e.chars }
func (e *rawEvent) CharactersIgnoringModifiers() string { return e.charsIgn }
func (e *rawEvent) Data1() int64                        { return e.data1 }
func (e *rawEvent) ScrollDelta() (int64, int64)         { return e.vertical, e.horiz }
func (e *rawEvent) Retain()                             {}
func (e *rawEvent) Release()                            {}
