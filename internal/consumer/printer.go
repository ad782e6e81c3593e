package consumer

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Printer writes events to an io.Writer, one per line.
type Printer struct {
	w    io.Writer
	json bool
	enc  *json.Encoder
}

// NewPrinter returns a printer for format "json" or "text".
func NewPrinter(w io.Writer, format string) *Printer {
	return &Printer{w: w, json: format == "json", enc: json.NewEncoder(w)}
}

type jsonLine struct {
	Stream string `json:"stream"`
	Kind   string `json:"kind"`
	Event  any    `json:"event,omitempty"`
}

// Print writes ev.
func (p *Printer) Print(ev Event) error {
	if p.json {
		line := jsonLine{Stream: string(ev.Stream)}
		switch ev.Kind {
		case EventKeyboard:
			line.Kind = "keyboard"
			line.Event = ev.Keyboard
		case EventMouse:
			line.Kind = "mouse"
			line.Event = ev.Mouse
		case EventRevoked:
			line.Kind = "revoked"
		}
		return p.enc.Encode(line)
	}

	var err error
	switch ev.Kind {
	case EventKeyboard:
		k := ev.Keyboard
		if k.IsMedia {
			_, err = fmt.Fprintf(p.w, "media    %-8s %s\n", k.Type, k.MediaKey)
		} else {
			_, err = fmt.Fprintf(p.w, "key      %-8s code=%d mods=%#x chars=%s raw=%s\n",
				k.Type, k.KeyCode, k.Modifiers, strconv.Quote(k.Characters), strconv.Quote(k.CharactersIgnoringModifiers))
		}
	case EventMouse:
		m := ev.Mouse
		if m.WheelDelta != 0 {
			_, err = fmt.Fprintf(p.w, "mouse    %-16s x=%.1f y=%.1f delta=%d\n", m.Type, m.X, m.Y, m.WheelDelta)
		} else {
			_, err = fmt.Fprintf(p.w, "mouse    %-16s x=%.1f y=%.1f\n", m.Type, m.X, m.Y)
		}
	case EventRevoked:
		_, err = fmt.Fprintf(p.w, "revoked  %s stream taken over by another consumer\n", ev.Stream)
	}
	return err
}
