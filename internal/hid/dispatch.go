package hid

import (
	"sync/atomic"

	"github.com/breeze-rmm/hidlistener/internal/payload"
	"github.com/breeze-rmm/hidlistener/internal/workerpool"
)

// Transport carries a payload handle to the consumer behind port. It must
// not block. Returning false means the transport did not take ownership of
// the handle.
type Transport interface {
	Post(port Port, h payload.Handle) bool
}

// Strategy decides where decode and delivery run.
type Strategy interface {
	// Schedule runs work now or later. false means work was not accepted.
	Schedule(work func()) bool
}

// Inline runs work on the calling hook thread.
type Inline struct{}

func (Inline) Schedule(work func()) bool {
	work()
	return true
}

// Owner hops work onto a single designated processing context.
type Owner struct {
	Pool *workerpool.Pool
}

func (o Owner) Schedule(work func()) bool {
	return o.Pool.Submit(workerpool.Task(work))
}

type transportHolder struct{ t Transport }

// Dispatcher turns raw events from the taps into payloads posted to the
// consumer. Keyboard and media go through the owner strategy, mouse runs
// inline.
type Dispatcher struct {
	state     *EngineState
	owner     Strategy
	inline    Strategy
	pointer   func() (float64, float64)
	transport atomic.Pointer[transportHolder]
}

// NewDispatcher wires a dispatcher. pointer supplies the global pointer
// position for mouse events.
func NewDispatcher(state *EngineState, owner Strategy, pointer func() (float64, float64)) *Dispatcher {
	if owner == nil {
		owner = Inline{}
	}
	return &Dispatcher{
		state:   state,
		owner:   owner,
		inline:  Inline{},
		pointer: pointer,
	}
}

// SetTransport installs the transport used for every later delivery.
func (d *Dispatcher) SetTransport(t Transport) {
	if t == nil {
		d.transport.Store(nil)
		return
	}
	d.transport.Store(&transportHolder{t: t})
}

// Callback returns the tap callback for kind.
func (d *Dispatcher) Callback(kind TapKind) Callback {
	switch kind {
	case TapKeyboard:
		return d.onKeyboard
	case TapMedia:
		return d.onMedia
	default:
		return d.onMouse
	}
}

func (d *Dispatcher) gate(kind TapKind) (*streamCounters, bool) {
	c := d.state.counters(kind)
	c.observed.Add(1)
	if !d.state.enabled.Load() {
		c.gated.Add(1)
		return c, false
	}
	return c, true
}

func (d *Dispatcher) onKeyboard(ev RawEvent) {
	c, ok := d.gate(TapKeyboard)
	if !ok {
		return
	}
	ev.Retain()
	accepted := d.owner.Schedule(func() {
		defer ev.Release()
		edges := d.state.edges
		k, ok := DecodeKeyboard(ev, edges.Previous())
		if ok {
			d.deliver(c, Port(d.state.keyboardDest.Load()), k)
		} else {
			c.unmapped.Add(1)
		}
		edges.Store(ev.Flags())
	})
	if !accepted {
		ev.Release()
		c.dropped.Add(1)
	}
}

func (d *Dispatcher) onMedia(ev RawEvent) {
	c, ok := d.gate(TapMedia)
	if !ok {
		return
	}
	ev.Retain()
	accepted := d.owner.Schedule(func() {
		defer ev.Release()
		k, ok := DecodeMedia(ev)
		if !ok {
			c.unmapped.Add(1)
			log.Debug("unmapped media key", "data1", ev.Data1())
			return
		}
		d.deliver(c, Port(d.state.keyboardDest.Load()), k)
	})
	if !accepted {
		ev.Release()
		c.dropped.Add(1)
	}
}

func (d *Dispatcher) onMouse(ev RawEvent) {
	c, ok := d.gate(TapMouse)
	if !ok {
		return
	}
	d.inline.Schedule(func() {
		var x, y float64
		if d.pointer != nil {
			x, y = d.pointer()
		}
		m, ok := DecodeMouse(ev, x, y)
		if !ok {
			c.unmapped.Add(1)
			return
		}
		d.deliver(c, Port(d.state.mouseDest.Load()), m)
	})
}

// deliver checks the port before boxing so an unset destination allocates
// nothing. A handle the transport refuses is reclaimed here.
func (d *Dispatcher) deliver(c *streamCounters, port Port, v any) {
	if port == 0 {
		c.unrouted.Add(1)
		return
	}
	holder := d.transport.Load()
	if holder == nil {
		c.unrouted.Add(1)
		return
	}
	h := payload.Box(v)
	if !holder.t.Post(port, h) {
		h.Release()
		c.refused.Add(1)
		return
	}
	c.delivered.Add(1)
}
