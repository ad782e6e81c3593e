package replay

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/logging"
)

var log = logging.L("replay")

type tap struct {
	kind   hid.TapKind
	mask   hid.EventMask
	cb     hid.Callback
	active atomic.Bool
}

func (t *tap) Kind() hid.TapKind { return t.kind }

// Backend plays a Script once Run has registered the taps. After the last
// event it keeps the loop alive until Stop, like a real event loop.
type Backend struct {
	script *Script

	mu         sync.Mutex
	taps       [3]*tap
	stop       chan struct{}
	stopClosed bool
	done       chan struct{}
	doneOnce   sync.Once

	x, y     atomic.Uint64
	played   atomic.Uint64
	observed atomic.Uint64
}

// New returns a backend for script.
func New(script *Script) *Backend {
	b := &Backend{
		script: script,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.setPointer(script.Pointer)
	return b
}

// Done is closed once every scripted event has been played.
func (b *Backend) Done() <-chan struct{} { return b.done }

// Played counts scripted events handed back to the system, which is every
// event whether or not a tap observed it.
func (b *Backend) Played() uint64 { return b.played.Load() }

// Observed counts events an active tap saw.
func (b *Backend) Observed() uint64 { return b.observed.Load() }

func (b *Backend) CreateTap(kind hid.TapKind, mask hid.EventMask, cb hid.Callback) (hid.Tap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &tap{kind: kind, mask: mask, cb: cb}
	b.taps[kind] = t
	return t, nil
}

func (b *Backend) EnableTap(ht hid.Tap, enabled bool) {
	ht.(*tap).active.Store(enabled)
}

func (b *Backend) ReleaseTap(ht hid.Tap) {
	t := ht.(*tap)
	t.active.Store(false)
	b.mu.Lock()
	if b.taps[t.kind] == t {
		b.taps[t.kind] = nil
	}
	b.mu.Unlock()
}

func (b *Backend) Run(taps []hid.Tap, ready func(error)) {
	b.mu.Lock()
	stop := b.stop
	b.mu.Unlock()

	for _, t := range taps {
		b.EnableTap(t, true)
	}
	ready(nil)
	log.Info("replaying script", "events", len(b.script.Events))

	for _, st := range b.script.Events {
		if st.Delay > 0 {
			select {
			case <-stop:
				b.finish()
				return
			case <-time.After(st.Delay):
			}
		}
		if st.raw == nil {
			continue
		}
		select {
		case <-stop:
			b.finish()
			return
		default:
		}
		if st.At != nil {
			b.setPointer(*st.At)
		}
		b.deliver(st.raw)
	}
	b.finish()
	<-stop

	b.mu.Lock()
	if b.stopClosed {
		b.stop = make(chan struct{})
		b.stopClosed = false
	}
	b.mu.Unlock()
}

func (b *Backend) finish() {
	b.doneOnce.Do(func() {
		close(b.done)
		log.Info("script finished", "played", b.played.Load(), "observed", b.observed.Load())
	})
}

func (b *Backend) deliver(ev *rawEvent) {
	defer b.played.Add(1)
	kind := tapFor(ev.typ)
	b.mu.Lock()
	t := b.taps[kind]
	b.mu.Unlock()
	if t == nil || !t.active.Load() || !t.mask.Has(ev.typ) {
		return
	}
	b.observed.Add(1)
	t.cb(ev)
}

func (b *Backend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopClosed {
		close(b.stop)
		b.stopClosed = true
	}
}

func (b *Backend) setPointer(p Point) {
	b.x.Store(math.Float64bits(p.X))
	b.y.Store(math.Float64bits(p.Y))
}

func (b *Backend) PointerLocation() (float64, float64) {
	return math.Float64frombits(b.x.Load()), math.Float64frombits(b.y.Load())
}
