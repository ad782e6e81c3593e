//go:build cgo

package uiohook

import (
	"sync"
	"sync/atomic"

	hook "github.com/robotn/gohook"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/logging"
)

var log = logging.L("uiohook")

type tap struct {
	kind   hid.TapKind
	mask   hid.EventMask
	cb     hid.Callback
	active atomic.Bool
}

func (t *tap) Kind() hid.TapKind { return t.kind }

// Backend splits the single libuiohook stream into logical taps, each with
// its own active bit.
type Backend struct {
	mu         sync.Mutex
	taps       [3]*tap
	running    bool
	stop       chan struct{}
	stopClosed bool
	x, y       atomic.Int64
}

// New returns a backend. libuiohook is not started until Run.
func New() *Backend {
	return &Backend{stop: make(chan struct{})}
}

func (b *Backend) CreateTap(kind hid.TapKind, mask hid.EventMask, cb hid.Callback) (hid.Tap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.taps[kind] != nil {
		return nil, errAlreadyCreated(kind)
	}
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
	if b.running {
		b.mu.Unlock()
		ready(errAlreadyRunning)
		return
	}
	b.running = true
	stop := b.stop
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		if b.stopClosed {
			b.stop = make(chan struct{})
			b.stopClosed = false
		}
		b.mu.Unlock()
	}()

	events := hook.Start()
	for _, t := range taps {
		b.EnableTap(t, true)
	}
	ready(nil)
	log.Debug("libuiohook started", "taps", len(taps))

	tr := newTranslator()
	for {
		select {
		case <-stop:
			hook.End()
			log.Debug("libuiohook stopped")
			return
		case e, ok := <-events:
			if !ok {
				log.Warn("libuiohook event stream closed")
				return
			}
			ready := tr.translate(e)
			b.x.Store(int64(tr.x))
			b.y.Store(int64(tr.y))
			for _, r := range ready {
				b.dispatch(r)
			}
		}
	}
}

func (b *Backend) dispatch(r routed) {
	b.mu.Lock()
	t := b.taps[r.kind]
	b.mu.Unlock()
	if t == nil || !t.active.Load() || !t.mask.Has(r.ev.typ) {
		return
	}
	t.cb(r.ev)
}

func (b *Backend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopClosed {
		close(b.stop)
		b.stopClosed = true
	}
}

// PointerLocation returns the position of the last pointer event seen.
func (b *Backend) PointerLocation() (float64, float64) {
	return float64(b.x.Load()), float64(b.y.Load())
}
