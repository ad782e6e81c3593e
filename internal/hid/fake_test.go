package hid

import (
	"errors"
	"sync"

	"github.com/breeze-rmm/hidlistener/internal/payload"
)

type fakeRaw struct {
	typ       RawEventType
	keyCode   int
	flags     uint64
	modifiers int
	chars     string
	charsIgn  string
	data1     int64
	vertical  int64
	horiz     int64

	mu        sync.Mutex
	textReads int
	retains   int
	releases  int
}

func (e *fakeRaw) Type() RawEventType { return e.typ }
func (e *fakeRaw) KeyCode() int       { return e.keyCode }
func (e *fakeRaw) Flags() uint64      { return e.flags }
func (e *fakeRaw) Modifiers() int     { return e.modifiers }
func (e *fakeRaw) Data1() int64       { return e.data1 }

func (e *fakeRaw) Characters() string {
	e.mu.Lock()
	e.textReads++
	e.mu.Unlock()
	return e.chars
}

func (e *fakeRaw) CharactersIgnoringModifiers() string {
	e.mu.Lock()
	e.textReads++
	e.mu.Unlock()
	return e.charsIgn
}

func (e *fakeRaw) ScrollDelta() (int64, int64) { return e.vertical, e.horiz }

func (e *fakeRaw) Retain() {
	e.mu.Lock()
	e.retains++
	e.mu.Unlock()
}

func (e *fakeRaw) Release() {
	e.mu.Lock()
	e.releases++
	e.mu.Unlock()
}

func (e *fakeRaw) balanced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retains == e.releases
}

type fakeTap struct {
	kind    TapKind
	mask    EventMask
	cb      Callback
	enabled bool
}

func (t *fakeTap) Kind() TapKind { return t.kind }

type fakeBackend struct {
	mu        sync.Mutex
	created   []*fakeTap
	released  []TapKind
	failKind  *TapKind
	failLoop  error
	stop      chan struct{}
	stopOnce  sync.Once
	x, y      float64
	runCalled int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{stop: make(chan struct{})}
}

func (b *fakeBackend) failOn(kind TapKind) { b.failKind = &kind }

func (b *fakeBackend) CreateTap(kind TapKind, mask EventMask, cb Callback) (Tap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failKind != nil && *b.failKind == kind {
		return nil, errors.New("refused")
	}
	t := &fakeTap{kind: kind, mask: mask, cb: cb}
	b.created = append(b.created, t)
	return t, nil
}

func (b *fakeBackend) EnableTap(tap Tap, enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tap.(*fakeTap).enabled = enabled
}

func (b *fakeBackend) ReleaseTap(tap Tap) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, tap.Kind())
}

func (b *fakeBackend) Run(taps []Tap, ready func(error)) {
	b.mu.Lock()
	b.runCalled++
	failLoop := b.failLoop
	b.mu.Unlock()

	if failLoop != nil {
		ready(failLoop)
		return
	}
	for _, t := range taps {
		b.EnableTap(t, true)
	}
	ready(nil)
	<-b.stop
}

func (b *fakeBackend) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *fakeBackend) PointerLocation() (float64, float64) { return b.x, b.y }

func (b *fakeBackend) tap(kind TapKind) *fakeTap {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.created) - 1; i >= 0; i-- {
		if b.created[i].kind == kind {
			return b.created[i]
		}
	}
	return nil
}

// deliver mimics the platform callback: the tap's callback observes the
// event and the very same event is handed back to the OS.
func (b *fakeBackend) deliver(kind TapKind, ev RawEvent) RawEvent {
	t := b.tap(kind)
	if t == nil {
		return ev
	}
	b.mu.Lock()
	enabled := t.enabled
	b.mu.Unlock()
	if enabled {
		t.cb(ev)
	}
	return ev
}

type post struct {
	port  Port
	value any
}

type fakeTransport struct {
	mu     sync.Mutex
	posts  []post
	refuse bool
}

func (t *fakeTransport) Post(port Port, h payload.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refuse {
		return false
	}
	v, err := h.Take()
	if err != nil {
		return false
	}
	t.posts = append(t.posts, post{port: port, value: v})
	return true
}

func (t *fakeTransport) received() []post {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]post, len(t.posts))
	copy(out, t.posts)
	return out
}
