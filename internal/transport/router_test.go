package transport

import (
	"testing"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/payload"
)

type recordingSink struct {
	events []any
	refuse bool
}

func (s *recordingSink) Deliver(port hid.Port, event any) bool {
	if s.refuse {
		return false
	}
	s.events = append(s.events, event)
	return true
}

func TestAllocateReturnsDistinctNonZeroPorts(t *testing.T) {
	r := NewRouter()
	a := r.Allocate(&recordingSink{})
	b := r.Allocate(&recordingSink{})
	if a == 0 || b == 0 {
		t.Fatalf("ports must be non-zero, got %d and %d", a, b)
	}
	if a == b {
		t.Fatalf("expected distinct ports, both %d", a)
	}
}

func TestPostDeliversToOwner(t *testing.T) {
	r := NewRouter()
	sink := &recordingSink{}
	port := r.Allocate(sink)

	h := payload.Box(hid.MouseEvent{X: 3, Y: 4, Type: hid.MouseMove})
	if !r.Post(port, h) {
		t.Fatal("post to owned port should be accepted")
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	ev, ok := sink.events[0].(hid.MouseEvent)
	if !ok || ev.X != 3 || ev.Type != hid.MouseMove {
		t.Errorf("unexpected event %#v", sink.events[0])
	}
	if _, err := h.Take(); err == nil {
		t.Error("handle should have been consumed by the router")
	}
	if got := r.Stats().Delivered; got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}
}

func TestPostUnknownPortLeavesHandle(t *testing.T) {
	r := NewRouter()
	h := payload.Box(hid.KeyboardEvent{KeyCode: 1})
	if r.Post(42, h) {
		t.Fatal("post to unknown port should be refused")
	}
	if _, err := h.Take(); err != nil {
		t.Errorf("refused handle should still be takeable: %v", err)
	}
	if got := r.Stats().Orphaned; got != 1 {
		t.Errorf("orphaned = %d, want 1", got)
	}
}

func TestReleasedPortRefusesPosts(t *testing.T) {
	r := NewRouter()
	port := r.Allocate(&recordingSink{})
	r.Release(port)
	if r.Owns(port) {
		t.Fatal("released port still owned")
	}
	h := payload.Box(hid.KeyboardEvent{})
	defer h.Release()
	if r.Post(port, h) {
		t.Error("post after release should be refused")
	}
}

func TestSinkRejectionStillConsumesHandle(t *testing.T) {
	r := NewRouter()
	port := r.Allocate(&recordingSink{refuse: true})
	h := payload.Box(hid.KeyboardEvent{})
	if !r.Post(port, h) {
		t.Fatal("router owns the handle once a sink is found")
	}
	if _, err := h.Take(); err == nil {
		t.Error("handle should be consumed even when the sink drops the event")
	}
	if got := r.Stats().Rejected; got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
}

func TestSinkFunc(t *testing.T) {
	r := NewRouter()
	var got hid.Port
	port := r.Allocate(SinkFunc(func(p hid.Port, _ any) bool {
		got = p
		return true
	}))
	r.Post(port, payload.Box(hid.KeyboardEvent{}))
	if got != port {
		t.Errorf("sink saw port %d, want %d", got, port)
	}
}
