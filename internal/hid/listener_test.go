package hid

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestListener(t *testing.T, b *fakeBackend, tr Transport) *Listener {
	t.Helper()
	l := NewListener(Options{Backend: b, StartEnabled: true, Transport: tr, OwnerQueue: 16})
	if !l.Root() {
		t.Fatal("first listener is not root")
	}
	t.Cleanup(func() { l.Close(context.Background()) })
	return l
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInitializeCreatesTapsInOrder(t *testing.T) {
	b := newFakeBackend()
	l := newTestListener(t, b, nil)

	if err := l.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(b.created) != 3 {
		t.Fatalf("created %d taps, want 3", len(b.created))
	}
	wantKinds := []TapKind{TapKeyboard, TapMedia, TapMouse}
	wantMasks := []EventMask{KeyboardMask, MediaMask, MouseMask}
	for i, tap := range b.created {
		if tap.kind != wantKinds[i] || tap.mask != wantMasks[i] {
			t.Errorf("tap %d = %s/%b, want %s/%b", i, tap.kind, tap.mask, wantKinds[i], wantMasks[i])
		}
		if !tap.enabled {
			t.Errorf("tap %s not enabled by the loop", tap.kind)
		}
	}
	if !l.Stats().Installed {
		t.Fatal("stats report not installed")
	}
}

func TestSecondInitializeIsNoop(t *testing.T) {
	b := newFakeBackend()
	l := newTestListener(t, b, nil)

	if err := l.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if len(b.created) != 3 || b.runCalled != 1 {
		t.Fatalf("created=%d runs=%d, want 3 and 1", len(b.created), b.runCalled)
	}
}

func TestPartialTapFailureReleasesAcquired(t *testing.T) {
	b := newFakeBackend()
	b.failOn(TapMedia)
	l := newTestListener(t, b, nil)

	err := l.Initialize(context.Background())
	if !errors.Is(err, ErrTapCreate) {
		t.Fatalf("err = %v, want ErrTapCreate", err)
	}
	if len(b.released) != 1 || b.released[0] != TapKeyboard {
		t.Fatalf("released = %v, want [keyboard]", b.released)
	}
	if l.Initialized() || l.Stats().Installed {
		t.Fatal("listener reports installed after failure")
	}
	if l.SetKeyboardDestination(5) {
		t.Fatal("destination accepted after failed Initialize")
	}

	b.failKind = nil
	if err := l.Initialize(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !l.Initialized() {
		t.Fatal("retry did not initialize")
	}
}

func TestLoopFailureReleasesAllTaps(t *testing.T) {
	b := newFakeBackend()
	b.failLoop = errors.New("no run loop")
	l := newTestListener(t, b, nil)

	err := l.Initialize(context.Background())
	if !errors.Is(err, ErrLoopStart) {
		t.Fatalf("err = %v, want ErrLoopStart", err)
	}
	want := []TapKind{TapMouse, TapMedia, TapKeyboard}
	if len(b.released) != len(want) {
		t.Fatalf("released = %v, want %v", b.released, want)
	}
	for i := range want {
		if b.released[i] != want[i] {
			t.Fatalf("released = %v, want %v", b.released, want)
		}
	}
}

func TestDestinationBeforeInitializeFails(t *testing.T) {
	b := newFakeBackend()
	l := newTestListener(t, b, nil)

	if l.SetKeyboardDestination(7) {
		t.Fatal("SetKeyboardDestination succeeded before Initialize")
	}
	if l.SetMouseDestination(8) {
		t.Fatal("SetMouseDestination succeeded before Initialize")
	}
	s := l.Stats()
	if s.KeyboardDestination != 0 || s.MouseDestination != 0 {
		t.Fatalf("destinations changed: %+v", s)
	}

	if err := l.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !l.SetKeyboardDestination(7) || !l.SetMouseDestination(8) {
		t.Fatal("destinations refused after Initialize")
	}
	s = l.Stats()
	if s.KeyboardDestination != 7 || s.MouseDestination != 8 {
		t.Fatalf("destinations = %+v", s)
	}
}

func TestSecondListenerSharesSingleton(t *testing.T) {
	b := newFakeBackend()
	root := newTestListener(t, b, nil)
	if err := root.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	other := newFakeBackend()
	second := NewListener(Options{Backend: other})
	if second.Root() {
		t.Fatal("second listener claimed root")
	}
	if err := second.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(other.created) != 0 || len(b.created) != 3 {
		t.Fatalf("duplicate taps: other=%d root=%d", len(other.created), len(b.created))
	}

	second.Close(context.Background())
	if Current() == nil {
		t.Fatal("non-root Close cleared the singleton")
	}
	if !root.Initialized() {
		t.Fatal("non-root Close tore down the taps")
	}
	if !second.SetMouseDestination(3) || root.Stats().MouseDestination != 3 {
		t.Fatal("non-root handle does not share engine state")
	}
}

func TestCloseClearsSingletonAndReleasesTaps(t *testing.T) {
	b := newFakeBackend()
	l := NewListener(Options{Backend: b, StartEnabled: true})
	if err := l.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	l.Close(context.Background())

	if Current() != nil {
		t.Fatal("singleton still set after root Close")
	}
	if len(b.released) != 3 {
		t.Fatalf("released %d taps, want 3", len(b.released))
	}
	for _, tap := range b.created {
		if tap.enabled {
			t.Fatalf("tap %s still enabled after Close", tap.kind)
		}
	}

	next := NewListener(Options{Backend: newFakeBackend()})
	defer next.Close(context.Background())
	if !next.Root() {
		t.Fatal("listener after Close is not root")
	}
}

func TestSetEnabledFalseStopsDeliveryButPassesEventsThrough(t *testing.T) {
	b := newFakeBackend()
	tr := &fakeTransport{}
	l := newTestListener(t, b, tr)
	if err := l.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.SetKeyboardDestination(1)
	l.SetMouseDestination(2)

	l.SetEnabled(false)
	for _, tap := range b.created {
		if tap.enabled {
			t.Fatalf("tap %s still active", tap.kind)
		}
	}

	// Call the callbacks directly to cover events already in flight when
	// the taps were deactivated.
	events := []struct {
		kind TapKind
		ev   *fakeRaw
	}{
		{TapKeyboard, &fakeRaw{typ: RawKeyDown, chars: "a"}},
		{TapMedia, &fakeRaw{typ: RawSystemDefined, data1: mediaData1(nxKeytypePlay, 0xA)}},
		{TapMouse, &fakeRaw{typ: RawLeftMouseDown}},
	}
	for _, e := range events {
		b.tap(e.kind).cb(e.ev)
		if got := b.deliver(e.kind, e.ev); got != RawEvent(e.ev) {
			t.Fatalf("%s: original event not returned", e.kind)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(tr.received()); n != 0 {
		t.Fatalf("%d events delivered while disabled", n)
	}
	if len(b.created) != 3 || len(b.released) != 0 {
		t.Fatal("SetEnabled recreated or released taps")
	}

	l.SetEnabled(true)
	b.deliver(TapMouse, &fakeRaw{typ: RawRightMouseUp})
	b.deliver(TapKeyboard, &fakeRaw{typ: RawKeyUp, chars: "a"})
	waitFor(t, func() bool { return len(tr.received()) == 2 })
}

func TestStartDisabledLeavesTapsInactive(t *testing.T) {
	b := newFakeBackend()
	l := NewListener(Options{Backend: b, StartEnabled: false})
	t.Cleanup(func() { l.Close(context.Background()) })

	if err := l.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, tap := range b.created {
		if tap.enabled {
			t.Fatalf("tap %s active although listener starts disabled", tap.kind)
		}
	}
}

func TestTapSelectionCreatesOnlySelected(t *testing.T) {
	b := newFakeBackend()
	l := NewListener(Options{Backend: b, Taps: TapSelection{Mouse: true}, StartEnabled: true})
	t.Cleanup(func() { l.Close(context.Background()) })

	if err := l.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(b.created) != 1 || b.created[0].kind != TapMouse {
		t.Fatalf("created = %+v", b.created)
	}
}

func TestEndToEndKeyboardThroughOwner(t *testing.T) {
	b := newFakeBackend()
	tr := &fakeTransport{}
	l := newTestListener(t, b, tr)
	if err := l.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.SetKeyboardDestination(9)

	b.deliver(TapKeyboard, &fakeRaw{typ: RawFlagsChanged, flags: flagsLeftShift, keyCode: 56})
	b.deliver(TapKeyboard, &fakeRaw{typ: RawFlagsChanged, flags: flagsNone, keyCode: 56})
	waitFor(t, func() bool { return len(tr.received()) == 2 })

	got := tr.received()
	if got[0].value.(KeyboardEvent).Type != KeyDown || got[1].value.(KeyboardEvent).Type != KeyUp {
		t.Fatalf("sequence = %+v", got)
	}
}
