//go:build darwin && cgo

// Package quartz implements hid.Backend with CoreGraphics event taps.
package quartz

/*
#cgo darwin CFLAGS: -x objective-c -fmodules -fobjc-arc
#cgo darwin LDFLAGS: -framework CoreGraphics -framework ApplicationServices -framework Cocoa
#include <ApplicationServices/ApplicationServices.h>
#include <Cocoa/Cocoa.h>
#include <CoreFoundation/CoreFoundation.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

// NX_SYSDEFINED, the class media and brightness keys arrive in.
#define hidSystemDefined 14

extern CGEventRef goTapCallback(CGEventTapProxy proxy, CGEventType type, CGEventRef event, void *userInfo);

static Boolean axTrusted(Boolean prompt) {
	const void *keys[] = { kAXTrustedCheckOptionPrompt };
	const void *values[] = { prompt ? kCFBooleanTrue : kCFBooleanFalse };
	CFDictionaryRef options = CFDictionaryCreate(kCFAllocatorDefault, keys, values, 1,
	                                             &kCFTypeDictionaryKeyCallBacks,
	                                             &kCFTypeDictionaryValueCallBacks);
	Boolean trusted = AXIsProcessTrustedWithOptions(options);
	CFRelease(options);
	return trusted;
}

static CFMachPortRef createTap(CGEventMask mask, uintptr_t handle) {
	CFMachPortRef tap = CGEventTapCreate(kCGSessionEventTap,
	                                     kCGHeadInsertEventTap,
	                                     kCGEventTapOptionDefault,
	                                     mask,
	                                     goTapCallback,
	                                     (void *)handle);
	if (tap != NULL) {
		CGEventTapEnable(tap, false);
	}
	return tap;
}

static CFRunLoopSourceRef addTapToCurrentLoop(CFMachPortRef tap) {
	CFRunLoopSourceRef source = CFMachPortCreateRunLoopSource(kCFAllocatorDefault, tap, 0);
	if (source != NULL) {
		CFRunLoopAddSource(CFRunLoopGetCurrent(), source, kCFRunLoopCommonModes);
	}
	return source;
}

static void removeSourceFromCurrentLoop(CFRunLoopSourceRef source) {
	CFRunLoopRemoveSource(CFRunLoopGetCurrent(), source, kCFRunLoopCommonModes);
	CFRelease(source);
}

static void runLoopSlice(double seconds) {
	CFRunLoopRunInMode(kCFRunLoopDefaultMode, seconds, false);
}

static void releaseTap(CFMachPortRef tap) {
	CFMachPortInvalidate(tap);
	CFRelease(tap);
}

static CGEventMask maskBit(int type) {
	return ((CGEventMask)1) << type;
}

static char *copyCharacters(CGEventRef event, Boolean ignoringModifiers) {
	@autoreleasepool {
		NSEvent *ns = [NSEvent eventWithCGEvent:event];
		if (ns == nil) {
			return NULL;
		}
		NSString *s = ignoringModifiers ? ns.charactersIgnoringModifiers : ns.characters;
		if (s == nil) {
			return NULL;
		}
		const char *utf8 = [s UTF8String];
		return utf8 ? strdup(utf8) : NULL;
	}
}

static int64_t nsModifierFlags(CGEventRef event) {
	@autoreleasepool {
		NSEvent *ns = [NSEvent eventWithCGEvent:event];
		return ns ? (int64_t)ns.modifierFlags : 0;
	}
}

static int64_t nsData1(CGEventRef event) {
	@autoreleasepool {
		NSEvent *ns = [NSEvent eventWithCGEvent:event];
		return ns ? (int64_t)ns.data1 : 0;
	}
}

static void retainEvent(CGEventRef event) {
	CFRetain(event);
}

static void releaseEvent(CGEventRef event) {
	CFRelease(event);
}

static void mouseLocation(double *x, double *y) {
	NSPoint p = [NSEvent mouseLocation];
	*x = p.x;
	*y = p.y;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"runtime/cgo"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/logging"
)

var log = logging.L("quartz")

// loopSlice bounds how long the run loop blocks before re-checking Stop.
const loopSlice = 0.25

var cgTypes = map[hid.RawEventType]C.int{
	hid.RawKeyDown:           C.kCGEventKeyDown,
	hid.RawKeyUp:             C.kCGEventKeyUp,
	hid.RawFlagsChanged:      C.kCGEventFlagsChanged,
	hid.RawSystemDefined:     C.hidSystemDefined,
	hid.RawLeftMouseDown:     C.kCGEventLeftMouseDown,
	hid.RawLeftMouseUp:       C.kCGEventLeftMouseUp,
	hid.RawRightMouseDown:    C.kCGEventRightMouseDown,
	hid.RawRightMouseUp:      C.kCGEventRightMouseUp,
	hid.RawMouseMoved:        C.kCGEventMouseMoved,
	hid.RawLeftMouseDragged:  C.kCGEventLeftMouseDragged,
	hid.RawRightMouseDragged: C.kCGEventRightMouseDragged,
	hid.RawScrollWheel:       C.kCGEventScrollWheel,
}

func rawType(t C.CGEventType) (hid.RawEventType, bool) {
	for raw, cg := range cgTypes {
		if C.CGEventType(cg) == t {
			return raw, true
		}
	}
	return 0, false
}

// AccessibilityTrusted reports whether the process may create event taps.
// With prompt set, macOS shows the permission dialog when it may not.
func AccessibilityTrusted(prompt bool) bool {
	p := C.Boolean(0)
	if prompt {
		p = C.Boolean(1)
	}
	return C.axTrusted(p) != C.Boolean(0)
}

type tap struct {
	kind   hid.TapKind
	cb     hid.Callback
	port   C.CFMachPortRef
	source C.CFRunLoopSourceRef
	handle cgo.Handle
	active atomic.Bool
}

func (t *tap) Kind() hid.TapKind { return t.kind }

// Backend is the CoreGraphics implementation of hid.Backend.
type Backend struct {
	mu         sync.Mutex
	loop       C.CFRunLoopRef
	stop       chan struct{}
	stopClosed bool
}

// New returns a backend. Taps are created lazily by the registry.
func New() *Backend {
	return &Backend{stop: make(chan struct{})}
}

func (b *Backend) CreateTap(kind hid.TapKind, mask hid.EventMask, cb hid.Callback) (hid.Tap, error) {
	var cgMask C.CGEventMask
	for raw, cg := range cgTypes {
		if mask.Has(raw) {
			cgMask |= C.maskBit(cg)
		}
	}

	t := &tap{kind: kind, cb: cb}
	t.handle = cgo.NewHandle(t)
	t.port = C.createTap(cgMask, C.uintptr_t(t.handle))
	if t.port == 0 {
		t.handle.Delete()
		return nil, errors.New("CGEventTapCreate returned NULL; is accessibility access granted?")
	}
	return t, nil
}

func (b *Backend) EnableTap(ht hid.Tap, enabled bool) {
	t := ht.(*tap)
	t.active.Store(enabled)
	C.CGEventTapEnable(t.port, C.bool(enabled))
}

func (b *Backend) ReleaseTap(ht hid.Tap) {
	t := ht.(*tap)
	t.active.Store(false)
	C.releaseTap(t.port)
	t.port = 0
	t.handle.Delete()
}

func (b *Backend) Run(taps []hid.Tap, ready func(error)) {
	b.mu.Lock()
	stop := b.stop
	b.loop = C.CFRunLoopGetCurrent()
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.loop = 0
		if b.stopClosed {
			b.stop = make(chan struct{})
			b.stopClosed = false
		}
		b.mu.Unlock()
	}()

	added := make([]*tap, 0, len(taps))
	defer func() {
		for _, t := range added {
			C.removeSourceFromCurrentLoop(t.source)
			t.source = 0
		}
	}()

	for _, ht := range taps {
		t := ht.(*tap)
		t.source = C.addTapToCurrentLoop(t.port)
		if t.source == 0 {
			ready(fmt.Errorf("run loop source for %s tap", t.kind))
			return
		}
		added = append(added, t)
	}
	for _, t := range added {
		b.EnableTap(t, true)
	}
	ready(nil)
	log.Debug("run loop started", "taps", len(added))

	for {
		select {
		case <-stop:
			log.Debug("run loop stopped")
			return
		default:
		}
		C.runLoopSlice(C.double(loopSlice))
	}
}

func (b *Backend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopClosed {
		close(b.stop)
		b.stopClosed = true
	}
	if b.loop != 0 {
		C.CFRunLoopStop(b.loop)
	}
}

// PointerLocation returns the global pointer position in screen coordinates
// with the origin at the bottom-left of the main display.
func (b *Backend) PointerLocation() (float64, float64) {
	var x, y C.double
	C.mouseLocation(&x, &y)
	return float64(x), float64(y)
}

//export goTapCallback
func goTapCallback(_ C.CGEventTapProxy, eventType C.CGEventType, event C.CGEventRef, userInfo unsafe.Pointer) C.CGEventRef {
	t, ok := cgo.Handle(uintptr(userInfo)).Value().(*tap)
	if !ok {
		return event
	}

	switch eventType {
	case C.kCGEventTapDisabledByTimeout, C.kCGEventTapDisabledByUserInput:
		if t.active.Load() {
			log.Warn("tap disabled by the system, re-enabling", logging.KeyTap, t.kind.String())
			C.CGEventTapEnable(t.port, true)
		}
		return event
	}

	raw, ok := rawType(eventType)
	if !ok {
		return event
	}
	t.cb(&rawEvent{ref: event, typ: raw})
	return event
}

// rawEvent wraps a CGEventRef. The ref is only valid inside the callback
// unless retained.
type rawEvent struct {
	ref C.CGEventRef
	typ hid.RawEventType
}

func (e *rawEvent) Type() hid.RawEventType { return e.typ }

func (e *rawEvent) KeyCode() int {
	return int(C.CGEventGetIntegerValueField(e.ref, C.kCGKeyboardEventKeycode))
}

func (e *rawEvent) Flags() uint64 {
	return uint64(C.CGEventGetFlags(e.ref))
}

func (e *rawEvent) Modifiers() int {
	return int(C.nsModifierFlags(e.ref))
}

func (e *rawEvent) Characters() string {
	return copyString(C.copyCharacters(e.ref, C.Boolean(0)))
}

func (e *rawEvent) CharactersIgnoringModifiers() string {
	return copyString(C.copyCharacters(e.ref, C.Boolean(1)))
}

func (e *rawEvent) Data1() int64 {
	return int64(C.nsData1(e.ref))
}

func (e *rawEvent) ScrollDelta() (int64, int64) {
	v := C.CGEventGetIntegerValueField(e.ref, C.kCGScrollWheelEventDeltaAxis1)
	h := C.CGEventGetIntegerValueField(e.ref, C.kCGScrollWheelEventDeltaAxis2)
	return int64(v), int64(h)
}

func (e *rawEvent) Retain() {
	C.retainEvent(e.ref)
}

func (e *rawEvent) Release() {
	C.releaseEvent(e.ref)
}

func copyString(s *C.char) string {
	if s == nil {
		return ""
	}
	defer C.free(unsafe.Pointer(s))
	return C.GoString(s)
}
