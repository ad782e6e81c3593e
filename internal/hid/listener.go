// Package hid intercepts system-wide keyboard, media-key and mouse input,
// decodes it into a small event model and posts each event to a consumer
// through a Transport. Observed events are never modified or suppressed.
package hid

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/hidlistener/internal/logging"
	"github.com/breeze-rmm/hidlistener/internal/payload"
	"github.com/breeze-rmm/hidlistener/internal/workerpool"
)

var log = logging.L("hid")

// Options configures a Listener.
type Options struct {
	Backend Backend
	// Owner runs keyboard and media decoding. When nil the listener starts
	// its own owner thread and drains it on Close.
	Owner        *workerpool.Pool
	OwnerQueue   int
	Taps         TapSelection
	StartEnabled bool
	Transport    Transport
}

type engine struct {
	state       *EngineState
	registry    *Registry
	dispatcher  *Dispatcher
	taps        TapSelection
	owner       *workerpool.Pool
	ownsOwner   bool
	initialized atomic.Bool
	initMu      sync.Mutex
}

var (
	instanceMu sync.Mutex
	instance   *engine
)

// Listener is a handle on the process-wide engine. Only the handle that
// created the engine (the root) can tear it down.
type Listener struct {
	e         *engine
	root      bool
	closeOnce sync.Once
}

// NewListener returns the root handle on a new engine, or a non-root handle
// on the live engine if one exists. A non-root handle never creates taps and
// its opts are ignored.
func NewListener(opts Options) *Listener {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return &Listener{e: instance}
	}

	e := &engine{
		state:    NewEngineState(opts.StartEnabled),
		registry: NewRegistry(opts.Backend),
		taps:     opts.Taps,
		owner:    opts.Owner,
	}
	if e.taps == (TapSelection{}) {
		e.taps = AllTaps()
	}
	if e.owner == nil {
		queue := opts.OwnerQueue
		if queue <= 0 {
			queue = 256
		}
		e.owner = workerpool.NewOwner("hid", queue)
		e.owner.Start()
		e.ownsOwner = true
	}
	e.dispatcher = NewDispatcher(e.state, Owner{Pool: e.owner}, opts.Backend.PointerLocation)
	if opts.Transport != nil {
		e.dispatcher.SetTransport(opts.Transport)
	}

	instance = e
	return &Listener{e: e, root: true}
}

// Current returns a non-root handle on the live engine, or nil.
func Current() *Listener {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		return nil
	}
	return &Listener{e: instance}
}

// Root reports whether this handle owns the engine.
func (l *Listener) Root() bool { return l.root }

// Initialize installs the taps. Calling it again after success is a no-op;
// after a failure nothing is left installed and a retry is valid.
func (l *Listener) Initialize(ctx context.Context) error {
	e := l.e
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.initialized.Load() {
		return nil
	}
	if err := e.registry.Install(ctx, e.taps, e.dispatcher.Callback, e.state.Enabled()); err != nil {
		log.Error("tap install failed", logging.KeyError, err)
		return err
	}
	e.initialized.Store(true)
	log.Info("taps installed",
		"keyboard", e.taps.Keyboard,
		"media", e.taps.Media,
		"mouse", e.taps.Mouse,
		"enabled", e.state.Enabled(),
	)
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (l *Listener) Initialized() bool {
	return l.e.initialized.Load()
}

// SetEnabled gates every callback and flips the taps' active bit. The taps
// stay installed either way.
func (l *Listener) SetEnabled(enabled bool) {
	l.e.state.enabled.Store(enabled)
	l.e.registry.SetActive(enabled)
	log.Info("listener enabled state changed", "enabled", enabled)
}

// Enabled reports the current gate value.
func (l *Listener) Enabled() bool {
	return l.e.state.Enabled()
}

// SetKeyboardDestination routes keyboard and media events to port. It fails
// and changes nothing before Initialize has succeeded.
func (l *Listener) SetKeyboardDestination(port Port) bool {
	if !l.e.initialized.Load() {
		return false
	}
	l.e.state.keyboardDest.Store(int64(port))
	log.Debug("keyboard destination set", logging.KeyPort, int64(port))
	return true
}

// SetMouseDestination routes mouse events to port. It fails and changes
// nothing before Initialize has succeeded.
func (l *Listener) SetMouseDestination(port Port) bool {
	if !l.e.initialized.Load() {
		return false
	}
	l.e.state.mouseDest.Store(int64(port))
	log.Debug("mouse destination set", logging.KeyPort, int64(port))
	return true
}

// SetTransport replaces the transport used for delivery.
func (l *Listener) SetTransport(t Transport) {
	l.e.dispatcher.SetTransport(t)
}

// Stats returns the engine counters.
func (l *Listener) Stats() Stats {
	s := l.e.state.Snapshot()
	s.Installed = l.e.registry.Installed()
	s.InFlight = payload.Outstanding()
	return s
}

// Close tears the engine down when called on the root handle: taps are
// released, the loop stops, the owner context is drained and the singleton
// slot is cleared. On a non-root handle Close does nothing.
func (l *Listener) Close(ctx context.Context) {
	if !l.root {
		return
	}
	l.closeOnce.Do(func() {
		e := l.e
		e.initMu.Lock()
		e.registry.Uninstall()
		e.initialized.Store(false)
		e.initMu.Unlock()

		if e.ownsOwner {
			e.owner.Shutdown(ctx)
		}

		instanceMu.Lock()
		if instance == e {
			instance = nil
		}
		instanceMu.Unlock()
		log.Info("listener closed")
	})
}
