package hid

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// Registry owns the taps and the event-loop thread that keeps them alive.
// Taps are created once by Install and only toggled by SetActive.
type Registry struct {
	backend Backend

	mu        sync.Mutex
	installed bool
	active    bool
	taps      []Tap
	loopDone  chan struct{}
}

// NewRegistry returns an empty registry over backend.
func NewRegistry(backend Backend) *Registry {
	return &Registry{backend: backend}
}

// Installed reports whether the taps are live.
func (r *Registry) Installed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installed
}

// Install creates the selected taps in keyboard, media, mouse order, starts
// the event loop on a dedicated OS thread and waits for it to register them.
// Any failure releases every tap acquired so far and leaves the registry
// uninstalled. Installing an installed registry is a no-op.
func (r *Registry) Install(ctx context.Context, sel TapSelection, callbacks func(TapKind) Callback, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.installed {
		return nil
	}

	taps := make([]Tap, 0, 3)
	for _, kind := range sel.kinds() {
		tap, err := r.backend.CreateTap(kind, kind.Mask(), callbacks(kind))
		if err != nil {
			r.release(taps)
			return fmt.Errorf("%w: %s tap: %v", ErrTapCreate, kind, err)
		}
		log.Debug("tap created", "tap", kind.String())
		taps = append(taps, tap)
	}
	if len(taps) == 0 {
		return fmt.Errorf("%w: no taps selected", ErrTapCreate)
	}

	ready := make(chan error, 1)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		r.backend.Run(taps, func(err error) { ready <- err })
	}()

	select {
	case err := <-ready:
		if err != nil {
			<-loopDone
			r.release(taps)
			return fmt.Errorf("%w: %v", ErrLoopStart, err)
		}
	case <-loopDone:
		r.release(taps)
		return fmt.Errorf("%w: loop exited before registering taps", ErrLoopStart)
	case <-ctx.Done():
		r.backend.Stop()
		<-loopDone
		r.release(taps)
		return fmt.Errorf("%w: %w", ErrLoopStart, ctx.Err())
	}

	r.taps = taps
	r.loopDone = loopDone
	r.installed = true
	r.active = true
	if !active {
		r.setActiveLocked(false)
	}
	return nil
}

// SetActive flips the active bit of every tap.
func (r *Registry) SetActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.installed || r.active == active {
		return
	}
	r.setActiveLocked(active)
}

func (r *Registry) setActiveLocked(active bool) {
	for _, tap := range r.taps {
		r.backend.EnableTap(tap, active)
	}
	r.active = active
}

// Uninstall disables and releases the taps and stops the event loop.
func (r *Registry) Uninstall() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.installed {
		return
	}
	r.setActiveLocked(false)
	r.backend.Stop()
	<-r.loopDone
	r.release(r.taps)
	r.taps = nil
	r.loopDone = nil
	r.installed = false
}

func (r *Registry) release(taps []Tap) {
	for i := len(taps) - 1; i >= 0; i-- {
		r.backend.ReleaseTap(taps[i])
	}
}
