// Package bindings is the flat control surface over the process-wide input
// listener. Every call is safe before, during and after initialization:
// misuse returns false and never panics.
package bindings

import (
	"context"
	"sync"
	"time"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/ipc"
	"github.com/breeze-rmm/hidlistener/internal/logging"
)

var log = logging.L("bindings")

// InitTimeout bounds how long InitializeListeners waits for the hook loop.
const InitTimeout = 10 * time.Second

var (
	mu      sync.Mutex
	options hid.Options
	sink    hid.Transport
	root    *hid.Listener
)

// Configure sets the options used by the next InitializeListeners that has
// to create the engine. Transport is ignored here; see InitializeTransport.
func Configure(opts hid.Options) {
	mu.Lock()
	defer mu.Unlock()
	opts.Transport = nil
	options = opts
}

// InitializeTransport installs the channel every decoded event is posted
// through. It may be called before or after InitializeListeners.
func InitializeTransport(t hid.Transport) {
	mu.Lock()
	defer mu.Unlock()
	sink = t
	if l := hid.Current(); l != nil {
		l.SetTransport(t)
	}
}

// InitializeListeners creates the engine if needed and installs the taps.
// A failure leaves nothing installed and may be retried.
func InitializeListeners() bool {
	mu.Lock()
	defer mu.Unlock()

	l := hid.Current()
	if l == nil {
		if options.Backend == nil {
			log.Error("no input backend configured")
			return false
		}
		opts := options
		opts.Transport = sink
		root = hid.NewListener(opts)
		l = root
	}

	ctx, cancel := context.WithTimeout(context.Background(), InitTimeout)
	defer cancel()
	if err := l.Initialize(ctx); err != nil {
		log.Warn("initialize listeners failed", logging.KeyError, err)
		return false
	}
	return true
}

// SetKeyboardListener routes keyboard and media events to port. Zero
// disables delivery. Returns false before a successful InitializeListeners.
func SetKeyboardListener(port int64) bool {
	l := hid.Current()
	if l == nil {
		return false
	}
	return l.SetKeyboardDestination(hid.Port(port))
}

// SetMouseListener routes mouse events to port. Zero disables delivery.
// Returns false before a successful InitializeListeners.
func SetMouseListener(port int64) bool {
	l := hid.Current()
	if l == nil {
		return false
	}
	return l.SetMouseDestination(hid.Port(port))
}

// SetEnabled gates event delivery. It returns false only when no engine
// exists.
func SetEnabled(enabled bool) bool {
	l := hid.Current()
	if l == nil {
		return false
	}
	l.SetEnabled(enabled)
	return true
}

// Shutdown tears down the engine created by InitializeListeners.
func Shutdown() {
	mu.Lock()
	l := root
	root = nil
	mu.Unlock()

	if l == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), InitTimeout)
	defer cancel()
	l.Close(ctx)
}

// Stats returns the engine counters, or the zero value when no engine exists.
func Stats() hid.Stats {
	l := hid.Current()
	if l == nil {
		return hid.Stats{}
	}
	return l.Stats()
}

// Control exposes the surface to the session broker. Report fills the parts
// of a status reply the engine does not know about.
type Control struct {
	Report func() ipc.StatusReport
}

func (Control) SetKeyboardListener(port int64) bool { return SetKeyboardListener(port) }
func (Control) SetMouseListener(port int64) bool    { return SetMouseListener(port) }
func (Control) SetEnabled(enabled bool) bool        { return SetEnabled(enabled) }

// Status merges the engine counters into Report's output.
func (c Control) Status() ipc.StatusReport {
	var r ipc.StatusReport
	if c.Report != nil {
		r = c.Report()
	}
	r.Engine = Stats()
	return r
}
