// Package transport routes payload handles posted by the engine to the
// sink that owns the destination port.
package transport

import (
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/logging"
	"github.com/breeze-rmm/hidlistener/internal/payload"
)

var log = logging.L("transport")

// Sink receives decoded events for the ports it owns. Deliver must not
// block; returning false counts the event as dropped by the sink.
type Sink interface {
	Deliver(port hid.Port, event any) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(port hid.Port, event any) bool

func (f SinkFunc) Deliver(port hid.Port, event any) bool { return f(port, event) }

// Router implements hid.Transport over a table of port owners.
type Router struct {
	next  atomic.Int64
	sinks sync.Map // hid.Port -> Sink

	delivered atomic.Uint64
	orphaned  atomic.Uint64
	rejected  atomic.Uint64
}

// NewRouter returns an empty router. Allocated ports start at 1.
func NewRouter() *Router {
	return &Router{}
}

// Allocate reserves a fresh port owned by sink.
func (r *Router) Allocate(sink Sink) hid.Port {
	port := hid.Port(r.next.Add(1))
	r.sinks.Store(port, sink)
	log.Debug("port allocated", logging.KeyPort, int64(port))
	return port
}

// Release forgets port. Later posts to it are refused.
func (r *Router) Release(port hid.Port) {
	if _, ok := r.sinks.LoadAndDelete(port); ok {
		log.Debug("port released", logging.KeyPort, int64(port))
	}
}

// Owns reports whether port is currently allocated.
func (r *Router) Owns(port hid.Port) bool {
	_, ok := r.sinks.Load(port)
	return ok
}

// Post takes the handle and hands its event to the owning sink. It returns
// false without touching the handle when no sink owns port, leaving the
// caller responsible for releasing it.
func (r *Router) Post(port hid.Port, h payload.Handle) bool {
	v, ok := r.sinks.Load(port)
	if !ok {
		r.orphaned.Add(1)
		return false
	}
	event, err := h.Take()
	if err != nil {
		log.Warn("payload take failed", logging.KeyPort, int64(port), logging.KeyError, err)
		return true
	}
	if !v.(Sink).Deliver(port, event) {
		r.rejected.Add(1)
		return true
	}
	r.delivered.Add(1)
	return true
}

// RouterStats counts routing outcomes.
type RouterStats struct {
	Ports     int    `json:"ports"`
	Delivered uint64 `json:"delivered"`
	Orphaned  uint64 `json:"orphaned"`
	Rejected  uint64 `json:"rejected"`
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() RouterStats {
	n := 0
	r.sinks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return RouterStats{
		Ports:     n,
		Delivered: r.delivered.Load(),
		Orphaned:  r.orphaned.Load(),
		Rejected:  r.rejected.Load(),
	}
}
