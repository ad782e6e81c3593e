// Package payload moves uniquely-owned values across the engine boundary as
// opaque integer handles.
//
// The contract is single-owner: Box allocates a slot and transfers ownership
// to whoever holds the Handle; the receiver calls Take exactly once, which
// frees the slot. A Handle must never be taken twice.
package payload

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Handle is an opaque, pointer-sized reference to a boxed value. Zero is never
// a valid handle.
type Handle uintptr

// ErrInvalidHandle is returned when a handle is zero, unknown or already taken.
var ErrInvalidHandle = errors.New("payload: invalid or already-taken handle")

var (
	slots       sync.Map // Handle -> any
	next        atomic.Uintptr
	outstanding atomic.Int64
)

// Box stores v and returns a new handle owning it.
func Box(v any) Handle {
	h := Handle(next.Add(1))
	slots.Store(h, v)
	outstanding.Add(1)
	return h
}

// Take returns the boxed value and frees the slot. A second Take on the same
// handle returns ErrInvalidHandle.
func (h Handle) Take() (any, error) {
	if h == 0 {
		return nil, ErrInvalidHandle
	}
	v, ok := slots.LoadAndDelete(h)
	if !ok {
		return nil, ErrInvalidHandle
	}
	outstanding.Add(-1)
	return v, nil
}

// Release frees the slot and discards the value. Releasing a handle that was
// already taken is a no-op.
func (h Handle) Release() {
	_, _ = h.Take()
}

// Outstanding reports how many boxed values have not been taken yet.
func Outstanding() int64 {
	return outstanding.Load()
}
