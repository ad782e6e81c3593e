//go:build !cgo

package uiohook

import "github.com/breeze-rmm/hidlistener/internal/hid"

// Backend refuses to create taps: libuiohook needs cgo.
type Backend struct{}

// New returns a backend that reports hid.ErrUnavailable.
func New() *Backend { return &Backend{} }

func (b *Backend) CreateTap(hid.TapKind, hid.EventMask, hid.Callback) (hid.Tap, error) {
	return nil, hid.ErrUnavailable
}

func (b *Backend) EnableTap(hid.Tap, bool) {}
func (b *Backend) ReleaseTap(hid.Tap)      {}

func (b *Backend) Run(_ []hid.Tap, ready func(error)) { ready(hid.ErrUnavailable) }
func (b *Backend) Stop()                              {}

func (b *Backend) PointerLocation() (float64, float64) { return 0, 0 }
