//go:build !darwin || !cgo

// Package quartz implements hid.Backend with CoreGraphics event taps. This
// build has no CoreGraphics, so every tap request fails.
package quartz

import "github.com/breeze-rmm/hidlistener/internal/hid"

// AccessibilityTrusted always reports false without CoreGraphics.
func AccessibilityTrusted(bool) bool { return false }

// Backend refuses to create taps.
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
