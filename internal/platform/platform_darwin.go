// Package platform picks the input backend for the running OS.
package platform

import (
	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/hid/quartz"
)

// Name identifies the backend Backend returns.
const Name = "quartz"

// Backend returns the CoreGraphics event-tap backend.
func Backend() hid.Backend {
	return quartz.New()
}

// InputTrusted reports whether the process may observe system input. On
// macOS this is the accessibility permission; prompt asks the user for it.
func InputTrusted(prompt bool) bool {
	return quartz.AccessibilityTrusted(prompt)
}
