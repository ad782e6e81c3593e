//go:build !darwin

// Package platform picks the input backend for the running OS.
package platform

import (
	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/hid/uiohook"
)

// Name identifies the backend Backend returns.
const Name = "uiohook"

// Backend returns the libuiohook backend.
func Backend() hid.Backend {
	return uiohook.New()
}

// InputTrusted always reports true: libuiohook needs no user grant here.
func InputTrusted(bool) bool {
	return true
}
