package uiohook

import (
	"errors"
	"fmt"

	"github.com/breeze-rmm/hidlistener/internal/hid"
)

var errAlreadyRunning = errors.New("uiohook: event stream already running")

func errAlreadyCreated(kind hid.TapKind) error {
	return fmt.Errorf("uiohook: %s tap already created", kind)
}
