//go:build windows

package sessionbroker

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// SDDL: SYSTEM and the pipe owner get full control, nobody else.
const pipeSecurity = "D:P(A;;GA;;;SY)(A;;GA;;;OW)"

func (b *Broker) setupSocket() (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		InputBufferSize:    16 * 1024,
		OutputBufferSize:   64 * 1024,
	}

	listener, err := winio.ListenPipe(b.socketPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("listen pipe %s: %w", b.socketPath, err)
	}

	log.Info("named pipe listener created", "pipe", b.socketPath)
	return listener, nil
}
