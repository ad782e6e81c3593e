//go:build !windows

package sessionbroker

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

func (b *Broker) setupSocket() (net.Listener, error) {
	// Remove stale socket file
	os.Remove(b.socketPath)

	dir := filepath.Dir(b.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	listener, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", b.socketPath, err)
	}

	// Owner only: every consumer must run as the engine's user.
	if err := os.Chmod(b.socketPath, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod %s: %w", b.socketPath, err)
	}

	return listener, nil
}
