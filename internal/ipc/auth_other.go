//go:build !linux && !darwin && !windows

package ipc

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// GetPeerCredentials is not supported on this platform.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, errors.New("ipc: peer credentials unsupported on this platform")
}

func selfIdentityKey() (string, error) {
	return strconv.Itoa(os.Getuid()), nil
}

// DefaultSocketPath returns the per-user IPC socket path.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "hidlistener-"+strconv.Itoa(os.Getuid())+".sock")
}
