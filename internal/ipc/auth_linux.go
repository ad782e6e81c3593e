//go:build linux

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// GetPeerCredentials returns the kernel-verified PID/UID/GID of the peer
// via SO_PEERCRED.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("ipc: not a unix connection")
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("ipc: get syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("ipc: getsockopt SO_PEERCRED: %w", credErr)
	}

	creds := &PeerCredentials{
		PID: int(cred.Pid),
		UID: cred.Uid,
		GID: cred.Gid,
	}
	creds.describeProcess()
	return creds, nil
}

func selfIdentityKey() (string, error) {
	return strconv.Itoa(os.Getuid()), nil
}

// DefaultSocketPath returns the per-user IPC socket path for Linux.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "hidlistener.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("hidlistener-%d.sock", os.Getuid()))
}
