//go:build darwin

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// localPeerPID is LOCAL_PEERPID from <sys/un.h>.
const localPeerPID = 0x002

// GetPeerCredentials returns the kernel-verified PID/UID/GID of the peer
// via LOCAL_PEERPID and LOCAL_PEERCRED (xucred).
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("ipc: not a unix connection")
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("ipc: get syscall conn: %w", err)
	}

	creds := &PeerCredentials{}
	var credErr error
	err = raw.Control(func(fd uintptr) {
		pid, err := unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, localPeerPID)
		if err != nil {
			credErr = fmt.Errorf("getsockopt LOCAL_PEERPID: %w", err)
			return
		}
		creds.PID = pid

		xcred, err := unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if err != nil {
			credErr = fmt.Errorf("getsockopt LOCAL_PEERCRED: %w", err)
			return
		}
		creds.UID = xcred.Uid
		if xcred.Ngroups > 0 {
			creds.GID = xcred.Groups[0]
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("ipc: %w", credErr)
	}

	creds.describeProcess()
	return creds, nil
}

func selfIdentityKey() (string, error) {
	return strconv.Itoa(os.Getuid()), nil
}

// DefaultSocketPath returns the per-user IPC socket path for macOS.
// $TMPDIR is already private to the login user.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "hidlistener.sock")
}
