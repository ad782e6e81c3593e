//go:build windows

package ipc

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procGetNamedPipeClientProcessId = modkernel32.NewProc("GetNamedPipeClientProcessId")
)

// GetPeerCredentials returns the verified identity of a named pipe client
// via GetNamedPipeClientProcessId and the client's process token.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	type handleConn interface {
		Fd() uintptr
	}
	hc, ok := conn.(handleConn)
	if !ok {
		return nil, fmt.Errorf("ipc: unable to get peer credentials from connection type %T", conn)
	}

	var clientPID uint32
	r1, _, err := procGetNamedPipeClientProcessId.Call(hc.Fd(), uintptr(unsafe.Pointer(&clientPID)))
	if r1 == 0 {
		return nil, fmt.Errorf("ipc: GetNamedPipeClientProcessId: %w", err)
	}

	proc, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, clientPID)
	if err != nil {
		return nil, fmt.Errorf("ipc: OpenProcess(%d): %w", clientPID, err)
	}
	defer windows.CloseHandle(proc)

	var token windows.Token
	if err := windows.OpenProcessToken(proc, windows.TOKEN_QUERY, &token); err != nil {
		return nil, fmt.Errorf("ipc: OpenProcessToken: %w", err)
	}
	defer token.Close()

	tokenUser, err := token.GetTokenUser()
	if err != nil {
		return nil, fmt.Errorf("ipc: GetTokenUser: %w", err)
	}

	creds := &PeerCredentials{
		PID: int(clientPID),
		SID: tokenUser.User.Sid.String(),
	}
	creds.describeProcess()
	return creds, nil
}

func selfIdentityKey() (string, error) {
	tokenUser, err := windows.GetCurrentProcessToken().GetTokenUser()
	if err != nil {
		return "", fmt.Errorf("ipc: GetTokenUser: %w", err)
	}
	return tokenUser.User.Sid.String(), nil
}

// DefaultSocketPath returns the default named pipe path for Windows.
func DefaultSocketPath() string {
	return `\\.\pipe\hidlistener`
}
