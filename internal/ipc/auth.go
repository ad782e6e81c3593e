package ipc

import (
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
)

// PeerCredentials holds the verified identity of an IPC peer.
type PeerCredentials struct {
	PID         int
	UID         uint32
	GID         uint32
	SID         string // Windows Security Identifier; empty on Unix
	BinaryPath  string
	ProcessName string
}

// IdentityKey returns the platform identity key for this peer: the SID on
// Windows, the kernel-verified UID as a string elsewhere.
func (p *PeerCredentials) IdentityKey() string {
	if p.SID != "" {
		return p.SID
	}
	return strconv.FormatUint(uint64(p.UID), 10)
}

// SameUser reports whether the peer runs as the same user as this process.
func (p *PeerCredentials) SameUser() bool {
	self, err := selfIdentityKey()
	if err != nil {
		log.Warn("cannot resolve own identity", "error", err)
		return false
	}
	return p.IdentityKey() == self
}

// describeProcess fills BinaryPath and ProcessName from the process table.
// Failures leave the fields empty; the peer may already have exited.
func (p *PeerCredentials) describeProcess() {
	if p.PID <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(p.PID))
	if err != nil {
		log.Debug("peer process lookup failed", "pid", p.PID, "error", err)
		return
	}
	if p.BinaryPath == "" {
		if exe, err := proc.Exe(); err == nil {
			p.BinaryPath = exe
		}
	}
	if name, err := proc.Name(); err == nil {
		p.ProcessName = name
	}
}
