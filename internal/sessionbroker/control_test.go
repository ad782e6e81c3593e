package sessionbroker

import (
	"sync"

	"github.com/breeze-rmm/hidlistener/internal/ipc"
)

type fakeControl struct {
	mu       sync.Mutex
	keyboard int64
	mouse    int64
	enabled  bool
	refuse   bool
	history  []int64
}

func (c *fakeControl) SetKeyboardListener(port int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false
	}
	c.keyboard = port
	c.history = append(c.history, port)
	return true
}

func (c *fakeControl) SetMouseListener(port int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false
	}
	c.mouse = port
	return true
}

func (c *fakeControl) SetEnabled(enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false
	}
	c.enabled = enabled
	return true
}

func (c *fakeControl) Status() ipc.StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ipc.StatusReport{Backend: "fake", Version: "test"}
}

func (c *fakeControl) ports() (keyboard, mouse int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyboard, c.mouse
}

func (c *fakeControl) isEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}
