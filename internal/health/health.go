// Package health tracks the status of the engine's components: the taps,
// the IPC broker and the remote forwarder.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/breeze-rmm/hidlistener/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Probe reports the current status of one component.
type Probe func() (Status, string)

// Monitor tracks health checks for multiple components.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	probes map[string]Probe
}

// NewMonitor creates a new health monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
		probes: make(map[string]Probe),
	}
}

// Update records the health status for a named component. Invalid statuses
// are recorded as Unhealthy. Transitions away from Healthy are logged.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unhealthy
	}

	m.mu.Lock()
	prev, seen := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	m.mu.Unlock()

	if seen && prev.Status == status {
		return
	}
	if status != Healthy {
		log.Warn("health check degraded", logging.KeyComponent, name, "status", string(status), "message", message)
	} else if seen {
		log.Info("health check recovered", logging.KeyComponent, name)
	}
}

// Register adds a probe evaluated by Refresh and Run.
func (m *Monitor) Register(name string, probe Probe) {
	m.mu.Lock()
	m.probes[name] = probe
	m.mu.Unlock()
}

// Refresh evaluates every registered probe once.
func (m *Monitor) Refresh() {
	m.mu.RLock()
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.RUnlock()

	for name, p := range probes {
		status, msg := p()
		m.Update(name, status, msg)
	}
}

// Run refreshes the probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh()
		}
	}
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all registered checks.
// If no checks are registered, returns Unknown.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if worse(c.Status, worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all current health checks.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	return result
}

// Components returns component name to status, plus "overall".
func (m *Monitor) Components() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.checks)+1)
	for _, c := range m.checks {
		out[c.Name] = string(c.Status)
	}
	out["overall"] = string(m.overallLocked())
	return out
}

// Summary returns a JSON-friendly map with the overall status and each
// component's status, taken under one lock.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]string, len(m.checks))
	for _, c := range m.checks {
		components[c.Name] = string(c.Status)
	}

	return map[string]any{
		"status":     string(m.overallLocked()),
		"components": components,
	}
}

// worse returns true if a is worse than b.
func worse(a, b Status) bool {
	return statusRank(a) > statusRank(b)
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 2
	}
}
