// Package secmem holds credentials so they do not leak through logs or
// serialization.
package secmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const redacted = "[REDACTED]"

// ErrNoDecode is returned when something tries to decode into a Secret.
var ErrNoDecode = errors.New("secmem: cannot deserialize into Secret")

// Secret is a credential with best-effort wiping. Every formatting and
// encoding path prints [REDACTED]; Reveal is the only way to the value.
type Secret struct {
	mu    sync.Mutex
	data  []byte
	wiped bool
}

// New copies s into a Secret.
func New(s string) *Secret {
	return &Secret{data: []byte(s)}
}

// Reveal returns the plaintext, or "" for a nil or wiped Secret.
func (s *Secret) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data)
}

// Empty reports whether there is nothing to reveal.
func (s *Secret) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) == 0
}

// Wiped reports whether Zero has been called.
func (s *Secret) Wiped() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wiped
}

// Zero overwrites the value in place and forgets it. The GC may have copied
// the bytes earlier; this only clears the copy the Secret owns.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	s.data = nil
	s.wiped = true
}

func (s *Secret) String() string   { return redacted }
func (s *Secret) GoString() string { return redacted }

// Format makes every verb print [REDACTED].
func (s *Secret) Format(f fmt.State, _ rune) { fmt.Fprint(f, redacted) }

func (s *Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }
func (s *Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// UnmarshalJSON always fails.
func (s *Secret) UnmarshalJSON([]byte) error { return ErrNoDecode }
