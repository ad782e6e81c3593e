package hid

import "sync/atomic"

// initialModifierFlags sits outside every real modifier mask so the first
// flags-changed event is classified against a known value.
const initialModifierFlags uint64 = 256

// ModifierEdgeState remembers the raw modifier mask of the previous
// keyboard event. It is read and written on the owner context only; the
// atomic keeps Stats readers race-free.
type ModifierEdgeState struct {
	prev atomic.Uint64
}

func newModifierEdgeState() *ModifierEdgeState {
	s := &ModifierEdgeState{}
	s.prev.Store(initialModifierFlags)
	return s
}

// Previous returns the last stored mask.
func (s *ModifierEdgeState) Previous() uint64 {
	return s.prev.Load()
}

// Store records flags as the previous mask. Call it after classification.
func (s *ModifierEdgeState) Store(flags uint64) {
	s.prev.Store(flags)
}

// Reset restores the initial sentinel.
func (s *ModifierEdgeState) Reset() {
	s.prev.Store(initialModifierFlags)
}

// classifyModifier compares magnitudes, not individual bits. Any release
// lowers the mask and reads as KeyUp. Caps lock toggles on press, so the
// press that clears it also reads as KeyUp; a single change that drops one
// modifier and adds another is classified by whichever bit is higher.
func classifyModifier(prev, flags uint64) KeyEventType {
	if prev < flags {
		return KeyDown
	}
	return KeyUp
}
