package hid

import "sync/atomic"

// Port identifies a consumer destination. Zero means unset.
type Port int64

// EngineState holds everything the tap callbacks read. It is passed to the
// callbacks through their closures, never through package globals.
type EngineState struct {
	enabled      atomic.Bool
	keyboardDest atomic.Int64
	mouseDest    atomic.Int64
	edges        *ModifierEdgeState

	keyboard streamCounters
	media    streamCounters
	mouse    streamCounters
}

// NewEngineState returns a state with both destinations unset.
func NewEngineState(enabled bool) *EngineState {
	s := &EngineState{edges: newModifierEdgeState()}
	s.enabled.Store(enabled)
	return s
}

func (s *EngineState) Enabled() bool             { return s.enabled.Load() }
func (s *EngineState) KeyboardDestination() Port { return Port(s.keyboardDest.Load()) }
func (s *EngineState) MouseDestination() Port    { return Port(s.mouseDest.Load()) }
func (s *EngineState) Edges() *ModifierEdgeState { return s.edges }

func (s *EngineState) counters(kind TapKind) *streamCounters {
	switch kind {
	case TapKeyboard:
		return &s.keyboard
	case TapMedia:
		return &s.media
	default:
		return &s.mouse
	}
}

type streamCounters struct {
	observed  atomic.Uint64
	gated     atomic.Uint64
	unmapped  atomic.Uint64
	unrouted  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	refused   atomic.Uint64
}

func (c *streamCounters) snapshot() StreamStats {
	return StreamStats{
		Observed:  c.observed.Load(),
		Gated:     c.gated.Load(),
		Unmapped:  c.unmapped.Load(),
		Unrouted:  c.unrouted.Load(),
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Refused:   c.refused.Load(),
	}
}

// StreamStats counts what happened to the events one tap observed.
type StreamStats struct {
	Observed  uint64 `json:"observed"`
	Gated     uint64 `json:"gated"`     // observed while disabled
	Unmapped  uint64 `json:"unmapped"`  // decoded to no event
	Unrouted  uint64 `json:"unrouted"`  // destination unset
	Delivered uint64 `json:"delivered"` // accepted by the transport
	Dropped   uint64 `json:"dropped"`   // owner queue full
	Refused   uint64 `json:"refused"`   // transport rejected the handle
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Installed           bool        `json:"installed"`
	InFlight            int64       `json:"inFlight"` // boxed events not yet taken by a consumer
	Enabled             bool        `json:"enabled"`
	KeyboardDestination Port        `json:"keyboardDestination"`
	MouseDestination    Port        `json:"mouseDestination"`
	ModifierFlags       uint64      `json:"modifierFlags"`
	Keyboard            StreamStats `json:"keyboard"`
	Media               StreamStats `json:"media"`
	Mouse               StreamStats `json:"mouse"`
}

// Snapshot copies the counters.
func (s *EngineState) Snapshot() Stats {
	return Stats{
		Enabled:             s.Enabled(),
		KeyboardDestination: s.KeyboardDestination(),
		MouseDestination:    s.MouseDestination(),
		ModifierFlags:       s.edges.Previous(),
		Keyboard:            s.keyboard.snapshot(),
		Media:               s.media.snapshot(),
		Mouse:               s.mouse.snapshot(),
	}
}
