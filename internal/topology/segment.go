package topology

import (
	"fmt"
	"sort"
)

// SegmentState is the interaction state of one call segment.
type SegmentState int

const (
	StateIdle SegmentState = iota
	StateWaitingForInstructions
	StateMonitoring
	StateWaitingForEndOfUserInteraction
)

func (s SegmentState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForInstructions:
		return "waiting-for-instructions"
	case StateMonitoring:
		return "monitoring"
	case StateWaitingForEndOfUserInteraction:
		return "waiting-for-end-of-user-interaction"
	}
	return fmt.Sprintf("SegmentState(%d)", int(s))
}

// CallSegment groups the legs currently instructed and monitored together.
// Leg 1 is conventionally the originating party.
type CallSegment struct {
	id    int
	state SegmentState
	legs  map[int]struct{}
}

func newCallSegment(id int) *CallSegment {
	return &CallSegment{
		id:    id,
		state: StateIdle,
		legs:  make(map[int]struct{}),
	}
}

// ID returns the call segment identifier.
func (cs *CallSegment) ID() int {
	return cs.id
}

// State returns the segment's current interaction state.
func (cs *CallSegment) State() SegmentState {
	return cs.state
}

// HasLeg reports whether the leg belongs to this segment.
func (cs *CallSegment) HasLeg(legID int) bool {
	_, ok := cs.legs[legID]
	return ok
}

// LegCount returns the number of legs in the segment.
func (cs *CallSegment) LegCount() int {
	return len(cs.legs)
}

// Legs returns the leg identifiers in the segment in ascending order.
func (cs *CallSegment) Legs() []int {
	out := make([]int, 0, len(cs.legs))
	for id := range cs.legs {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
