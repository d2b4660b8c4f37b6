package topology

import (
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors for topology operations. Queries never return these;
// only mutating operations do.
var (
	ErrSegmentExists = errors.New("call segment already exists for leg")
	ErrNoSuchSegment = errors.New("no such call segment")
	ErrNoSuchLeg     = errors.New("no such leg")
	ErrIllegalState  = errors.New("operation not legal in current segment state")
)

// Event is the narrow notification type delivered to association listeners.
type Event int

const (
	SegmentStateChanged Event = iota
	SegmentDestroyed
)

// Listener observes call-segment state changes and destruction. Listeners
// are invoked synchronously under the owning call's lock, in registration
// order.
type Listener interface {
	OnSegmentEvent(event Event, segmentID int, state SegmentState)
}

// Association owns every call segment of one call and enforces the
// invariant that a leg belongs to at most one segment at a time.
// It is not internally locked; the owning call serializes access.
type Association struct {
	segments  map[int]*CallSegment
	listeners []Listener
}

// NewAssociation creates an empty call segment association.
func NewAssociation() *Association {
	return &Association{
		segments: make(map[int]*CallSegment),
	}
}

// AddListener registers a listener for segment events.
func (a *Association) AddListener(l Listener) {
	a.listeners = append(a.listeners, l)
}

// RemoveListener drops a previously registered listener.
func (a *Association) RemoveListener(l Listener) {
	for i, cur := range a.listeners {
		if cur == l {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			return
		}
	}
}

func (a *Association) notify(event Event, segmentID int, state SegmentState) {
	for _, l := range a.listeners {
		l.OnSegmentEvent(event, segmentID, state)
	}
}

// Size returns the number of live call segments.
func (a *Association) Size() int {
	return len(a.segments)
}

// GetCallSegment returns the segment with the given id, or nil when absent.
// Absence is a query result, not an error; callers use it for race detection.
func (a *Association) GetCallSegment(id int) *CallSegment {
	return a.segments[id]
}

// GetCallSegmentOfLeg returns the segment containing the leg, or nil.
func (a *Association) GetCallSegmentOfLeg(legID int) *CallSegment {
	for _, cs := range a.segments {
		if cs.HasLeg(legID) {
			return cs
		}
	}
	return nil
}

// GetLowestAvailableCSID returns the smallest positive call segment id not
// currently in use.
func (a *Association) GetLowestAvailableCSID() int {
	for id := 1; ; id++ {
		if _, used := a.segments[id]; !used {
			return id
		}
	}
}

// GetLowestAvailableIcaLegID returns the smallest positive leg id not used
// by any segment, for application-server-initiated call attempts.
func (a *Association) GetLowestAvailableIcaLegID() int {
	for id := 1; ; id++ {
		if a.GetCallSegmentOfLeg(id) == nil {
			return id
		}
	}
}

// InitialDP creates call segment 1 holding leg 1 for an incoming call and
// moves it to waiting-for-instructions. It fails if any segment exists.
func (a *Association) InitialDP() error {
	if len(a.segments) != 0 {
		return fmt.Errorf("initialDP with %d existing segments: %w", len(a.segments), ErrSegmentExists)
	}
	cs := newCallSegment(1)
	cs.legs[1] = struct{}{}
	cs.state = StateWaitingForInstructions
	a.segments[1] = cs
	a.notify(SegmentStateChanged, 1, cs.state)
	return nil
}

// InitiateCallAttempt creates a new segment for an application-server
// originated leg. It fails if the leg already belongs to a segment or the
// segment id is taken.
func (a *Association) InitiateCallAttempt(legID, segmentID int) error {
	if a.GetCallSegmentOfLeg(legID) != nil {
		return fmt.Errorf("leg %d: %w", legID, ErrSegmentExists)
	}
	if _, used := a.segments[segmentID]; used {
		return fmt.Errorf("segment %d: %w", segmentID, ErrSegmentExists)
	}
	cs := newCallSegment(segmentID)
	cs.legs[legID] = struct{}{}
	cs.state = StateWaitingForInstructions
	a.segments[segmentID] = cs
	a.notify(SegmentStateChanged, segmentID, cs.state)
	return nil
}

// AddLeg joins a leg to an existing segment, used when the called-party
// leg materializes after the call is routed onward. The segment state is
// unchanged.
func (a *Association) AddLeg(segmentID, legID int) error {
	cs := a.segments[segmentID]
	if cs == nil {
		return fmt.Errorf("segment %d: %w", segmentID, ErrNoSuchSegment)
	}
	if a.GetCallSegmentOfLeg(legID) != nil {
		return fmt.Errorf("leg %d: %w", legID, ErrSegmentExists)
	}
	cs.legs[legID] = struct{}{}
	return nil
}

// Connect moves the segment from waiting-for-instructions to monitoring.
func (a *Association) Connect(segmentID int) error {
	return a.resume(segmentID)
}

// ContinueCS moves the segment from waiting-for-instructions to monitoring.
func (a *Association) ContinueCS(segmentID int) error {
	return a.resume(segmentID)
}

func (a *Association) resume(segmentID int) error {
	cs := a.segments[segmentID]
	if cs == nil {
		return fmt.Errorf("segment %d: %w", segmentID, ErrNoSuchSegment)
	}
	if cs.state != StateWaitingForInstructions {
		return fmt.Errorf("segment %d in %s: %w", segmentID, cs.state, ErrIllegalState)
	}
	cs.state = StateMonitoring
	a.notify(SegmentStateChanged, segmentID, cs.state)
	return nil
}

// ConnectToResource moves the segment into user interaction.
func (a *Association) ConnectToResource(segmentID int) error {
	cs := a.segments[segmentID]
	if cs == nil {
		return fmt.Errorf("segment %d: %w", segmentID, ErrNoSuchSegment)
	}
	if cs.state != StateWaitingForInstructions {
		return fmt.Errorf("segment %d in %s: %w", segmentID, cs.state, ErrIllegalState)
	}
	cs.state = StateWaitingForEndOfUserInteraction
	a.notify(SegmentStateChanged, segmentID, cs.state)
	return nil
}

// DisconnectForwardConnection detaches the resource connection and returns
// the segment to waiting-for-instructions.
func (a *Association) DisconnectForwardConnection(segmentID int) error {
	cs := a.segments[segmentID]
	if cs == nil {
		return fmt.Errorf("segment %d: %w", segmentID, ErrNoSuchSegment)
	}
	if cs.state != StateWaitingForEndOfUserInteraction {
		return fmt.Errorf("segment %d in %s: %w", segmentID, cs.state, ErrIllegalState)
	}
	cs.state = StateWaitingForInstructions
	a.notify(SegmentStateChanged, segmentID, cs.state)
	return nil
}

// EventReportInterrupted records that an armed interrupted-mode event fired
// in the segment: the switch suspended processing and requires fresh
// instructions before the call can proceed.
func (a *Association) EventReportInterrupted(segmentID int) error {
	cs := a.segments[segmentID]
	if cs == nil {
		return fmt.Errorf("segment %d: %w", segmentID, ErrNoSuchSegment)
	}
	cs.state = StateWaitingForInstructions
	a.notify(SegmentStateChanged, segmentID, cs.state)
	return nil
}

// DisconnectLeg removes a leg from its segment. When the segment's leg set
// becomes empty the segment is destroyed.
func (a *Association) DisconnectLeg(legID int) error {
	cs := a.GetCallSegmentOfLeg(legID)
	if cs == nil {
		return fmt.Errorf("leg %d: %w", legID, ErrNoSuchLeg)
	}
	delete(cs.legs, legID)
	if len(cs.legs) == 0 {
		delete(a.segments, cs.id)
		a.notify(SegmentDestroyed, cs.id, cs.state)
	}
	return nil
}

// SplitLeg moves a leg out of its current segment into a newly created one.
// The new segment starts in the state of the source segment so an armed
// reset timer keeps covering it.
func (a *Association) SplitLeg(legID, newSegmentID int) error {
	src := a.GetCallSegmentOfLeg(legID)
	if src == nil {
		return fmt.Errorf("leg %d: %w", legID, ErrNoSuchLeg)
	}
	if _, used := a.segments[newSegmentID]; used {
		return fmt.Errorf("segment %d: %w", newSegmentID, ErrSegmentExists)
	}
	delete(src.legs, legID)
	cs := newCallSegment(newSegmentID)
	cs.legs[legID] = struct{}{}
	cs.state = src.state
	a.segments[newSegmentID] = cs
	if len(src.legs) == 0 {
		delete(a.segments, src.id)
		a.notify(SegmentDestroyed, src.id, src.state)
	}
	a.notify(SegmentStateChanged, newSegmentID, cs.state)
	return nil
}

// MoveLeg moves a leg back into call segment 1, destroying its previous
// segment when that leaves it empty.
func (a *Association) MoveLeg(legID int) error {
	src := a.GetCallSegmentOfLeg(legID)
	if src == nil {
		return fmt.Errorf("leg %d: %w", legID, ErrNoSuchLeg)
	}
	dst := a.segments[1]
	if dst == nil {
		return fmt.Errorf("segment 1: %w", ErrNoSuchSegment)
	}
	if src == dst {
		return nil
	}
	delete(src.legs, legID)
	dst.legs[legID] = struct{}{}
	if len(src.legs) == 0 {
		delete(a.segments, src.id)
		a.notify(SegmentDestroyed, src.id, src.state)
	}
	return nil
}

// Release destroys every segment, notifying listeners per segment.
func (a *Association) Release() {
	for id, cs := range a.segments {
		delete(a.segments, id)
		a.notify(SegmentDestroyed, id, cs.state)
	}
}

// SegmentIDs returns the live segment ids in ascending order.
func (a *Association) SegmentIDs() []int {
	out := make([]int, 0, len(a.segments))
	for id := range a.segments {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
