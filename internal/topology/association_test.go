package topology

import (
	"errors"
	"testing"
)

// recordingListener captures segment events for assertions.
type recordingListener struct {
	events []Event
	ids    []int
	states []SegmentState
}

func (r *recordingListener) OnSegmentEvent(event Event, segmentID int, state SegmentState) {
	r.events = append(r.events, event)
	r.ids = append(r.ids, segmentID)
	r.states = append(r.states, state)
}

func TestSegmentStateTransitions(t *testing.T) {
	// Each step names an operation on segment 1 and the state the segment
	// must be in afterwards.
	type step struct {
		op   func(a *Association) error
		want SegmentState
	}

	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "initialDP then continue",
			steps: []step{
				{func(a *Association) error { return a.InitialDP() }, StateWaitingForInstructions},
				{func(a *Association) error { return a.ContinueCS(1) }, StateMonitoring},
			},
		},
		{
			name: "connect to resource and back",
			steps: []step{
				{func(a *Association) error { return a.InitialDP() }, StateWaitingForInstructions},
				{func(a *Association) error { return a.ConnectToResource(1) }, StateWaitingForEndOfUserInteraction},
				{func(a *Association) error { return a.DisconnectForwardConnection(1) }, StateWaitingForInstructions},
				{func(a *Association) error { return a.Connect(1) }, StateMonitoring},
			},
		},
		{
			name: "interrupted event re-enters waiting",
			steps: []step{
				{func(a *Association) error { return a.InitialDP() }, StateWaitingForInstructions},
				{func(a *Association) error { return a.ContinueCS(1) }, StateMonitoring},
				{func(a *Association) error { return a.EventReportInterrupted(1) }, StateWaitingForInstructions},
				{func(a *Association) error { return a.Connect(1) }, StateMonitoring},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssociation()
			for i, s := range tt.steps {
				if err := s.op(a); err != nil {
					t.Fatalf("step %d: unexpected error: %v", i, err)
				}
				cs := a.GetCallSegment(1)
				if cs == nil {
					t.Fatalf("step %d: segment 1 missing", i)
				}
				if cs.State() != s.want {
					t.Errorf("step %d: expected state %s, got %s", i, s.want, cs.State())
				}
			}
		})
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	a := NewAssociation()
	if err := a.InitialDP(); err != nil {
		t.Fatalf("initialDP: %v", err)
	}
	if err := a.ContinueCS(1); err != nil {
		t.Fatalf("continue: %v", err)
	}

	// Continue from monitoring is illegal.
	if err := a.ContinueCS(1); !errors.Is(err, ErrIllegalState) {
		t.Errorf("expected ErrIllegalState, got %v", err)
	}
	// ConnectToResource from monitoring is illegal.
	if err := a.ConnectToResource(1); !errors.Is(err, ErrIllegalState) {
		t.Errorf("expected ErrIllegalState, got %v", err)
	}
	// DisconnectForwardConnection outside user interaction is illegal.
	if err := a.DisconnectForwardConnection(1); !errors.Is(err, ErrIllegalState) {
		t.Errorf("expected ErrIllegalState, got %v", err)
	}
	// Second initialDP is rejected.
	if err := a.InitialDP(); !errors.Is(err, ErrSegmentExists) {
		t.Errorf("expected ErrSegmentExists, got %v", err)
	}
	// Operations on missing segments report absence.
	if err := a.ContinueCS(7); !errors.Is(err, ErrNoSuchSegment) {
		t.Errorf("expected ErrNoSuchSegment, got %v", err)
	}
}

func TestEmptySegmentsAreRemoved(t *testing.T) {
	a := NewAssociation()
	listener := &recordingListener{}
	a.AddListener(listener)

	if err := a.InitialDP(); err != nil {
		t.Fatalf("initialDP: %v", err)
	}
	// Add leg 2 by splitting a fresh ICA leg into segment 1's world: use
	// InitiateCallAttempt to create segment 2/leg 2, then move it to 1.
	if err := a.InitiateCallAttempt(2, 2); err != nil {
		t.Fatalf("initiateCallAttempt: %v", err)
	}
	if err := a.MoveLeg(2); err != nil {
		t.Fatalf("moveLeg: %v", err)
	}
	if a.Size() != 1 {
		t.Fatalf("expected 1 segment after move, got %d", a.Size())
	}

	if err := a.DisconnectLeg(2); err != nil {
		t.Fatalf("disconnectLeg(2): %v", err)
	}
	if a.Size() != 1 {
		t.Fatalf("segment 1 must survive with leg 1, size=%d", a.Size())
	}
	if err := a.DisconnectLeg(1); err != nil {
		t.Fatalf("disconnectLeg(1): %v", err)
	}
	if a.Size() != 0 {
		t.Fatalf("expected empty association, size=%d", a.Size())
	}

	// The last event must be the destruction of segment 1.
	if len(listener.events) == 0 || listener.events[len(listener.events)-1] != SegmentDestroyed {
		t.Errorf("expected final SegmentDestroyed event, got %v", listener.events)
	}

	if err := a.DisconnectLeg(1); !errors.Is(err, ErrNoSuchLeg) {
		t.Errorf("expected ErrNoSuchLeg, got %v", err)
	}
}

func TestSplitLeg(t *testing.T) {
	a := NewAssociation()
	if err := a.InitialDP(); err != nil {
		t.Fatalf("initialDP: %v", err)
	}
	if err := a.InitiateCallAttempt(2, 2); err != nil {
		t.Fatalf("initiateCallAttempt: %v", err)
	}
	if err := a.MoveLeg(2); err != nil {
		t.Fatalf("moveLeg: %v", err)
	}

	newID := a.GetLowestAvailableCSID()
	if newID != 2 {
		t.Fatalf("expected lowest free CSID 2, got %d", newID)
	}
	if err := a.SplitLeg(2, newID); err != nil {
		t.Fatalf("splitLeg: %v", err)
	}

	if cs := a.GetCallSegmentOfLeg(2); cs == nil || cs.ID() != 2 {
		t.Errorf("leg 2 should be in segment 2 after split")
	}
	if cs := a.GetCallSegmentOfLeg(1); cs == nil || cs.ID() != 1 {
		t.Errorf("leg 1 should remain in segment 1")
	}

	// Splitting a missing leg fails.
	if err := a.SplitLeg(9, 5); !errors.Is(err, ErrNoSuchLeg) {
		t.Errorf("expected ErrNoSuchLeg, got %v", err)
	}
	// Splitting into a taken segment id fails.
	if err := a.SplitLeg(1, 2); !errors.Is(err, ErrSegmentExists) {
		t.Errorf("expected ErrSegmentExists, got %v", err)
	}
}

func TestLowestAvailableIDsAreDeterministic(t *testing.T) {
	a := NewAssociation()
	if err := a.InitialDP(); err != nil {
		t.Fatalf("initialDP: %v", err)
	}

	if got := a.GetLowestAvailableCSID(); got != 2 {
		t.Errorf("expected CSID 2, got %d", got)
	}
	if got := a.GetLowestAvailableIcaLegID(); got != 2 {
		t.Errorf("expected leg id 2, got %d", got)
	}

	// Occupy 2 and 3, free 2, and the allocator must return 2 again.
	if err := a.InitiateCallAttempt(2, 2); err != nil {
		t.Fatal(err)
	}
	if err := a.InitiateCallAttempt(3, 3); err != nil {
		t.Fatal(err)
	}
	if err := a.DisconnectLeg(2); err != nil {
		t.Fatal(err)
	}
	if got := a.GetLowestAvailableCSID(); got != 2 {
		t.Errorf("expected reused CSID 2, got %d", got)
	}
	if got := a.GetLowestAvailableIcaLegID(); got != 2 {
		t.Errorf("expected reused leg id 2, got %d", got)
	}

	// Queries never return an id in use.
	if a.GetCallSegment(a.GetLowestAvailableCSID()) != nil {
		t.Error("lowest available CSID is in use")
	}
	if a.GetCallSegmentOfLeg(a.GetLowestAvailableIcaLegID()) != nil {
		t.Error("lowest available leg id is in use")
	}
}

func TestOrderedIDListings(t *testing.T) {
	a := NewAssociation()
	if err := a.InitialDP(); err != nil {
		t.Fatal(err)
	}
	// Create segments and legs out of numeric order.
	if err := a.InitiateCallAttempt(7, 5); err != nil {
		t.Fatal(err)
	}
	if err := a.InitiateCallAttempt(4, 3); err != nil {
		t.Fatal(err)
	}
	if err := a.AddLeg(1, 9); err != nil {
		t.Fatal(err)
	}
	if err := a.AddLeg(1, 2); err != nil {
		t.Fatal(err)
	}

	wantSegs := []int{1, 3, 5}
	if got := a.SegmentIDs(); !equalInts(got, wantSegs) {
		t.Errorf("SegmentIDs() = %v, want %v", got, wantSegs)
	}
	wantLegs := []int{1, 2, 9}
	if got := a.GetCallSegment(1).Legs(); !equalInts(got, wantLegs) {
		t.Errorf("Legs() = %v, want %v", got, wantLegs)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueriesReturnNilForAbsent(t *testing.T) {
	a := NewAssociation()
	if a.GetCallSegment(1) != nil {
		t.Error("expected nil segment on empty association")
	}
	if a.GetCallSegmentOfLeg(1) != nil {
		t.Error("expected nil segment for unknown leg")
	}
}

func TestReleaseDestroysAllSegments(t *testing.T) {
	a := NewAssociation()
	listener := &recordingListener{}
	a.AddListener(listener)

	if err := a.InitialDP(); err != nil {
		t.Fatal(err)
	}
	if err := a.InitiateCallAttempt(2, 2); err != nil {
		t.Fatal(err)
	}

	a.Release()
	if a.Size() != 0 {
		t.Fatalf("expected empty association after release, size=%d", a.Size())
	}

	destroyed := 0
	for _, e := range listener.events {
		if e == SegmentDestroyed {
			destroyed++
		}
	}
	if destroyed != 2 {
		t.Errorf("expected 2 SegmentDestroyed events, got %d", destroyed)
	}
}
