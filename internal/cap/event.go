package cap

import "fmt"

// EventType is a BCSM detection point reportable via EventReportBCSM
// (3GPP TS 29.078 eventTypeBCSM).
type EventType int

const (
	EventRouteSelectFailure EventType = 4
	EventOCalledPartyBusy   EventType = 5
	EventONoAnswer          EventType = 6
	EventOAnswer            EventType = 7
	EventODisconnect        EventType = 9
	EventOAbandon           EventType = 10
	EventTBusy              EventType = 13
	EventTNoAnswer          EventType = 14
	EventTAnswer            EventType = 15
	EventTDisconnect        EventType = 17
	EventTAbandon           EventType = 18
)

var eventNames = map[EventType]string{
	EventRouteSelectFailure: "routeSelectFailure",
	EventOCalledPartyBusy:   "oCalledPartyBusy",
	EventONoAnswer:          "oNoAnswer",
	EventOAnswer:            "oAnswer",
	EventODisconnect:        "oDisconnect",
	EventOAbandon:           "oAbandon",
	EventTBusy:              "tBusy",
	EventTNoAnswer:          "tNoAnswer",
	EventTAnswer:            "tAnswer",
	EventTDisconnect:        "tDisconnect",
	EventTAbandon:           "tAbandon",
}

func (e EventType) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

// Known reports whether e is a supported detection point.
func (e EventType) Known() bool {
	_, ok := eventNames[e]
	return ok
}

// Originating reports whether the detection point belongs to the
// originating half of the BCSM.
func (e EventType) Originating() bool {
	switch e {
	case EventRouteSelectFailure, EventOCalledPartyBusy, EventONoAnswer,
		EventOAnswer, EventODisconnect, EventOAbandon:
		return true
	}
	return false
}

// MonitorMode controls how the switch reports an armed detection point.
type MonitorMode int

const (
	// MonitorInterrupted suspends call processing at the detection point
	// until the gateway supplies fresh instructions.
	MonitorInterrupted MonitorMode = 0
	// MonitorNotifyAndContinue reports the event without suspending.
	MonitorNotifyAndContinue MonitorMode = 1
	// MonitorTransparent disarms the detection point.
	MonitorTransparent MonitorMode = 2
)

func (m MonitorMode) String() string {
	switch m {
	case MonitorInterrupted:
		return "interrupted"
	case MonitorNotifyAndContinue:
		return "notifyAndContinue"
	case MonitorTransparent:
		return "transparent"
	}
	return fmt.Sprintf("MonitorMode(%d)", int(m))
}

// Phase is the CAP application-context version negotiated on the dialog.
type Phase int

const (
	Phase2 Phase = 2
	Phase3 Phase = 3
	Phase4 Phase = 4
)

// DefaultEDPs returns the detection points the gateway arms by default for
// a dialog of this phase, in interrupted mode for the answer/disconnect
// points and notify mode for abandon. The set grows with the phase: phase 2
// lacks the originating failure points that later phases report.
func (p Phase) DefaultEDPs(originating bool) []BCSMEvent {
	var events []BCSMEvent
	add := func(t EventType, m MonitorMode, leg int) {
		events = append(events, BCSMEvent{Type: t, Mode: m, LegID: leg})
	}
	if originating {
		add(EventOAnswer, MonitorInterrupted, 2)
		add(EventODisconnect, MonitorInterrupted, 1)
		add(EventODisconnect, MonitorInterrupted, 2)
		add(EventOAbandon, MonitorNotifyAndContinue, 1)
		add(EventOCalledPartyBusy, MonitorInterrupted, 2)
		add(EventONoAnswer, MonitorInterrupted, 2)
		if p >= Phase3 {
			add(EventRouteSelectFailure, MonitorInterrupted, 2)
		}
		return events
	}
	add(EventTAnswer, MonitorInterrupted, 2)
	add(EventTDisconnect, MonitorInterrupted, 1)
	add(EventTDisconnect, MonitorInterrupted, 2)
	add(EventTAbandon, MonitorNotifyAndContinue, 1)
	add(EventTBusy, MonitorInterrupted, 2)
	add(EventTNoAnswer, MonitorInterrupted, 2)
	return events
}
