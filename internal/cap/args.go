package cap

// Operation argument types. Field names and XML tags follow the CAP
// parameter names so the application-server payloads read like the
// protocol specification. All types are plain data; validation happens
// in the gateway before an operation is built.

// CalledPartyNumber is an ISUP-style address with explicit nature-of-address
// and numbering-plan codes. The zero codes are valid wire values, so the
// Digits field being empty is the emptiness test.
type CalledPartyNumber struct {
	Digits        string `xml:"digits"`
	NatureOfAddr  int    `xml:"natureOfAddress,attr"`
	NumberingPlan int    `xml:"numberingPlan,attr"`
}

// CallingPartyNumber mirrors CalledPartyNumber for the originating party.
type CallingPartyNumber struct {
	Digits          string `xml:"digits"`
	NatureOfAddr    int    `xml:"natureOfAddress,attr"`
	NumberingPlan   int    `xml:"numberingPlan,attr"`
	PresentationInd int    `xml:"presentation,attr"`
}

// BCSMEvent arms one detection point on one leg.
type BCSMEvent struct {
	Type  EventType   `xml:"eventType"`
	Mode  MonitorMode `xml:"monitorMode"`
	LegID int         `xml:"legID,omitempty"`
}

// InitialDPArg carries the initial detection point parameters delivered by
// the switch when a trigger fires.
type InitialDPArg struct {
	ServiceKey         int                 `xml:"serviceKey"`
	CalledPartyNumber  *CalledPartyNumber  `xml:"calledPartyNumber,omitempty"`
	CallingPartyNumber *CallingPartyNumber `xml:"callingPartyNumber,omitempty"`
	EventType          EventType           `xml:"eventTypeBCSM,omitempty"`
	IMSI               string              `xml:"imsi,omitempty"`
	CallReference      string              `xml:"callReferenceNumber,omitempty"`
	MSCAddress         string              `xml:"mscAddress,omitempty"`
}

// ConnectArg routes the call to a new destination.
type ConnectArg struct {
	DestinationRoutingAddress CalledPartyNumber `xml:"destinationRoutingAddress"`
	OriginalCalledParty       string            `xml:"originalCalledPartyID,omitempty"`
	RedirectingParty          string            `xml:"redirectingPartyID,omitempty"`
	SuppressionOfAnnouncement bool              `xml:"suppressionOfAnnouncement,omitempty"`
}

// ContinueWithArgumentArg resumes processing with modified information.
type ContinueWithArgumentArg struct {
	CallingPartyNumber *CallingPartyNumber `xml:"callingPartyNumber,omitempty"`
	LegID              int                 `xml:"legID,omitempty"`
	SuppressOutgoing   bool                `xml:"suppressOCSI,omitempty"`
}

// ConnectToResourceArg joins a call segment to the specialized resource
// function for announcements and digit collection. Instances are built once
// per configured resource alias and treated as immutable templates.
type ConnectToResourceArg struct {
	ResourceAddress       CalledPartyNumber `xml:"resourceAddress"`
	ServiceInteractionInd int               `xml:"serviceInteractionIndicators,omitempty"`
}

// PlayAnnouncementArg requests an announcement on the connected resource.
type PlayAnnouncementArg struct {
	MessageIDs       []int `xml:"informationToSend>messageID"`
	NumberOfRepeats  int   `xml:"numberOfRepetitions,omitempty"`
	Duration         int   `xml:"duration,omitempty"`
	Interval         int   `xml:"interval,omitempty"`
	DisconnectOnEnd  bool  `xml:"disconnectFromIPForbidden,omitempty"`
	RequestCompleted bool  `xml:"requestAnnouncementComplete,omitempty"`
}

// PromptAndCollectArg plays a prompt and collects digits from the user.
type PromptAndCollectArg struct {
	MinDigits         int    `xml:"collectedInfo>minimumNbOfDigits"`
	MaxDigits         int    `xml:"collectedInfo>maximumNbOfDigits"`
	EndOfReplyDigit   string `xml:"collectedInfo>endOfReplyDigit,omitempty"`
	CancelDigit       string `xml:"collectedInfo>cancelDigit,omitempty"`
	FirstDigitTimeout int    `xml:"collectedInfo>firstDigitTimeOut,omitempty"`
	InterDigitTimeout int    `xml:"collectedInfo>interDigitTimeOut,omitempty"`
	MessageIDs        []int  `xml:"informationToSend>messageID,omitempty"`
	DisconnectOnEnd   bool   `xml:"disconnectFromIPForbidden,omitempty"`
}

// PromptAndCollectResult carries the collected digits back.
type PromptAndCollectResult struct {
	Digits string `xml:"digitsResponse"`
}

// RequestReportBCSMEventArg arms a set of detection points.
type RequestReportBCSMEventArg struct {
	Events []BCSMEvent `xml:"bcsmEvents>bcsmEvent"`
}

// EventReportBCSMArg reports a fired detection point.
type EventReportBCSMArg struct {
	Type        EventType   `xml:"eventTypeBCSM"`
	LegID       int         `xml:"legID,omitempty"`
	Mode        MonitorMode `xml:"miscCallInfo>messageType"`
	Cause       Cause       `xml:"eventSpecificInformation>cause,omitempty"`
	CallSegment int         `xml:"callSegmentID,omitempty"`
}

// ApplyChargingArg starts a charging period on a leg.
type ApplyChargingArg struct {
	MaxCallPeriod   int  `xml:"aChBillingChargingCharacteristics>maxCallPeriodDuration"`
	ReleaseIfExceed bool `xml:"aChBillingChargingCharacteristics>releaseIfdurationExceeded,omitempty"`
	TariffSwitch    int  `xml:"aChBillingChargingCharacteristics>tariffSwitchInterval,omitempty"`
	LegID           int  `xml:"partyToCharge,omitempty"`
}

// ApplyChargingReportArg reports consumed charging units.
type ApplyChargingReportArg struct {
	TimeIfNoTariffSwitch int  `xml:"timeDurationChargingResult>timeInformation,omitempty"`
	LegID                int  `xml:"timeDurationChargingResult>partyToCharge,omitempty"`
	CallActive           bool `xml:"timeDurationChargingResult>callActive"`
}

// FurnishChargingInformationArg attaches free-format billing data.
type FurnishChargingInformationArg struct {
	FreeFormatData  string `xml:"fCIBCCCAMELsequence1>freeFormatData"`
	LegID           int    `xml:"fCIBCCCAMELsequence1>partyToCharge,omitempty"`
	AppendIndicator bool   `xml:"fCIBCCCAMELsequence1>appendFreeFormatData,omitempty"`
}

// ReleaseCallArg releases every leg of the call with a cause.
type ReleaseCallArg struct {
	Cause Cause `xml:"cause"`
}

// CancelArg cancels a pending announcement or collection invoke, or all
// outstanding requests when AllRequests is set.
type CancelArg struct {
	InvokeID    *int `xml:"invokeID,omitempty"`
	AllRequests bool `xml:"allRequests,omitempty"`
}

// DisconnectLegArg releases a single leg.
type DisconnectLegArg struct {
	LegID int   `xml:"legToBeReleased"`
	Cause Cause `xml:"releaseCause,omitempty"`
}

// SplitLegArg moves a leg into a new call segment.
type SplitLegArg struct {
	LegID        int `xml:"legToBeSplit"`
	NewSegmentID int `xml:"newCallSegment"`
}

// MoveLegArg moves a leg back into call segment 1.
type MoveLegArg struct {
	LegID int `xml:"legIDToMove"`
}

// ResetTimerArg refreshes the switch-side Tssf guard timer.
type ResetTimerArg struct {
	TimerValue  int `xml:"timervalue"`
	CallSegment int `xml:"callSegmentToReset,omitempty"`
}

// InitiateCallAttemptArg creates a new leg toward a destination on an
// application-server-originated call.
type InitiateCallAttemptArg struct {
	DestinationRoutingAddress CalledPartyNumber `xml:"destinationRoutingAddress"`
	LegID                     int               `xml:"legToBeCreated"`
	NewSegmentID              int               `xml:"newCallSegment"`
}

// SpecializedResourceReportArg acknowledges announcement completion.
type SpecializedResourceReportArg struct {
	AnnouncementComplete bool `xml:"allAnnouncementsComplete"`
}

// EntityReleasedArg reports that the switch released a call segment or leg
// on its own initiative.
type EntityReleasedArg struct {
	CallSegment int   `xml:"callSegmentFailure>callSegmentID,omitempty"`
	Cause       Cause `xml:"callSegmentFailure>cause,omitempty"`
}
