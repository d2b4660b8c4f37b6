// Package capxml serializes CAP operations to and from the XML payloads
// carried in SIP message bodies between the gateway and the application
// server.
package capxml

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/capgw/capgw/internal/cap"
)

// ContentType is the media type of a CAP operation payload.
const ContentType = "application/cap-xml"

// ErrEmptyBody is returned when a decode is attempted on an empty body.
var ErrEmptyBody = errors.New("empty cap-xml body")

// ErrNoOperation is returned when the envelope decodes but carries no
// recognized operation element.
var ErrNoOperation = errors.New("cap-xml envelope carries no operation")

// Envelope is the closed union of operations the application server may
// send or receive. Exactly one pointer field is non-nil per message.
type Envelope struct {
	XMLName xml.Name `xml:"cap"`

	InitialDP            *cap.InitialDPArg                 `xml:"initialDP,omitempty"`
	Connect              *cap.ConnectArg                   `xml:"connect,omitempty"`
	Continue             *struct{}                         `xml:"continue,omitempty"`
	ContinueWithArgument *cap.ContinueWithArgumentArg      `xml:"continueWithArgument,omitempty"`
	ReleaseCall          *cap.ReleaseCallArg               `xml:"releaseCall,omitempty"`
	RequestReportBCSM    *cap.RequestReportBCSMEventArg    `xml:"requestReportBCSMEvent,omitempty"`
	EventReportBCSM      *cap.EventReportBCSMArg           `xml:"eventReportBCSM,omitempty"`
	ConnectToResource    *cap.ConnectToResourceArg         `xml:"connectToResource,omitempty"`
	PlayAnnouncement     *cap.PlayAnnouncementArg          `xml:"playAnnouncement,omitempty"`
	PromptAndCollect     *cap.PromptAndCollectArg          `xml:"promptAndCollectUserInformation,omitempty"`
	PromptResult         *cap.PromptAndCollectResult       `xml:"promptAndCollectResult,omitempty"`
	ApplyCharging        *cap.ApplyChargingArg             `xml:"applyCharging,omitempty"`
	ApplyChargingReport  *cap.ApplyChargingReportArg       `xml:"applyChargingReport,omitempty"`
	FurnishCharging      *cap.FurnishChargingInformationArg `xml:"furnishChargingInformation,omitempty"`
	DisconnectLeg        *cap.DisconnectLegArg             `xml:"disconnectLeg,omitempty"`
	SplitLeg             *cap.SplitLegArg                  `xml:"splitLeg,omitempty"`
	MoveLeg              *cap.MoveLegArg                   `xml:"moveLeg,omitempty"`
	InitiateCallAttempt  *cap.InitiateCallAttemptArg       `xml:"initiateCallAttempt,omitempty"`
	ResetTimer           *cap.ResetTimerArg                `xml:"resetTimer,omitempty"`
	Cancel               *cap.CancelArg                    `xml:"cancel,omitempty"`
	DisconnectForward    *struct{}                         `xml:"disconnectForwardConnection,omitempty"`
	EntityReleased       *cap.EntityReleasedArg            `xml:"entityReleased,omitempty"`
	SpecializedResource  *cap.SpecializedResourceReportArg `xml:"specializedResourceReport,omitempty"`
}

// Op returns the operation code of the single operation the envelope
// carries, or cap.OpCode(-1) together with false when the envelope is empty.
func (e *Envelope) Op() (cap.OpCode, bool) {
	switch {
	case e.InitialDP != nil:
		return cap.OpInitialDP, true
	case e.Connect != nil:
		return cap.OpConnect, true
	case e.Continue != nil:
		return cap.OpContinue, true
	case e.ContinueWithArgument != nil:
		return cap.OpContinueWithArgument, true
	case e.ReleaseCall != nil:
		return cap.OpReleaseCall, true
	case e.RequestReportBCSM != nil:
		return cap.OpRequestReportBCSMEvent, true
	case e.EventReportBCSM != nil:
		return cap.OpEventReportBCSM, true
	case e.ConnectToResource != nil:
		return cap.OpConnectToResource, true
	case e.PlayAnnouncement != nil:
		return cap.OpPlayAnnouncement, true
	case e.PromptAndCollect != nil, e.PromptResult != nil:
		return cap.OpPromptAndCollect, true
	case e.ApplyCharging != nil:
		return cap.OpApplyCharging, true
	case e.ApplyChargingReport != nil:
		return cap.OpApplyChargingReport, true
	case e.FurnishCharging != nil:
		return cap.OpFurnishChargingInformation, true
	case e.DisconnectLeg != nil:
		return cap.OpDisconnectLeg, true
	case e.SplitLeg != nil:
		return cap.OpSplitLeg, true
	case e.MoveLeg != nil:
		return cap.OpMoveLeg, true
	case e.InitiateCallAttempt != nil:
		return cap.OpInitiateCallAttempt, true
	case e.ResetTimer != nil:
		return cap.OpResetTimer, true
	case e.Cancel != nil:
		return cap.OpCancel, true
	case e.DisconnectForward != nil:
		return cap.OpDisconnectForwardConnection, true
	case e.EntityReleased != nil:
		return cap.OpEntityReleased, true
	case e.SpecializedResource != nil:
		return cap.OpSpecializedResourceReport, true
	}
	return cap.OpCode(-1), false
}

// Encode serializes the envelope to a CAP XML body.
func Encode(e *Envelope) ([]byte, error) {
	if _, ok := e.Op(); !ok {
		return nil, ErrNoOperation
	}
	out, err := xml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding cap-xml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Decode parses a CAP XML body into an envelope. Malformed bodies and
// empty envelopes are reported as errors so the caller can answer the
// originator with a client-error response.
func Decode(body []byte) (*Envelope, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	var e Envelope
	if err := xml.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decoding cap-xml: %w", err)
	}
	if _, ok := e.Op(); !ok {
		return nil, ErrNoOperation
	}
	return &e, nil
}
