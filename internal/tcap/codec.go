package tcap

import (
	"fmt"

	"github.com/wmnsk/go-sccp/utils"

	"github.com/capgw/capgw/internal/cap"
)

// TCAP message and portion tags (Q.773).
const (
	tagBegin    = 0x62
	tagEnd      = 0x64
	tagContinue = 0x65
	tagAbort    = 0x67

	tagOTID       = 0x48
	tagDTID       = 0x49
	tagPAbort     = 0x4a
	tagDialogue   = 0x6b
	tagComponents = 0x6c

	tagInvoke         = 0xa1
	tagReturnResult   = 0xa2
	tagReturnError    = 0xa3
	tagReject         = 0xa4
	tagReturnResultNL = 0xa7
	tagInteger        = 0x02
	tagOctetString    = 0x04
	tagSequence       = 0x30
)

// component kinds after parsing.
const (
	compInvoke = iota
	compReturnResult
	compReturnError
	compReject
)

type component struct {
	kind     int
	invokeID int
	op       cap.OpCode
	errCode  int
	param    []byte
}

// message is one parsed transaction-portion message.
type message struct {
	msgType    byte
	otid, dtid uint32
	hasOTID    bool
	hasDTID    bool
	pAbort     int // -1 when the abort carries no cause
	components []component
}

func tidValue(b []byte) uint32 {
	v := uint32(0)
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v
}

func tidBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Abort cause translation (Q.773 P-Abort causes). Causes without a
// transaction-level equivalent go out as incorrectTransactionPortion.
const (
	pAbortUnrecognizedTransaction = 1
	pAbortIncorrectPortion        = 3
	pAbortResourceLimitation      = 4
)

func abortCauseWire(r cap.AbortReason) int {
	switch r {
	case cap.AbortUnrecognizedTransaction:
		return pAbortUnrecognizedTransaction
	case cap.AbortResourceLimitation:
		return pAbortResourceLimitation
	default:
		return pAbortIncorrectPortion
	}
}

func abortCauseFromWire(v int) cap.AbortReason {
	switch v {
	case -1:
		return cap.AbortNoReasonGiven
	case pAbortUnrecognizedTransaction:
		return cap.AbortUnrecognizedTransaction
	case pAbortResourceLimitation:
		return cap.AbortResourceLimitation
	default:
		return cap.AbortAbnormalDialogue
	}
}

// ISUP-style address octets (Q.763): nature of address and numbering plan
// header, then swapped BCD digits.

func encodeAddress(digits string, nai, npi int) ([]byte, error) {
	if digits == "" {
		return nil, fmt.Errorf("empty address digits")
	}
	swapped, err := utils.StrToSwappedBytes(digits, "0")
	if err != nil {
		return nil, fmt.Errorf("encoding digits %q: %w", digits, err)
	}
	b0 := byte(nai & 0x7f)
	if len(digits)%2 == 1 {
		b0 |= 0x80
	}
	b1 := byte(npi&0x07) << 4
	return append([]byte{b0, b1}, swapped...), nil
}

func decodeAddress(b []byte) (digits string, nai, npi int) {
	if len(b) < 2 {
		return "", 0, 0
	}
	odd := b[0]&0x80 != 0
	nai = int(b[0] & 0x7f)
	npi = int(b[1]>>4) & 0x07
	digits = utils.SwappedBytesToStr(b[2:], odd)
	return digits, nai, npi
}

// Q.850 cause octets: location header then the cause value. Location is
// fixed to "network beyond interworking point".
const causeLocation = 0x0a

func encodeCause(c cap.Cause) ([]byte, error) {
	v, err := c.Wire()
	if err != nil {
		return nil, err
	}
	return []byte{0x80 | causeLocation, 0x80 | byte(v)}, nil
}

func decodeCause(b []byte) cap.Cause {
	if len(b) < 2 {
		return cap.CauseUnmapped
	}
	return cap.CauseFromWire(int(b[1] & 0x7f))
}

// legID encodes the CAP LegID choice. Requests carry sendingSideID [0],
// reports carry receivingSideID [1].
func encodeSendingLeg(leg int) []byte {
	return appendTLV(nil, 0x80, []byte{byte(leg)})
}

// --- outgoing operation arguments ---

func encodeConnect(arg cap.ConnectArg) ([]byte, error) {
	addr, err := encodeAddress(arg.DestinationRoutingAddress.Digits,
		arg.DestinationRoutingAddress.NatureOfAddr, arg.DestinationRoutingAddress.NumberingPlan)
	if err != nil {
		return nil, err
	}
	var out []byte
	out = appendTLV(out, 0xa0, appendTLV(nil, tagOctetString, addr))
	if arg.OriginalCalledParty != "" {
		ocp, err := encodeAddress(arg.OriginalCalledParty, 4, 1)
		if err != nil {
			return nil, err
		}
		out = appendTLV(out, 0x86, ocp)
	}
	if arg.RedirectingParty != "" {
		rdp, err := encodeAddress(arg.RedirectingParty, 4, 1)
		if err != nil {
			return nil, err
		}
		out = appendTLV(out, 0x9d, rdp)
	}
	if arg.SuppressionOfAnnouncement {
		out = appendTLV(out, 0x9f37, nil)
	}
	return out, nil
}

func encodeContinueWithArgument(arg cap.ContinueWithArgumentArg) ([]byte, error) {
	var out []byte
	if arg.SuppressOutgoing {
		out = appendTLV(out, 0x9f3a, nil)
	}
	return out, nil
}

func encodeReleaseCall(arg cap.ReleaseCallArg) ([]byte, error) {
	// ReleaseCall carries the cause octets directly, not a sequence.
	return encodeCause(arg.Cause)
}

func encodeRequestReportBCSM(arg cap.RequestReportBCSMEventArg) ([]byte, error) {
	var events []byte
	for _, ev := range arg.Events {
		var e []byte
		e = appendTLV(e, 0x80, berInt(int(ev.Type)))
		e = appendTLV(e, 0x81, berInt(int(ev.Mode)))
		if ev.LegID != 0 {
			e = appendTLV(e, 0xa2, encodeSendingLeg(ev.LegID))
		}
		events = appendTLV(events, tagSequence, e)
	}
	return appendTLV(nil, 0xa0, events), nil
}

func encodeConnectToResource(arg cap.ConnectToResourceArg) ([]byte, error) {
	addr, err := encodeAddress(arg.ResourceAddress.Digits,
		arg.ResourceAddress.NatureOfAddr, arg.ResourceAddress.NumberingPlan)
	if err != nil {
		return nil, err
	}
	out := appendTLV(nil, 0x80, addr)
	if arg.ServiceInteractionInd != 0 {
		out = appendTLV(out, 0x87, berInt(arg.ServiceInteractionInd))
	}
	return out, nil
}

func encodePlayAnnouncement(arg cap.PlayAnnouncementArg) ([]byte, error) {
	if len(arg.MessageIDs) == 0 {
		return nil, fmt.Errorf("no announcement message ids")
	}
	var msgID []byte
	if len(arg.MessageIDs) == 1 {
		msgID = appendTLV(nil, 0x80, berInt(arg.MessageIDs[0]))
	} else {
		var ids []byte
		for _, id := range arg.MessageIDs {
			ids = appendTLV(ids, tagInteger, berInt(id))
		}
		msgID = appendTLV(nil, 0xbd, ids)
	}
	var inband []byte
	inband = appendTLV(inband, 0xa0, msgID)
	if arg.NumberOfRepeats != 0 {
		inband = appendTLV(inband, 0x81, berInt(arg.NumberOfRepeats))
	}
	if arg.Duration != 0 {
		inband = appendTLV(inband, 0x82, berInt(arg.Duration))
	}
	if arg.Interval != 0 {
		inband = appendTLV(inband, 0x83, berInt(arg.Interval))
	}
	var out []byte
	out = appendTLV(out, 0xa0, appendTLV(nil, 0xa0, inband))
	out = appendTLV(out, 0x81, berBool(arg.DisconnectOnEnd))
	if arg.RequestCompleted {
		out = appendTLV(out, 0x82, berBool(true))
	}
	return out, nil
}

func encodePromptAndCollect(arg cap.PromptAndCollectArg) ([]byte, error) {
	var digits []byte
	digits = appendTLV(digits, 0x80, berInt(arg.MinDigits))
	digits = appendTLV(digits, 0x81, berInt(arg.MaxDigits))
	if arg.EndOfReplyDigit != "" {
		digits = appendTLV(digits, 0x82, []byte(arg.EndOfReplyDigit))
	}
	if arg.CancelDigit != "" {
		digits = appendTLV(digits, 0x83, []byte(arg.CancelDigit))
	}
	if arg.FirstDigitTimeout != 0 {
		digits = appendTLV(digits, 0x85, berInt(arg.FirstDigitTimeout))
	}
	if arg.InterDigitTimeout != 0 {
		digits = appendTLV(digits, 0x86, berInt(arg.InterDigitTimeout))
	}
	var out []byte
	out = appendTLV(out, 0xa0, appendTLV(nil, 0xa0, digits))
	out = appendTLV(out, 0x81, berBool(arg.DisconnectOnEnd))
	if len(arg.MessageIDs) > 0 {
		msgID := appendTLV(nil, 0x80, berInt(arg.MessageIDs[0]))
		out = appendTLV(out, 0xa2, appendTLV(nil, 0xa0, appendTLV(nil, 0xa0, msgID)))
	}
	return out, nil
}

func encodeApplyCharging(arg cap.ApplyChargingArg) ([]byte, error) {
	var td []byte
	td = appendTLV(td, 0x80, berInt(arg.MaxCallPeriod))
	if arg.ReleaseIfExceed {
		td = appendTLV(td, 0x81, berBool(true))
	}
	if arg.TariffSwitch != 0 {
		td = appendTLV(td, 0x82, berInt(arg.TariffSwitch))
	}
	inner := appendTLV(nil, 0xa0, td)
	var out []byte
	out = appendTLV(out, 0x80, inner)
	if arg.LegID != 0 {
		out = appendTLV(out, 0xa2, encodeSendingLeg(arg.LegID))
	}
	return out, nil
}

func encodeFurnishCharging(arg cap.FurnishChargingInformationArg) ([]byte, error) {
	var seq []byte
	seq = appendTLV(seq, 0x80, []byte(arg.FreeFormatData))
	if arg.LegID != 0 {
		seq = appendTLV(seq, 0xa1, encodeSendingLeg(arg.LegID))
	}
	if arg.AppendIndicator {
		seq = appendTLV(seq, 0x82, berInt(1))
	}
	return appendTLV(nil, 0xa0, seq), nil
}

func encodeResetTimer(arg cap.ResetTimerArg) ([]byte, error) {
	var out []byte
	out = appendTLV(out, 0x80, berInt(0)) // timerID tssf
	out = appendTLV(out, 0x81, berInt(arg.TimerValue))
	if arg.CallSegment != 0 {
		out = appendTLV(out, 0x83, berInt(arg.CallSegment))
	}
	return out, nil
}

func encodeCancel(arg cap.CancelArg) ([]byte, error) {
	if arg.AllRequests {
		return appendTLV(nil, 0x81, nil), nil
	}
	if arg.InvokeID != nil {
		return appendTLV(nil, 0x80, berInt(*arg.InvokeID)), nil
	}
	return nil, fmt.Errorf("cancel needs an invoke id or allRequests")
}

func encodeDisconnectLeg(arg cap.DisconnectLegArg) ([]byte, error) {
	var out []byte
	out = appendTLV(out, 0xa0, encodeSendingLeg(arg.LegID))
	if arg.Cause.Valid() {
		cause, err := encodeCause(arg.Cause)
		if err != nil {
			return nil, err
		}
		out = appendTLV(out, 0x81, cause)
	}
	return out, nil
}

func encodeSplitLeg(arg cap.SplitLegArg) ([]byte, error) {
	var out []byte
	out = appendTLV(out, 0xa0, encodeSendingLeg(arg.LegID))
	out = appendTLV(out, 0x81, berInt(arg.NewSegmentID))
	return out, nil
}

func encodeMoveLeg(arg cap.MoveLegArg) ([]byte, error) {
	return appendTLV(nil, 0xa0, encodeSendingLeg(arg.LegID)), nil
}

func encodeDFCWithArgument(callSegmentID int) ([]byte, error) {
	return appendTLV(nil, 0x81, berInt(callSegmentID)), nil
}

func encodeInitiateCallAttempt(arg cap.InitiateCallAttemptArg) ([]byte, error) {
	addr, err := encodeAddress(arg.DestinationRoutingAddress.Digits,
		arg.DestinationRoutingAddress.NatureOfAddr, arg.DestinationRoutingAddress.NumberingPlan)
	if err != nil {
		return nil, err
	}
	var out []byte
	out = appendTLV(out, 0xa0, appendTLV(nil, tagOctetString, addr))
	out = appendTLV(out, 0xa5, encodeSendingLeg(arg.LegID))
	out = appendTLV(out, 0x86, berInt(arg.NewSegmentID))
	return out, nil
}

func berBool(v bool) []byte {
	if v {
		return []byte{0xff}
	}
	return []byte{0x00}
}

// --- incoming operation arguments ---

// decodeArg translates an incoming invoke parameter into the gateway's
// argument type. Operations the gateway does not inspect return nil.
func decodeArg(op cap.OpCode, param []byte) (any, error) {
	switch op {
	case cap.OpInitialDP:
		return decodeInitialDP(param)
	case cap.OpEventReportBCSM:
		return decodeEventReport(param)
	case cap.OpApplyChargingReport:
		return decodeApplyChargingReport(param)
	case cap.OpSpecializedResourceReport:
		return decodeSpecializedResourceReport(param), nil
	case cap.OpEntityReleased:
		return decodeEntityReleased(param)
	}
	return nil, nil
}

func decodeInitialDP(param []byte) (*cap.InitialDPArg, error) {
	els, err := parseTLVs(param)
	if err != nil {
		return nil, fmt.Errorf("parsing initialDP: %w", err)
	}
	arg := &cap.InitialDPArg{}
	for _, el := range els {
		switch el.tag {
		case 0x80:
			arg.ServiceKey = el.intValue()
		case 0x82:
			digits, nai, npi := decodeAddress(el.value)
			arg.CalledPartyNumber = &cap.CalledPartyNumber{
				Digits: digits, NatureOfAddr: nai, NumberingPlan: npi,
			}
		case 0x83:
			digits, nai, npi := decodeAddress(el.value)
			arg.CallingPartyNumber = &cap.CallingPartyNumber{
				Digits: digits, NatureOfAddr: nai, NumberingPlan: npi,
			}
		case 0x9c:
			arg.EventType = cap.EventType(el.intValue())
		case 0x9f32:
			arg.IMSI = utils.SwappedBytesToStr(el.value, false)
		case 0x9f36:
			arg.CallReference = fmt.Sprintf("%x", el.value)
		case 0x9f37:
			if len(el.value) > 1 {
				arg.MSCAddress = utils.SwappedBytesToStr(el.value[1:], false)
			}
		}
	}
	return arg, nil
}

func decodeEventReport(param []byte) (*cap.EventReportBCSMArg, error) {
	els, err := parseTLVs(param)
	if err != nil {
		return nil, fmt.Errorf("parsing eventReportBCSM: %w", err)
	}
	arg := &cap.EventReportBCSMArg{}
	for _, el := range els {
		switch el.tagNumber() {
		case 0:
			arg.Type = cap.EventType(el.intValue())
		case 2:
			// The event-specific choice wraps one sequence whose cause
			// member, when present, is tagged [0].
			if info, err := parseTLVs(el.value); err == nil && len(info) == 1 {
				if cause, ok := info[0].child(0); ok {
					arg.Cause = decodeCause(cause.value)
				}
			}
		case 3:
			if leg, ok := el.child(1); ok && len(leg.value) == 1 {
				arg.LegID = int(leg.value[0])
			}
		case 4:
			if mt, ok := el.child(0); ok {
				arg.Mode = cap.MonitorMode(mt.intValue())
			}
		}
	}
	return arg, nil
}

func decodeApplyChargingReport(param []byte) (*cap.ApplyChargingReportArg, error) {
	body := param
	// The call result may arrive wrapped in its carrier octet string.
	if els, err := parseTLVs(param); err == nil && len(els) == 1 && els[0].tag == tagOctetString {
		body = els[0].value
	}
	els, err := parseTLVs(body)
	if err != nil {
		return nil, fmt.Errorf("parsing applyChargingReport: %w", err)
	}
	arg := &cap.ApplyChargingReportArg{CallActive: true}
	for _, el := range els {
		if el.tagNumber() != 0 || !el.constructed() {
			continue
		}
		if leg, ok := el.child(0); ok {
			if rx, ok := leg.child(1); ok && len(rx.value) == 1 {
				arg.LegID = int(rx.value[0])
			}
		}
		if ti, ok := el.child(1); ok {
			if t, ok := ti.child(0); ok {
				arg.TimeIfNoTariffSwitch = t.intValue()
			}
		}
		if active, ok := el.child(2); ok {
			arg.CallActive = len(active.value) > 0 && active.value[0] != 0
		}
	}
	return arg, nil
}

func decodeSpecializedResourceReport(param []byte) *cap.SpecializedResourceReportArg {
	arg := &cap.SpecializedResourceReportArg{AnnouncementComplete: true}
	if els, err := parseTLVs(param); err == nil {
		for _, el := range els {
			if el.tagNumber() == 51 {
				arg.AnnouncementComplete = false
			}
		}
	}
	return arg
}

func decodeEntityReleased(param []byte) (*cap.EntityReleasedArg, error) {
	els, err := parseTLVs(param)
	if err != nil {
		return nil, fmt.Errorf("parsing entityReleased: %w", err)
	}
	arg := &cap.EntityReleasedArg{}
	for _, el := range els {
		if el.tagNumber() != 0 || !el.constructed() {
			continue
		}
		if seg, ok := el.child(0); ok {
			arg.CallSegment = seg.intValue()
		}
		if cause, ok := el.child(1); ok {
			arg.Cause = decodeCause(cause.value)
		}
	}
	return arg, nil
}

// decodeResult translates a ReturnResult parameter. Only
// promptAndCollectUserInformation returns data the gateway reads.
func decodeResult(op cap.OpCode, param []byte) (any, error) {
	if op != cap.OpPromptAndCollect || len(param) == 0 {
		return nil, nil
	}
	els, err := parseTLVs(param)
	if err != nil {
		return nil, fmt.Errorf("parsing collected digits: %w", err)
	}
	if len(els) == 0 || len(els[0].value) < 2 {
		return &cap.PromptAndCollectResult{}, nil
	}
	// Generic digits: one scheme octet, then swapped BCD.
	v := els[0].value
	return &cap.PromptAndCollectResult{
		Digits: utils.SwappedBytesToStr(v[1:], v[0]&0x10 != 0),
	}, nil
}
