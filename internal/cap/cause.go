package cap

import "fmt"

// Cause is a Q.850 release cause value carried in CAP ReleaseCall and
// derived from / mapped to SIP status codes on the application-server side.
//
// CauseUnmapped marks the explicit "no equivalent value" case; it is never
// encoded on the wire and callers must check for it before building a
// release operation.
type Cause int

const (
	CauseUnmapped Cause = 0

	CauseUnallocatedNumber       Cause = 1
	CauseNoRouteToDestination    Cause = 3
	CauseNormalClearing          Cause = 16
	CauseUserBusy                Cause = 17
	CauseNoUserResponding        Cause = 18
	CauseNoAnswer                Cause = 19
	CauseCallRejected            Cause = 21
	CauseNormalUnspecified       Cause = 31
	CauseNoCircuitAvailable      Cause = 34
	CauseTemporaryFailure        Cause = 41
	CauseSwitchCongestion        Cause = 42
	CauseResourceUnavailable     Cause = 47
	CauseIncomingCallsBarred     Cause = 55
	CauseBearerCapNotAvailable   Cause = 58
	CauseServiceNotAvailable     Cause = 63
	CauseServiceNotImplemented   Cause = 79
	CauseInvalidNumberFormat     Cause = 28
	CauseRecoveryOnTimerExpiry   Cause = 102
	CauseProtocolError           Cause = 111
	CauseInterworkingUnspecified Cause = 127
)

// Valid reports whether c is a usable Q.850 value (1..127). CauseUnmapped
// and out-of-range values are not encodable.
func (c Cause) Valid() bool {
	return c >= 1 && c <= 127
}

// Wire returns the Q.850 integer for the cause. It returns an error for
// CauseUnmapped so the gap cannot silently reach the wire.
func (c Cause) Wire() (int, error) {
	if !c.Valid() {
		return 0, fmt.Errorf("cause %d has no wire encoding", int(c))
	}
	return int(c), nil
}

// CauseFromWire converts a received Q.850 integer into a Cause.
// Out-of-range values map to CauseUnmapped rather than an error, since a
// peer-supplied cause must never fail the release path.
func CauseFromWire(v int) Cause {
	if v < 1 || v > 127 {
		return CauseUnmapped
	}
	return Cause(v)
}

// CauseFromSIPStatus derives a release cause from a SIP final status code,
// following the RFC 3398 mapping for the codes the gateway forwards.
// Unmappable codes return CauseUnmapped.
func CauseFromSIPStatus(status int) Cause {
	switch status {
	case 404:
		return CauseUnallocatedNumber
	case 486:
		return CauseUserBusy
	case 480, 408:
		return CauseNoUserResponding
	case 403, 603:
		return CauseCallRejected
	case 484:
		return CauseInvalidNumberFormat
	case 500, 502:
		return CauseTemporaryFailure
	case 503:
		return CauseNoCircuitAvailable
	case 501:
		return CauseServiceNotImplemented
	case 488, 606:
		return CauseBearerCapNotAvailable
	default:
		if status >= 400 && status < 700 {
			return CauseInterworkingUnspecified
		}
		return CauseUnmapped
	}
}

// SIPStatus maps a release cause to the SIP status code reported to the
// application server, per RFC 3398. Causes without a defined mapping
// report 480 Temporarily Unavailable.
func (c Cause) SIPStatus() int {
	switch c {
	case CauseUnallocatedNumber, CauseNoRouteToDestination:
		return 404
	case CauseUserBusy:
		return 486
	case CauseNoUserResponding, CauseNoAnswer:
		return 480
	case CauseCallRejected, CauseIncomingCallsBarred:
		return 403
	case CauseInvalidNumberFormat:
		return 484
	case CauseNoCircuitAvailable, CauseSwitchCongestion, CauseResourceUnavailable, CauseTemporaryFailure:
		return 503
	case CauseServiceNotImplemented, CauseServiceNotAvailable:
		return 501
	case CauseBearerCapNotAvailable:
		return 488
	case CauseNormalClearing, CauseNormalUnspecified:
		return 487
	default:
		return 480
	}
}

// AbortReason identifies why a dialog was aborted by a peer or by the
// gateway itself.
type AbortReason int

const (
	AbortNoReasonGiven AbortReason = iota
	AbortUnrecognizedTransaction
	AbortDialogueRefused
	AbortApplicationContextNotSupported
	AbortAbnormalDialogue
	AbortResourceLimitation
)

var abortNames = map[AbortReason]string{
	AbortNoReasonGiven:                  "no-reason-given",
	AbortUnrecognizedTransaction:        "unrecognized-transaction",
	AbortDialogueRefused:                "dialogue-refused",
	AbortApplicationContextNotSupported: "application-context-not-supported",
	AbortAbnormalDialogue:               "abnormal-dialogue",
	AbortResourceLimitation:             "resource-limitation",
}

func (r AbortReason) String() string {
	if name, ok := abortNames[r]; ok {
		return name
	}
	return fmt.Sprintf("AbortReason(%d)", int(r))
}

// Benign reports whether the abort cause is a likely race (abandon,
// crossed teardown) rather than a hard protocol failure. The converter
// releases the SIP side quietly for these instead of raising an error.
func (r AbortReason) Benign() bool {
	return r == AbortNoReasonGiven || r == AbortUnrecognizedTransaction
}
