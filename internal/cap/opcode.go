package cap

import "fmt"

// OpCode is a CAMEL Application Part local operation code as carried in a
// TCAP Invoke/ReturnResult component (3GPP TS 29.078 §5.9).
type OpCode int

const (
	OpInitialDP                   OpCode = 0
	OpAssistRequestInstructions   OpCode = 16
	OpEstablishTemporaryConn      OpCode = 17
	OpDisconnectForwardConnection OpCode = 18
	OpConnectToResource           OpCode = 19
	OpConnect                     OpCode = 20
	OpReleaseCall                 OpCode = 22
	OpRequestReportBCSMEvent      OpCode = 23
	OpEventReportBCSM             OpCode = 24
	OpContinue                    OpCode = 31
	OpInitiateCallAttempt         OpCode = 32
	OpResetTimer                  OpCode = 33
	OpFurnishChargingInformation  OpCode = 34
	OpApplyCharging               OpCode = 35
	OpApplyChargingReport         OpCode = 36
	OpCallGap                     OpCode = 41
	OpPlayAnnouncement            OpCode = 47
	OpPromptAndCollect            OpCode = 48
	OpSpecializedResourceReport   OpCode = 49
	OpCancel                      OpCode = 53
	OpActivityTest                OpCode = 55
	OpDFCWithArgument             OpCode = 86
	OpContinueWithArgument        OpCode = 88
	OpDisconnectLeg               OpCode = 90
	OpMoveLeg                     OpCode = 93
	OpSplitLeg                    OpCode = 95
	OpEntityReleased              OpCode = 96
)

// opNames maps wire operation codes to their protocol names.
var opNames = map[OpCode]string{
	OpInitialDP:                   "InitialDP",
	OpAssistRequestInstructions:   "AssistRequestInstructions",
	OpEstablishTemporaryConn:      "EstablishTemporaryConnection",
	OpDisconnectForwardConnection: "DisconnectForwardConnection",
	OpConnectToResource:           "ConnectToResource",
	OpConnect:                     "Connect",
	OpReleaseCall:                 "ReleaseCall",
	OpRequestReportBCSMEvent:      "RequestReportBCSMEvent",
	OpEventReportBCSM:             "EventReportBCSM",
	OpContinue:                    "Continue",
	OpInitiateCallAttempt:         "InitiateCallAttempt",
	OpResetTimer:                  "ResetTimer",
	OpFurnishChargingInformation:  "FurnishChargingInformation",
	OpApplyCharging:               "ApplyCharging",
	OpApplyChargingReport:         "ApplyChargingReport",
	OpCallGap:                     "CallGap",
	OpPlayAnnouncement:            "PlayAnnouncement",
	OpPromptAndCollect:            "PromptAndCollectUserInformation",
	OpSpecializedResourceReport:   "SpecializedResourceReport",
	OpCancel:                      "Cancel",
	OpActivityTest:                "ActivityTest",
	OpDFCWithArgument:             "DisconnectForwardConnectionWithArgument",
	OpContinueWithArgument:        "ContinueWithArgument",
	OpDisconnectLeg:               "DisconnectLeg",
	OpMoveLeg:                     "MoveLeg",
	OpSplitLeg:                    "SplitLeg",
	OpEntityReleased:              "EntityReleased",
}

// String returns the protocol name of the operation, or a numeric fallback
// for codes outside the supported set.
func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OpCode(%d)", int(op))
}

// Known reports whether the code belongs to the supported CAP operation set.
func (op OpCode) Known() bool {
	_, ok := opNames[op]
	return ok
}
