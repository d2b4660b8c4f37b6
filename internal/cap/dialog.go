package cap

import (
	"context"
	"fmt"
)

// DialogState tracks the lifecycle of one CAP dialog.
type DialogState int

const (
	DialogIdle DialogState = iota
	DialogInitialReceived
	DialogInitialSent
	DialogActive
	DialogExpunged
)

func (s DialogState) String() string {
	switch s {
	case DialogIdle:
		return "idle"
	case DialogInitialReceived:
		return "initial-received"
	case DialogInitialSent:
		return "initial-sent"
	case DialogActive:
		return "active"
	case DialogExpunged:
		return "expunged"
	}
	return fmt.Sprintf("DialogState(%d)", int(s))
}

// AcceptsPrimitives reports whether operations may be queued on a dialog
// in this state. Leg-manipulation requests from the application server are
// rejected up front when this is false.
func (s DialogState) AcceptsPrimitives() bool {
	return s == DialogInitialReceived || s == DialogActive
}

// Dialog is the abstract CAP dialog offered by the telecom transport stack.
// AddXxxRequest builders queue an operation component and return its invoke
// identifier; nothing reaches the wire until Send. The stack delivers each
// operation's outcome asynchronously through the DialogHandler, keyed by
// that invoke identifier.
//
// Implementations must be safe for use under the owning call's lock only;
// the gateway never touches a dialog from two goroutines at once.
type Dialog interface {
	// LocalID is the dialog's local transaction identifier, used to route
	// incoming stack callbacks back to the owning call.
	LocalID() uint32

	State() DialogState

	AddConnectRequest(arg ConnectArg) (int, error)
	AddContinueRequest() (int, error)
	AddContinueWithArgumentRequest(arg ContinueWithArgumentArg) (int, error)
	AddReleaseCallRequest(arg ReleaseCallArg) (int, error)
	AddRequestReportBCSMEventRequest(arg RequestReportBCSMEventArg) (int, error)
	AddConnectToResourceRequest(arg ConnectToResourceArg) (int, error)
	AddPlayAnnouncementRequest(arg PlayAnnouncementArg) (int, error)
	AddPromptAndCollectRequest(arg PromptAndCollectArg) (int, error)
	AddDisconnectForwardConnectionRequest() (int, error)
	AddDFCWithArgumentRequest(callSegmentID int) (int, error)
	AddDisconnectLegRequest(arg DisconnectLegArg) (int, error)
	AddSplitLegRequest(arg SplitLegArg) (int, error)
	AddMoveLegRequest(arg MoveLegArg) (int, error)
	AddInitiateCallAttemptRequest(arg InitiateCallAttemptArg) (int, error)
	AddApplyChargingRequest(arg ApplyChargingArg) (int, error)
	AddFurnishChargingInformationRequest(arg FurnishChargingInformationArg) (int, error)
	AddResetTimerRequest(arg ResetTimerArg) (int, error)
	AddActivityTestRequest() (int, error)
	AddCancelRequest(arg CancelArg) (int, error)

	// Send flushes all queued components in one TCAP message.
	Send(ctx context.Context) error

	// Close ends the dialog. With immediate set the pending components are
	// discarded and an End is sent at once; otherwise queued components go
	// out with the End.
	Close(immediate bool) error

	// Abort tears the dialog down abnormally with the given reason.
	Abort(reason AbortReason) error

	// Release queues a ReleaseCall and closes the dialog in one step.
	Release(cause Cause) error
}

// DialogHandler receives asynchronous dialog events from the transport
// stack. Per-operation outcomes carry the invoke identifier returned by the
// matching AddXxxRequest call; exactly one of result, error or timeout is
// delivered for each outstanding invoke.
type DialogHandler interface {
	// OnRequest delivers an incoming operation invoke from the switch.
	OnRequest(dialogID uint32, invokeID int, op OpCode, arg any)

	// OnResult delivers the ReturnResult for an outgoing operation.
	OnResult(dialogID uint32, invokeID int, op OpCode, result any)

	// OnError delivers a ReturnError with the peer's error code and an
	// optional problem diagnostic.
	OnError(dialogID uint32, invokeID int, errCode int, problem string)

	// OnInvokeTimeout is delivered when no response arrived before the
	// invoke timer expired.
	OnInvokeTimeout(dialogID uint32, invokeID int)

	// Dialog-level events.
	OnDialogClose(dialogID uint32)
	OnProviderAbort(dialogID uint32, cause AbortReason)
	OnUserAbort(dialogID uint32, reason AbortReason)
	OnRelease(dialogID uint32)
	OnDialogTimeout(dialogID uint32)
}

// Remote application-error codes returned in a ReturnError component
// (TS 29.078 §4.2). Only the ones the gateway special-cases are named.
const (
	ErrCodeCancelled              = 0
	ErrCodeCancelFailed           = 1
	ErrCodeETCFailed              = 3
	ErrCodeImproperCallerResponse = 4
	ErrCodeMissingCustomerRecord  = 6
	ErrCodeMissingParameter       = 7
	ErrCodeParameterOutOfRange    = 8
	ErrCodeRequestedInfoError     = 10
	ErrCodeSystemFailure          = 11
	ErrCodeTaskRefused            = 12
	ErrCodeUnavailableResource    = 13
	ErrCodeUnexpectedComponentSeq = 14
	ErrCodeUnexpectedDataValue    = 15
	ErrCodeUnexpectedParameter    = 16
	ErrCodeUnknownLegID           = 17
	ErrCodeUnknownCSID            = 50
)

// ErrCodeName returns a readable name for a remote error code for logging.
func ErrCodeName(code int) string {
	switch code {
	case ErrCodeCancelled:
		return "canceled"
	case ErrCodeCancelFailed:
		return "cancelFailed"
	case ErrCodeETCFailed:
		return "eTCFailed"
	case ErrCodeImproperCallerResponse:
		return "improperCallerResponse"
	case ErrCodeMissingCustomerRecord:
		return "missingCustomerRecord"
	case ErrCodeMissingParameter:
		return "missingParameter"
	case ErrCodeParameterOutOfRange:
		return "parameterOutOfRange"
	case ErrCodeRequestedInfoError:
		return "requestedInfoError"
	case ErrCodeSystemFailure:
		return "systemFailure"
	case ErrCodeTaskRefused:
		return "taskRefused"
	case ErrCodeUnavailableResource:
		return "unavailableResource"
	case ErrCodeUnexpectedComponentSeq:
		return "unexpectedComponentSequence"
	case ErrCodeUnexpectedDataValue:
		return "unexpectedDataValue"
	case ErrCodeUnexpectedParameter:
		return "unexpectedParameter"
	case ErrCodeUnknownLegID:
		return "unknownLegID"
	case ErrCodeUnknownCSID:
		return "unknownCSID"
	}
	return fmt.Sprintf("error(%d)", code)
}
