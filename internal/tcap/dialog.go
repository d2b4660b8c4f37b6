package tcap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/capgw/capgw/internal/cap"
)

// pendingInvoke is an outgoing operation awaiting its ReturnResult,
// ReturnError or timeout.
type pendingInvoke struct {
	op    cap.OpCode
	timer *time.Timer
}

// dialog is the provider-backed cap.Dialog. Operations are queued by the
// Add methods and flushed by Send in a single Continue; Close and Release
// flush with an End instead.
type dialog struct {
	provider *Provider
	localID  uint32
	remoteID uint32

	mu         sync.Mutex
	state      cap.DialogState
	nextInvoke int
	queue      []component
	pending    map[int]pendingInvoke
	idleTimer  *time.Timer
}

var _ cap.Dialog = (*dialog)(nil)

func (d *dialog) LocalID() uint32 { return d.localID }

func (d *dialog) State() cap.DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// queueInvoke allocates an invoke ID and appends the component. Invoke IDs
// wrap within the single-octet range the component encoding uses.
func (d *dialog) queueInvoke(op cap.OpCode, param []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == cap.DialogExpunged {
		return 0, fmt.Errorf("dialog %d is expunged", d.localID)
	}
	d.nextInvoke = (d.nextInvoke + 1) % 128
	id := d.nextInvoke
	d.queue = append(d.queue, component{
		kind:     compInvoke,
		invokeID: id,
		op:       op,
		param:    param,
	})
	return id, nil
}

func (d *dialog) AddConnectRequest(arg cap.ConnectArg) (int, error) {
	param, err := encodeConnect(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding connect: %w", err)
	}
	return d.queueInvoke(cap.OpConnect, param)
}

func (d *dialog) AddContinueRequest() (int, error) {
	return d.queueInvoke(cap.OpContinue, nil)
}

func (d *dialog) AddContinueWithArgumentRequest(arg cap.ContinueWithArgumentArg) (int, error) {
	param, err := encodeContinueWithArgument(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding continueWithArgument: %w", err)
	}
	return d.queueInvoke(cap.OpContinueWithArgument, param)
}

func (d *dialog) AddReleaseCallRequest(arg cap.ReleaseCallArg) (int, error) {
	param, err := encodeReleaseCall(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding releaseCall: %w", err)
	}
	return d.queueInvoke(cap.OpReleaseCall, param)
}

func (d *dialog) AddRequestReportBCSMEventRequest(arg cap.RequestReportBCSMEventArg) (int, error) {
	param, err := encodeRequestReportBCSM(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding requestReportBCSMEvent: %w", err)
	}
	return d.queueInvoke(cap.OpRequestReportBCSMEvent, param)
}

func (d *dialog) AddConnectToResourceRequest(arg cap.ConnectToResourceArg) (int, error) {
	param, err := encodeConnectToResource(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding connectToResource: %w", err)
	}
	return d.queueInvoke(cap.OpConnectToResource, param)
}

func (d *dialog) AddPlayAnnouncementRequest(arg cap.PlayAnnouncementArg) (int, error) {
	param, err := encodePlayAnnouncement(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding playAnnouncement: %w", err)
	}
	return d.queueInvoke(cap.OpPlayAnnouncement, param)
}

func (d *dialog) AddPromptAndCollectRequest(arg cap.PromptAndCollectArg) (int, error) {
	param, err := encodePromptAndCollect(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding promptAndCollect: %w", err)
	}
	return d.queueInvoke(cap.OpPromptAndCollect, param)
}

func (d *dialog) AddDisconnectForwardConnectionRequest() (int, error) {
	return d.queueInvoke(cap.OpDisconnectForwardConnection, nil)
}

func (d *dialog) AddDFCWithArgumentRequest(callSegmentID int) (int, error) {
	param, err := encodeDFCWithArgument(callSegmentID)
	if err != nil {
		return 0, err
	}
	return d.queueInvoke(cap.OpDFCWithArgument, param)
}

func (d *dialog) AddDisconnectLegRequest(arg cap.DisconnectLegArg) (int, error) {
	param, err := encodeDisconnectLeg(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding disconnectLeg: %w", err)
	}
	return d.queueInvoke(cap.OpDisconnectLeg, param)
}

func (d *dialog) AddSplitLegRequest(arg cap.SplitLegArg) (int, error) {
	param, err := encodeSplitLeg(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding splitLeg: %w", err)
	}
	return d.queueInvoke(cap.OpSplitLeg, param)
}

func (d *dialog) AddMoveLegRequest(arg cap.MoveLegArg) (int, error) {
	param, err := encodeMoveLeg(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding moveLeg: %w", err)
	}
	return d.queueInvoke(cap.OpMoveLeg, param)
}

func (d *dialog) AddInitiateCallAttemptRequest(arg cap.InitiateCallAttemptArg) (int, error) {
	param, err := encodeInitiateCallAttempt(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding initiateCallAttempt: %w", err)
	}
	return d.queueInvoke(cap.OpInitiateCallAttempt, param)
}

func (d *dialog) AddApplyChargingRequest(arg cap.ApplyChargingArg) (int, error) {
	param, err := encodeApplyCharging(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding applyCharging: %w", err)
	}
	return d.queueInvoke(cap.OpApplyCharging, param)
}

func (d *dialog) AddFurnishChargingInformationRequest(arg cap.FurnishChargingInformationArg) (int, error) {
	param, err := encodeFurnishCharging(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding furnishChargingInformation: %w", err)
	}
	return d.queueInvoke(cap.OpFurnishChargingInformation, param)
}

func (d *dialog) AddResetTimerRequest(arg cap.ResetTimerArg) (int, error) {
	param, err := encodeResetTimer(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding resetTimer: %w", err)
	}
	return d.queueInvoke(cap.OpResetTimer, param)
}

func (d *dialog) AddActivityTestRequest() (int, error) {
	return d.queueInvoke(cap.OpActivityTest, nil)
}

func (d *dialog) AddCancelRequest(arg cap.CancelArg) (int, error) {
	param, err := encodeCancel(arg)
	if err != nil {
		return 0, fmt.Errorf("encoding cancel: %w", err)
	}
	return d.queueInvoke(cap.OpCancel, param)
}

// Send flushes the queued components in one Continue and starts the
// response timer for each invoke.
func (d *dialog) Send(_ context.Context) error {
	d.mu.Lock()
	if d.state == cap.DialogExpunged {
		d.mu.Unlock()
		return fmt.Errorf("dialog %d is expunged", d.localID)
	}
	comps := d.queue
	d.queue = nil
	payload, err := buildContinue(d.localID, d.remoteID, comps)
	if err != nil {
		d.queue = comps
		d.mu.Unlock()
		return fmt.Errorf("sending dialog %d: %w", d.localID, err)
	}
	for _, c := range comps {
		d.armInvokeTimer(c.invokeID, c.op)
	}
	d.state = cap.DialogActive
	d.mu.Unlock()

	if err := d.provider.write(payload); err != nil {
		return fmt.Errorf("sending dialog %d: %w", d.localID, err)
	}
	d.touch()
	return nil
}

// Close ends the dialog with a TCAP End. With immediate set the queued
// components are discarded.
func (d *dialog) Close(immediate bool) error {
	d.mu.Lock()
	if d.state == cap.DialogExpunged {
		d.mu.Unlock()
		return nil
	}
	comps := d.queue
	if immediate {
		comps = nil
	}
	d.queue = nil
	payload, err := buildEnd(d.remoteID, comps)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("closing dialog %d: %w", d.localID, err)
	}
	d.expungeLocked()
	d.mu.Unlock()

	d.provider.removeDialog(d.localID)
	if err := d.provider.write(payload); err != nil {
		return fmt.Errorf("closing dialog %d: %w", d.localID, err)
	}
	return nil
}

func (d *dialog) Abort(reason cap.AbortReason) error {
	d.mu.Lock()
	if d.state == cap.DialogExpunged {
		d.mu.Unlock()
		return nil
	}
	d.queue = nil
	payload, err := buildAbort(d.remoteID, abortCauseWire(reason))
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("aborting dialog %d: %w", d.localID, err)
	}
	d.expungeLocked()
	d.mu.Unlock()

	d.provider.removeDialog(d.localID)
	if err := d.provider.write(payload); err != nil {
		return fmt.Errorf("aborting dialog %d: %w", d.localID, err)
	}
	return nil
}

// Release queues a ReleaseCall and ends the dialog in one message.
func (d *dialog) Release(cause cap.Cause) error {
	param, err := encodeReleaseCall(cap.ReleaseCallArg{Cause: cause})
	if err != nil {
		return fmt.Errorf("encoding releaseCall: %w", err)
	}

	d.mu.Lock()
	if d.state == cap.DialogExpunged {
		d.mu.Unlock()
		return nil
	}
	d.nextInvoke = (d.nextInvoke + 1) % 128
	comps := append(d.queue, component{
		kind:     compInvoke,
		invokeID: d.nextInvoke,
		op:       cap.OpReleaseCall,
		param:    param,
	})
	d.queue = nil
	payload, err := buildEnd(d.remoteID, comps)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("releasing dialog %d: %w", d.localID, err)
	}
	d.expungeLocked()
	d.mu.Unlock()

	d.provider.removeDialog(d.localID)
	if err := d.provider.write(payload); err != nil {
		return fmt.Errorf("releasing dialog %d: %w", d.localID, err)
	}
	return nil
}

// armInvokeTimer starts the per-invoke response guard. Held under d.mu.
func (d *dialog) armInvokeTimer(invokeID int, op cap.OpCode) {
	if d.pending == nil {
		d.pending = make(map[int]pendingInvoke)
	}
	id := invokeID
	d.pending[id] = pendingInvoke{
		op: op,
		timer: d.provider.afterFunc(d.provider.invokeTimeout, func() {
			d.mu.Lock()
			_, outstanding := d.pending[id]
			delete(d.pending, id)
			d.mu.Unlock()
			if outstanding {
				d.provider.handler.OnInvokeTimeout(d.localID, id)
			}
		}),
	}
}

// resolve takes an outstanding invoke, stopping its timer. The stored
// opcode backs results that do not repeat it on the wire.
func (d *dialog) resolve(invokeID int) (cap.OpCode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[invokeID]
	if !ok {
		return cap.OpCode(-1), false
	}
	delete(d.pending, invokeID)
	p.timer.Stop()
	return p.op, true
}

// expungeLocked stops all timers and marks the dialog dead. Held under d.mu.
func (d *dialog) expungeLocked() {
	d.state = cap.DialogExpunged
	for id, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, id)
	}
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
}

// touch restarts the dialog idle guard after traffic in either direction.
func (d *dialog) touch() {
	if d.provider.dialogTimeout <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == cap.DialogExpunged {
		return
	}
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = d.provider.afterFunc(d.provider.dialogTimeout, func() {
		d.mu.Lock()
		expired := d.state != cap.DialogExpunged
		if expired {
			d.expungeLocked()
		}
		d.mu.Unlock()
		if expired {
			d.provider.removeDialog(d.localID)
			d.provider.handler.OnDialogTimeout(d.localID)
		}
	})
}
