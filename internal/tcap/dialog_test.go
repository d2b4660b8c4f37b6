package tcap

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/capgw/capgw/internal/cap"
)

type nopHandler struct {
	timeouts []int
}

func (h *nopHandler) OnRequest(uint32, int, cap.OpCode, any) {}

func (h *nopHandler) OnResult(uint32, int, cap.OpCode, any) {}

func (h *nopHandler) OnError(uint32, int, int, string) {}

func (h *nopHandler) OnInvokeTimeout(_ uint32, invokeID int) {
	h.timeouts = append(h.timeouts, invokeID)
}

func (h *nopHandler) OnDialogClose(uint32) {}

func (h *nopHandler) OnProviderAbort(uint32, cap.AbortReason) {}

func (h *nopHandler) OnUserAbort(uint32, cap.AbortReason) {}

func (h *nopHandler) OnRelease(uint32) {}

func (h *nopHandler) OnDialogTimeout(uint32) {}

func testProvider(t *testing.T) (*Provider, *nopHandler, *[]func()) {
	t.Helper()
	h := &nopHandler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(Config{
		LocalAddr:  "127.0.0.1:2905",
		RemoteAddr: "127.0.0.2:2905",
		LocalGT:    "31880000000",
		RemoteGT:   "31880000099",
	}, h, logger)

	var fires []func()
	p.afterFunc = func(_ time.Duration, f func()) *time.Timer {
		fires = append(fires, f)
		return time.AfterFunc(time.Hour, func() {})
	}
	return p, h, &fires
}

func TestDialogInvokeAllocation(t *testing.T) {
	p, _, _ := testProvider(t)
	d := &dialog{provider: p, localID: 1, remoteID: 9, state: cap.DialogInitialReceived}

	id1, err := d.AddContinueRequest()
	if err != nil {
		t.Fatalf("AddContinueRequest() error: %v", err)
	}
	id2, err := d.AddReleaseCallRequest(cap.ReleaseCallArg{Cause: cap.CauseNormalClearing})
	if err != nil {
		t.Fatalf("AddReleaseCallRequest() error: %v", err)
	}
	if id1 == id2 {
		t.Errorf("invoke ids collide: %d", id1)
	}
	if len(d.queue) != 2 {
		t.Errorf("queue length = %d, want 2", len(d.queue))
	}
}

func TestDialogSendWithoutAssociation(t *testing.T) {
	p, _, _ := testProvider(t)
	d := &dialog{provider: p, localID: 1, remoteID: 9, state: cap.DialogInitialReceived}

	if _, err := d.AddContinueRequest(); err != nil {
		t.Fatal(err)
	}
	if err := d.Send(t.Context()); err == nil {
		t.Error("Send() without an association succeeded, want error")
	}
}

func TestDialogInvokeTimeoutDelivery(t *testing.T) {
	p, h, fires := testProvider(t)
	d := &dialog{provider: p, localID: 7, remoteID: 9, state: cap.DialogActive}

	id, err := d.AddActivityTestRequest()
	if err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	for _, c := range d.queue {
		d.armInvokeTimer(c.invokeID, c.op)
	}
	d.queue = nil
	d.mu.Unlock()

	(*fires)[0]()
	if len(h.timeouts) != 1 || h.timeouts[0] != id {
		t.Errorf("timeouts = %v, want [%d]", h.timeouts, id)
	}

	// A resolved invoke must not time out.
	id2, _ := d.AddActivityTestRequest()
	d.mu.Lock()
	d.armInvokeTimer(id2, cap.OpActivityTest)
	d.queue = nil
	d.mu.Unlock()
	if op, ok := d.resolve(id2); !ok || op != cap.OpActivityTest {
		t.Fatalf("resolve(%d) = %s/%v, want ActivityTest/true", id2, op, ok)
	}
	(*fires)[1]()
	if len(h.timeouts) != 1 {
		t.Errorf("timeouts = %v, resolved invoke fired anyway", h.timeouts)
	}
}

func TestExpungedDialogRejectsOperations(t *testing.T) {
	p, _, _ := testProvider(t)
	d := &dialog{provider: p, localID: 1, remoteID: 9, state: cap.DialogExpunged}

	if _, err := d.AddContinueRequest(); err == nil {
		t.Error("AddContinueRequest() on expunged dialog succeeded, want error")
	}
	if err := d.Send(t.Context()); err == nil {
		t.Error("Send() on expunged dialog succeeded, want error")
	}
	// Close and Abort on a dead dialog are quiet no-ops.
	if err := d.Close(true); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := d.Abort(cap.AbortAbnormalDialogue); err != nil {
		t.Errorf("Abort() error: %v", err)
	}
}
