package gateway

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/capgw/capgw/internal/cap"
	"github.com/capgw/capgw/internal/capxml"
	"github.com/capgw/capgw/internal/config"
	"github.com/capgw/capgw/internal/database/models"
	"github.com/capgw/capgw/internal/sipas"
	"github.com/capgw/capgw/internal/topology"
)

// fakeDialog records the operations queued on it.
type fakeDialog struct {
	localID    uint32
	state      cap.DialogState
	nextInvoke int

	ops          []string
	sends        int
	closed       bool
	closedImmed  bool
	released     bool
	releaseCause cap.Cause
	aborted      bool
	abortReason  cap.AbortReason
}

func newFakeDialog(id uint32) *fakeDialog {
	return &fakeDialog{localID: id, state: cap.DialogInitialReceived}
}

func (d *fakeDialog) LocalID() uint32 { return d.localID }

func (d *fakeDialog) State() cap.DialogState { return d.state }

func (d *fakeDialog) add(op string) (int, error) {
	d.nextInvoke++
	d.ops = append(d.ops, op)
	return d.nextInvoke, nil
}

func (d *fakeDialog) AddConnectRequest(cap.ConnectArg) (int, error) { return d.add("connect") }

func (d *fakeDialog) AddContinueRequest() (int, error) { return d.add("continue") }
func (d *fakeDialog) AddContinueWithArgumentRequest(cap.ContinueWithArgumentArg) (int, error) {
	return d.add("continueWithArgument")
}
func (d *fakeDialog) AddReleaseCallRequest(cap.ReleaseCallArg) (int, error) {
	return d.add("releaseCall")
}
func (d *fakeDialog) AddRequestReportBCSMEventRequest(cap.RequestReportBCSMEventArg) (int, error) {
	return d.add("requestReportBCSMEvent")
}
func (d *fakeDialog) AddConnectToResourceRequest(cap.ConnectToResourceArg) (int, error) {
	return d.add("connectToResource")
}
func (d *fakeDialog) AddPlayAnnouncementRequest(cap.PlayAnnouncementArg) (int, error) {
	return d.add("playAnnouncement")
}
func (d *fakeDialog) AddPromptAndCollectRequest(cap.PromptAndCollectArg) (int, error) {
	return d.add("promptAndCollectUserInformation")
}
func (d *fakeDialog) AddDisconnectForwardConnectionRequest() (int, error) {
	return d.add("disconnectForwardConnection")
}
func (d *fakeDialog) AddDFCWithArgumentRequest(int) (int, error) {
	return d.add("disconnectForwardConnectionWithArgument")
}
func (d *fakeDialog) AddDisconnectLegRequest(cap.DisconnectLegArg) (int, error) {
	return d.add("disconnectLeg")
}
func (d *fakeDialog) AddSplitLegRequest(cap.SplitLegArg) (int, error) { return d.add("splitLeg") }

func (d *fakeDialog) AddMoveLegRequest(cap.MoveLegArg) (int, error) { return d.add("moveLeg") }
func (d *fakeDialog) AddInitiateCallAttemptRequest(cap.InitiateCallAttemptArg) (int, error) {
	return d.add("initiateCallAttempt")
}
func (d *fakeDialog) AddApplyChargingRequest(cap.ApplyChargingArg) (int, error) {
	return d.add("applyCharging")
}
func (d *fakeDialog) AddFurnishChargingInformationRequest(cap.FurnishChargingInformationArg) (int, error) {
	return d.add("furnishChargingInformation")
}
func (d *fakeDialog) AddResetTimerRequest(cap.ResetTimerArg) (int, error) {
	return d.add("resetTimer")
}
func (d *fakeDialog) AddActivityTestRequest() (int, error) { return d.add("activityTest") }

func (d *fakeDialog) AddCancelRequest(cap.CancelArg) (int, error) { return d.add("cancel") }

func (d *fakeDialog) Send(context.Context) error {
	d.sends++
	return nil
}

func (d *fakeDialog) Close(immediate bool) error {
	d.closed = true
	d.closedImmed = immediate
	d.state = cap.DialogExpunged
	return nil
}

func (d *fakeDialog) Abort(reason cap.AbortReason) error {
	d.aborted = true
	d.abortReason = reason
	d.state = cap.DialogExpunged
	return nil
}

func (d *fakeDialog) Release(cause cap.Cause) error {
	d.released = true
	d.releaseCause = cause
	d.state = cap.DialogExpunged
	return nil
}

func (d *fakeDialog) hasOp(op string) bool {
	for _, o := range d.ops {
		if o == op {
			return true
		}
	}
	return false
}

type fakeDialogs struct {
	dialogs map[uint32]cap.Dialog
}

func (f *fakeDialogs) Dialog(id uint32) (cap.Dialog, bool) {
	d, ok := f.dialogs[id]
	return d, ok
}

// fakeSession records outgoing SIP requests.
type fakeSession struct {
	callID     string
	state      sipas.SessionState
	target     sipas.Instance
	sent       []*sipas.Message
	terminated bool
	sendErr    error
}

func (s *fakeSession) CallID() string               { return s.callID }
func (s *fakeSession) State() sipas.SessionState    { return s.state }
func (s *fakeSession) Target() sipas.Instance       { return s.target }
func (s *fakeSession) Retarget(inst sipas.Instance) { s.target = inst }
func (s *fakeSession) Terminate()                   { s.terminated = true }
func (s *fakeSession) Send(_ context.Context, msg *sipas.Message) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) lastByMethod(method string) *sipas.Message {
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Method == method {
			return s.sent[i]
		}
	}
	return nil
}

type fakeSessions struct {
	created []*fakeSession
	ended   []string
}

func (f *fakeSessions) NewSession(callID string, target sipas.Instance) sipas.Session {
	s := &fakeSession{callID: callID, state: sipas.SessionTrying, target: target}
	f.created = append(f.created, s)
	return s
}

func (f *fakeSessions) EndSession(callID string) {
	f.ended = append(f.ended, callID)
}

type timerRec struct {
	d    time.Duration
	fire func()
}

type harness struct {
	gw       *Gateway
	dialog   *fakeDialog
	dialogs  *fakeDialogs
	sessions *fakeSessions
	timers   []*timerRec
}

func testConfig() *config.Config {
	return &config.Config{
		SIPHost:              "127.0.0.1",
		CAPPhase:             4,
		ResetTimerWFI:        20 * time.Second,
		ResetTimerWFEUI:      10 * time.Second,
		ResetTimerValue:      30,
		ActivityTestInterval: time.Minute,
		DefaultAction:        "continue",
		DefaultReleaseCause:  31,
		GraceTimer:           time.Second,
		ASCooldown:           30 * time.Second,
		InitialDPRate:        100,
		InitialDPBurst:       100,
		Resources:            map[string]string{"ivr": "31880000001"},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialog:   newFakeDialog(1),
		sessions: &fakeSessions{},
	}
	h.dialogs = &fakeDialogs{dialogs: map[uint32]cap.Dialog{1: h.dialog}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(testConfig(), h.dialogs, h.sessions, nil, logger)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	gw.afterFunc = func(d time.Duration, f func()) *time.Timer {
		h.timers = append(h.timers, &timerRec{d: d, fire: f})
		return time.AfterFunc(time.Hour, func() {})
	}
	h.gw = gw

	gw.SetRouting(
		[]models.RoutingRule{{Name: "all", Chain: "main", Enabled: true}},
		map[string]*sipas.Chain{"main": {Name: "main", Instances: []sipas.Instance{
			{Name: "as1", Host: "10.0.0.1", Port: 5060, Transport: "udp"},
			{Name: "as2", Host: "10.0.0.2", Port: 5060, Transport: "udp"},
		}}},
		nil,
	)
	return h
}

func (h *harness) startCall(t *testing.T) (string, *fakeSession) {
	t.Helper()
	h.gw.OnRequest(1, 1, cap.OpInitialDP, &cap.InitialDPArg{
		ServiceKey:         10,
		CallingPartyNumber: &cap.CallingPartyNumber{Digits: "31201234567"},
		CalledPartyNumber:  &cap.CalledPartyNumber{Digits: "31612345678"},
	})
	if len(h.sessions.created) == 0 {
		t.Fatal("no session created for initial detection point")
	}
	sess := h.sessions.created[len(h.sessions.created)-1]
	if inv := sess.lastByMethod("INVITE"); inv == nil {
		t.Fatal("no INVITE sent to application server")
	}
	return sess.callID, sess
}

func (h *harness) call(t *testing.T, id string) *Call {
	t.Helper()
	h.gw.calls.mu.RLock()
	defer h.gw.calls.mu.RUnlock()
	c := h.gw.calls.byID[id]
	if c == nil {
		t.Fatalf("call %s not registered", id)
	}
	return c
}

func encodeEnvelope(t *testing.T, env *capxml.Envelope) []byte {
	t.Helper()
	body, err := capxml.Encode(env)
	if err != nil {
		t.Fatalf("encoding envelope: %v", err)
	}
	return body
}

// answered records responses sent toward a bound request.
type answered struct {
	status int
	reason string
}

func bindRequest(msg *sipas.Message) *[]answered {
	var got []answered
	msg.BindRespond(func(status int, reason string, _ map[string]string, _ string, _ []byte) error {
		got = append(got, answered{status, reason})
		return nil
	})
	return &got
}

func TestStatelessRedirectContinue(t *testing.T) {
	h := newHarness(t)
	callID, _ := h.startCall(t)

	res := sipas.NewResponse("INVITE", 302, "Moved Temporarily", callID)
	res.SetBody(capxml.ContentType, encodeEnvelope(t, &capxml.Envelope{Continue: &struct{}{}}))
	h.gw.DispatchMessage(callID, res)

	if !h.dialog.hasOp("continue") {
		t.Errorf("dialog ops = %v, want continue", h.dialog.ops)
	}
	if h.dialog.sends == 0 {
		t.Error("stateless continue was never sent")
	}
	if !h.dialog.closed {
		t.Error("dialog not closed after stateless continue")
	}
	if h.gw.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls = %d, want 0 after stateless handoff", h.gw.ActiveCalls())
	}
	if got := h.gw.CallsByOutcome()[outcomeCompleted]; got != 1 {
		t.Errorf("completed calls = %d, want 1", got)
	}
}

func TestStatefulControlAndBusyEvent(t *testing.T) {
	h := newHarness(t)
	callID, sess := h.startCall(t)

	res := sipas.NewResponse("INVITE", 200, "OK", callID)
	res.SetBody(capxml.ContentType, encodeEnvelope(t, &capxml.Envelope{Continue: &struct{}{}}))
	h.gw.DispatchMessage(callID, res)

	c := h.call(t, callID)
	if c.State() != StateFollowOnCall {
		t.Fatalf("state = %s, want follow-on-call", c.State())
	}
	// Default detection points armed, continue queued.
	if !h.dialog.hasOp("requestReportBCSMEvent") || !h.dialog.hasOp("continue") {
		t.Fatalf("dialog ops = %v, want requestReportBCSMEvent and continue", h.dialog.ops)
	}

	// Resolve the continue: segment 1 starts monitoring, leg 2 joins.
	continueInvoke := h.dialog.nextInvoke
	h.gw.OnResult(1, continueInvoke, cap.OpContinue, nil)
	seg := c.topology.GetCallSegment(1)
	if seg == nil || seg.State() != topology.StateMonitoring {
		t.Fatalf("segment 1 not monitoring after continue result")
	}
	if !seg.HasLeg(2) {
		t.Fatal("called party leg missing after continue result")
	}

	// Busy fires on leg 2 in interrupted mode.
	h.gw.OnRequest(1, 9, cap.OpEventReportBCSM, &cap.EventReportBCSMArg{
		Type:  cap.EventTBusy,
		LegID: 2,
		Mode:  cap.MonitorInterrupted,
		Cause: cap.CauseUserBusy,
	})

	info := sess.lastByMethod("INFO")
	if info == nil {
		t.Fatal("busy event not forwarded to application server")
	}
	if got := info.Header(capxml.CauseHeader); got != "17" {
		t.Errorf("cause header = %q, want 17", got)
	}
	env, err := capxml.Decode(info.Body)
	if err != nil || env.EventReportBCSM == nil {
		t.Fatalf("forwarded body does not carry the event report: %v", err)
	}
	if seg.HasLeg(2) {
		t.Error("leg 2 still present after busy")
	}
	if seg.State() != topology.StateWaitingForInstructions {
		t.Errorf("segment state = %s, want waiting-for-instructions", seg.State())
	}
}

func TestDisconnectLegConvertsToRelease(t *testing.T) {
	h := newHarness(t)
	callID, _ := h.startCall(t)

	// One segment, one leg: disconnectLeg becomes a full release.
	req := sipas.NewRequest("INFO", callID)
	req.SetBody(capxml.ContentType, encodeEnvelope(t, &capxml.Envelope{
		DisconnectLeg: &cap.DisconnectLegArg{LegID: 1, Cause: cap.CauseNormalClearing},
	}))
	got := bindRequest(req)
	h.gw.DispatchMessage(callID, req)

	if !h.dialog.released {
		t.Fatal("dialog not released")
	}
	if h.dialog.releaseCause != cap.CauseNormalClearing {
		t.Errorf("release cause = %d, want 16", int(h.dialog.releaseCause))
	}
	if len(*got) != 1 || (*got)[0].status != 200 {
		t.Errorf("responses = %v, want single 200", *got)
	}
	if h.gw.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls = %d, want 0", h.gw.ActiveCalls())
	}
}

func TestKeepAliveDoubleTimeout(t *testing.T) {
	h := newHarness(t)
	callID, sess := h.startCall(t)
	sess.state = sipas.SessionEstablished

	res := sipas.NewResponse("INVITE", 200, "OK", callID)
	res.SetBody(capxml.ContentType, encodeEnvelope(t, &capxml.Envelope{Continue: &struct{}{}}))
	h.gw.DispatchMessage(callID, res)

	h.dialog.state = cap.DialogActive

	// The activity test timer was armed on stateful establishment.
	var activity *timerRec
	for _, rec := range h.timers {
		if rec.d == time.Minute {
			activity = rec
		}
	}
	if activity == nil {
		t.Fatal("activity test timer not armed")
	}
	activity.fire()
	if !h.dialog.hasOp("activityTest") {
		t.Fatalf("dialog ops = %v, want activityTest", h.dialog.ops)
	}

	first := h.dialog.nextInvoke
	h.gw.OnInvokeTimeout(1, first)
	if !h.dialog.hasOp("activityTest") || h.dialog.nextInvoke != first+1 {
		t.Fatal("missed probe was not retried")
	}
	h.gw.OnInvokeTimeout(1, first+1)

	if !h.dialog.released {
		t.Error("dialog not force-released after second miss")
	}
	bye := sess.lastByMethod("BYE")
	if bye == nil {
		t.Fatal("no BYE sent after keep-alive failure")
	}
	if got := bye.Header(diagnosticHeader); got != "keepalive-failure" {
		t.Errorf("diagnostic = %q, want keepalive-failure", got)
	}
	if h.gw.KeepaliveFailures() != 1 {
		t.Errorf("KeepaliveFailures = %d, want 1", h.gw.KeepaliveFailures())
	}
	if h.gw.ActiveCalls() != 0 {
		t.Error("call survived keep-alive failure")
	}
}

func TestInviteErrorFailover(t *testing.T) {
	h := newHarness(t)
	h.gw.SetRouting(
		[]models.RoutingRule{{Name: "all", Chain: "main", Enabled: true}},
		map[string]*sipas.Chain{"main": {Name: "main", Instances: []sipas.Instance{
			{Name: "as1", Host: "10.0.0.1", Port: 5060, Transport: "udp"},
			{Name: "as2", Host: "10.0.0.2", Port: 5060, Transport: "udp"},
		}}},
		[]models.InviteErrorRule{{
			Position: 1, StatusMin: intptr(500), StatusMax: intptr(599),
			Action: ActionFailover, Enabled: true,
		}},
	)
	callID, sess := h.startCall(t)

	h.gw.DispatchMessage(callID, sipas.NewResponse("INVITE", 503, "Service Unavailable", callID))

	if sess.target.Name != "as2" {
		t.Errorf("session target = %s, want as2", sess.target.Name)
	}
	if n := len(sess.sent); n != 2 {
		t.Errorf("sent %d requests, want 2 (original + failover INVITE)", n)
	}
	if h.gw.Failovers() != 1 {
		t.Errorf("Failovers = %d, want 1", h.gw.Failovers())
	}
	if h.gw.ActiveCalls() != 1 {
		t.Error("call should still be alive on the second candidate")
	}
}

func TestInviteErrorRelease(t *testing.T) {
	h := newHarness(t)
	h.gw.SetRouting(
		[]models.RoutingRule{{Name: "all", Chain: "main", Enabled: true}},
		map[string]*sipas.Chain{"main": {Name: "main", Instances: []sipas.Instance{
			{Name: "as1", Host: "10.0.0.1", Port: 5060, Transport: "udp"},
		}}},
		[]models.InviteErrorRule{{
			Position: 1, StatusMin: intptr(486), StatusMax: intptr(486),
			Action: ActionRelease, Cause: intptr(17), Enabled: true,
		}},
	)
	callID, _ := h.startCall(t)

	h.gw.DispatchMessage(callID, sipas.NewResponse("INVITE", 486, "Busy Here", callID))

	if !h.dialog.released || h.dialog.releaseCause != cap.CauseUserBusy {
		t.Errorf("released=%v cause=%d, want release with 17",
			h.dialog.released, int(h.dialog.releaseCause))
	}
	if h.gw.ActiveCalls() != 0 {
		t.Error("call not deleted after release")
	}
}

func TestNoRouteDefaultContinue(t *testing.T) {
	h := newHarness(t)
	h.gw.SetRouting(nil, nil, nil)

	h.gw.OnRequest(1, 1, cap.OpInitialDP, &cap.InitialDPArg{ServiceKey: 99})

	if !h.dialog.hasOp("continue") || !h.dialog.closed {
		t.Errorf("default handling did not continue and close: ops=%v closed=%v",
			h.dialog.ops, h.dialog.closed)
	}
	if h.gw.ActiveCalls() != 0 {
		t.Error("call not deleted after default handling")
	}
}

func TestInvokeResolutionExactlyOnce(t *testing.T) {
	h := newHarness(t)
	callID, _ := h.startCall(t)

	res := sipas.NewResponse("INVITE", 200, "OK", callID)
	res.SetBody(capxml.ContentType, encodeEnvelope(t, &capxml.Envelope{Continue: &struct{}{}}))
	h.gw.DispatchMessage(callID, res)

	c := h.call(t, callID)
	continueInvoke := h.dialog.nextInvoke
	before := c.pendingOps()

	h.gw.OnResult(1, continueInvoke, cap.OpContinue, nil)
	if c.pendingOps() != before-1 {
		t.Errorf("pendingOps = %d, want %d", c.pendingOps(), before-1)
	}

	// A second delivery and an unknown invoke id are both no-ops.
	h.gw.OnResult(1, continueInvoke, cap.OpContinue, nil)
	h.gw.OnInvokeTimeout(1, continueInvoke)
	h.gw.OnError(1, 9999, cap.ErrCodeSystemFailure, "late")
	if c.pendingOps() != before-1 {
		t.Errorf("pendingOps changed on duplicate/unknown delivery: %d", c.pendingOps())
	}
}

func TestResetTimerLifecycle(t *testing.T) {
	h := newHarness(t)
	callID, _ := h.startCall(t)
	c := h.call(t, callID)

	// InitialDP armed the waiting-for-instructions refresh.
	if len(h.timers) == 0 {
		t.Fatal("no reset timer armed on initial detection point")
	}
	armed := h.timers[len(h.timers)-1]
	if armed.d != 21*time.Second {
		t.Errorf("timer delay = %v, want 21s (configured 20s plus margin)", armed.d)
	}

	// Expiry with the dialog active resends and rearms.
	opsBefore := len(h.dialog.ops)
	timersBefore := len(h.timers)
	armed.fire()
	if !h.dialog.hasOp("resetTimer") || len(h.dialog.ops) != opsBefore+1 {
		t.Errorf("refresh not sent on expiry: ops=%v", h.dialog.ops)
	}
	if len(h.timers) != timersBefore+1 {
		t.Error("timer not rearmed after refresh")
	}

	// A state change cancels the pending timer.
	res := sipas.NewResponse("INVITE", 200, "OK", callID)
	res.SetBody(capxml.ContentType, encodeEnvelope(t, &capxml.Envelope{Continue: &struct{}{}}))
	h.gw.DispatchMessage(callID, res)
	h.gw.OnResult(1, h.dialog.nextInvoke, cap.OpContinue, nil)
	if len(c.resetTimer.timers) != 0 {
		t.Errorf("pending timers = %d, want 0 after entering monitoring", len(c.resetTimer.timers))
	}

	// Expiry after the dialog left an active-compatible state is dropped.
	h.dialog.state = cap.DialogExpunged
	rearmed := h.timers[timersBefore]
	opsBefore = len(h.dialog.ops)
	rearmed.fire()
	if len(h.dialog.ops) != opsBefore {
		t.Error("refresh sent although the dialog is no longer active")
	}
}

func TestACPToggle(t *testing.T) {
	h := newHarness(t)
	callID, _ := h.startCall(t)
	c := h.call(t, callID)

	toggle := func(value string) {
		req := sipas.NewRequest("INFO", callID)
		req.SetHeader(capxml.ACPHeader, value)
		bindRequest(req)
		h.gw.DispatchMessage(callID, req)
	}

	// "start" suspends automatic processing, "stop" resumes it.
	toggle("start")
	if c.acpEnabled {
		t.Error("acp still enabled after start of suspension")
	}
	toggle("bogus")
	if c.acpEnabled {
		t.Error("invalid toggle changed state")
	}
	toggle("stop")
	if !c.acpEnabled {
		t.Error("acp not re-enabled after stop of suspension")
	}
}

func TestByeReleasesWithHeaderCause(t *testing.T) {
	h := newHarness(t)
	callID, _ := h.startCall(t)

	bye := sipas.NewRequest("BYE", callID)
	bye.SetHeader(capxml.CauseHeader, "16")
	got := bindRequest(bye)
	h.gw.DispatchMessage(callID, bye)

	if len(*got) != 1 || (*got)[0].status != 200 {
		t.Errorf("BYE responses = %v, want single 200", *got)
	}
	if !h.dialog.released || h.dialog.releaseCause != cap.CauseNormalClearing {
		t.Errorf("released=%v cause=%d, want release with 16",
			h.dialog.released, int(h.dialog.releaseCause))
	}
	if h.gw.ActiveCalls() != 0 {
		t.Error("call not deleted after BYE")
	}
}

func TestMediaResourceOrdering(t *testing.T) {
	h := newHarness(t)
	callID, _ := h.startCall(t)

	res := sipas.NewResponse("INVITE", 200, "OK", callID)
	res.SetBody(capxml.ContentType, encodeEnvelope(t, &capxml.Envelope{
		RequestReportBCSM: &cap.RequestReportBCSMEventArg{
			Events: []cap.BCSMEvent{{Type: cap.EventOAnswer, Mode: cap.MonitorInterrupted, LegID: 2}},
		},
	}))
	h.gw.DispatchMessage(callID, res)
	c := h.call(t, callID)

	invite := sipas.NewRequest("INVITE", callID)
	invite.SetHeader("To", "<sip:ivr@as.example.com>")
	invite.SetBody(capxml.SDPContentType, []byte("v=0\r\n"))
	got := bindRequest(invite)
	h.gw.DispatchMessage(callID, invite)

	if len(*got) != 1 || (*got)[0].status != 200 {
		t.Fatalf("media invite responses = %v, want single 200", *got)
	}
	if h.dialog.hasOp("connectToResource") {
		t.Fatal("resource connected before ACK")
	}

	h.gw.DispatchMessage(callID, sipas.NewRequest("ACK", callID))
	if !h.dialog.hasOp("connectToResource") {
		t.Fatalf("resource not connected after ACK: ops=%v", h.dialog.ops)
	}

	// Resolving the connect moves the segment into user interaction.
	h.gw.OnResult(1, h.dialog.nextInvoke, cap.OpConnectToResource, nil)
	seg := c.topology.GetCallSegment(1)
	if seg == nil || seg.State() != topology.StateWaitingForEndOfUserInteraction {
		t.Error("segment not in user interaction after connectToResource result")
	}
}

func TestAnnouncementReportsCarryResourceSDP(t *testing.T) {
	h := newHarness(t)
	callID, sess := h.startCall(t)

	res := sipas.NewResponse("INVITE", 200, "OK", callID)
	res.SetBody(capxml.ContentType, encodeEnvelope(t, &capxml.Envelope{
		RequestReportBCSM: &cap.RequestReportBCSMEventArg{
			Events: []cap.BCSMEvent{{Type: cap.EventOAnswer, Mode: cap.MonitorInterrupted, LegID: 2}},
		},
	}))
	h.gw.DispatchMessage(callID, res)

	invite := sipas.NewRequest("INVITE", callID)
	invite.SetHeader("To", "<sip:ivr@as.example.com>")
	invite.SetBody(capxml.SDPContentType, []byte("v=0\r\n"))
	bindRequest(invite)
	h.gw.DispatchMessage(callID, invite)
	h.gw.DispatchMessage(callID, sipas.NewRequest("ACK", callID))
	h.gw.OnResult(1, h.dialog.nextInvoke, cap.OpConnectToResource, nil)

	// The resource report arrives during user interaction, so the INFO
	// carries the answered resource SDP alongside the CAP payload.
	h.gw.OnRequest(1, 5, cap.OpSpecializedResourceReport,
		&cap.SpecializedResourceReportArg{AnnouncementComplete: true})

	info := sess.lastByMethod("INFO")
	if info == nil {
		t.Fatal("resource report not forwarded to application server")
	}
	if !strings.Contains(info.ContentType, "multipart/mixed") {
		t.Fatalf("content type = %q, want multipart/mixed", info.ContentType)
	}
	capBody, sdp, err := capxml.DecodeMultipart(info.ContentType, info.Body)
	if err != nil {
		t.Fatalf("DecodeMultipart() error: %v", err)
	}
	env, err := capxml.Decode(capBody)
	if err != nil || env.SpecializedResource == nil {
		t.Fatalf("multipart CAP part does not carry the resource report: %v", err)
	}
	if !strings.Contains(string(sdp), "m=audio") {
		t.Errorf("SDP part = %q, want the answered media description", sdp)
	}
}

func TestBenignAbortReleasesQuietly(t *testing.T) {
	h := newHarness(t)
	callID, sess := h.startCall(t)
	sess.state = sipas.SessionEstablished

	h.gw.OnProviderAbort(1, cap.AbortNoReasonGiven)

	bye := sess.lastByMethod("BYE")
	if bye == nil {
		t.Fatal("no BYE sent on provider abort")
	}
	if !strings.Contains(bye.Header(diagnosticHeader), "no-reason-given") {
		t.Errorf("diagnostic = %q, want provider-abort reason", bye.Header(diagnosticHeader))
	}
	if h.gw.ActiveCalls() != 0 {
		t.Error("call not deleted after abort")
	}
	_ = callID
}

func intptr(v int) *int { return &v }
