package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/capgw/capgw/internal/cap"
	"github.com/capgw/capgw/internal/capxml"
	"github.com/capgw/capgw/internal/config"
	"github.com/capgw/capgw/internal/database"
	"github.com/capgw/capgw/internal/database/models"
	"github.com/capgw/capgw/internal/sipas"
	"github.com/capgw/capgw/internal/topology"
)

// Call outcomes recorded in statistics and call records.
const (
	outcomeCompleted = "completed"
	outcomeReleased  = "released"
	outcomeAborted   = "aborted"
	outcomeFailed    = "failed"
)

// DialogProvider resolves a dialog identifier delivered in a stack
// callback to the dialog handle itself.
type DialogProvider interface {
	Dialog(dialogID uint32) (cap.Dialog, bool)
}

// SessionFactory creates and retires SIP sessions toward application
// servers. *sipas.Transport implements it; tests substitute fakes.
type SessionFactory interface {
	NewSession(callID string, target sipas.Instance) sipas.Session
	EndSession(callID string)
}

type stats struct {
	callsTotal        atomic.Uint64
	callsCompleted    atomic.Uint64
	callsReleased     atomic.Uint64
	callsAborted      atomic.Uint64
	callsFailed       atomic.Uint64
	keepaliveFailures atomic.Uint64
	failovers         atomic.Uint64
	gapRejected       atomic.Uint64
}

// Gateway is the CAP to SIP converter module. It implements
// cap.DialogHandler for callbacks from the telecom stack and
// sipas.Dispatcher for messages from the application-server side, creating
// and destroying the per-call scenario sets in between.
type Gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	calls    *registry
	dialogs  DialogProvider
	sessions SessionFactory
	selector *sipas.Selector
	repos    *database.Repositories

	resources map[string]cap.ConnectToResourceArg
	limiter   *rate.Limiter

	routeMu  sync.RWMutex
	rules    []models.RoutingRule
	chains   map[string]*sipas.Chain
	errRules []models.InviteErrorRule

	stats     stats
	startTime time.Time

	afterFunc func(d time.Duration, f func()) *time.Timer
	nowFunc   func() time.Time
}

// New creates the converter module. repos may be nil, in which case no
// call records are written.
func New(cfg *config.Config, dialogs DialogProvider, sessions SessionFactory, repos *database.Repositories, logger *slog.Logger) (*Gateway, error) {
	resources, err := buildResourceTemplates(cfg.Resources)
	if err != nil {
		return nil, fmt.Errorf("building resource templates: %w", err)
	}
	return &Gateway{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		calls:     newRegistry(),
		dialogs:   dialogs,
		sessions:  sessions,
		selector:  sipas.NewSelector(cfg.ASCooldown),
		repos:     repos,
		resources: resources,
		limiter:   rate.NewLimiter(rate.Limit(cfg.InitialDPRate), cfg.InitialDPBurst),
		chains:    make(map[string]*sipas.Chain),
		startTime: time.Now(),
		afterFunc: time.AfterFunc,
		nowFunc:   time.Now,
	}, nil
}

// ReloadRouting refreshes routing rules, application-server chains and
// invite-error rules from the database. Calls in flight keep the chain
// they were routed with.
func (g *Gateway) ReloadRouting(ctx context.Context) error {
	if g.repos == nil {
		return nil
	}

	rules, err := g.repos.RoutingRules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("loading routing rules: %w", err)
	}
	insts, err := g.repos.ASInstances.List(ctx)
	if err != nil {
		return fmt.Errorf("loading as instances: %w", err)
	}
	errRules, err := g.repos.InviteErrorRules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("loading invite error rules: %w", err)
	}

	chains := make(map[string]*sipas.Chain)
	for _, inst := range insts {
		if !inst.Enabled {
			continue
		}
		chain := chains[inst.Chain]
		if chain == nil {
			chain = &sipas.Chain{Name: inst.Chain}
			chains[inst.Chain] = chain
		}
		chain.Instances = append(chain.Instances, sipas.Instance{
			Name:      inst.Name,
			Host:      inst.Host,
			Port:      inst.Port,
			Transport: inst.Transport,
		})
	}

	g.SetRouting(rules, chains, errRules)
	g.logger.Info("routing reloaded",
		"rules", len(rules), "chains", len(chains), "error_rules", len(errRules))
	return nil
}

// SetRouting installs an explicit routing table.
func (g *Gateway) SetRouting(rules []models.RoutingRule, chains map[string]*sipas.Chain, errRules []models.InviteErrorRule) {
	g.routeMu.Lock()
	defer g.routeMu.Unlock()
	g.rules = rules
	g.chains = chains
	g.errRules = errRules
}

// routeChain selects the application-server chain for a service key, or
// nil when no enabled rule matches a configured chain.
func (g *Gateway) routeChain(serviceKey int) *sipas.Chain {
	g.routeMu.RLock()
	defer g.routeMu.RUnlock()
	for i := range g.rules {
		if g.rules[i].Matches(serviceKey) {
			if chain := g.chains[g.rules[i].Chain]; chain != nil && len(chain.Instances) > 0 {
				return chain
			}
		}
	}
	return nil
}

func (g *Gateway) inviteErrorRules() []models.InviteErrorRule {
	g.routeMu.RLock()
	defer g.routeMu.RUnlock()
	return g.errRules
}

// Stats accessors for the metrics collector.

func (g *Gateway) ActiveCalls() int          { return g.calls.size() }
func (g *Gateway) CallsTotal() uint64        { return g.stats.callsTotal.Load() }
func (g *Gateway) KeepaliveFailures() uint64 { return g.stats.keepaliveFailures.Load() }
func (g *Gateway) Failovers() uint64         { return g.stats.failovers.Load() }
func (g *Gateway) GapRejected() uint64       { return g.stats.gapRejected.Load() }
func (g *Gateway) Uptime() time.Duration     { return time.Since(g.startTime) }

// CallsByOutcome returns terminated-call counters keyed by outcome.
func (g *Gateway) CallsByOutcome() map[string]uint64 {
	return map[string]uint64{
		outcomeCompleted: g.stats.callsCompleted.Load(),
		outcomeReleased:  g.stats.callsReleased.Load(),
		outcomeAborted:   g.stats.callsAborted.Load(),
		outcomeFailed:    g.stats.callsFailed.Load(),
	}
}

// CallIDs lists the identifiers of live calls, for the admin API.
func (g *Gateway) CallIDs() []string { return g.calls.ids() }

// OnRequest implements cap.DialogHandler for incoming operation invokes.
func (g *Gateway) OnRequest(dialogID uint32, invokeID int, op cap.OpCode, arg any) {
	if op == cap.OpInitialDP {
		idp, ok := arg.(*cap.InitialDPArg)
		if !ok {
			g.logger.Warn("initialDP with unexpected argument type", "dialog_id", dialogID)
			return
		}
		g.handleInitialDP(dialogID, idp)
		return
	}

	c, release, ok := g.calls.lookupByDialog(dialogID)
	if !ok {
		g.logger.Warn("operation for unknown dialog",
			"dialog_id", dialogID, "op", op.String())
		return
	}
	defer release()

	switch a := arg.(type) {
	case *cap.EventReportBCSMArg:
		g.handleEventReport(c, a)
	case *cap.ApplyChargingReportArg:
		g.forwardToAS(c, &capxml.Envelope{ApplyChargingReport: a}, cap.CauseUnmapped)
	case *cap.SpecializedResourceReportArg:
		g.forwardToAS(c, &capxml.Envelope{SpecializedResource: a}, cap.CauseUnmapped)
	case *cap.EntityReleasedArg:
		g.handleEntityReleased(c, a)
	default:
		c.logger.Warn("unhandled incoming operation", "op", op.String(), "invoke_id", invokeID)
	}
}

// OnResult implements cap.DialogHandler. Outcomes for unknown invoke
// identifiers are dropped; they raced with call or operation teardown.
func (g *Gateway) OnResult(dialogID uint32, invokeID int, op cap.OpCode, result any) {
	c, release, ok := g.calls.lookupByDialog(dialogID)
	if !ok {
		return
	}
	defer release()

	sc := c.takeOp(invokeID)
	if sc == nil {
		c.logger.Debug("result for unknown invoke", "invoke_id", invokeID, "op", op.String())
		return
	}
	if sc.OnSuccess != nil {
		sc.OnSuccess(result)
	}
}

// OnError implements cap.DialogHandler.
func (g *Gateway) OnError(dialogID uint32, invokeID int, errCode int, problem string) {
	c, release, ok := g.calls.lookupByDialog(dialogID)
	if !ok {
		return
	}
	defer release()

	sc := c.takeOp(invokeID)
	if sc == nil {
		c.logger.Debug("error for unknown invoke", "invoke_id", invokeID)
		return
	}
	if sc.OnError != nil {
		sc.OnError(errCode, problem)
		return
	}
	c.logger.Warn("operation rejected by switch",
		"op", sc.Op.String(), "error", cap.ErrCodeName(errCode), "problem", problem)
}

// OnInvokeTimeout implements cap.DialogHandler.
func (g *Gateway) OnInvokeTimeout(dialogID uint32, invokeID int) {
	c, release, ok := g.calls.lookupByDialog(dialogID)
	if !ok {
		return
	}
	defer release()

	sc := c.takeOp(invokeID)
	if sc == nil {
		c.logger.Debug("timeout for unknown invoke", "invoke_id", invokeID)
		return
	}
	if sc.OnTimeout != nil {
		sc.OnTimeout()
		return
	}
	c.logger.Warn("operation timed out", "op", sc.Op.String())
}

// OnDialogClose implements cap.DialogHandler: the switch ended the dialog
// normally.
func (g *Gateway) OnDialogClose(dialogID uint32) {
	c, release, ok := g.calls.lookupByDialog(dialogID)
	if !ok {
		return
	}
	defer release()

	c.logger.Info("dialog closed by switch")
	g.releaseSIP(c, "dialog-closed", c.pendingCause)
	g.deleteCallLocked(c, outcomeCompleted, c.pendingCause)
}

// OnProviderAbort implements cap.DialogHandler. The two benign abort
// causes usually mean the caller abandoned while signaling crossed; they
// are logged quietly instead of as failures.
func (g *Gateway) OnProviderAbort(dialogID uint32, cause cap.AbortReason) {
	g.handleAbort(dialogID, cause, "provider-abort")
}

// OnUserAbort implements cap.DialogHandler.
func (g *Gateway) OnUserAbort(dialogID uint32, reason cap.AbortReason) {
	g.handleAbort(dialogID, reason, "user-abort")
}

func (g *Gateway) handleAbort(dialogID uint32, reason cap.AbortReason, kind string) {
	c, release, ok := g.calls.lookupByDialog(dialogID)
	if !ok {
		return
	}
	defer release()

	if reason.Benign() {
		c.logger.Info("dialog aborted", "kind", kind, "reason", reason.String())
	} else {
		c.logger.Warn("dialog aborted", "kind", kind, "reason", reason.String())
	}
	g.releaseSIP(c, kind+":"+reason.String(), cap.CauseUnmapped)
	g.deleteCallLocked(c, outcomeAborted, cap.CauseUnmapped)
}

// OnRelease implements cap.DialogHandler: the switch released the call.
func (g *Gateway) OnRelease(dialogID uint32) {
	c, release, ok := g.calls.lookupByDialog(dialogID)
	if !ok {
		return
	}
	defer release()

	c.logger.Info("call released by switch")
	g.releaseSIP(c, "released", c.pendingCause)
	g.deleteCallLocked(c, outcomeReleased, c.pendingCause)
}

// OnDialogTimeout implements cap.DialogHandler.
func (g *Gateway) OnDialogTimeout(dialogID uint32) {
	c, release, ok := g.calls.lookupByDialog(dialogID)
	if !ok {
		return
	}
	defer release()

	c.logger.Warn("dialog timed out")
	g.releaseSIP(c, "dialog-timeout", cap.CauseUnmapped)
	g.deleteCallLocked(c, outcomeFailed, cap.CauseUnmapped)
}

// DispatchMessage implements sipas.Dispatcher: every inbound SIP message
// runs through the call's ordered scenario list.
func (g *Gateway) DispatchMessage(callID string, msg *sipas.Message) {
	c, release, ok := g.calls.lookup(callID)
	if !ok {
		if msg.IsRequest() && !msg.Answered() {
			_ = msg.RespondSimple(481, "Call Does Not Exist")
		}
		return
	}
	defer release()

	matched := c.scenarios.Dispatch(msg)
	if !matched && msg.IsRequest() && !msg.Answered() {
		c.logger.Debug("no scenario matched request", "method", msg.Method)
		_ = msg.RespondSimple(400, "No Matching Operation")
	}
}

// OnSessionUnreachable implements sipas.Dispatcher. During initial relay
// the chain fails over; later it means the SIP side is gone.
func (g *Gateway) OnSessionUnreachable(callID string, err error) {
	c, release, ok := g.calls.lookup(callID)
	if !ok {
		return
	}
	defer release()

	c.logger.Warn("application server unreachable", "as", c.asName, "error", err)
	if c.state == StateIDPArrived || c.state == StateIDPNotified {
		g.failover(c)
		return
	}
	g.sipSideDone(c)
}

// handleInitialDP admits and routes a fresh call.
func (g *Gateway) handleInitialDP(dialogID uint32, idp *cap.InitialDPArg) {
	dialog, ok := g.dialogs.Dialog(dialogID)
	if !ok {
		g.logger.Warn("initialDP for unknown dialog", "dialog_id", dialogID)
		return
	}

	if !g.limiter.Allow() {
		g.stats.gapRejected.Add(1)
		g.logger.Warn("call gapping active, releasing call", "service_key", idp.ServiceKey)
		if err := dialog.Release(cap.CauseSwitchCongestion); err != nil {
			g.logger.Warn("releasing gapped call", "error", err)
		}
		return
	}

	c := newCall(uuid.NewString(), dialog, g.logger)
	c.serviceKey = idp.ServiceKey
	c.phase = cap.Phase(g.cfg.CAPPhase)
	c.originating = !idp.EventType.Known() || idp.EventType.Originating()
	c.startTime = g.nowFunc()
	if idp.CallingPartyNumber != nil {
		c.callingNumber = idp.CallingPartyNumber.Digits
	}
	if idp.CalledPartyNumber != nil {
		c.calledNumber = idp.CalledPartyNumber.Digits
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	g.calls.add(c)
	g.stats.callsTotal.Add(1)

	c.resetTimer = newResetTimer(g, c)
	if err := c.topology.InitialDP(); err != nil {
		c.logger.Error("creating initial call segment", "error", err)
		g.abortCall(c, cap.AbortAbnormalDialogue)
		return
	}

	c.logger.Info("initial detection point",
		"service_key", c.serviceKey, "calling", c.callingNumber,
		"called", c.calledNumber, "originating", c.originating)
	g.createCDR(c)

	chain := g.routeChain(idp.ServiceKey)
	if chain == nil {
		g.defaultHandling(c, "no-route")
		return
	}
	inst, pos, ok := g.selector.Next(chain, 0)
	if !ok {
		g.defaultHandling(c, "no-as-available")
		return
	}

	c.chain = chain
	c.chainPos = pos
	c.asName = inst.Name
	c.session = g.sessions.NewSession(c.id, inst)

	c.scenarios.Add(g.initialRelayScenario(c))
	c.scenarios.Add(g.acpToggleScenario(c))
	c.scenarios.Add(g.legManipulationScenario(c))
	c.scenarios.Add(g.disconnectScenario(c))

	c.initialEnv = &capxml.Envelope{InitialDP: idp}
	g.sendInitialInvite(c)
}

// sendInitialInvite relays the call-setup payload to the current
// application-server candidate.
func (g *Gateway) sendInitialInvite(c *Call) {
	body, err := capxml.Encode(c.initialEnv)
	if err != nil {
		c.logger.Error("encoding call setup", "error", err)
		g.defaultHandling(c, "encode-failure")
		return
	}

	msg := sipas.NewRequest("INVITE", c.id)
	msg.SetBody(capxml.ContentType, body)
	if err := c.session.Send(context.Background(), msg); err != nil {
		c.logger.Warn("sending call setup", "as", c.asName, "error", err)
		g.failover(c)
		return
	}
	c.setState(StateIDPNotified)
}

// failover retargets the call at the next available application server in
// its chain, or falls back to default handling when the chain is
// exhausted.
func (g *Gateway) failover(c *Call) {
	if c.chain == nil || c.session == nil {
		g.defaultHandling(c, "no-as-available")
		return
	}
	g.selector.MarkUnavailable(c.session.Target())

	inst, pos, ok := g.selector.Next(c.chain, c.chainPos+1)
	if !ok {
		g.defaultHandling(c, "as-chain-exhausted")
		return
	}

	g.stats.failovers.Add(1)
	c.logger.Info("failing over to next application server", "as", inst.Name)
	c.chainPos = pos
	c.asName = inst.Name
	c.session.Retarget(inst)
	c.scenarios.RemoveByName(scenarioInitialRelay)
	c.scenarios.Add(g.initialRelayScenario(c))
	g.sendInitialInvite(c)
}

// defaultHandling applies the configured local action when no application
// server can take the call: continue it out of the gateway's hands, or
// release it with the configured cause. Either way the call makes forward
// progress.
func (g *Gateway) defaultHandling(c *Call, reason string) {
	c.logger.Info("applying default handling", "reason", reason, "action", g.cfg.DefaultAction)
	if g.cfg.DefaultAction == "release" {
		g.releaseCall(c, cap.CauseFromWire(g.cfg.DefaultReleaseCause))
		return
	}
	g.continueAndStepOut(c)
}

// continueAndStepOut sends a plain continue and closes the dialog; the
// call proceeds without supervision.
func (g *Gateway) continueAndStepOut(c *Call) {
	if _, err := c.dialog.AddContinueRequest(); err != nil {
		c.logger.Error("building continue", "error", err)
		g.abortCall(c, cap.AbortAbnormalDialogue)
		return
	}
	if err := c.dialog.Send(context.Background()); err != nil {
		c.logger.Error("sending continue", "error", err)
		g.abortCall(c, cap.AbortAbnormalDialogue)
		return
	}
	if err := c.dialog.Close(false); err != nil {
		c.logger.Warn("closing dialog after continue", "error", err)
	}
	c.setState(StateStatelessContinue)
	g.deleteCallLocked(c, outcomeCompleted, cap.CauseUnmapped)
}

// releaseCall releases the telecom side with a cause and deletes the call.
func (g *Gateway) releaseCall(c *Call, cause cap.Cause) {
	if c.dialog.State() != cap.DialogExpunged {
		if err := c.dialog.Release(cause); err != nil {
			c.logger.Warn("releasing dialog", "cause", int(cause), "error", err)
		}
	}
	g.deleteCallLocked(c, outcomeReleased, cause)
}

func (g *Gateway) abortCall(c *Call, reason cap.AbortReason) {
	if err := c.dialog.Abort(reason); err != nil {
		c.logger.Warn("aborting dialog", "reason", reason.String(), "error", err)
	}
	g.releaseSIP(c, "abort:"+reason.String(), cap.CauseUnmapped)
	g.deleteCallLocked(c, outcomeAborted, cap.CauseUnmapped)
}

// sipSideDone handles SIP-side completion while the telecom side may still
// be live. A call already marked terminated closes the dialog at once;
// otherwise a short grace timer gives last-moment telecom events a chance
// to resolve the call cleanly before the dialog is aborted.
func (g *Gateway) sipSideDone(c *Call) {
	if c.state == StateTerminated {
		if err := c.dialog.Close(true); err != nil {
			c.logger.Warn("closing dialog", "error", err)
		}
		g.deleteCallLocked(c, outcomeCompleted, c.pendingCause)
		return
	}

	callID := c.id
	g.afterFunc(g.cfg.GraceTimer, func() {
		c2, release, ok := g.calls.lookup(callID)
		if !ok {
			return
		}
		defer release()
		c2.logger.Info("grace timer expired, aborting dialog")
		if c2.dialog.State() != cap.DialogExpunged {
			if err := c2.dialog.Abort(cap.AbortNoReasonGiven); err != nil {
				c2.logger.Warn("aborting dialog", "error", err)
			}
		}
		g.deleteCallLocked(c2, outcomeAborted, cap.CauseUnmapped)
	})
}

// handleEventReport forwards a fired detection point to the application
// server and keeps the topology in step. A missing leg means the event
// raced with a disconnect and is dropped without error.
func (g *Gateway) handleEventReport(c *Call, arg *cap.EventReportBCSMArg) {
	seg := c.topology.GetCallSegmentOfLeg(arg.LegID)
	if seg == nil {
		c.logger.Info("event report for unknown leg, likely raced with disconnect",
			"event", arg.Type.String(), "leg", arg.LegID)
		return
	}

	if arg.Mode == cap.MonitorInterrupted {
		if err := c.topology.EventReportInterrupted(seg.ID()); err != nil {
			c.logger.Info("interrupted event raced with topology change",
				"segment", seg.ID(), "error", err)
		}
	}

	switch arg.Type {
	case cap.EventOAnswer, cap.EventTAnswer:
		c.controllingConfirmed = true
	case cap.EventOCalledPartyBusy, cap.EventTBusy, cap.EventONoAnswer, cap.EventTNoAnswer,
		cap.EventODisconnect, cap.EventTDisconnect, cap.EventOAbandon, cap.EventTAbandon,
		cap.EventRouteSelectFailure:
		if err := c.topology.DisconnectLeg(arg.LegID); err != nil {
			c.logger.Info("removing leg after event raced with topology change",
				"leg", arg.LegID, "error", err)
		}
		if arg.Cause.Valid() {
			c.pendingCause = arg.Cause
		}
	}

	g.forwardToAS(c, &capxml.Envelope{EventReportBCSM: arg}, arg.Cause)

	if c.topology.Size() == 0 {
		c.logger.Info("last segment gone, call terminating")
		c.setState(StateTerminated)
	}
}

// handleEntityReleased handles the switch tearing down a segment on its
// own initiative.
func (g *Gateway) handleEntityReleased(c *Call, arg *cap.EntityReleasedArg) {
	if seg := c.topology.GetCallSegment(arg.CallSegment); seg != nil {
		for _, legID := range seg.Legs() {
			if err := c.topology.DisconnectLeg(legID); err != nil {
				c.logger.Info("removing leg of released segment", "leg", legID, "error", err)
			}
		}
	}
	if arg.Cause.Valid() {
		c.pendingCause = arg.Cause
	}
	g.forwardToAS(c, &capxml.Envelope{EntityReleased: arg}, arg.Cause)

	if c.topology.Size() == 0 {
		g.releaseSIP(c, "entity-released", c.pendingCause)
		g.deleteCallLocked(c, outcomeReleased, c.pendingCause)
	}
}

// forwardToAS sends a CAP payload toward the application server as an
// in-session request. Sends are fire-and-forget; failures are logged.
func (g *Gateway) forwardToAS(c *Call, env *capxml.Envelope, cause cap.Cause) {
	if c.session == nil {
		c.logger.Debug("no session, dropping outbound payload")
		return
	}
	body, err := capxml.Encode(env)
	if err != nil {
		c.logger.Error("encoding payload for application server", "error", err)
		return
	}

	contentType := capxml.ContentType
	if len(c.resourceSDP) > 0 && announcementRelated(c, env) {
		mixed, err := capxml.EncodeMultipart(body, c.resourceSDP)
		if err != nil {
			c.logger.Warn("building multipart payload", "error", err)
		} else {
			contentType = capxml.MultipartContentType()
			body = mixed
		}
	}

	msg := sipas.NewRequest("INFO", c.id)
	msg.SetBody(contentType, body)
	if v, ok := capxml.FormatCause(cause); ok {
		msg.SetHeader(capxml.CauseHeader, v)
	}
	if err := c.session.Send(context.Background(), msg); err != nil {
		c.logger.Warn("forwarding payload to application server", "error", err)
	}
}

// announcementRelated reports whether a payload concerns an in-progress
// user interaction: a specialized resource report, or an event report whose
// leg sits in a segment still waiting for the end of user interaction.
func announcementRelated(c *Call, env *capxml.Envelope) bool {
	if env.SpecializedResource != nil {
		return true
	}
	if env.EventReportBCSM == nil {
		return false
	}
	seg := c.topology.GetCallSegmentOfLeg(env.EventReportBCSM.LegID)
	return seg != nil && seg.State() == topology.StateWaitingForEndOfUserInteraction
}

// releaseSIP ends the application-server session, with a BYE carrying the
// diagnostic when the session is established.
func (g *Gateway) releaseSIP(c *Call, diagnostic string, cause cap.Cause) {
	if c.session == nil {
		return
	}
	if c.session.State() != sipas.SessionEstablished {
		c.session.Terminate()
		return
	}

	msg := sipas.NewRequest("BYE", c.id)
	msg.SetHeader(diagnosticHeader, diagnostic)
	if v, ok := capxml.FormatCause(cause); ok {
		msg.SetHeader(capxml.CauseHeader, v)
	}
	if err := c.session.Send(context.Background(), msg); err != nil {
		c.logger.Warn("sending BYE to application server", "error", err)
		c.session.Terminate()
	}
}

// diagnosticHeader names the gateway-side reason for ending a session.
const diagnosticHeader = "X-CAP-Diagnostic"

// armDefaultEDPs arms the phase-appropriate default detection point set.
func (g *Gateway) armDefaultEDPs(c *Call) error {
	events := c.phase.DefaultEDPs(c.originating)
	_, err := c.startOp(func() (int, error) {
		return c.dialog.AddRequestReportBCSMEventRequest(cap.RequestReportBCSMEventArg{Events: events})
	}, &OpScenario{Op: cap.OpRequestReportBCSMEvent})
	return err
}

// armActivityTest schedules the next dialog keep-alive probe.
func (g *Gateway) armActivityTest(c *Call) {
	if g.cfg.ActivityTestInterval <= 0 {
		return
	}
	callID := c.id
	c.activityTimer = g.afterFunc(g.cfg.ActivityTestInterval, func() {
		c2, release, ok := g.calls.lookup(callID)
		if !ok {
			return
		}
		defer release()
		c2.activityTimer = nil
		if c2.dialog.State() != cap.DialogActive {
			return
		}
		g.sendActivityTest(c2)
	})
}

// sendActivityTest probes the dialog. Two consecutive missed probes count
// as a dead peer and escalate to the full call-failure path.
func (g *Gateway) sendActivityTest(c *Call) {
	_, err := c.startOp(func() (int, error) {
		return c.dialog.AddActivityTestRequest()
	}, &OpScenario{
		Op: cap.OpActivityTest,
		OnSuccess: func(any) {
			c.activityMisses = 0
			g.armActivityTest(c)
		},
		OnError: func(errCode int, problem string) {
			// The peer answered; the dialog is alive even if it disliked
			// the probe.
			c.logger.Warn("activity test rejected",
				"error", cap.ErrCodeName(errCode), "problem", problem)
			c.activityMisses = 0
			g.armActivityTest(c)
		},
		OnTimeout: func() {
			c.activityMisses++
			if c.activityMisses >= 2 {
				g.keepAliveFailed(c)
				return
			}
			c.logger.Warn("activity test missed, retrying", "misses", c.activityMisses)
			g.sendActivityTest(c)
		},
	})
	if err != nil {
		c.logger.Warn("building activity test", "error", err)
		return
	}
	if err := c.dialog.Send(context.Background()); err != nil {
		c.logger.Warn("sending activity test", "error", err)
	}
}

// keepAliveFailed force-releases the dialog and invokes the failure hook:
// every scenario except the disconnect handler is discarded and the SIP
// side is released with a dedicated diagnostic.
func (g *Gateway) keepAliveFailed(c *Call) {
	c.logger.Error("keep-alive failed, tearing down call")
	g.stats.keepaliveFailures.Add(1)

	if err := c.dialog.Release(cap.CauseRecoveryOnTimerExpiry); err != nil {
		c.logger.Warn("force-releasing dialog", "error", err)
		if err := c.dialog.Abort(cap.AbortAbnormalDialogue); err != nil {
			c.logger.Warn("aborting dialog", "error", err)
		}
	}

	c.scenarios.RetainOnly(scenarioDisconnect)
	g.releaseSIP(c, "keepalive-failure", cap.CauseRecoveryOnTimerExpiry)
	g.deleteCallLocked(c, outcomeFailed, cap.CauseRecoveryOnTimerExpiry)
}

// deleteCallLocked removes the call from the registry and finishes its
// bookkeeping. Idempotent; teardown paths can overlap.
func (g *Gateway) deleteCallLocked(c *Call, outcome string, cause cap.Cause) {
	if c.deleted {
		return
	}
	c.deleted = true
	c.setState(StateTerminated)

	if c.resetTimer != nil {
		c.resetTimer.stop()
	}
	if c.activityTimer != nil {
		c.activityTimer.Stop()
		c.activityTimer = nil
	}
	c.scenarios.RetainOnly()
	g.calls.remove(c)
	g.sessions.EndSession(c.id)

	switch outcome {
	case outcomeCompleted:
		g.stats.callsCompleted.Add(1)
	case outcomeReleased:
		g.stats.callsReleased.Add(1)
	case outcomeAborted:
		g.stats.callsAborted.Add(1)
	default:
		g.stats.callsFailed.Add(1)
	}

	g.finishCDR(c, outcome, cause)
	c.logger.Info("call deleted", "outcome", outcome, "pending_ops", c.pendingOps())
}

func (g *Gateway) createCDR(c *Call) {
	if g.repos == nil {
		return
	}
	cdr := &models.CDR{
		CallID:        c.id,
		ServiceKey:    c.serviceKey,
		CallingNumber: c.callingNumber,
		CalledNumber:  c.calledNumber,
		StartTime:     c.startTime,
		Outcome:       "in-progress",
	}
	if err := g.repos.CDRs.Create(context.Background(), cdr); err != nil {
		c.logger.Warn("writing call record", "error", err)
		return
	}
	c.cdrID = cdr.ID
}

func (g *Gateway) finishCDR(c *Call, outcome string, cause cap.Cause) {
	if g.repos == nil || c.cdrID == 0 {
		return
	}
	end := g.nowFunc()
	cdr := &models.CDR{
		ID:            c.cdrID,
		CallID:        c.id,
		ServiceKey:    c.serviceKey,
		CallingNumber: c.callingNumber,
		CalledNumber:  c.calledNumber,
		ASName:        c.asName,
		StartTime:     c.startTime,
		EndTime:       &end,
		Outcome:       outcome,
	}
	if v, err := cause.Wire(); err == nil {
		cdr.ReleaseCause = &v
	}
	if err := g.repos.CDRs.Update(context.Background(), cdr); err != nil {
		c.logger.Warn("finishing call record", "error", err)
	}
}
