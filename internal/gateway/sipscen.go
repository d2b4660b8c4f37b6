package gateway

import (
	"context"
	"strings"

	"github.com/capgw/capgw/internal/cap"
	"github.com/capgw/capgw/internal/capxml"
	"github.com/capgw/capgw/internal/sipas"
)

// Scenario names. Registration order is dispatch order; the generic
// disconnect handler matches only BYE and CANCEL so it never steals
// messages from the more specific scenarios.
const (
	scenarioInitialRelay    = "initial-relay"
	scenarioACPToggle       = "acp-toggle"
	scenarioLegManipulation = "leg-manipulation"
	scenarioMediaResource   = "media-resource"
	scenarioMediaAckWait    = "media-ack-wait"
	scenarioMediaEarlyWait  = "media-controlling-wait"
	scenarioDisconnect      = "disconnect"
)

// hasCAPBody reports whether a message carries a CAP XML payload, plain or
// as one part of a multipart body.
func hasCAPBody(msg *sipas.Message) bool {
	return strings.Contains(msg.ContentType, capxml.ContentType) ||
		strings.Contains(msg.ContentType, "multipart/")
}

// decodeCAPBody extracts and decodes the CAP XML payload of a message,
// unwrapping a multipart body when needed.
func decodeCAPBody(msg *sipas.Message) (*capxml.Envelope, error) {
	body := msg.Body
	if strings.Contains(msg.ContentType, "multipart/") {
		capBody, _, err := capxml.DecodeMultipart(msg.ContentType, msg.Body)
		if err != nil {
			return nil, err
		}
		body = capBody
	}
	return capxml.Decode(body)
}

// initialRelayScenario waits for the outcome of the call-setup request sent
// to the application server. Three continuations race: an error response
// (handled per the invite-error rule table), a redirect carrying a
// stateless connect/continue payload, or a 2xx establishing stateful
// control. Provisional responses keep the scenario waiting.
func (g *Gateway) initialRelayScenario(c *Call) *sipas.Scenario {
	var sc *sipas.Scenario
	sc = &sipas.Scenario{
		Name: scenarioInitialRelay,
		Match: func(msg *sipas.Message) bool {
			return !msg.IsRequest() && msg.Method == "INVITE"
		},
		Handle: func(msg *sipas.Message) error {
			switch msg.Class() {
			case sipas.ClassProvisional:
				c.controllingConfirmed = true
				return nil
			case sipas.ClassSuccess:
				sc.Finish()
				return g.handleInitialSuccess(c, msg)
			case sipas.ClassRedirect:
				sc.Finish()
				return g.handleInitialRedirect(c, msg)
			default:
				sc.Finish()
				return g.handleInitialError(c, msg)
			}
		},
	}
	return sc
}

// handleInitialSuccess establishes stateful control: the 2xx payload is
// translated, default detection points are armed when the application
// server supplied none, and the mid-call scenarios come up.
func (g *Gateway) handleInitialSuccess(c *Call, msg *sipas.Message) error {
	c.controllingConfirmed = true

	env, err := decodeCAPBody(msg)
	if err != nil {
		c.logger.Warn("undecodable payload on call-setup answer", "error", err)
		g.defaultHandling(c, "bad-initial-payload")
		return nil
	}

	if env.RequestReportBCSM == nil {
		if err := g.armDefaultEDPs(c); err != nil {
			c.logger.Warn("arming default detection points", "error", err)
		}
	}
	if err := g.applyEnvelope(c, env, nil); err != nil {
		c.logger.Warn("applying call-setup answer", "error", err)
	}

	c.setState(StateFollowOnCall)
	c.scenarios.Add(g.mediaResourceScenario(c))
	g.armActivityTest(c)
	return nil
}

// handleInitialRedirect applies a stateless connect/continue: the payload
// goes out to the switch together with the closing of the dialog, and the
// gateway steps out of the call.
func (g *Gateway) handleInitialRedirect(c *Call, msg *sipas.Message) error {
	env, err := decodeCAPBody(msg)
	if err != nil {
		c.logger.Warn("undecodable payload on redirect", "error", err)
		g.defaultHandling(c, "bad-redirect-payload")
		return nil
	}

	switch {
	case env.Connect != nil:
		_, err = c.dialog.AddConnectRequest(*env.Connect)
	case env.ContinueWithArgument != nil:
		_, err = c.dialog.AddContinueWithArgumentRequest(*env.ContinueWithArgument)
	case env.Continue != nil:
		_, err = c.dialog.AddContinueRequest()
	default:
		c.logger.Warn("redirect payload carries no stateless operation")
		g.defaultHandling(c, "bad-redirect-payload")
		return nil
	}
	if err != nil {
		c.logger.Error("building stateless operation", "error", err)
		g.abortCall(c, cap.AbortAbnormalDialogue)
		return nil
	}

	if err := c.dialog.Send(context.Background()); err != nil {
		c.logger.Error("sending stateless operation", "error", err)
		g.abortCall(c, cap.AbortAbnormalDialogue)
		return nil
	}
	if err := c.dialog.Close(false); err != nil {
		c.logger.Warn("closing dialog after stateless operation", "error", err)
	}

	c.setState(StateStatelessContinue)
	g.deleteCallLocked(c, outcomeCompleted, cap.CauseUnmapped)
	return nil
}

// handleInitialError applies the invite-error rule table to the first error
// response on the call-setup request.
func (g *Gateway) handleInitialError(c *Call, msg *sipas.Message) error {
	rules := g.inviteErrorRules()
	rule := matchInviteError(rules, msg.Status, c.serviceKey)

	action := g.cfg.DefaultAction
	var ruleCause cap.Cause
	if rule != nil {
		action = rule.Action
		if rule.Cause != nil {
			ruleCause = cap.CauseFromWire(*rule.Cause)
		}
	}
	c.logger.Info("call-setup rejected by application server",
		"status", msg.Status, "action", action)

	switch action {
	case ActionFailover:
		g.failover(c)
	case ActionRelease:
		cause := ruleCause
		if !cause.Valid() {
			cause = cap.CauseFromSIPStatus(msg.Status)
		}
		if !cause.Valid() {
			cause = cap.CauseFromWire(g.cfg.DefaultReleaseCause)
		}
		g.releaseCall(c, cause)
	default:
		g.continueAndStepOut(c)
	}
	return nil
}

// acpToggleScenario handles the automatic-call-processing header: "start"
// begins suspension, "stop" ends it. Invalid values are logged and ignored
// without a state change.
func (g *Gateway) acpToggleScenario(c *Call) *sipas.Scenario {
	return &sipas.Scenario{
		Name: scenarioACPToggle,
		Match: func(msg *sipas.Message) bool {
			return msg.IsRequest() && msg.Header(capxml.ACPHeader) != ""
		},
		Handle: func(msg *sipas.Message) error {
			value := msg.Header(capxml.ACPHeader)
			suspend, err := capxml.ParseACP(value)
			if err != nil {
				c.logger.Warn("ignoring invalid automatic call processing toggle", "value", value)
			} else if enabled := !suspend; c.acpEnabled != enabled {
				c.logger.Info("automatic call processing toggled", "enabled", enabled)
				c.acpEnabled = enabled
			}
			if len(msg.Body) == 0 {
				respondIfPending(c, msg, 200, "OK")
			}
			return nil
		},
	}
}

// legManipulationScenario translates mid-call operation requests. The
// dialog must currently accept primitives; otherwise the request is
// rejected up front instead of attempting the send.
func (g *Gateway) legManipulationScenario(c *Call) *sipas.Scenario {
	return &sipas.Scenario{
		Name: scenarioLegManipulation,
		Match: func(msg *sipas.Message) bool {
			return msg.IsRequest() && msg.Method == "INFO" && hasCAPBody(msg)
		},
		Handle: func(msg *sipas.Message) error {
			if !c.dialog.State().AcceptsPrimitives() {
				c.logger.Info("rejecting operation, dialog not accepting primitives",
					"dialog_state", c.dialog.State().String())
				respondIfPending(c, msg, 480, "Dialog Not Active")
				return nil
			}
			env, err := decodeCAPBody(msg)
			if err != nil {
				c.logger.Warn("undecodable operation payload", "error", err)
				respondIfPending(c, msg, 400, "Malformed Payload")
				return nil
			}
			return g.applyEnvelope(c, env, msg)
		},
	}
}

// mediaResourceScenario handles an application-server INVITE whose
// destination names a configured media resource. The gateway answers with
// its own session description, then waits for the ACK; the telecom-side
// resource connect is only issued once the controlling leg's negotiation
// has progressed far enough to bind the resource against.
func (g *Gateway) mediaResourceScenario(c *Call) *sipas.Scenario {
	return &sipas.Scenario{
		Name: scenarioMediaResource,
		Match: func(msg *sipas.Message) bool {
			return msg.IsRequest() && msg.Method == "INVITE" &&
				resourceAlias(g.resources, msg.Header("To")) != ""
		},
		Handle: func(msg *sipas.Message) error {
			alias := resourceAlias(g.resources, msg.Header("To"))
			sdp := answerSDP(g.cfg.SIPHost)
			if err := msg.Respond(200, "OK", nil, capxml.SDPContentType, sdp); err != nil {
				c.logger.Warn("answering media resource invite", "error", err)
				return nil
			}
			c.resourceSDP = sdp
			c.scenarios.Add(g.mediaAckWaitScenario(c, alias))
			return nil
		},
	}
}

func (g *Gateway) mediaAckWaitScenario(c *Call, alias string) *sipas.Scenario {
	var sc *sipas.Scenario
	sc = &sipas.Scenario{
		Name: scenarioMediaAckWait,
		Match: func(msg *sipas.Message) bool {
			return msg.IsRequest() && msg.Method == "ACK"
		},
		Handle: func(msg *sipas.Message) error {
			sc.Finish()
			if c.controllingConfirmed {
				g.startConnectToResource(c, alias)
				return nil
			}
			c.scenarios.Add(g.mediaEarlyWaitScenario(c, alias))
			return nil
		},
	}
	return sc
}

// mediaEarlyWaitScenario defers the resource connect until the controlling
// leg reports progress.
func (g *Gateway) mediaEarlyWaitScenario(c *Call, alias string) *sipas.Scenario {
	var sc *sipas.Scenario
	sc = &sipas.Scenario{
		Name: scenarioMediaEarlyWait,
		Match: func(msg *sipas.Message) bool {
			return !msg.IsRequest() &&
				(msg.Class() == sipas.ClassProvisional || msg.Class() == sipas.ClassSuccess)
		},
		Handle: func(msg *sipas.Message) error {
			sc.Finish()
			c.controllingConfirmed = true
			g.startConnectToResource(c, alias)
			return nil
		},
	}
	return sc
}

func (g *Gateway) startConnectToResource(c *Call, alias string) {
	tmpl, ok := g.resources[alias]
	if !ok {
		c.logger.Warn("media resource alias vanished from configuration", "alias", alias)
		return
	}
	if err := g.opConnectToResource(c, tmpl, nil); err != nil {
		c.logger.Warn("connecting media resource", "alias", alias, "error", err)
	}
}

// disconnectScenario answers BYE and CANCEL, releases the telecom side and
// deletes the call. Cause precedence: the cause header wins over a release
// payload, which wins over a pending telecom cause, which wins over the
// configured default.
func (g *Gateway) disconnectScenario(c *Call) *sipas.Scenario {
	return &sipas.Scenario{
		Name: scenarioDisconnect,
		Match: func(msg *sipas.Message) bool {
			return msg.IsRequest() && (msg.Method == "BYE" || msg.Method == "CANCEL")
		},
		Handle: func(msg *sipas.Message) error {
			respondIfPending(c, msg, 200, "OK")

			cause, ok := capxml.ParseCause(msg.Header(capxml.CauseHeader))
			if !ok && hasCAPBody(msg) {
				if env, err := decodeCAPBody(msg); err == nil && env.ReleaseCall != nil {
					cause = env.ReleaseCall.Cause
				}
			}
			if !cause.Valid() {
				cause = c.pendingCause
			}
			if !cause.Valid() {
				cause = cap.CauseFromWire(g.cfg.DefaultReleaseCause)
			}

			g.releaseCall(c, cause)
			return nil
		},
	}
}
