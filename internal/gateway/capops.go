package gateway

import (
	"context"
	"fmt"

	"github.com/capgw/capgw/internal/cap"
	"github.com/capgw/capgw/internal/capxml"
	"github.com/capgw/capgw/internal/sipas"
	"github.com/capgw/capgw/internal/topology"
)

// respondIfPending answers a pending SIP request once. It is a no-op for
// responses, nil messages, and requests that already got their answer;
// operation outcomes can therefore respond unconditionally.
func respondIfPending(c *Call, msg *sipas.Message, status int, reason string) {
	if msg == nil || !msg.IsRequest() || msg.Answered() {
		return
	}
	if err := msg.RespondSimple(status, reason); err != nil {
		c.logger.Warn("responding to application server", "status", status, "error", err)
	}
}

// addCalledPartyLeg joins leg 2 to the segment once routing proceeds, so
// later event reports for the called party resolve to a segment. A leg 2
// that already exists elsewhere is left alone.
func addCalledPartyLeg(c *Call, segmentID int) {
	if c.topology.GetCallSegmentOfLeg(2) != nil {
		return
	}
	if err := c.topology.AddLeg(segmentID, 2); err != nil {
		c.logger.Info("adding called party leg", "segment", segmentID, "error", err)
	}
}

// segmentAwaitingInstructions returns the lowest-numbered segment currently
// in WAITING_FOR_INSTRUCTIONS, or nil when no segment can take a resume
// instruction.
func segmentAwaitingInstructions(c *Call) *topology.CallSegment {
	for _, id := range c.topology.SegmentIDs() {
		seg := c.topology.GetCallSegment(id)
		if seg != nil && seg.State() == topology.StateWaitingForInstructions {
			return seg
		}
	}
	return nil
}

// applyEnvelope translates one decoded application-server operation into a
// CAP operation on the call's dialog. msg is the SIP request awaiting the
// outcome, or nil on stateless paths where no answer is possible; the
// operation's success, error, or invoke-timeout later resolves it.
//
// Validation failures answer the request as a client error; failures to
// build or send the telecom operation answer it as a server error. The
// returned error reports only the latter kind, for logging.
func (g *Gateway) applyEnvelope(c *Call, env *capxml.Envelope, msg *sipas.Message) error {
	op, ok := env.Op()
	if !ok {
		respondIfPending(c, msg, 400, "Empty Operation")
		return nil
	}

	var err error
	switch {
	case env.Connect != nil:
		err = g.opConnect(c, *env.Connect, msg)
	case env.Continue != nil:
		err = g.opContinue(c, msg)
	case env.ContinueWithArgument != nil:
		err = g.opContinueWithArgument(c, *env.ContinueWithArgument, msg)
	case env.ReleaseCall != nil:
		err = g.opReleaseCall(c, *env.ReleaseCall, msg)
	case env.RequestReportBCSM != nil:
		err = g.opRequestReport(c, *env.RequestReportBCSM, msg)
	case env.ConnectToResource != nil:
		err = g.opConnectToResource(c, *env.ConnectToResource, msg)
	case env.PlayAnnouncement != nil:
		err = g.opPlayAnnouncement(c, *env.PlayAnnouncement, msg)
	case env.PromptAndCollect != nil:
		err = g.opPromptAndCollect(c, *env.PromptAndCollect, msg)
	case env.DisconnectLeg != nil:
		err = g.opDisconnectLeg(c, *env.DisconnectLeg, msg)
	case env.SplitLeg != nil:
		err = g.opSplitLeg(c, *env.SplitLeg, msg)
	case env.MoveLeg != nil:
		err = g.opMoveLeg(c, *env.MoveLeg, msg)
	case env.DisconnectForward != nil:
		err = g.opDisconnectForward(c, msg)
	case env.InitiateCallAttempt != nil:
		err = g.opInitiateCallAttempt(c, *env.InitiateCallAttempt, msg)
	case env.ApplyCharging != nil:
		err = g.opSimple(c, cap.OpApplyCharging, msg, func() (int, error) {
			return c.dialog.AddApplyChargingRequest(*env.ApplyCharging)
		})
	case env.FurnishCharging != nil:
		err = g.opSimple(c, cap.OpFurnishChargingInformation, msg, func() (int, error) {
			return c.dialog.AddFurnishChargingInformationRequest(*env.FurnishCharging)
		})
	case env.ResetTimer != nil:
		err = g.opSimple(c, cap.OpResetTimer, msg, func() (int, error) {
			return c.dialog.AddResetTimerRequest(*env.ResetTimer)
		})
	case env.Cancel != nil:
		err = g.opSimple(c, cap.OpCancel, msg, func() (int, error) {
			return c.dialog.AddCancelRequest(*env.Cancel)
		})
	default:
		c.logger.Warn("unsupported operation from application server", "op", op.String())
		respondIfPending(c, msg, 400, "Unsupported Operation")
		return nil
	}

	if err != nil {
		respondIfPending(c, msg, 500, "Operation Failed")
		return err
	}
	return nil
}

// sendDialog flushes queued components. Send errors answer the pending
// request as a server error; the call stays alive.
func (g *Gateway) sendDialog(c *Call, msg *sipas.Message) error {
	if err := c.dialog.Send(context.Background()); err != nil {
		respondIfPending(c, msg, 500, "Send Failed")
		return fmt.Errorf("sending dialog: %w", err)
	}
	return nil
}

func (g *Gateway) opConnect(c *Call, arg cap.ConnectArg, msg *sipas.Message) error {
	seg := segmentAwaitingInstructions(c)
	if seg == nil {
		respondIfPending(c, msg, 480, "No Segment Awaiting Instructions")
		return nil
	}
	segID := seg.ID()
	_, err := c.startOp(func() (int, error) {
		return c.dialog.AddConnectRequest(arg)
	}, &OpScenario{
		Op: cap.OpConnect,
		OnSuccess: func(any) {
			if cur := c.topology.GetCallSegment(segID); cur == nil {
				c.logger.Info("connect succeeded but segment is gone", "segment", segID)
				return
			}
			if err := c.topology.Connect(segID); err != nil {
				c.logger.Info("connect raced with topology change", "segment", segID, "error", err)
				return
			}
			addCalledPartyLeg(c, segID)
			respondIfPending(c, msg, 200, "OK")
		},
		OnError:   g.opErrorResponder(c, msg, cap.OpConnect),
		OnTimeout: g.opTimeoutResponder(c, msg, cap.OpConnect),
	})
	if err != nil {
		return err
	}
	return g.sendDialog(c, msg)
}

func (g *Gateway) opContinue(c *Call, msg *sipas.Message) error {
	return g.resumeSegment(c, msg, cap.OpContinue, func() (int, error) {
		return c.dialog.AddContinueRequest()
	})
}

func (g *Gateway) opContinueWithArgument(c *Call, arg cap.ContinueWithArgumentArg, msg *sipas.Message) error {
	return g.resumeSegment(c, msg, cap.OpContinueWithArgument, func() (int, error) {
		return c.dialog.AddContinueWithArgumentRequest(arg)
	})
}

// resumeSegment handles the continue family: the segment waiting for
// instructions moves to MONITORING once the switch accepts the operation.
func (g *Gateway) resumeSegment(c *Call, msg *sipas.Message, op cap.OpCode, build func() (int, error)) error {
	seg := segmentAwaitingInstructions(c)
	if seg == nil {
		respondIfPending(c, msg, 480, "No Segment Awaiting Instructions")
		return nil
	}
	segID := seg.ID()
	_, err := c.startOp(build, &OpScenario{
		Op: op,
		OnSuccess: func(any) {
			if err := c.topology.ContinueCS(segID); err != nil {
				c.logger.Info("continue raced with topology change", "segment", segID, "error", err)
				return
			}
			addCalledPartyLeg(c, segID)
			respondIfPending(c, msg, 200, "OK")
		},
		OnError:   g.opErrorResponder(c, msg, op),
		OnTimeout: g.opTimeoutResponder(c, msg, op),
	})
	if err != nil {
		return err
	}
	return g.sendDialog(c, msg)
}

func (g *Gateway) opReleaseCall(c *Call, arg cap.ReleaseCallArg, msg *sipas.Message) error {
	cause := arg.Cause
	if !cause.Valid() {
		cause = cap.CauseFromWire(g.cfg.DefaultReleaseCause)
	}
	if err := c.dialog.Release(cause); err != nil {
		return fmt.Errorf("releasing dialog: %w", err)
	}
	respondIfPending(c, msg, 200, "OK")
	g.deleteCallLocked(c, outcomeReleased, cause)
	return nil
}

func (g *Gateway) opRequestReport(c *Call, arg cap.RequestReportBCSMEventArg, msg *sipas.Message) error {
	return g.opSimple(c, cap.OpRequestReportBCSMEvent, msg, func() (int, error) {
		return c.dialog.AddRequestReportBCSMEventRequest(arg)
	})
}

func (g *Gateway) opConnectToResource(c *Call, arg cap.ConnectToResourceArg, msg *sipas.Message) error {
	seg := segmentAwaitingInstructions(c)
	if seg == nil {
		respondIfPending(c, msg, 480, "No Segment Awaiting Instructions")
		return nil
	}
	segID := seg.ID()
	_, err := c.startOp(func() (int, error) {
		return c.dialog.AddConnectToResourceRequest(arg)
	}, &OpScenario{
		Op: cap.OpConnectToResource,
		OnSuccess: func(any) {
			if err := c.topology.ConnectToResource(segID); err != nil {
				c.logger.Info("connectToResource raced with topology change", "segment", segID, "error", err)
				return
			}
			respondIfPending(c, msg, 200, "OK")
		},
		OnError:   g.opErrorResponder(c, msg, cap.OpConnectToResource),
		OnTimeout: g.opTimeoutResponder(c, msg, cap.OpConnectToResource),
	})
	if err != nil {
		return err
	}
	return g.sendDialog(c, msg)
}

func (g *Gateway) opPlayAnnouncement(c *Call, arg cap.PlayAnnouncementArg, msg *sipas.Message) error {
	_, err := c.startOp(func() (int, error) {
		return c.dialog.AddPlayAnnouncementRequest(arg)
	}, &OpScenario{
		Op: cap.OpPlayAnnouncement,
		OnSuccess: func(any) {
			respondIfPending(c, msg, 200, "OK")
		},
		OnError: func(errCode int, problem string) {
			// An unavailable resource here usually means the party hung up
			// mid-announcement; expected, not an error.
			if errCode == cap.ErrCodeUnavailableResource {
				c.logger.Info("announcement resource unavailable", "problem", problem)
			} else {
				c.logger.Warn("playAnnouncement failed",
					"error", cap.ErrCodeName(errCode), "problem", problem)
			}
			respondIfPending(c, msg, 500, cap.ErrCodeName(errCode))
		},
		OnTimeout: g.opTimeoutResponder(c, msg, cap.OpPlayAnnouncement),
	})
	if err != nil {
		return err
	}
	return g.sendDialog(c, msg)
}

func (g *Gateway) opPromptAndCollect(c *Call, arg cap.PromptAndCollectArg, msg *sipas.Message) error {
	_, err := c.startOp(func() (int, error) {
		return c.dialog.AddPromptAndCollectRequest(arg)
	}, &OpScenario{
		Op: cap.OpPromptAndCollect,
		OnSuccess: func(result any) {
			respondIfPending(c, msg, 200, "OK")
			digits, ok := result.(*cap.PromptAndCollectResult)
			if !ok {
				c.logger.Warn("promptAndCollect result has unexpected type")
				return
			}
			g.forwardToAS(c, &capxml.Envelope{PromptResult: digits}, cap.CauseUnmapped)
		},
		OnError: func(errCode int, problem string) {
			if errCode == cap.ErrCodeUnavailableResource || errCode == cap.ErrCodeImproperCallerResponse {
				c.logger.Info("promptAndCollect ended without digits",
					"error", cap.ErrCodeName(errCode), "problem", problem)
			} else {
				c.logger.Warn("promptAndCollect failed",
					"error", cap.ErrCodeName(errCode), "problem", problem)
			}
			respondIfPending(c, msg, 500, cap.ErrCodeName(errCode))
		},
		OnTimeout: g.opTimeoutResponder(c, msg, cap.OpPromptAndCollect),
	})
	if err != nil {
		return err
	}
	return g.sendDialog(c, msg)
}

// opDisconnectLeg releases one leg. When the call is down to a single
// segment holding a single leg, the request is converted into a full call
// release with the supplied cause so the switch is not left holding an
// empty call.
func (g *Gateway) opDisconnectLeg(c *Call, arg cap.DisconnectLegArg, msg *sipas.Message) error {
	seg := c.topology.GetCallSegmentOfLeg(arg.LegID)
	if seg == nil {
		respondIfPending(c, msg, 404, "Unknown Leg")
		return nil
	}

	if c.topology.Size() == 1 && seg.LegCount() == 1 {
		cause := arg.Cause
		if !cause.Valid() {
			cause = cap.CauseFromWire(g.cfg.DefaultReleaseCause)
		}
		c.logger.Info("disconnectLeg on last leg, converting to release",
			"leg", arg.LegID, "cause", int(cause))
		if err := c.dialog.Release(cause); err != nil {
			return fmt.Errorf("releasing dialog: %w", err)
		}
		respondIfPending(c, msg, 200, "OK")
		g.deleteCallLocked(c, outcomeReleased, cause)
		return nil
	}

	legID := arg.LegID
	_, err := c.startOp(func() (int, error) {
		return c.dialog.AddDisconnectLegRequest(arg)
	}, &OpScenario{
		Op: cap.OpDisconnectLeg,
		OnSuccess: func(any) {
			if err := c.topology.DisconnectLeg(legID); err != nil {
				c.logger.Info("disconnectLeg raced with topology change", "leg", legID, "error", err)
				return
			}
			respondIfPending(c, msg, 200, "OK")
		},
		OnError:   g.opErrorResponder(c, msg, cap.OpDisconnectLeg),
		OnTimeout: g.opTimeoutResponder(c, msg, cap.OpDisconnectLeg),
	})
	if err != nil {
		return err
	}
	return g.sendDialog(c, msg)
}

// opSplitLeg moves a leg into a freshly allocated segment. The segment
// identifier supplied by the application server is overwritten with the
// lowest free one; after a successful split in automatic mode the new
// segment is immediately resumed.
func (g *Gateway) opSplitLeg(c *Call, arg cap.SplitLegArg, msg *sipas.Message) error {
	if c.topology.GetCallSegmentOfLeg(arg.LegID) == nil {
		respondIfPending(c, msg, 404, "Unknown Leg")
		return nil
	}
	legID := arg.LegID
	newSegID := c.topology.GetLowestAvailableCSID()
	arg.NewSegmentID = newSegID

	_, err := c.startOp(func() (int, error) {
		return c.dialog.AddSplitLegRequest(arg)
	}, &OpScenario{
		Op: cap.OpSplitLeg,
		OnSuccess: func(any) {
			if err := c.topology.SplitLeg(legID, newSegID); err != nil {
				c.logger.Info("splitLeg raced with topology change", "leg", legID, "error", err)
				return
			}
			respondIfPending(c, msg, 200, "OK")
			if c.acpEnabled {
				if err := g.resumeSegment(c, nil, cap.OpContinueWithArgument, func() (int, error) {
					return c.dialog.AddContinueWithArgumentRequest(cap.ContinueWithArgumentArg{})
				}); err != nil {
					c.logger.Warn("automatic continue after split", "error", err)
				}
			}
		},
		OnError:   g.opErrorResponder(c, msg, cap.OpSplitLeg),
		OnTimeout: g.opTimeoutResponder(c, msg, cap.OpSplitLeg),
	})
	if err != nil {
		return err
	}
	return g.sendDialog(c, msg)
}

func (g *Gateway) opMoveLeg(c *Call, arg cap.MoveLegArg, msg *sipas.Message) error {
	if c.topology.GetCallSegmentOfLeg(arg.LegID) == nil {
		respondIfPending(c, msg, 404, "Unknown Leg")
		return nil
	}
	legID := arg.LegID
	_, err := c.startOp(func() (int, error) {
		return c.dialog.AddMoveLegRequest(arg)
	}, &OpScenario{
		Op: cap.OpMoveLeg,
		OnSuccess: func(any) {
			if err := c.topology.MoveLeg(legID); err != nil {
				c.logger.Info("moveLeg raced with topology change", "leg", legID, "error", err)
				return
			}
			respondIfPending(c, msg, 200, "OK")
		},
		OnError:   g.opErrorResponder(c, msg, cap.OpMoveLeg),
		OnTimeout: g.opTimeoutResponder(c, msg, cap.OpMoveLeg),
	})
	if err != nil {
		return err
	}
	return g.sendDialog(c, msg)
}

// opDisconnectForward detaches the media resource. The multi-segment
// variant carries the segment identifier; the plain variant is only legal
// while a single segment exists.
func (g *Gateway) opDisconnectForward(c *Call, msg *sipas.Message) error {
	var seg *topology.CallSegment
	for _, id := range c.topology.SegmentIDs() {
		s := c.topology.GetCallSegment(id)
		if s != nil && s.State() == topology.StateWaitingForEndOfUserInteraction {
			seg = s
			break
		}
	}
	if seg == nil {
		respondIfPending(c, msg, 480, "No Resource Connected")
		return nil
	}
	segID := seg.ID()

	build := func() (int, error) {
		if c.topology.Size() > 1 {
			return c.dialog.AddDFCWithArgumentRequest(segID)
		}
		return c.dialog.AddDisconnectForwardConnectionRequest()
	}
	_, err := c.startOp(build, &OpScenario{
		Op: cap.OpDisconnectForwardConnection,
		OnSuccess: func(any) {
			if err := c.topology.DisconnectForwardConnection(segID); err != nil {
				c.logger.Info("disconnectForwardConnection raced with topology change",
					"segment", segID, "error", err)
				return
			}
			respondIfPending(c, msg, 200, "OK")
		},
		OnError:   g.opErrorResponder(c, msg, cap.OpDisconnectForwardConnection),
		OnTimeout: g.opTimeoutResponder(c, msg, cap.OpDisconnectForwardConnection),
	})
	if err != nil {
		return err
	}
	return g.sendDialog(c, msg)
}

// opInitiateCallAttempt creates a new leg on behalf of the application
// server. Leg and segment identifiers are always allocated locally,
// overwriting whatever the payload carried.
func (g *Gateway) opInitiateCallAttempt(c *Call, arg cap.InitiateCallAttemptArg, msg *sipas.Message) error {
	legID := c.topology.GetLowestAvailableIcaLegID()
	segID := c.topology.GetLowestAvailableCSID()
	arg.LegID = legID
	arg.NewSegmentID = segID

	_, err := c.startOp(func() (int, error) {
		return c.dialog.AddInitiateCallAttemptRequest(arg)
	}, &OpScenario{
		Op: cap.OpInitiateCallAttempt,
		OnSuccess: func(any) {
			if err := c.topology.InitiateCallAttempt(legID, segID); err != nil {
				c.logger.Info("initiateCallAttempt raced with topology change",
					"leg", legID, "error", err)
				return
			}
			respondIfPending(c, msg, 200, "OK")
		},
		OnError:   g.opErrorResponder(c, msg, cap.OpInitiateCallAttempt),
		OnTimeout: g.opTimeoutResponder(c, msg, cap.OpInitiateCallAttempt),
	})
	if err != nil {
		return err
	}
	return g.sendDialog(c, msg)
}

// opSimple covers operations whose success needs no topology mutation.
func (g *Gateway) opSimple(c *Call, op cap.OpCode, msg *sipas.Message, build func() (int, error)) error {
	_, err := c.startOp(build, &OpScenario{
		Op: op,
		OnSuccess: func(any) {
			respondIfPending(c, msg, 200, "OK")
		},
		OnError:   g.opErrorResponder(c, msg, op),
		OnTimeout: g.opTimeoutResponder(c, msg, op),
	})
	if err != nil {
		return err
	}
	return g.sendDialog(c, msg)
}

func (g *Gateway) opErrorResponder(c *Call, msg *sipas.Message, op cap.OpCode) func(int, string) {
	return func(errCode int, problem string) {
		c.logger.Warn("operation rejected by switch",
			"op", op.String(), "error", cap.ErrCodeName(errCode), "problem", problem)
		respondIfPending(c, msg, 500, cap.ErrCodeName(errCode))
	}
}

func (g *Gateway) opTimeoutResponder(c *Call, msg *sipas.Message, op cap.OpCode) func() {
	return func() {
		c.logger.Warn("operation timed out", "op", op.String())
		respondIfPending(c, msg, 408, "Operation Timeout")
	}
}
