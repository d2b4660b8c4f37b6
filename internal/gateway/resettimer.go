package gateway

import (
	"context"
	"time"

	"github.com/capgw/capgw/internal/cap"
	"github.com/capgw/capgw/internal/topology"
)

// resetTimerMargin is added on top of the configured delay so the refresh
// never races the switch-side guard timer it is meant to hold off.
const resetTimerMargin = time.Second

// resetTimer keeps the switch-side Tssf guard timer refreshed while a call
// segment sits in a waiting state. It listens for segment events on the
// call's association: entering WAITING_FOR_INSTRUCTIONS or
// WAITING_FOR_END_OF_USER_INTERACTION arms a timer for that state's
// configured delay; any further event for the segment cancels the pending
// timer first, so one segment never has two timers pending.
//
// Segment events arrive under the call lock. Expiry callbacks re-acquire
// the call through the registry and skip silently when the call is gone.
type resetTimer struct {
	gw     *Gateway
	callID string

	wfiDelay   time.Duration
	wfeuiDelay time.Duration
	timerValue int

	timers  map[int]*time.Timer
	stopped bool
}

func newResetTimer(gw *Gateway, c *Call) *resetTimer {
	r := &resetTimer{
		gw:         gw,
		callID:     c.id,
		wfiDelay:   gw.cfg.ResetTimerWFI,
		wfeuiDelay: gw.cfg.ResetTimerWFEUI,
		timerValue: gw.cfg.ResetTimerValue,
		timers:     make(map[int]*time.Timer),
	}
	c.topology.AddListener(r)
	return r
}

// OnSegmentEvent implements topology.Listener.
func (r *resetTimer) OnSegmentEvent(event topology.Event, segmentID int, state topology.SegmentState) {
	r.cancel(segmentID)
	if r.stopped || event == topology.SegmentDestroyed {
		return
	}
	if delay := r.delayFor(state); delay > 0 {
		r.arm(segmentID, state, delay)
	}
}

// delayFor returns the configured refresh delay for a segment state, or
// zero for states that need no keep-alive.
func (r *resetTimer) delayFor(state topology.SegmentState) time.Duration {
	switch state {
	case topology.StateWaitingForInstructions:
		return r.wfiDelay
	case topology.StateWaitingForEndOfUserInteraction:
		return r.wfeuiDelay
	}
	return 0
}

func (r *resetTimer) arm(segmentID int, state topology.SegmentState, delay time.Duration) {
	r.timers[segmentID] = r.gw.afterFunc(delay+resetTimerMargin, func() {
		r.fire(segmentID, state, delay)
	})
}

func (r *resetTimer) cancel(segmentID int) {
	if t, ok := r.timers[segmentID]; ok {
		t.Stop()
		delete(r.timers, segmentID)
	}
}

// stop cancels every pending timer; called on call teardown.
func (r *resetTimer) stop() {
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// fire runs on timer expiry. It re-sends the refresh and re-arms only when
// the dialog still accepts primitives and the segment is still in the state
// the timer was armed for; otherwise the expiry is dropped.
func (r *resetTimer) fire(segmentID int, state topology.SegmentState, delay time.Duration) {
	c, release, ok := r.gw.calls.lookup(r.callID)
	if !ok {
		return
	}
	defer release()

	if r.stopped {
		return
	}
	delete(r.timers, segmentID)

	if !c.dialog.State().AcceptsPrimitives() {
		c.logger.Debug("dropping reset timer, dialog no longer active",
			"segment", segmentID, "dialog_state", c.dialog.State().String())
		return
	}
	seg := c.topology.GetCallSegment(segmentID)
	if seg == nil || seg.State() != state {
		return
	}

	_, err := c.startOp(func() (int, error) {
		return c.dialog.AddResetTimerRequest(cap.ResetTimerArg{
			TimerValue:  r.timerValue,
			CallSegment: segmentID,
		})
	}, &OpScenario{Op: cap.OpResetTimer})
	if err != nil {
		c.logger.Warn("building reset timer refresh", "segment", segmentID, "error", err)
		return
	}
	if err := c.dialog.Send(context.Background()); err != nil {
		c.logger.Warn("sending reset timer refresh", "segment", segmentID, "error", err)
	}

	r.arm(segmentID, state, delay)
}
