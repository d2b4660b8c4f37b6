// Package gateway implements the CAP to SIP conversion core: per-call
// scenario state machines that translate between a CAP dialog toward the
// switch and a SIP session toward an application server.
package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/capgw/capgw/internal/cap"
	"github.com/capgw/capgw/internal/capxml"
	"github.com/capgw/capgw/internal/sipas"
	"github.com/capgw/capgw/internal/topology"
)

// CallType classifies the telecom interaction a call represents. Only
// circuit-switched calls are handled; the constant exists so records and
// logs stay unambiguous next to other traffic types.
type CallType int

const (
	CallTypeCS CallType = iota
)

func (t CallType) String() string {
	if t == CallTypeCS {
		return "cs-call"
	}
	return fmt.Sprintf("CallType(%d)", int(t))
}

// LifecycleState tracks a call's SIP-side lifecycle.
type LifecycleState int

const (
	StateIDPArrived LifecycleState = iota
	StateIDPNotified
	StateStatelessContinue
	StateFollowOnCall
	StateTerminated
)

func (s LifecycleState) String() string {
	switch s {
	case StateIDPArrived:
		return "idp-arrived"
	case StateIDPNotified:
		return "idp-notified"
	case StateStatelessContinue:
		return "stateless-continue-requested"
	case StateFollowOnCall:
		return "follow-on-call"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("LifecycleState(%d)", int(s))
}

// OpScenario is one outstanding outgoing CAP operation. Exactly one of the
// three outcomes is delivered by the dialog stack, after which the scenario
// is removed from the call's invoke table. Success handlers must re-validate
// topology before mutating it: the application server may have acted in the
// meantime and the leg or segment the operation targeted may be gone.
type OpScenario struct {
	Op        cap.OpCode
	OnSuccess func(result any)
	OnError   func(errCode int, problem string)
	OnTimeout func()
}

// Call is the root aggregate for one telecom-originated interaction. All
// fields are guarded by mu; every stack callback path locks the call through
// the registry before touching it.
type Call struct {
	mu sync.Mutex

	id       string
	callType CallType
	dialog   cap.Dialog
	state    LifecycleState

	topology  *topology.Association
	scenarios *sipas.Registry
	invokes   map[int]*OpScenario

	session sipas.Session
	chain   *sipas.Chain
	chainPos int

	// acpEnabled suppresses automatic continue handling when false; the
	// application server toggles it through the ACP header.
	acpEnabled bool

	// pendingCause carries a telecom release cause onward to whichever
	// side completes the release.
	pendingCause cap.Cause

	// controllingConfirmed is set once the application-server session has
	// progressed far enough that a media resource can be bound against it.
	controllingConfirmed bool

	// resourceSDP is the session description answered on the media
	// resource leg. Announcement-related reports toward the application
	// server carry it in a multipart body.
	resourceSDP []byte

	// activityMisses counts consecutive keep-alive invoke timeouts.
	activityMisses int

	serviceKey    int
	callingNumber string
	calledNumber  string
	originating   bool
	phase         cap.Phase
	asName        string

	// initialEnv is kept so the call-setup request can be resent on
	// application-server failover.
	initialEnv *capxml.Envelope

	resetTimer    *resetTimer
	activityTimer *time.Timer

	startTime time.Time
	cdrID     int64
	deleted   bool

	logger *slog.Logger
}

func newCall(id string, dialog cap.Dialog, logger *slog.Logger) *Call {
	l := logger.With("call_id", id)
	return &Call{
		id:         id,
		callType:   CallTypeCS,
		dialog:     dialog,
		state:      StateIDPArrived,
		topology:   topology.NewAssociation(),
		scenarios:  sipas.NewRegistry(l),
		invokes:    make(map[int]*OpScenario),
		acpEnabled: true,
		logger:     l,
	}
}

// ID returns the call identifier.
func (c *Call) ID() string { return c.id }

// State returns the SIP-side lifecycle state.
func (c *Call) State() LifecycleState { return c.state }

// setState transitions the lifecycle state with a log line. TERMINATED is
// absorbing.
func (c *Call) setState(s LifecycleState) {
	if c.state == StateTerminated || c.state == s {
		return
	}
	c.logger.Debug("call state change", "from", c.state.String(), "to", s.String())
	c.state = s
}

// startOp builds and registers one outgoing CAP operation. The builder
// queues the component on the dialog and returns its invoke identifier;
// the scenario is then keyed by that identifier until one of its three
// outcomes arrives.
func (c *Call) startOp(build func() (int, error), sc *OpScenario) (int, error) {
	invokeID, err := build()
	if err != nil {
		return 0, fmt.Errorf("building %s request: %w", sc.Op, err)
	}
	if _, dup := c.invokes[invokeID]; dup {
		return 0, fmt.Errorf("invoke id %d already registered", invokeID)
	}
	c.invokes[invokeID] = sc
	return invokeID, nil
}

// takeOp removes and returns the operation scenario registered under the
// invoke identifier. Unknown identifiers return nil; the stack may deliver
// outcomes for operations that raced with call teardown.
func (c *Call) takeOp(invokeID int) *OpScenario {
	sc := c.invokes[invokeID]
	if sc != nil {
		delete(c.invokes, invokeID)
	}
	return sc
}

// pendingOps returns the number of unresolved outgoing operations.
func (c *Call) pendingOps() int { return len(c.invokes) }

// registry is the cross-call shared map of live calls, keyed both by call
// identifier and by the CAP dialog's local transaction identifier. It is
// internally locked; per-call state is protected separately by locking the
// looked-up call.
type registry struct {
	mu       sync.RWMutex
	byID     map[string]*Call
	byDialog map[uint32]*Call
}

func newRegistry() *registry {
	return &registry{
		byID:     make(map[string]*Call),
		byDialog: make(map[uint32]*Call),
	}
}

func (r *registry) add(c *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.id] = c
	r.byDialog[c.dialog.LocalID()] = c
}

// lookup locks the call and returns it together with its release func.
// Callers must invoke release on every exit path.
func (r *registry) lookup(id string) (*Call, func(), bool) {
	r.mu.RLock()
	c := r.byID[id]
	r.mu.RUnlock()
	if c == nil {
		return nil, nil, false
	}
	c.mu.Lock()
	return c, c.mu.Unlock, true
}

func (r *registry) lookupByDialog(dialogID uint32) (*Call, func(), bool) {
	r.mu.RLock()
	c := r.byDialog[dialogID]
	r.mu.RUnlock()
	if c == nil {
		return nil, nil, false
	}
	c.mu.Lock()
	return c, c.mu.Unlock, true
}

func (r *registry) remove(c *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, c.id)
	delete(r.byDialog, c.dialog.LocalID())
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}
