package sipas

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Dispatcher receives every inbound application-server message and
// session-level event, keyed by Call-ID. The gateway module implements it;
// its implementation re-acquires the per-call scope before touching state.
type Dispatcher interface {
	// DispatchMessage delivers an inbound request or response for a call.
	DispatchMessage(callID string, msg *Message)

	// OnSessionUnreachable signals that the current application-server
	// instance did not answer at the transport level.
	OnSessionUnreachable(callID string, err error)
}

// Transport wraps the sipgo stack for the application-server side.
type Transport struct {
	ua         *sipgo.UserAgent
	srv        *sipgo.Server
	client     *sipgo.Client
	dispatcher Dispatcher
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session // keyed by Call-ID

	listenAddr string
	localHost  string
	localPort  int
}

// NewTransport creates the SIP transport toward the application servers.
func NewTransport(localHost string, localPort int, dispatcher Dispatcher, logger *slog.Logger) (*Transport, error) {
	logger = logger.With("component", "sipas")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("capgw"),
		sipgo.WithUserAgentHostname(localHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	t := &Transport{
		ua:         ua,
		srv:        srv,
		client:     client,
		dispatcher: dispatcher,
		logger:     logger,
		sessions:   make(map[string]*session),
		listenAddr: fmt.Sprintf("%s:%d", localHost, localPort),
		localHost:  localHost,
		localPort:  localPort,
	}
	t.registerHandlers()
	return t, nil
}

func (t *Transport) registerHandlers() {
	t.srv.OnInvite(t.handleRequest)
	t.srv.OnInfo(t.handleRequest)
	t.srv.OnBye(t.handleRequest)
	t.srv.OnCancel(t.handleRequest)
	t.srv.OnAck(t.handleAck)
}

// Start begins listening on UDP and TCP. It returns once the listeners
// are running; fatal listener errors are logged.
func (t *Transport) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	for _, network := range []string{"udp", "tcp"} {
		network := network
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.logger.Info("sip listener starting", "network", network, "addr", t.listenAddr)
			if err := t.srv.ListenAndServe(ctx, network, t.listenAddr); err != nil {
				t.logger.Error("sip listener stopped", "network", network, "error", err)
			}
		}()
	}
	return nil
}

// Stop shuts the transport down and waits for its goroutines.
func (t *Transport) Stop() {
	t.logger.Info("stopping sip transport")
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.srv.Close()
	t.ua.Close()
}

// handleRequest wraps an incoming request and hands it to the dispatcher.
func (t *Transport) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	msg := NewRequest(string(req.Method), callID)
	if ct := req.ContentType(); ct != nil {
		msg.ContentType = ct.Value()
	}
	msg.Body = req.Body()
	for _, h := range req.Headers() {
		msg.SetHeader(h.Name(), h.Value())
	}
	msg.BindRespond(func(status int, reason string, headers map[string]string, contentType string, body []byte) error {
		res := sip.NewResponseFromRequest(req, status, reason, body)
		for name, value := range headers {
			res.AppendHeader(sip.NewHeader(name, value))
		}
		if contentType != "" {
			res.AppendHeader(sip.NewHeader("Content-Type", contentType))
		}
		return tx.Respond(res)
	})

	// Remember the request on the session so in-dialog responses can be
	// built later, then dispatch.
	if req.Method == sip.INVITE {
		t.rememberIncomingInvite(callID, req)
	}

	t.logger.Debug("sip request received",
		"method", msg.Method,
		"call_id", callID,
		"source", req.Source(),
	)
	t.dispatcher.DispatchMessage(callID, msg)
}

// handleAck delivers ACKs as plain messages; they have no transaction.
func (t *Transport) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	msg := NewRequest("ACK", callID)
	msg.Body = req.Body()
	if ct := req.ContentType(); ct != nil {
		msg.ContentType = ct.Value()
	}
	t.dispatcher.DispatchMessage(callID, msg)
}

func (t *Transport) rememberIncomingInvite(callID string, req *sip.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[callID]; ok {
		s.lastIncomingInvite = req
	}
}

// NewSession creates the outbound session for a fresh call toward an
// application-server instance.
func (t *Transport) NewSession(callID string, target Instance) Session {
	s := &session{
		transport: t,
		callID:    callID,
		target:    target,
		state:     SessionInitial,
		logger:    t.logger.With("subsystem", "session", "call_id", callID),
	}
	t.mu.Lock()
	t.sessions[callID] = s
	t.mu.Unlock()
	return s
}

// EndSession drops the session bookkeeping for a finished call.
func (t *Transport) EndSession(callID string) {
	t.mu.Lock()
	delete(t.sessions, callID)
	t.mu.Unlock()
}

// SessionState is the lifecycle of the AS-side SIP session.
type SessionState int

const (
	SessionInitial SessionState = iota
	SessionTrying
	SessionEarly
	SessionEstablished
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionInitial:
		return "initial"
	case SessionTrying:
		return "trying"
	case SessionEarly:
		return "early"
	case SessionEstablished:
		return "established"
	case SessionTerminated:
		return "terminated"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Session is the abstract SIP session one call holds toward its
// application server.
type Session interface {
	CallID() string
	State() SessionState
	Target() Instance

	// Retarget points the session at a different application-server
	// instance for failover before the session is established.
	Retarget(target Instance)

	// Send transmits a request toward the application server. INVITE
	// establishes the session; BYE terminates it. Responses to the
	// request are delivered through the Dispatcher.
	Send(ctx context.Context, msg *Message) error

	// Terminate abandons the session without further signaling.
	Terminate()
}

// session is the sipgo-backed Session. The response consumer goroutines
// mutate state concurrently with the call-scoped Send path, so the dialog
// fields live behind mu.
type session struct {
	transport *Transport
	callID    string
	logger    *slog.Logger

	mu     sync.Mutex
	target Instance
	state  SessionState

	inviteReq *sip.Request
	inviteRes *sip.Response
	cseq      uint32

	lastIncomingInvite *sip.Request
}

func (s *session) CallID() string { return s.callID }

func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Target() Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *session) Retarget(target Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = target
	s.state = SessionInitial
	s.inviteReq = nil
	s.inviteRes = nil
}

func (s *session) Terminate() {
	s.mu.Lock()
	s.state = SessionTerminated
	s.mu.Unlock()
	s.transport.EndSession(s.callID)
}

// Send builds and transmits the request. The response consumer goroutine
// feeds every response back through the dispatcher so scenario matching
// happens under the owning call's lock.
func (s *session) Send(ctx context.Context, msg *Message) error {
	req, err := s.buildRequest(msg)
	if err != nil {
		return err
	}

	tx, err := s.transport.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending %s to %s: %w", msg.Method, s.Target().Name, err)
	}

	if msg.Method == "INVITE" {
		s.mu.Lock()
		s.inviteReq = req
		s.state = SessionTrying
		s.mu.Unlock()
	}

	s.transport.wg.Add(1)
	go func() {
		defer s.transport.wg.Done()
		s.consumeResponses(ctx, msg.Method, req, tx)
	}()
	return nil
}

func (s *session) buildRequest(msg *Message) (*sip.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	transport := s.target.Transport
	if transport == "" {
		transport = "udp"
	}

	recipientStr := fmt.Sprintf("sip:%s@%s:%d", "capgw", s.target.Host, s.target.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing as uri: %w", err)
	}

	req := sip.NewRequest(sip.RequestMethod(msg.Method), recipient)
	req.SetTransport(transport)
	req.AppendHeader(sip.NewHeader("Call-ID", s.callID))

	// In-dialog requests reuse the dialog identifiers from the INVITE
	// exchange; the ACK-for-2xx construction below follows the same rules.
	if msg.Method != "INVITE" && s.inviteReq != nil {
		if h := s.inviteReq.From(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
		if s.inviteRes != nil {
			if h := s.inviteRes.To(); h != nil {
				req.AppendHeader(sip.HeaderClone(h))
			}
			if contact := s.inviteRes.Contact(); contact != nil {
				req.Recipient = *contact.Address.Clone()
			}
		}
		s.cseq++
		req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d %s", s.cseq, msg.Method)))
	}

	for name, value := range msg.Headers() {
		req.AppendHeader(sip.NewHeader(name, value))
	}
	if len(msg.Body) > 0 {
		req.SetBody(msg.Body)
		if msg.ContentType != "" {
			req.AppendHeader(sip.NewHeader("Content-Type", msg.ContentType))
		}
	}
	return req, nil
}

// consumeResponses surfaces responses for one client transaction. The
// transaction ending without a final response is reported as the AS being
// unreachable so the module can fail over.
func (s *session) consumeResponses(ctx context.Context, method string, req *sip.Request, tx sip.ClientTransaction) {
	defer tx.Terminate()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tx.Done():
			if txErr := tx.Err(); txErr != nil && method == "INVITE" && s.State() == SessionTrying {
				s.transport.dispatcher.OnSessionUnreachable(s.callID, txErr)
			}
			return
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			s.noteResponse(method, req, res)
			msg := s.wrapResponse(method, res)
			s.transport.dispatcher.DispatchMessage(s.callID, msg)
			if res.StatusCode >= 200 {
				return
			}
		}
	}
}

func (s *session) noteResponse(method string, req *sip.Request, res *sip.Response) {
	if method != "INVITE" {
		return
	}
	var ack *sip.Request
	s.mu.Lock()
	switch {
	case res.StatusCode < 200 && res.StatusCode > 100:
		s.state = SessionEarly
	case res.StatusCode >= 200 && res.StatusCode < 300:
		s.inviteRes = res
		s.state = SessionEstablished
		ack = buildACKFor2xx(req, res)
	case res.StatusCode >= 300:
		if s.state != SessionEstablished {
			s.state = SessionTerminated
		}
	}
	s.mu.Unlock()

	if ack != nil {
		// ACK for a 2xx is generated by the UAC core, outside the
		// transaction (RFC 3261 §13.2.2.4).
		if err := s.transport.client.WriteRequest(ack); err != nil {
			s.logger.Error("failed to send ack", "error", err)
		}
	}
}

func (s *session) wrapResponse(method string, res *sip.Response) *Message {
	msg := NewResponse(method, int(res.StatusCode), res.Reason, s.callID)
	msg.Body = res.Body()
	if ct := res.ContentType(); ct != nil {
		msg.ContentType = ct.Value()
	}
	for _, h := range res.Headers() {
		msg.SetHeader(h.Name(), h.Value())
	}
	return msg
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. The
// Request-URI comes from the response Contact when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	return ack
}
