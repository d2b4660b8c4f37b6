package tcap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ishidawataru/sctp"
	"github.com/wmnsk/go-m3ua"
	m3params "github.com/wmnsk/go-m3ua/messages/params"
	"github.com/wmnsk/go-sccp"
	"github.com/wmnsk/go-sccp/params"
	"github.com/wmnsk/go-sccp/utils"

	"github.com/capgw/capgw/internal/cap"
)

// capSSN is the subsystem number for CAP (TS 29.078 over SCCP).
const capSSN = 146

// Config carries the signaling-point parameters of the SCTP/M3UA/SCCP
// association toward the switch.
type Config struct {
	LocalAddr  string // SCTP ip:port to bind
	RemoteAddr string // SCTP ip:port of the signaling peer
	OPC        uint32 // originating point code
	DPC        uint32 // destination point code
	LocalGT    string // calling party global title digits
	RemoteGT   string // called party global title digits

	// InvokeTimeout guards each outgoing operation; expiry is delivered
	// as OnInvokeTimeout. Zero means the 10s default.
	InvokeTimeout time.Duration

	// DialogTimeout expunges a dialog with no traffic in either
	// direction. Zero disables the guard.
	DialogTimeout time.Duration
}

// Provider terminates TCAP dialogs over an M3UA association and surfaces
// them to the gateway as cap.Dialog instances. The gateway never opens
// dialogs itself; every dialog starts with a Begin from the switch.
type Provider struct {
	cfg     Config
	handler cap.DialogHandler
	logger  *slog.Logger

	mu      sync.RWMutex
	dialogs map[uint32]*dialog
	nextID  atomic.Uint32

	connMu sync.RWMutex
	conn   *m3ua.Conn

	invokeTimeout time.Duration
	dialogTimeout time.Duration
	afterFunc     func(time.Duration, func()) *time.Timer
}

// New creates a provider delivering dialog events to handler.
func New(cfg Config, handler cap.DialogHandler, logger *slog.Logger) *Provider {
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout <= 0 {
		invokeTimeout = 10 * time.Second
	}
	return &Provider{
		cfg:           cfg,
		handler:       handler,
		logger:        logger.With("component", "tcap"),
		dialogs:       make(map[uint32]*dialog),
		invokeTimeout: invokeTimeout,
		dialogTimeout: cfg.DialogTimeout,
		afterFunc:     time.AfterFunc,
	}
}

// Dialog implements the gateway's DialogProvider.
func (p *Provider) Dialog(id uint32) (cap.Dialog, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.dialogs[id]
	return d, ok
}

func (p *Provider) removeDialog(id uint32) {
	p.mu.Lock()
	delete(p.dialogs, id)
	p.mu.Unlock()
}

// ActiveDialogs reports the number of live dialogs.
func (p *Provider) ActiveDialogs() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.dialogs)
}

// Serve dials the M3UA association and runs the read loop until the
// context is canceled, redialing with backoff after transport failures.
func (p *Provider) Serve(ctx context.Context) error {
	localAddr, err := sctp.ResolveSCTPAddr("sctp", p.cfg.LocalAddr)
	if err != nil {
		return fmt.Errorf("resolving local sctp address %q: %w", p.cfg.LocalAddr, err)
	}
	remoteAddr, err := sctp.ResolveSCTPAddr("sctp", p.cfg.RemoteAddr)
	if err != nil {
		return fmt.Errorf("resolving remote sctp address %q: %w", p.cfg.RemoteAddr, err)
	}

	m3config := m3ua.NewConfig(
		p.cfg.OPC,
		p.cfg.DPC,
		m3params.ServiceIndSCCP,
		0, // network indicator
		0, // message priority
		1, // signaling link selection
	).EnableHeartbeat(5*time.Second, 10*time.Second)

	backoff := time.Second
	for {
		conn, err := m3ua.Dial(ctx, "m3ua", localAddr, remoteAddr, m3config)
		if err != nil {
			p.logger.Error("dialing m3ua association", "remote", p.cfg.RemoteAddr, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		p.logger.Info("m3ua association established", "remote", p.cfg.RemoteAddr)

		p.connMu.Lock()
		p.conn = conn
		p.connMu.Unlock()

		err = p.readLoop(ctx, conn)

		p.connMu.Lock()
		p.conn = nil
		p.connMu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("m3ua association lost, redialing", "error", err)
	}
}

func (p *Provider) readLoop(ctx context.Context, conn *m3ua.Conn) error {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := conn.Read(buf)
		if err != nil {
			return fmt.Errorf("reading from m3ua conn: %w", err)
		}
		msg, err := sccp.ParseMessage(buf[:n])
		if err != nil {
			p.logger.Warn("unparseable sccp message", "error", err)
			continue
		}
		if msg.MessageType() != sccp.MsgTypeUDT {
			continue
		}
		udt, ok := msg.(*sccp.UDT)
		if !ok {
			continue
		}
		p.handleTCAP(udt.Data)
	}
}

// write wraps a TCAP payload in a UDT toward the configured remote global
// title and sends it on the association.
func (p *Provider) write(payload []byte) error {
	p.connMu.RLock()
	conn := p.conn
	p.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("m3ua association is down")
	}

	cdPA, err := utils.StrToSwappedBytes(p.cfg.RemoteGT, "0")
	if err != nil {
		return fmt.Errorf("encoding called party gt: %w", err)
	}
	cgPA, err := utils.StrToSwappedBytes(p.cfg.LocalGT, "0")
	if err != nil {
		return fmt.Errorf("encoding calling party gt: %w", err)
	}
	esOfCdPA, esOfCgPA := 0x01, 0x01
	if len(p.cfg.RemoteGT)%2 == 0 {
		esOfCdPA = 0x02
	}
	if len(p.cfg.LocalGT)%2 == 0 {
		esOfCgPA = 0x02
	}

	udt, err := sccp.NewUDT(
		1,    // protocol class
		true, // message handling: return on error
		params.NewPartyAddress(
			0x12, 0, capSSN, 0, // indicator, spc, ssn, tt
			0x01, esOfCdPA, 0x04, // np, es, nai
			cdPA,
		),
		params.NewPartyAddress(
			0x12, 0, capSSN, 0,
			0x01, esOfCgPA, 0x04,
			cgPA,
		),
		payload,
	).MarshalBinary()
	if err != nil {
		return fmt.Errorf("building udt: %w", err)
	}

	if _, err := conn.WriteToStream(udt, 1); err != nil {
		return fmt.Errorf("writing udt: %w", err)
	}
	return nil
}

// handleTCAP dispatches one received transaction-portion message.
func (p *Provider) handleTCAP(data []byte) {
	msg, err := parseMessage(data)
	if err != nil {
		p.logger.Warn("unparseable tcap message", "error", err)
		return
	}

	switch msg.msgType {
	case tagBegin:
		p.handleBegin(msg)
	case tagContinue:
		p.handleContinue(msg)
	case tagEnd:
		p.handleEnd(msg)
	case tagAbort:
		p.handleAbortMsg(msg)
	}
}

func (p *Provider) handleBegin(msg *message) {
	if !msg.hasOTID {
		p.logger.Warn("begin without originating transaction id")
		return
	}
	d := &dialog{
		provider: p,
		localID:  p.nextID.Add(1),
		remoteID: msg.otid,
		state:    cap.DialogInitialReceived,
	}
	p.mu.Lock()
	p.dialogs[d.localID] = d
	p.mu.Unlock()

	p.logger.Debug("dialog opened", "dialog_id", d.localID, "peer_tid", msg.otid)
	d.touch()
	p.dispatchComponents(d, msg.components)
}

func (p *Provider) handleContinue(msg *message) {
	d, ok := p.dialogByDTID(msg)
	if !ok {
		if msg.hasOTID {
			payload, err := buildAbort(msg.otid, pAbortUnrecognizedTransaction)
			if err == nil {
				err = p.write(payload)
			}
			if err != nil {
				p.logger.Warn("aborting unknown transaction", "error", err)
			}
		}
		return
	}
	d.mu.Lock()
	if msg.hasOTID {
		d.remoteID = msg.otid
	}
	if d.state == cap.DialogInitialReceived || d.state == cap.DialogInitialSent {
		d.state = cap.DialogActive
	}
	d.mu.Unlock()

	d.touch()
	p.dispatchComponents(d, msg.components)
}

func (p *Provider) handleEnd(msg *message) {
	d, ok := p.dialogByDTID(msg)
	if !ok {
		return
	}
	d.mu.Lock()
	wasInitial := d.state == cap.DialogInitialReceived
	d.mu.Unlock()

	// Results riding on the End must resolve before the dialog dies.
	p.dispatchComponents(d, msg.components)

	d.mu.Lock()
	d.expungeLocked()
	d.mu.Unlock()
	p.removeDialog(d.localID)

	if wasInitial {
		// The switch abandoned the dialog before instructions went out.
		p.handler.OnRelease(d.localID)
		return
	}
	p.handler.OnDialogClose(d.localID)
}

func (p *Provider) handleAbortMsg(msg *message) {
	d, ok := p.dialogByDTID(msg)
	if !ok {
		return
	}
	d.mu.Lock()
	d.expungeLocked()
	d.mu.Unlock()
	p.removeDialog(d.localID)

	if msg.pAbort >= 0 {
		p.handler.OnProviderAbort(d.localID, abortCauseFromWire(msg.pAbort))
		return
	}
	p.handler.OnUserAbort(d.localID, cap.AbortNoReasonGiven)
}

func (p *Provider) dialogByDTID(msg *message) (*dialog, bool) {
	if !msg.hasDTID {
		return nil, false
	}
	p.mu.RLock()
	d, ok := p.dialogs[msg.dtid]
	p.mu.RUnlock()
	if !ok {
		p.logger.Debug("message for unknown dialog", "dtid", msg.dtid)
	}
	return d, ok
}

func (p *Provider) dispatchComponents(d *dialog, comps []component) {
	for _, c := range comps {
		switch c.kind {
		case compInvoke:
			arg, err := decodeArg(c.op, c.param)
			if err != nil {
				p.logger.Warn("undecodable operation argument",
					"dialog_id", d.localID, "op", c.op.String(), "error", err)
				continue
			}
			p.handler.OnRequest(d.localID, c.invokeID, c.op, arg)
		case compReturnResult:
			op, ok := d.resolve(c.invokeID)
			if !ok {
				continue
			}
			if c.op >= 0 {
				op = c.op
			}
			result, err := decodeResult(op, c.param)
			if err != nil {
				p.logger.Warn("undecodable operation result",
					"dialog_id", d.localID, "op", op.String(), "error", err)
			}
			p.handler.OnResult(d.localID, c.invokeID, op, result)
		case compReturnError:
			if _, ok := d.resolve(c.invokeID); !ok {
				continue
			}
			p.handler.OnError(d.localID, c.invokeID, c.errCode, "")
		case compReject:
			if _, ok := d.resolve(c.invokeID); !ok {
				continue
			}
			p.handler.OnError(d.localID, c.invokeID, -1, "component rejected by peer")
		}
	}
}
