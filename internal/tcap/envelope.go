package tcap

import (
	"fmt"

	gotcap "github.com/wmnsk/go-tcap"

	"github.com/capgw/capgw/internal/cap"
)

// The transaction and component envelopes ride on go-tcap. Only the CAP
// operation arguments inside the components keep the hand-rolled TLV
// codec; go-tcap does not model those.

func parseMessage(b []byte) (*message, error) {
	msgs, err := gotcap.ParseBER(b)
	if err != nil {
		return nil, fmt.Errorf("parsing transaction portion: %w", err)
	}
	if len(msgs) == 0 || msgs[0].Transaction == nil {
		return nil, fmt.Errorf("message without transaction portion")
	}
	tx := msgs[0].Transaction

	msg := &message{msgType: byte(tx.Type), pAbort: -1}
	switch msg.msgType {
	case tagBegin, tagEnd, tagContinue, tagAbort:
	default:
		return nil, fmt.Errorf("unknown message type 0x%02x", msg.msgType)
	}
	if tx.OrigTransactionID != nil {
		msg.otid = tidValue(tx.OrigTransactionID.Value)
		msg.hasOTID = true
	}
	if tx.DestTransactionID != nil {
		msg.dtid = tidValue(tx.DestTransactionID.Value)
		msg.hasDTID = true
	}
	if tx.PAbortCause != nil && len(tx.PAbortCause.Value) > 0 {
		msg.pAbort = int(tx.PAbortCause.Value[0])
	}

	comps, err := convertComponents(msgs[0].Components)
	if err != nil {
		return nil, err
	}
	msg.components = comps
	return msg, nil
}

func convertComponents(cs *gotcap.Components) ([]component, error) {
	if cs == nil {
		return nil, nil
	}
	var out []component
	for _, el := range cs.Component {
		c := component{op: cap.OpCode(-1), invokeID: ieInt(el.InvokeID)}
		switch uint8(el.Type) {
		case tagInvoke:
			c.kind = compInvoke
			if el.OperationCode != nil {
				c.op = cap.OpCode(ieInt(el.OperationCode))
			}
			c.param = ieParam(el.Parameter)
		case tagReturnResult, tagReturnResultNL:
			c.kind = compReturnResult
			if el.OperationCode != nil {
				c.op = cap.OpCode(ieInt(el.OperationCode))
			}
			c.param = ieParam(el.Parameter)
		case tagReturnError:
			c.kind = compReturnError
			c.errCode = ieInt(el.ErrorCode)
			c.param = ieParam(el.Parameter)
		case tagReject:
			c.kind = compReject
		default:
			return nil, fmt.Errorf("unknown component tag 0x%02x", uint8(el.Type))
		}
		out = append(out, c)
	}
	return out, nil
}

// ieParam unwraps an invoke or result parameter. Sequence parameters hand
// over their content; anything else keeps its own framing so the argument
// decoders see the carrier element.
func ieParam(ie *gotcap.IE) []byte {
	if ie == nil {
		return nil
	}
	if uint8(ie.Tag) == tagSequence {
		return ie.Value
	}
	return appendTLV(nil, uint32(ie.Tag), ie.Value)
}

func ieInt(ie *gotcap.IE) int {
	if ie == nil {
		return 0
	}
	v := 0
	for _, b := range ie.Value {
		v = v<<8 | int(b)
	}
	return v
}

func otidIE(v uint32) *gotcap.IE {
	return &gotcap.IE{Tag: tagOTID, Length: 4, Value: tidBytes(v)}
}

func dtidIE(v uint32) *gotcap.IE {
	return &gotcap.IE{Tag: tagDTID, Length: 4, Value: tidBytes(v)}
}

// newComponents wraps queued invokes for transmission. The gateway only
// ever originates invokes; results and errors stay with the switch.
func newComponents(comps []component) *gotcap.Components {
	var out []*gotcap.Component
	for _, c := range comps {
		out = append(out, gotcap.NewInvoke(c.invokeID, 0, int(c.op), true, c.param))
	}
	return gotcap.NewComponents(out...)
}

// buildContinue assembles a Continue carrying both transaction IDs.
// Begin is never built here, the gateway only answers dialogs the switch
// opened.
func buildContinue(otid, dtid uint32, comps []component) ([]byte, error) {
	t := &gotcap.TCAP{
		Transaction: &gotcap.Transaction{
			Type:              tagContinue,
			OrigTransactionID: otidIE(otid),
			DestTransactionID: dtidIE(dtid),
		},
	}
	if len(comps) > 0 {
		t.Components = newComponents(comps)
	}
	return marshal(t, "continue")
}

// buildEnd assembles an End closing the dialog toward the switch.
func buildEnd(dtid uint32, comps []component) ([]byte, error) {
	t := &gotcap.TCAP{
		Transaction: &gotcap.Transaction{
			Type:              tagEnd,
			DestTransactionID: dtidIE(dtid),
		},
	}
	if len(comps) > 0 {
		t.Components = newComponents(comps)
	}
	return marshal(t, "end")
}

// buildAbort assembles an Abort with a P-Abort cause.
func buildAbort(dtid uint32, cause int) ([]byte, error) {
	t := &gotcap.TCAP{
		Transaction: &gotcap.Transaction{
			Type:              tagAbort,
			DestTransactionID: dtidIE(dtid),
			PAbortCause:       &gotcap.IE{Tag: tagPAbort, Length: 1, Value: []byte{byte(cause)}},
		},
	}
	return marshal(t, "abort")
}

func marshal(t *gotcap.TCAP, kind string) ([]byte, error) {
	t.SetLength()
	b, err := t.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", kind, err)
	}
	return b, nil
}
