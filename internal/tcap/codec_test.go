package tcap

import (
	"bytes"
	"testing"

	"github.com/capgw/capgw/internal/cap"
)

func TestAddressRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		digits string
		nai    int
		npi    int
	}{
		{name: "even international", digits: "31612345678", nai: 4, npi: 1},
		{name: "odd national", digits: "0612345678", nai: 3, npi: 1},
		{name: "short", digits: "112", nai: 2, npi: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := encodeAddress(tt.digits, tt.nai, tt.npi)
			if err != nil {
				t.Fatalf("encodeAddress() error: %v", err)
			}
			digits, nai, npi := decodeAddress(b)
			if digits != tt.digits || nai != tt.nai || npi != tt.npi {
				t.Errorf("decodeAddress() = %q/%d/%d, want %q/%d/%d",
					digits, nai, npi, tt.digits, tt.nai, tt.npi)
			}
		})
	}
}

func TestAddressRejectsEmptyDigits(t *testing.T) {
	if _, err := encodeAddress("", 4, 1); err == nil {
		t.Error("encodeAddress(\"\") succeeded, want error")
	}
}

func TestCauseRoundTrip(t *testing.T) {
	b, err := encodeCause(cap.CauseUserBusy)
	if err != nil {
		t.Fatalf("encodeCause() error: %v", err)
	}
	if got := decodeCause(b); got != cap.CauseUserBusy {
		t.Errorf("decodeCause() = %d, want 17", int(got))
	}
	if _, err := encodeCause(cap.CauseUnmapped); err == nil {
		t.Error("encodeCause(CauseUnmapped) succeeded, want error")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	param, err := encodeConnect(cap.ConnectArg{
		DestinationRoutingAddress: cap.CalledPartyNumber{
			Digits: "31612345678", NatureOfAddr: 4, NumberingPlan: 1,
		},
	})
	if err != nil {
		t.Fatalf("encodeConnect() error: %v", err)
	}
	comps := []component{
		{kind: compInvoke, invokeID: 1, op: cap.OpConnect, param: param},
		{kind: compInvoke, invokeID: 2, op: cap.OpContinue},
	}
	raw, err := buildContinue(0x1234, 0xabcd, comps)
	if err != nil {
		t.Fatalf("buildContinue() error: %v", err)
	}

	msg, err := parseMessage(raw)
	if err != nil {
		t.Fatalf("parseMessage() error: %v", err)
	}
	if msg.msgType != tagContinue {
		t.Errorf("msgType = 0x%02x, want continue", msg.msgType)
	}
	if !msg.hasOTID || msg.otid != 0x1234 {
		t.Errorf("otid = %d (present %v), want 0x1234", msg.otid, msg.hasOTID)
	}
	if !msg.hasDTID || msg.dtid != 0xabcd {
		t.Errorf("dtid = %d (present %v), want 0xabcd", msg.dtid, msg.hasDTID)
	}
	if len(msg.components) != 2 {
		t.Fatalf("components = %d, want 2", len(msg.components))
	}
	if msg.components[0].op != cap.OpConnect || msg.components[0].invokeID != 1 {
		t.Errorf("first component = %s/%d, want Connect/1",
			msg.components[0].op, msg.components[0].invokeID)
	}
	if !bytes.Equal(msg.components[0].param, param) {
		t.Error("connect parameter did not survive the round trip")
	}
	if msg.components[1].op != cap.OpContinue || msg.components[1].param != nil {
		t.Errorf("second component = %s with %d param bytes, want bare Continue",
			msg.components[1].op, len(msg.components[1].param))
	}
}

func TestParseBeginWithInitialDP(t *testing.T) {
	called, _ := encodeAddress("31612345678", 4, 1)
	calling, _ := encodeAddress("31201234567", 4, 1)

	var idp []byte
	idp = appendTLV(idp, 0x80, berInt(10))
	idp = appendTLV(idp, 0x82, called)
	idp = appendTLV(idp, 0x83, calling)
	idp = appendTLV(idp, 0x9c, berInt(int(cap.EventTBusy)))

	var invoke []byte
	invoke = appendTLV(invoke, tagInteger, berInt(1))
	invoke = appendTLV(invoke, tagInteger, berInt(int(cap.OpInitialDP)))
	invoke = appendTLV(invoke, tagSequence, idp)

	var content []byte
	content = appendTLV(content, tagOTID, tidBytes(0xdeadbeef))
	content = appendTLV(content, tagComponents, appendTLV(nil, tagInvoke, invoke))
	raw := appendTLV(nil, tagBegin, content)

	msg, err := parseMessage(raw)
	if err != nil {
		t.Fatalf("parseMessage() error: %v", err)
	}
	if msg.msgType != tagBegin || msg.otid != 0xdeadbeef {
		t.Fatalf("msgType=0x%02x otid=%#x, want begin/0xdeadbeef", msg.msgType, msg.otid)
	}
	if len(msg.components) != 1 {
		t.Fatalf("components = %d, want 1", len(msg.components))
	}

	arg, err := decodeArg(cap.OpInitialDP, msg.components[0].param)
	if err != nil {
		t.Fatalf("decodeArg() error: %v", err)
	}
	got, ok := arg.(*cap.InitialDPArg)
	if !ok {
		t.Fatalf("decodeArg() = %T, want *cap.InitialDPArg", arg)
	}
	if got.ServiceKey != 10 {
		t.Errorf("ServiceKey = %d, want 10", got.ServiceKey)
	}
	if got.CalledPartyNumber == nil || got.CalledPartyNumber.Digits != "31612345678" {
		t.Errorf("CalledPartyNumber = %+v, want 31612345678", got.CalledPartyNumber)
	}
	if got.CallingPartyNumber == nil || got.CallingPartyNumber.Digits != "31201234567" {
		t.Errorf("CallingPartyNumber = %+v, want 31201234567", got.CallingPartyNumber)
	}
	if got.EventType != cap.EventTBusy {
		t.Errorf("EventType = %d, want tBusy", int(got.EventType))
	}
}

func TestDecodeEventReport(t *testing.T) {
	cause, _ := encodeCause(cap.CauseUserBusy)

	var erb []byte
	erb = appendTLV(erb, 0x80, berInt(int(cap.EventTBusy)))
	erb = appendTLV(erb, 0xa2, appendTLV(nil, 0xa7, appendTLV(nil, 0x80, cause)))
	erb = appendTLV(erb, 0xa3, appendTLV(nil, 0x81, []byte{2}))
	erb = appendTLV(erb, 0xa4, appendTLV(nil, 0x80, berInt(int(cap.MonitorInterrupted))))

	arg, err := decodeEventReport(erb)
	if err != nil {
		t.Fatalf("decodeEventReport() error: %v", err)
	}
	if arg.Type != cap.EventTBusy {
		t.Errorf("Type = %d, want tBusy", int(arg.Type))
	}
	if arg.LegID != 2 {
		t.Errorf("LegID = %d, want 2", arg.LegID)
	}
	if arg.Mode != cap.MonitorInterrupted {
		t.Errorf("Mode = %d, want interrupted", int(arg.Mode))
	}
	if arg.Cause != cap.CauseUserBusy {
		t.Errorf("Cause = %d, want 17", int(arg.Cause))
	}
}

func TestReturnResultAndErrorComponents(t *testing.T) {
	// The switch answers invokes with returnResult and returnError
	// components; the gateway only ever parses these, so the test frames
	// them by hand the way Q.773 lays them out.
	rrBody := appendTLV(nil, tagInteger, berInt(5))
	var seq []byte
	seq = appendTLV(seq, tagInteger, berInt(int(cap.OpPromptAndCollect)))
	seq = appendTLV(seq, tagSequence, appendTLV(nil, 0x80, []byte{0x02, 0x21, 0x43}))
	rrBody = appendTLV(rrBody, tagSequence, seq)
	portion := appendTLV(nil, tagReturnResult, rrBody)

	reBody := appendTLV(nil, tagInteger, berInt(6))
	reBody = appendTLV(reBody, tagInteger, berInt(cap.ErrCodeUnavailableResource))
	portion = append(portion, appendTLV(nil, tagReturnError, reBody)...)

	var content []byte
	content = appendTLV(content, tagOTID, tidBytes(0x10))
	content = appendTLV(content, tagDTID, tidBytes(0x20))
	content = appendTLV(content, tagComponents, portion)
	raw := appendTLV(nil, tagContinue, content)

	msg, err := parseMessage(raw)
	if err != nil {
		t.Fatalf("parseMessage() error: %v", err)
	}
	parsed := msg.components
	if len(parsed) != 2 {
		t.Fatalf("components = %d, want 2", len(parsed))
	}
	if parsed[0].kind != compReturnResult || parsed[0].invokeID != 5 ||
		parsed[0].op != cap.OpPromptAndCollect {
		t.Errorf("result component = %+v", parsed[0])
	}
	if parsed[1].kind != compReturnError || parsed[1].invokeID != 6 ||
		parsed[1].errCode != cap.ErrCodeUnavailableResource {
		t.Errorf("error component = %+v", parsed[1])
	}

	res, err := decodeResult(cap.OpPromptAndCollect, parsed[0].param)
	if err != nil {
		t.Fatalf("decodeResult() error: %v", err)
	}
	digits, ok := res.(*cap.PromptAndCollectResult)
	if !ok || digits.Digits != "1234" {
		t.Errorf("decodeResult() = %+v, want digits 1234", res)
	}
}

func TestAbortRoundTrip(t *testing.T) {
	raw, err := buildAbort(0x42, abortCauseWire(cap.AbortUnrecognizedTransaction))
	if err != nil {
		t.Fatalf("buildAbort() error: %v", err)
	}
	msg, err := parseMessage(raw)
	if err != nil {
		t.Fatalf("parseMessage() error: %v", err)
	}
	if msg.msgType != tagAbort || msg.dtid != 0x42 {
		t.Fatalf("msgType=0x%02x dtid=%d, want abort/0x42", msg.msgType, msg.dtid)
	}
	if got := abortCauseFromWire(msg.pAbort); got != cap.AbortUnrecognizedTransaction {
		t.Errorf("abort cause = %s, want unrecognized-transaction", got)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil},
		{name: "unknown type", raw: []byte{0x70, 0x00}},
		{name: "truncated length", raw: []byte{0x62, 0x10, 0x48}},
		{name: "indefinite length", raw: []byte{0x62, 0x80, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseMessage(tt.raw); err == nil {
				t.Error("parseMessage() succeeded, want error")
			}
		})
	}
}
