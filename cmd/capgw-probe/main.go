// Command capgw-probe sends a single CAP initialDP toward a signaling
// peer and prints every TCAP message that comes back. It is a connectivity
// and configuration check for the SCTP/M3UA/SCCP path, not a call
// generator; the dialog it opens is abandoned when the probe exits.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/ishidawataru/sctp"
	"github.com/wmnsk/go-m3ua"
	m3params "github.com/wmnsk/go-m3ua/messages/params"
	"github.com/wmnsk/go-sccp"
	"github.com/wmnsk/go-sccp/params"
	"github.com/wmnsk/go-sccp/utils"
	"github.com/wmnsk/go-tcap"
)

// capSSN is the subsystem number for CAP.
const capSSN = 146

func main() {
	var (
		laddr      = flag.String("laddr", "127.0.0.1:2905", "local SCTP ip:port to bind")
		raddr      = flag.String("raddr", "127.0.0.1:2906", "remote SCTP ip:port of the signaling peer")
		opc        = flag.Uint("opc", 1, "own signalling point code")
		dpc        = flag.Uint("dpc", 2, "destination signalling point code")
		localGT    = flag.String("local-gt", "1234567890", "own global title digits")
		remoteGT   = flag.String("remote-gt", "9876543210", "peer global title digits")
		otid       = flag.Uint("otid", 0x11111111, "originating transaction id")
		serviceKey = flag.Int("service-key", 10, "service key for the initialDP")
		calling    = flag.String("calling", "31201234567", "calling party digits")
		called     = flag.String("called", "31887654321", "called party digits")
		wait       = flag.Duration("wait", 10*time.Second, "how long to listen for answers")
	)
	flag.Parse()

	arg, err := buildInitialDP(*serviceKey, *calling, *called)
	if err != nil {
		log.Fatalf("building initialDP argument: %s", err)
	}

	// initialDP is operation code 0. The dialogue portion only opens the
	// transaction; the peer is expected to answer with Continue or End.
	tcapBytes, err := tcap.NewBeginInvokeWithDialogue(
		uint32(*otid),
		tcap.DialogueAsID,
		tcap.InfoRetrievalContext,
		3,
		0,
		0,
		arg,
	).MarshalBinary()
	if err != nil {
		log.Fatalf("building begin: %s", err)
	}

	m3cfg := m3ua.NewConfig(
		uint32(*opc),
		uint32(*dpc),
		m3params.ServiceIndSCCP,
		0, // NetworkIndicator
		0, // MessagePriority
		1, // SignalingLinkSelection
	).EnableHeartbeat(0, 0)

	localAddr, err := sctp.ResolveSCTPAddr("sctp", *laddr)
	if err != nil {
		log.Fatalf("resolving local sctp address: %s", err)
	}
	remoteAddr, err := sctp.ResolveSCTPAddr("sctp", *raddr)
	if err != nil {
		log.Fatalf("resolving remote sctp address: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()
	conn, err := m3ua.Dial(ctx, "m3ua", localAddr, remoteAddr, m3cfg)
	if err != nil {
		log.Fatalf("dialing m3ua: %s", err)
	}
	defer conn.Close()
	log.Printf("m3ua association up with %s", conn.RemoteAddr())

	udt, err := buildUDT(*remoteGT, *localGT, tcapBytes)
	if err != nil {
		log.Fatalf("building udt: %s", err)
	}
	if _, err := conn.Write(udt, 1); err != nil {
		log.Fatalf("sending begin: %s", err)
	}
	log.Printf("sent initialDP: otid=%#x service_key=%d calling=%s called=%s",
		*otid, *serviceKey, *calling, *called)

	deadline := time.AfterFunc(*wait, func() {
		log.Printf("no more answers after %s, giving up", *wait)
		conn.Close()
		os.Exit(0)
	})
	defer deadline.Stop()

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Printf("association closed by peer")
				return
			}
			log.Fatalf("reading from m3ua conn: %s", err)
		}

		msg, err := sccp.ParseMessage(buf[:n])
		if err != nil {
			log.Printf("unparseable sccp message: %s", err)
			continue
		}
		if msg.MessageType() != sccp.MsgTypeUDT {
			log.Printf("sccp message: %s", msg)
			continue
		}
		udtMsg, ok := msg.(*sccp.UDT)
		if !ok {
			continue
		}

		parsed, err := tcap.ParseBER(udtMsg.Data)
		if err != nil {
			log.Printf("unparseable tcap payload: %s", err)
			continue
		}
		log.Printf("tcap answer: %s", parsed)
	}
}

// buildUDT wraps a TCAP payload in a class 1 UDT addressed by global title.
func buildUDT(calledGT, callingGT string, payload []byte) ([]byte, error) {
	cdGT, err := utils.StrToSwappedBytes(calledGT, "0")
	if err != nil {
		return nil, err
	}
	cgGT, err := utils.StrToSwappedBytes(callingGT, "0")
	if err != nil {
		return nil, err
	}
	esCd, esCg := 0x01, 0x01
	if len(calledGT)%2 == 0 {
		esCd = 0x02
	}
	if len(callingGT)%2 == 0 {
		esCg = 0x02
	}

	return sccp.NewUDT(
		1,    // Protocol Class
		true, // Message handling
		params.NewPartyAddress(
			0x12, 0, capSSN, 0, // Indicator, SPC, SSN, TT
			0x01, esCd, 0x04, // NP, ES, NAI
			cdGT,
		),
		params.NewPartyAddress(
			0x12, 0, capSSN, 0,
			0x01, esCg, 0x04,
			cgGT,
		),
		payload,
	).MarshalBinary()
}

// buildInitialDP encodes a minimal initialDP argument: service key,
// calling party number and called party BCD number, international nature
// of address, ISDN numbering plan.
func buildInitialDP(serviceKey int, calling, called string) ([]byte, error) {
	callingAddr, err := encodeISUPAddress(calling)
	if err != nil {
		return nil, err
	}
	calledAddr, err := encodeISUPAddress(called)
	if err != nil {
		return nil, err
	}

	var arg []byte
	arg = appendElement(arg, 0x80, []byte{byte(serviceKey)}) // serviceKey
	arg = appendElement(arg, 0x82, calledAddr)               // calledPartyNumber
	arg = appendElement(arg, 0x83, callingAddr)              // callingPartyNumber
	return arg, nil
}

// encodeISUPAddress builds Q.763 address octets: nature of address with
// the odd-digit flag, numbering plan, then the swapped BCD digits.
func encodeISUPAddress(digits string) ([]byte, error) {
	bcd, err := utils.StrToSwappedBytes(digits, "0")
	if err != nil {
		return nil, err
	}
	nai := byte(0x04) // international
	if len(digits)%2 == 1 {
		nai |= 0x80
	}
	return append([]byte{nai, 0x10}, bcd...), nil
}

// appendElement appends one short-form BER TLV.
func appendElement(dst []byte, tag byte, value []byte) []byte {
	dst = append(dst, tag, byte(len(value)))
	return append(dst, value...)
}
